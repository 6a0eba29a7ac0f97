package cpu

// CPUID leaves used by the probe.
const (
	LeafVendor      = uint32(0)
	LeafExtMax      = uint32(0x80000000)
	LeafExtFeatures = uint32(0x80000001)
)

// Bits reported in EDX by LeafExtFeatures.
const (
	extNoExecute  = uint32(1 << 20)
	extHugePage1G = uint32(1 << 26)
	extLongMode   = uint32(1 << 29)
)

// Features is the result of a processor feature probe. It is produced once
// by the bootstrap processor and consumed immediately by the boot path.
type Features struct {
	// CPUID is set when the RFLAGS.ID bit can be toggled.
	CPUID bool

	// MaxExtLeaf is the highest extended CPUID leaf.
	MaxExtLeaf uint32

	// LongMode is set when the processor supports 64-bit mode.
	LongMode bool

	// HugePages1G is set when page directory pointer entries can map
	// 1 GiB pages.
	HugePages1G bool

	// NoExecute is set when the NX page table bit is available.
	NoExecute bool
}

// Probe detects the features required by the boot path. The probe stops as
// soon as a prerequisite is missing: without CPUID no CPUID leaf is
// queried and without the extended feature leaf no long mode or huge page
// bits are evaluated.
func Probe(src FeatureSource) Features {
	var features Features

	flags := src.ReadFlags()
	src.WriteFlags(flags ^ FlagID)
	toggled := src.ReadFlags()
	src.WriteFlags(flags)

	if (flags^toggled)&FlagID == 0 {
		return features
	}
	features.CPUID = true

	features.MaxExtLeaf, _, _, _ = src.CPUID(LeafExtMax)
	if features.MaxExtLeaf < LeafExtFeatures {
		return features
	}

	_, _, _, edx := src.CPUID(LeafExtFeatures)
	features.LongMode = edx&extLongMode != 0
	features.HugePages1G = edx&extHugePage1G != 0
	features.NoExecute = edx&extNoExecute != 0

	return features
}

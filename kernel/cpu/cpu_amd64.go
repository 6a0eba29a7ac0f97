package cpu

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	cpuidFn      = ID
	readFlagsFn  = readFlags
	writeFlagsFn = writeFlags
)

// Halt disables interrupts and stops instruction execution. It never
// returns.
func Halt()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// readFlags returns the contents of the RFLAGS register.
func readFlags() uint64

// writeFlags loads the RFLAGS register with the supplied value.
func writeFlags(flags uint64)

// Vendor returns the 12-character vendor identification string reported by
// CPUID leaf 0 (e.g. "GenuineIntel").
func Vendor() string {
	var vendor [12]byte

	_, ebx, ecx, edx := cpuidFn(LeafVendor)
	for i, reg := range [3]uint32{ebx, edx, ecx} {
		vendor[i*4] = byte(reg)
		vendor[i*4+1] = byte(reg >> 8)
		vendor[i*4+2] = byte(reg >> 16)
		vendor[i*4+3] = byte(reg >> 24)
	}

	return string(vendor[:])
}

// host exposes the executing processor as a FeatureSource.
type host struct{}

func (host) CPUID(leaf uint32) (uint32, uint32, uint32, uint32) { return cpuidFn(leaf) }

func (host) ReadFlags() uint64 { return readFlagsFn() }

func (host) WriteFlags(flags uint64) { writeFlagsFn(flags) }

// HostFeatures runs the feature probe against the processor executing the
// caller. Both CPUID and the RFLAGS.ID toggle are unprivileged so this also
// works from a hosted process.
func HostFeatures() Features {
	return Probe(host{})
}

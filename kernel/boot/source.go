package boot

import (
	"gopherboot/multiboot"
	"gopherboot/xen"
	"io"
)

// SourceKind identifies the convention BootInfo follows.
type SourceKind uint8

const (
	// SourceUnknown is never passed to a handoff.
	SourceUnknown SourceKind = iota

	// SourceMultiboot means the info pointer addresses a Multiboot2 info
	// structure.
	SourceMultiboot

	// SourceDirectBoot means the info pointer addresses a Xen PVH
	// hvm_start_info structure.
	SourceDirectBoot
)

// String implements fmt.Stringer for SourceKind.
func (k SourceKind) String() string {
	switch k {
	case SourceMultiboot:
		return "multiboot"
	case SourceDirectBoot:
		return "directboot"
	default:
		return "unknown"
	}
}

// EntryPoint identifies the image entry point a loader transferred control
// to.
type EntryPoint uint8

const (
	// EntryMultiboot2 is the 32-bit entry used by Multiboot2 loaders.
	EntryMultiboot2 EntryPoint = iota

	// EntryPVH is the 32-bit entry advertised through the
	// XEN_ELFNOTE_PHYS32_ENTRY note.
	EntryPVH

	// EntryEFI64 is the 64-bit entry advertised through the Multiboot2
	// EFI amd64 entry tag.
	EntryEFI64
)

// String implements fmt.Stringer for EntryPoint.
func (e EntryPoint) String() string {
	switch e {
	case EntryMultiboot2:
		return "multiboot2"
	case EntryPVH:
		return "pvh"
	case EntryEFI64:
		return "efi64"
	default:
		return "unknown"
	}
}

// Source validates the entry registers of one boot convention and extracts
// the info pointer from them.
type Source interface {
	// Kind returns the tag passed to the handoff.
	Kind() SourceKind

	// LongMode returns true if the convention enters the image in 64-bit
	// mode.
	LongMode() bool

	// Validate returns true if the entry registers (and, where the
	// convention requires it, the structure they point to) carry the
	// expected magic value.
	Validate(regs Registers, mem io.ReaderAt) bool

	// InfoPointer returns the physical address of the info structure.
	InfoPointer(regs Registers) uintptr
}

// Multiboot2Source handles the 32-bit Multiboot2 entry: EAX holds the info
// magic and EBX the info pointer.
type Multiboot2Source struct{}

// Kind implements Source.
func (Multiboot2Source) Kind() SourceKind { return SourceMultiboot }

// LongMode implements Source.
func (Multiboot2Source) LongMode() bool { return false }

// Validate implements Source.
func (Multiboot2Source) Validate(regs Registers, _ io.ReaderAt) bool {
	return regs.EAX() == multiboot.InfoMagic
}

// InfoPointer implements Source.
func (Multiboot2Source) InfoPointer(regs Registers) uintptr { return uintptr(regs.EBX()) }

// PVHSource handles the Xen PVH entry: EBX points at a start-info structure
// whose first word is the start-info magic.
type PVHSource struct{}

// Kind implements Source.
func (PVHSource) Kind() SourceKind { return SourceDirectBoot }

// LongMode implements Source.
func (PVHSource) LongMode() bool { return false }

// Validate implements Source.
func (PVHSource) Validate(regs Registers, mem io.ReaderAt) bool {
	return xen.HasStartInfoMagic(mem, uintptr(regs.EBX()))
}

// InfoPointer implements Source.
func (PVHSource) InfoPointer(regs Registers) uintptr { return uintptr(regs.EBX()) }

// EFI64Source handles the Multiboot2 EFI amd64 entry: the processor already
// runs in 64-bit mode, EAX holds the info magic and RBX the info pointer.
type EFI64Source struct{}

// Kind implements Source.
func (EFI64Source) Kind() SourceKind { return SourceMultiboot }

// LongMode implements Source.
func (EFI64Source) LongMode() bool { return true }

// Validate implements Source.
func (EFI64Source) Validate(regs Registers, _ io.ReaderAt) bool {
	return regs.EAX() == multiboot.InfoMagic
}

// InfoPointer implements Source.
func (EFI64Source) InfoPointer(regs Registers) uintptr { return uintptr(regs.RBX) }

// SourceFor returns the source handling entry point ep or nil if ep is not
// a known entry point.
func SourceFor(ep EntryPoint) Source {
	switch ep {
	case EntryMultiboot2:
		return Multiboot2Source{}
	case EntryPVH:
		return PVHSource{}
	case EntryEFI64:
		return EFI64Source{}
	default:
		return nil
	}
}

package smp

import (
	"encoding/binary"
	"gopherboot/kernel"
	"gopherboot/kernel/boot"
	"gopherboot/kernel/cpu"
	"gopherboot/kernel/gdt"
	"gopherboot/kernel/mem"
)

// lowMemoryLimit is the end of the memory reachable with a startup vector.
const lowMemoryLimit = 0x100000

var (
	// ErrBadBase is returned for a trampoline base that is not page
	// aligned or does not leave room for the image below 1 MiB.
	ErrBadBase = &kernel.Error{Module: "smp", Message: "trampoline base must be page aligned and below 1 MiB"}

	errTrampolineAccess = &kernel.Error{Module: "smp", Message: "unable to access trampoline copy"}
)

// Params holds the values patched into a trampoline copy.
type Params struct {
	// GDT is the published descriptor table, copied into the image for
	// the switch to 64-bit mode.
	GDT gdt.Table

	PML4     uintptr
	CR4Bits  uint64
	EFERBits uint64

	// PrivateGDT is the descriptor table the processor switches to once
	// in 64-bit mode; TSSSelector selects its TSS.
	PrivateGDT  cpu.DescriptorTablePointer
	TSSSelector uint16

	Stack uintptr
	Entry uintptr
}

// Loader installs trampoline copies into physical memory.
type Loader struct {
	Mem   boot.Memory
	Image *Image

	// buf holds the copy being prepared.
	buf [mem.PageSize]byte
}

// NewLoader returns a loader installing the trampoline into m.
func NewLoader(m boot.Memory) *Loader {
	return &Loader{Mem: m, Image: Trampoline()}
}

// Install copies the trampoline to base, applies the fixups for base and
// fills in the parameter slots. The alive flag of the copy is cleared.
func (l *Loader) Install(base uintptr, p Params) *kernel.Error {
	img := l.Image
	if base == 0 || !mem.PageSize.Aligned(base) || base+uintptr(len(img.Code)) > lowMemoryLimit {
		return ErrBadBase
	}

	buf := l.buf[:len(img.Code)]
	copy(buf, img.Code)

	for _, f := range img.Fixups {
		addr := uint64(base) + uint64(f.Link)
		switch f.Size {
		case 2:
			binary.LittleEndian.PutUint16(buf[f.Offset:], uint16(addr))
		case 8:
			binary.LittleEndian.PutUint64(buf[f.Offset:], addr)
		default:
			binary.LittleEndian.PutUint32(buf[f.Offset:], uint32(addr))
		}
	}

	slots := img.Slots
	p.GDT.Encode(buf[slots.GDT:])
	binary.LittleEndian.PutUint32(buf[slots.CR3:], uint32(p.PML4))
	binary.LittleEndian.PutUint32(buf[slots.CR4Bits:], uint32(p.CR4Bits))
	binary.LittleEndian.PutUint32(buf[slots.EFERBits:], uint32(p.EFERBits))
	binary.LittleEndian.PutUint16(buf[slots.GDTR64:], p.PrivateGDT.Limit)
	binary.LittleEndian.PutUint64(buf[slots.GDTR64+2:], p.PrivateGDT.Base)
	binary.LittleEndian.PutUint16(buf[slots.TSSSelector:], p.TSSSelector)
	binary.LittleEndian.PutUint64(buf[slots.Stack:], uint64(p.Stack))
	binary.LittleEndian.PutUint64(buf[slots.Entry:], uint64(p.Entry))
	buf[slots.Alive] = 0

	if _, err := l.Mem.WriteAt(buf, int64(base)); err != nil {
		return errTrampolineAccess
	}

	// Clear whatever a previous copy left in the rest of the page.
	tail := base + uintptr(len(buf))
	return kernel.Memset(l.Mem, tail, 0, uintptr(mem.PageSize)-uintptr(len(buf)))
}

// Alive returns true once the processor running the copy at base reported
// that it reached 64-bit mode.
func (l *Loader) Alive(base uintptr) (bool, *kernel.Error) {
	var flag [1]byte
	if _, err := l.Mem.ReadAt(flag[:], int64(base)+int64(l.Image.Slots.Alive)); err != nil {
		return false, errTrampolineAccess
	}
	return flag[0] != 0, nil
}

// Vector returns the startup IPI vector for a copy installed at base.
func Vector(base uintptr) uint8 {
	return uint8(base >> mem.PageShift)
}

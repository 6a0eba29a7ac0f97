package boot

import (
	"gopherboot/kernel"
	"io"
	"sync/atomic"
)

var (
	// ErrSealed is returned for writes to a shared structure after the
	// arena was sealed.
	ErrSealed = &kernel.Error{Module: "boot", Message: "write to a published structure"}

	errProtectFailed = &kernel.Error{Module: "boot", Message: "unable to write-protect published structures"}
)

// Memory is physical memory accessed by physical address.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Protector is implemented by memory that can reject writes to a range.
type Protector interface {
	Protect(addr, size uintptr) error
}

// Range is a named span of physical memory.
type Range struct {
	Name string
	Addr uintptr
	Size uintptr
}

func (r Range) overlaps(addr, size uintptr) bool {
	return addr < r.Addr+r.Size && r.Addr < addr+size
}

// Arena is the memory the bootstrap processor builds the shared structures
// in. Writes are allowed until Seal publishes the structures; afterwards any
// write overlapping a shared range fails with ErrSealed. Reads are never
// restricted.
type Arena struct {
	mem    Memory
	shared []Range
	sealed atomic.Bool
}

// NewArena returns an arena over mem guarding the shared ranges.
func NewArena(mem Memory, shared ...Range) *Arena {
	return &Arena{mem: mem, shared: shared}
}

// ReadAt implements io.ReaderAt.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	return a.mem.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	if a.sealed.Load() {
		for _, r := range a.shared {
			if r.overlaps(uintptr(off), uintptr(len(p))) {
				return 0, ErrSealed
			}
		}
	}

	return a.mem.WriteAt(p, off)
}

// Seal publishes the shared structures. Sealing twice is a no-op. If the
// underlying memory implements Protector the shared ranges are also
// write-protected there.
func (a *Arena) Seal() *kernel.Error {
	if !a.sealed.CompareAndSwap(false, true) {
		return nil
	}

	if p, ok := a.mem.(Protector); ok {
		for _, r := range a.shared {
			if err := p.Protect(r.Addr, r.Size); err != nil {
				return errProtectFailed
			}
		}
	}

	return nil
}

// Sealed returns true once Seal was called.
func (a *Arena) Sealed() bool {
	return a.sealed.Load()
}

// Shared returns the guarded ranges.
func (a *Arena) Shared() []Range {
	return a.shared
}

// Package emu provides an emulated x86-64 machine: physical memory, a
// register-level processor model and a set of processors sharing that
// memory. It lets the boot path run unmodified inside a hosted process.
package emu

import (
	"gopherboot/kernel"
	"gopherboot/kernel/mem"
	"gopherboot/kernel/mem/pmm"
	"os"
	"sync"
)

var (
	// ErrOutOfRange is returned for accesses past the end of memory.
	ErrOutOfRange = &kernel.Error{Module: "emu", Message: "physical address out of range"}

	// ErrWriteProtected is returned for writes to protected memory.
	ErrWriteProtected = &kernel.Error{Module: "emu", Message: "write to protected memory"}
)

type region struct {
	addr, size uintptr
}

func (r region) overlaps(addr, size uintptr) bool {
	return addr < r.addr+r.size && r.addr < addr+size
}

// RAM is emulated physical memory starting at address 0. It is safe for
// concurrent use by multiple processors.
type RAM struct {
	mu sync.RWMutex

	mem       []byte
	release   func([]byte) error
	protected []region

	// dirty holds one bit per page written since the last ClearDirty.
	dirty []uint64
}

// NewRAM allocates size bytes of zeroed memory. Where the host supports it
// the memory is an anonymous mapping so that protected ranges can also be
// write-protected by the host MMU.
func NewRAM(size mem.Size) (*RAM, error) {
	buf, release, err := allocate(int(size))
	if err != nil {
		return nil, err
	}

	pages := size.Pages()
	return &RAM{
		mem:     buf,
		release: release,
		dirty:   make([]uint64, (pages+63)/64),
	}, nil
}

// Size returns the size of the memory in bytes.
func (r *RAM) Size() uintptr {
	return uintptr(len(r.mem))
}

func (r *RAM) inRange(off int64, n int) bool {
	return off >= 0 && uint64(off)+uint64(n) <= uint64(len(r.mem))
}

// ReadAt implements io.ReaderAt.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.inRange(off, len(p)) {
		return 0, ErrOutOfRange
	}

	return copy(p, r.mem[off:]), nil
}

// WriteAt implements io.WriterAt. Writes overlapping a protected range fail
// without modifying memory.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.inRange(off, len(p)) {
		return 0, ErrOutOfRange
	}

	for _, reg := range r.protected {
		if reg.overlaps(uintptr(off), uintptr(len(p))) {
			return 0, ErrWriteProtected
		}
	}

	if len(p) == 0 {
		return 0, nil
	}

	first, count := pmm.FrameSpan(uintptr(off), uintptr(len(p)))
	for page := first; page < first+pmm.Frame(count); page++ {
		r.dirty[page/64] |= 1 << (page % 64)
	}

	return copy(r.mem[off:], p), nil
}

// Protect makes [addr, addr+size) read-only. Host pages lying entirely
// within the range are also write-protected at the host level.
func (r *RAM) Protect(addr, size uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.inRange(int64(addr), int(size)) {
		return ErrOutOfRange
	}

	r.protected = append(r.protected, region{addr, size})

	hostPage := uintptr(os.Getpagesize())
	start := (addr + hostPage - 1) &^ (hostPage - 1)
	end := (addr + size) &^ (hostPage - 1)
	if start < end {
		return protectPages(r.mem[start:end])
	}

	return nil
}

// Protected returns true if any byte of [addr, addr+size) is protected.
func (r *RAM) Protected(addr, size uintptr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.protected {
		if reg.overlaps(addr, size) {
			return true
		}
	}
	return false
}

// Dirty returns true if any page overlapping [addr, addr+size) was written
// since the last call to ClearDirty.
func (r *RAM) Dirty(addr, size uintptr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if size == 0 {
		return false
	}

	first, count := pmm.FrameSpan(addr, size)
	for page := first; page < first+pmm.Frame(count); page++ {
		if int(page/64) >= len(r.dirty) {
			break
		}
		if r.dirty[page/64]&(1<<(page%64)) != 0 {
			return true
		}
	}
	return false
}

// ClearDirty resets the written-page tracking.
func (r *RAM) ClearDirty() {
	r.mu.Lock()
	for i := range r.dirty {
		r.dirty[i] = 0
	}
	r.mu.Unlock()
}

// Close releases the memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return nil
	}

	buf := r.mem
	r.mem = nil
	if r.release != nil {
		return r.release(buf)
	}
	return nil
}

package emu

import "sync"

// entryStride separates consecutive registered entry addresses.
const entryStride = 16

// Entries maps code addresses to the Go functions CPU.Call runs for them.
type Entries struct {
	mu   sync.Mutex
	next uintptr
	fns  map[uintptr]func()
}

// NewEntries returns a registry handing out addresses starting at base.
func NewEntries(base uintptr) *Entries {
	return &Entries{next: base, fns: make(map[uintptr]func())}
}

// Register assigns an address to fn.
func (e *Entries) Register(fn func()) uintptr {
	e.mu.Lock()
	defer e.mu.Unlock()

	addr := e.next
	e.next += entryStride
	e.fns[addr] = fn
	return addr
}

// Lookup returns the function registered at addr.
func (e *Entries) Lookup(addr uintptr) (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn, ok := e.fns[addr]
	return fn, ok
}

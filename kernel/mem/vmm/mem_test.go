package vmm

import (
	"encoding/binary"
	"gopherboot/kernel"
	"io"
)

var errOutOfRange = &kernel.Error{Module: "test", Message: "access outside of test memory"}

// physMem is a byte-slice backed physical address space starting at 0.
type physMem struct {
	buf    []byte
	writes int
}

func newPhysMem(size int) *physMem {
	return &physMem{buf: make([]byte, size)}
}

func (m *physMem) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m.buf) {
		return 0, errOutOfRange
	}
	return copy(p, m.buf[off:]), nil
}

func (m *physMem) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m.buf) {
		return 0, errOutOfRange
	}
	m.writes++
	return copy(m.buf[off:], p), nil
}

func (m *physMem) entry(tableAddr uintptr, index int) uint64 {
	return binary.LittleEndian.Uint64(m.buf[tableAddr+uintptr(index)*8:])
}

func (m *physMem) setEntry(tableAddr uintptr, index int, value uint64) {
	binary.LittleEndian.PutUint64(m.buf[tableAddr+uintptr(index)*8:], value)
}

var _ io.ReaderAt = (*physMem)(nil)

// testTables is a table layout similar to the one used by the boot arena.
var testTables = Tables{
	PML4: 0x200000,
	PDPT: 0x201000,
	PD:   [identityTables]uintptr{0x202000, 0x203000, 0x204000, 0x205000},
}

const (
	testMemSize    = 0x210000
	testKernelBase = uintptr(0xffffff8000000000)
)

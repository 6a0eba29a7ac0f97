package boot

import (
	"errors"
	"gopherboot/emu"
	"gopherboot/kernel/gdt"
	"gopherboot/kernel/mem"
	"io"
	"testing"
)

type memMock struct {
	buf        []byte
	protectErr error
	protected  []Range
}

func (m *memMock) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, io.EOF
	}
	return copy(p, m.buf[off:]), nil
}

func (m *memMock) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.buf[off:], p), nil
}

func (m *memMock) Protect(addr, size uintptr) error {
	m.protected = append(m.protected, Range{Addr: addr, Size: size})
	return m.protectErr
}

func TestArenaSeal(t *testing.T) {
	ram, err := emu.NewRAM(4 * mem.Mb)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ram.Close() }()

	layout := DefaultLayout()
	arena := NewArena(ram, layout.Shared()...)

	if _, err := arena.WriteAt([]byte{1, 2, 3}, int64(layout.GDT)); err != nil {
		t.Fatalf("unexpected error writing to an unsealed arena: %v", err)
	}

	if err := arena.Seal(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !arena.Sealed() {
		t.Fatal("expected arena to be sealed")
	}
	if err := arena.Seal(); err != nil {
		t.Fatalf("expected a second Seal to be a no-op; got %v", err)
	}

	specs := []struct {
		addr   uintptr
		size   int
		expErr error
	}{
		{layout.PML4, 8, ErrSealed},
		{layout.PD[3] + 0xff8, 8, ErrSealed},
		{layout.GDT + 0x28, 16, ErrSealed},
		{layout.TSS + gdt.TSSSize - 1, 1, ErrSealed},
		{layout.GDT - 8, 8, ErrSealed},
		{layout.GDT + 0x38, 8, nil},
		{layout.Stack32 - 8, 8, nil},
		{0xb8000, 2, nil},
	}

	for specIndex, spec := range specs {
		_, err := arena.WriteAt(make([]byte, spec.size), int64(spec.addr))
		if spec.expErr == nil && err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}
		if spec.expErr != nil && err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	for _, r := range arena.Shared() {
		if !ram.Protected(r.Addr, r.Size) {
			t.Errorf("expected %s range to be write-protected in RAM", r.Name)
		}
	}

	buf := make([]byte, 3)
	if _, err := arena.ReadAt(buf, int64(layout.GDT)); err != nil || buf[2] != 3 {
		t.Fatalf("expected reads to succeed after sealing; got %v (err %v)", buf, err)
	}
}

func TestArenaSealProtectError(t *testing.T) {
	m := &memMock{buf: make([]byte, 0x300000), protectErr: errors.New("mprotect failed")}
	arena := NewArena(m, DefaultLayout().Shared()...)

	if err := arena.Seal(); err != errProtectFailed {
		t.Fatalf("expected errProtectFailed; got %v", err)
	}

	if !arena.Sealed() {
		t.Fatal("expected arena to be sealed even if protection failed")
	}

	if len(m.protected) != 1 {
		t.Fatalf("expected protection to stop at the first failure; got %d calls", len(m.protected))
	}
}

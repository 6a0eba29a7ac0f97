package emu

import (
	"bytes"
	"gopherboot/kernel/mem"
	"testing"
)

func newTestRAM(t *testing.T, size mem.Size) *RAM {
	t.Helper()

	ram, err := NewRAM(size)
	if err != nil {
		t.Fatalf("unable to allocate RAM: %v", err)
	}
	t.Cleanup(func() { _ = ram.Close() })
	return ram
}

func TestRAMReadWrite(t *testing.T) {
	ram := newTestRAM(t, 4*mem.Mb)

	if ram.Size() != uintptr(4*mem.Mb) {
		t.Fatalf("expected size %d; got %d", 4*mem.Mb, ram.Size())
	}

	data := []byte("gopherboot")
	if n, err := ram.WriteAt(data, 0x8000); err != nil || n != len(data) {
		t.Fatalf("expected to write %d bytes; wrote %d (err %v)", len(data), n, err)
	}

	got := make([]byte, len(data))
	if _, err := ram.ReadAt(got, 0x8000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected to read %q; got %q", data, got)
	}

	specs := []int64{-1, int64(4*mem.Mb) - 4, int64(4 * mem.Mb)}
	for specIndex, off := range specs {
		if _, err := ram.ReadAt(got, off); err != ErrOutOfRange {
			t.Errorf("[spec %d] expected ErrOutOfRange reading at 0x%x; got %v", specIndex, off, err)
		}
		if _, err := ram.WriteAt(got, off); err != ErrOutOfRange {
			t.Errorf("[spec %d] expected ErrOutOfRange writing at 0x%x; got %v", specIndex, off, err)
		}
	}
}

func TestRAMProtect(t *testing.T) {
	ram := newTestRAM(t, 4*mem.Mb)

	// the GDT page and a TSS spanning three pages
	if err := ram.Protect(0x206000, 56); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ram.Protect(0x207000, 8297); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	specs := []struct {
		addr   int64
		size   int
		expErr error
	}{
		{0x206000, 8, ErrWriteProtected},
		{0x205ff8, 16, ErrWriteProtected},
		{0x206038, 8, nil},
		{0x209060, 16, ErrWriteProtected},
		{0x20a000, 16, nil},
		{0x205000, 8, nil},
	}

	for specIndex, spec := range specs {
		_, err := ram.WriteAt(make([]byte, spec.size), spec.addr)
		if spec.expErr == nil && err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}
		if spec.expErr != nil && err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if !ram.Protected(0x208000, 1) || ram.Protected(0x20a000, 0x1000) {
		t.Error("expected Protected to report the protected ranges")
	}

	// reads of protected memory still work
	buf := make([]byte, 16)
	if _, err := ram.ReadAt(buf, 0x207ff8); err != nil {
		t.Errorf("unexpected read error: %v", err)
	}

	if err := ram.Protect(0x3ffff0, 0x100); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange; got %v", err)
	}
}

func TestRAMDirty(t *testing.T) {
	ram := newTestRAM(t, 4*mem.Mb)

	if ram.Dirty(0, 0x400000) {
		t.Fatal("expected fresh RAM to be clean")
	}

	_, _ = ram.WriteAt([]byte{1, 2}, 0x201fff)

	specs := []struct {
		addr, size uintptr
		expDirty   bool
	}{
		{0x200000, 0x1000, false},
		{0x201000, 0x1000, true},
		{0x202000, 0x4000, true},
		{0x203000, 0x1000, false},
		{0x200000, 0x6000, true},
		{0x201000, 0, false},
	}

	for specIndex, spec := range specs {
		if got := ram.Dirty(spec.addr, spec.size); got != spec.expDirty {
			t.Errorf("[spec %d] expected Dirty(0x%x, 0x%x) to be %t", specIndex, spec.addr, spec.size, spec.expDirty)
		}
	}

	ram.ClearDirty()
	if ram.Dirty(0, 0x400000) {
		t.Fatal("expected ClearDirty to reset the tracking")
	}

	// failed writes do not dirty memory
	_ = ram.Protect(0x300000, 0x1000)
	_, _ = ram.WriteAt([]byte{1}, 0x300000)
	if ram.Dirty(0x300000, 0x1000) {
		t.Fatal("expected a rejected write to leave the page clean")
	}
}

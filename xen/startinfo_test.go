package xen

import "testing"

type physMem struct {
	data []byte
}

func (m physMem) ReadAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(m.data) {
		return 0, errStartInfoUnreadable
	}
	return copy(p, m.data[off:]), nil
}

func TestReadStartInfo(t *testing.T) {
	exp := StartInfo{
		Magic:         StartInfoMagic,
		Version:       1,
		NrModules:     1,
		ModlistPaddr:  0x2000,
		CmdlinePaddr:  0x3000,
		RSDPPaddr:     0xf5a40,
		MemmapPaddr:   0x4000,
		MemmapEntries: 6,
	}

	mem := physMem{data: make([]byte, 0x1000)}
	copy(mem.data[0x800:], exp.Bytes())

	got, err := ReadStartInfo(mem, 0x800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != exp {
		t.Fatalf("expected %+v; got %+v", exp, got)
	}

	// version 0 structures have no memory map fields
	exp.Version = 0
	copy(mem.data[0x800:], exp.Bytes())
	got, _ = ReadStartInfo(mem, 0x800)
	if got.MemmapPaddr != 0 || got.MemmapEntries != 0 {
		t.Errorf("expected memory map fields to be ignored for version 0; got %+v", got)
	}
}

func TestReadStartInfoErrors(t *testing.T) {
	mem := physMem{data: make([]byte, 0x100)}

	if _, err := ReadStartInfo(mem, 0); err != ErrBadStartInfo {
		t.Errorf("expected ErrBadStartInfo; got %v", err)
	}

	if _, err := ReadStartInfo(mem, 0xfc); err != errStartInfoUnreadable {
		t.Errorf("expected errStartInfoUnreadable; got %v", err)
	}

	specs := []struct {
		addr     uintptr
		version  uint32
		expMagic bool
		expErr   error
	}{
		// a version 1 structure cut short by the top of memory
		{0xf0, 1, true, errStartInfoUnreadable},
		// a version 0 structure ending exactly at the top of memory
		{0x100 - startInfoV0Size, 0, true, nil},
	}

	for specIndex, spec := range specs {
		mem := physMem{data: make([]byte, 0x100)}
		buf := StartInfo{Magic: StartInfoMagic, Version: spec.version, RSDPPaddr: 0xf5a40}.Bytes()
		copy(mem.data[spec.addr:], buf)

		if got := HasStartInfoMagic(mem, spec.addr); got != spec.expMagic {
			t.Errorf("[spec %d] expected HasStartInfoMagic to return %t; got %t", specIndex, spec.expMagic, got)
		}

		info, err := ReadStartInfo(mem, spec.addr)
		if spec.expErr != nil {
			if err != spec.expErr {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
			continue
		}
		if err != nil || info.RSDPPaddr != 0xf5a40 {
			t.Errorf("[spec %d] unexpected result %+v, %v", specIndex, info, err)
		}
	}

	if HasStartInfoMagic(physMem{data: make([]byte, 0x100)}, 0xfe) {
		t.Errorf("expected HasStartInfoMagic to fail for an unreadable word")
	}
}

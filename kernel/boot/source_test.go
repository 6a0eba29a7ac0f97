package boot

import (
	"bytes"
	"gopherboot/multiboot"
	"gopherboot/xen"
	"testing"
)

func TestSources(t *testing.T) {
	m := &memMock{buf: make([]byte, 0x2000)}
	copy(m.buf[0x1000:], xen.StartInfo{Magic: xen.StartInfoMagic, Version: 1}.Bytes())
	// only the magic word fits below the top of memory
	copy(m.buf[0x1ffc:], xen.StartInfo{Magic: xen.StartInfoMagic}.Bytes()[:4])

	specs := []struct {
		ep          EntryPoint
		regs        Registers
		expValid    bool
		expKind     SourceKind
		expLongMode bool
		expInfo     uintptr
	}{
		{EntryMultiboot2, Registers{RAX: uint64(multiboot.InfoMagic), RBX: 0x10000}, true, SourceMultiboot, false, 0x10000},
		{EntryMultiboot2, Registers{RAX: 0xffffffff00000000 | uint64(multiboot.InfoMagic), RBX: 0xdead00010000}, true, SourceMultiboot, false, 0x10000},
		{EntryMultiboot2, Registers{RAX: 0, RBX: 0x10000}, false, SourceMultiboot, false, 0x10000},
		{EntryPVH, Registers{RBX: 0x1000}, true, SourceDirectBoot, false, 0x1000},
		{EntryPVH, Registers{RBX: 0x1008}, false, SourceDirectBoot, false, 0x1008},
		{EntryPVH, Registers{RBX: 0x5000}, false, SourceDirectBoot, false, 0x5000},
		{EntryPVH, Registers{RBX: 0x1ffc}, true, SourceDirectBoot, false, 0x1ffc},
		{EntryEFI64, Registers{RAX: uint64(multiboot.InfoMagic), RBX: 0x1_0000_2000}, true, SourceMultiboot, true, 0x1_0000_2000},
		{EntryEFI64, Registers{RAX: uint64(xen.StartInfoMagic)}, false, SourceMultiboot, true, 0},
	}

	for specIndex, spec := range specs {
		src := SourceFor(spec.ep)
		if src == nil {
			t.Fatalf("[spec %d] expected a source for %s", specIndex, spec.ep.String())
		}

		if got := src.Validate(spec.regs, m); got != spec.expValid {
			t.Errorf("[spec %d] expected Validate to return %t; got %t", specIndex, spec.expValid, got)
		}
		if got := src.Kind(); got != spec.expKind {
			t.Errorf("[spec %d] expected kind %s; got %s", specIndex, spec.expKind.String(), got.String())
		}
		if got := src.LongMode(); got != spec.expLongMode {
			t.Errorf("[spec %d] expected LongMode to return %t", specIndex, spec.expLongMode)
		}
		if got := src.InfoPointer(spec.regs); got != spec.expInfo {
			t.Errorf("[spec %d] expected info pointer 0x%x; got 0x%x", specIndex, spec.expInfo, got)
		}
	}

	if src := SourceFor(EntryPoint(42)); src != nil {
		t.Fatalf("expected no source for an unknown entry point; got %T", src)
	}
}

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{RAX: 0x36d76289, RBX: 0x10000}

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	exp := "RAX = 0000000036d76289 RBX = 0000000000010000\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

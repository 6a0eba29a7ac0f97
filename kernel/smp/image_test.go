package smp

import (
	"bytes"
	"encoding/binary"
	"golang.org/x/arch/x86/x86asm"
	"gopherboot/kernel/gdt"
	"gopherboot/kernel/mem"
	"strings"
	"testing"
)

// walk decodes code in the given mode and returns the instructions with
// their offsets.
func walk(t *testing.T, code []byte, mode, offset int) ([]x86asm.Inst, []int) {
	t.Helper()

	var (
		insts   []x86asm.Inst
		offsets []int
	)
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], mode)
		if err != nil {
			t.Fatalf("unable to decode %d-bit code at offset 0x%x: %v", mode, offset+pos, err)
		}
		insts = append(insts, inst)
		offsets = append(offsets, offset+pos)
		pos += inst.Len
	}
	return insts, offsets
}

func TestTrampolineLayout(t *testing.T) {
	img := Trampoline()

	if len(img.Code) > int(mem.PageSize) {
		t.Fatalf("expected the trampoline to fit in a page; got %d bytes", len(img.Code))
	}

	if img.Code64%8 != 0 || img.Data%8 != 0 || img.Slots.Stack%8 != 0 {
		t.Errorf("expected the 64-bit code and the parameter block to be 8-byte aligned")
	}

	if exp := img.Slots.GDTR16 + 2; exp != mustFixup(t, img, FixupGDTPointer).Offset {
		t.Errorf("expected the gdt pointer fixup to target the base of the transitional LGDT operand")
	}

	if limit := binary.LittleEndian.Uint16(img.Code[img.Slots.GDTR16:]); limit != gdt.Size-1 {
		t.Errorf("expected transitional GDT limit 0x%x; got 0x%x", gdt.Size-1, limit)
	}

	if f := mustFixup(t, img, FixupGDTPointer); f.Link != img.Slots.GDT {
		t.Errorf("expected the gdt pointer fixup to link to the gdt slot; got 0x%x", f.Link)
	}

	if _, ok := img.Fixup("missing"); ok {
		t.Error("expected lookup of an unknown fixup to fail")
	}
}

func mustFixup(t *testing.T, img *Image, name string) Fixup {
	t.Helper()
	f, ok := img.Fixup(name)
	if !ok {
		t.Fatalf("missing fixup %q", name)
	}
	return f
}

func TestTrampolineRealMode(t *testing.T) {
	img := Trampoline()
	insts, offsets := walk(t, img.Code[:img.Code64], 16, 0)

	var sawLGDT, sawJump bool
	for i, inst := range insts {
		switch inst.Op {
		case x86asm.LGDT:
			m, ok := inst.Args[0].(x86asm.Mem)
			if !ok || m.Base != 0 || int(m.Disp) != img.Slots.GDTR16 {
				t.Errorf("expected lgdt to read the transitional operand at 0x%x; got %v", img.Slots.GDTR16, inst.Args[0])
			}
			sawLGDT = true
		case x86asm.LJMP:
			seg, _ := inst.Args[0].(x86asm.Imm)
			off, _ := inst.Args[1].(x86asm.Imm)
			if uint16(seg) != gdt.KernelCodeSelector {
				t.Errorf("expected far jump through selector 0x%x; got 0x%x", gdt.KernelCodeSelector, uint16(seg))
			}

			f := mustFixup(t, img, FixupFarJumpTarget)
			if exp := offsets[i] + 2; f.Offset != exp {
				t.Errorf("expected the far jump fixup at offset 0x%x; got 0x%x", exp, f.Offset)
			}
			if int(off) != f.Link || f.Link != img.Code64 {
				t.Errorf("expected the unrelocated far jump target to be 0x%x; got 0x%x", img.Code64, int(off))
			}
			sawJump = true
		}
	}

	if !sawLGDT || !sawJump {
		t.Fatalf("expected real mode code to contain lgdt and a far jump")
	}
}

func TestTrampolineLongMode(t *testing.T) {
	img := Trampoline()
	insts, offsets := walk(t, img.Code[img.Code64:img.Data], 64, img.Code64)

	// targets maps RIP-relative operand targets to the instruction that
	// references them.
	targets := make(map[int]int)
	for i, inst := range insts {
		for _, arg := range inst.Args {
			m, ok := arg.(x86asm.Mem)
			if !ok || m.Base != x86asm.RIP {
				continue
			}
			targets[offsets[i]+inst.Len+int(m.Disp)] = i
		}
	}

	slots := img.Slots
	specs := []struct {
		name string
		slot int
		op   x86asm.Op
	}{
		{"gdtr64", slots.GDTR64, x86asm.LGDT},
		{"tsssel", slots.TSSSelector, x86asm.LTR},
		{"stack", slots.Stack, x86asm.MOV},
		{"entry", slots.Entry, x86asm.MOV},
		{"alive", slots.Alive, x86asm.MOV},
	}

	for specIndex, spec := range specs {
		i, ok := targets[spec.slot]
		if !ok {
			t.Errorf("[spec %d] expected a RIP-relative reference to the %s slot", specIndex, spec.name)
			continue
		}
		if insts[i].Op != spec.op {
			t.Errorf("[spec %d] expected the %s slot to be accessed by %v; got %v", specIndex, spec.name, spec.op, insts[i].Op)
		}
	}

	if targets[slots.Alive] < targets[slots.Entry] {
		t.Error("expected the alive flag to be set after the entry address is loaded")
	}

	var call int
	for i, inst := range insts {
		if inst.Op == x86asm.CALL {
			call = i
		}
	}
	if call == 0 || call < targets[slots.Alive] {
		t.Error("expected the entry call to follow the alive store")
	}
	last := len(insts) - 1
	for last > 0 && insts[last].Op == x86asm.INT {
		last--
	}
	if insts[last].Op != x86asm.JMP || insts[last-1].Op != x86asm.HLT {
		t.Errorf("expected the code to end in a halt loop; got %v", insts[last].Op)
	}
}

func TestDisassemble(t *testing.T) {
	var buf bytes.Buffer
	Disassemble(&buf, Trampoline(), 0x8000)

	out := buf.String()
	for _, exp := range []string{"; real mode, cs=0x0800\n", "00008000  cli\n", "; 64-bit mode\n", "; parameters\n", "  alive\n"} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected the listing to contain %q; got:\n%s", exp, out)
		}
	}
}

package smp

import (
	"golang.org/x/arch/x86/x86asm"
	"gopherboot/kernel/kfmt"
	"io"
	"sort"
)

type symbol struct {
	name string
	addr uint64
}

// symbols returns the parameter slots of img as symbols for a copy
// installed at base, sorted by address.
func (img *Image) symbols(base uintptr) []symbol {
	s := img.Slots
	syms := []symbol{
		{"gdtr16", uint64(s.GDTR16)},
		{"gdt", uint64(s.GDT)},
		{"cr3", uint64(s.CR3)},
		{"cr4bits", uint64(s.CR4Bits)},
		{"eferbits", uint64(s.EFERBits)},
		{"gdtr64", uint64(s.GDTR64)},
		{"tsssel", uint64(s.TSSSelector)},
		{"stack", uint64(s.Stack)},
		{"entry", uint64(s.Entry)},
		{"alive", uint64(s.Alive)},
		{"code64", uint64(img.Code64)},
	}

	for i := range syms {
		syms[i].addr += uint64(base)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].addr < syms[j].addr })
	return syms
}

// Disassemble writes the instructions of img to w as if the image was
// installed at base. The real mode part is decoded as 16-bit code, the rest
// up to the parameter block as 64-bit code; the parameter block is listed
// slot by slot.
func Disassemble(w io.Writer, img *Image, base uintptr) {
	syms := img.symbols(base)
	lookup := func(addr uint64) (string, uint64) {
		for i := len(syms) - 1; i >= 0; i-- {
			if syms[i].addr <= addr {
				if addr-syms[i].addr < 8 {
					return syms[i].name, syms[i].addr
				}
				break
			}
		}
		return "", 0
	}

	kfmt.Fprintf(w, "; real mode, cs=0x%4x\n", uint16(base>>4))
	decode(w, img.Code[:img.Code64], 16, base, 0, lookup)
	kfmt.Fprintf(w, "; 64-bit mode\n")
	decode(w, img.Code[img.Code64:img.Data], 64, base, img.Code64, lookup)

	kfmt.Fprintf(w, "; parameters\n")
	for _, sym := range syms {
		if sym.addr >= uint64(base)+uint64(img.Data) {
			kfmt.Fprintf(w, "%8x  %s\n", sym.addr, sym.name)
		}
	}
}

func decode(w io.Writer, code []byte, mode int, base uintptr, offset int, lookup x86asm.SymLookup) {
	for pos := 0; pos < len(code); {
		pc := uint64(base) + uint64(offset+pos)
		inst, err := x86asm.Decode(code[pos:], mode)
		if err != nil {
			kfmt.Fprintf(w, "%8x  .byte 0x%2x\n", pc, code[pos])
			pos++
			continue
		}

		kfmt.Fprintf(w, "%8x  %s\n", pc, x86asm.IntelSyntax(inst, pc, lookup))
		pos += inst.Len
	}
}

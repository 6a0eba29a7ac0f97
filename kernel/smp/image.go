// Package smp brings the secondary processors onto the 64-bit boot path. A
// relocatable trampoline is copied below 1 MiB for every processor, the
// processor is woken with a startup IPI pointing at the copy and the
// bootstrap processor waits for the copy to report that it reached 64-bit
// mode.
package smp

import (
	"encoding/binary"
	"gopherboot/kernel/gdt"
	"gopherboot/kernel/mem"
)

// Fixup is a site in the trampoline holding a linear address. The loader
// stores base+Link in the Size bytes at Offset.
type Fixup struct {
	Name   string
	Offset int
	Size   int
	Link   int
}

// Fixup names.
const (
	FixupFarJumpTarget = "farJumpTarget"
	FixupGDTPointer    = "gdtPointer"
)

// Slots holds the offsets of the trampoline parameter slots.
type Slots struct {
	// GDTR16 is the transitional LGDT operand: a 16-bit limit and a 32-bit
	// base.
	GDTR16 int

	// GDT holds the copy of the published descriptor table used until the
	// processor loads its private table.
	GDT int

	CR3      int
	CR4Bits  int
	EFERBits int

	// GDTR64 is the LGDT operand of the private table: a 16-bit limit and
	// a 64-bit base.
	GDTR64 int

	TSSSelector int
	Stack       int
	Entry       int

	// Alive is set to 1 by the processor once it runs in 64-bit mode on
	// its own descriptor tables and stack. After that point the copy is
	// no longer read and may be reused.
	Alive int
}

// Image is the assembled trampoline. Offsets are relative to the start of
// Code, which is loaded at a page-aligned base below 1 MiB.
type Image struct {
	Code   []byte
	Fixups []Fixup
	Slots  Slots

	// Code64 is the offset of the 64-bit part; Data is the offset of the
	// parameter block.
	Code64 int
	Data   int
}

// The trampoline must fit in the page the startup vector points at.
const maxImageSize = int(mem.PageSize)

type refKind uint8

const (
	refDisp16 refKind = iota
	refRel32
	refAbs32
)

type ref struct {
	at    int
	label string
	kind  refKind

	// tail is the number of instruction bytes following a rel32 field.
	tail int
}

// assembler emits machine code and resolves label references once every
// label is known.
type assembler struct {
	buf    []byte
	labels map[string]int
	refs   []ref
}

func (a *assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *assembler) label(name string) { a.labels[name] = len(a.buf) }

// align pads with int3 up to a multiple of n.
func (a *assembler) align(n int) {
	for len(a.buf)%n != 0 {
		a.buf = append(a.buf, 0xcc)
	}
}

// disp16 emits a 16-bit displacement relative to the segment base, which
// equals the load base in real mode.
func (a *assembler) disp16(label string) {
	a.refs = append(a.refs, ref{at: len(a.buf), label: label, kind: refDisp16})
	a.emit(0, 0)
}

// rel32 emits a RIP-relative displacement for an instruction with tail
// more bytes after the displacement.
func (a *assembler) rel32(label string, tail int) {
	a.refs = append(a.refs, ref{at: len(a.buf), label: label, kind: refRel32, tail: tail})
	a.emit(0, 0, 0, 0)
}

// abs32 emits the offset of label; a fixup turns it into a linear address.
func (a *assembler) abs32(label string) int {
	at := len(a.buf)
	a.refs = append(a.refs, ref{at: at, label: label, kind: refAbs32})
	a.emit(0, 0, 0, 0)
	return at
}

func (a *assembler) zero(n int) { a.emit(make([]byte, n)...) }

func (a *assembler) resolve() {
	for _, r := range a.refs {
		target, ok := a.labels[r.label]
		if !ok {
			panic("smp: undefined trampoline label " + r.label)
		}

		switch r.kind {
		case refDisp16:
			binary.LittleEndian.PutUint16(a.buf[r.at:], uint16(target))
		case refRel32:
			binary.LittleEndian.PutUint32(a.buf[r.at:], uint32(int32(target-(r.at+4+r.tail))))
		case refAbs32:
			binary.LittleEndian.PutUint32(a.buf[r.at:], uint32(target))
		}
	}
}

// Trampoline returns the assembled trampoline image.
func Trampoline() *Image {
	return trampoline
}

var trampoline = assemble()

func assemble() *Image {
	a := &assembler{labels: make(map[string]int)}

	// 16-bit real mode entry at base, CS = base >> 4.
	a.emit(0xfa)                   // cli
	a.emit(0x8c, 0xc8)             // mov ax, cs
	a.emit(0x8e, 0xd8)             // mov ds, ax
	a.emit(0x66, 0x0f, 0x01, 0x16) // lgdt [gdtr16]
	a.disp16("gdtr16")
	a.emit(0x0f, 0x20, 0xe0) // mov eax, cr4
	a.emit(0x66, 0x0b, 0x06) // or eax, [cr4bits]
	a.disp16("cr4bits")
	a.emit(0x0f, 0x22, 0xe0) // mov cr4, eax
	a.emit(0x66, 0xa1)       // mov eax, [cr3]
	a.disp16("cr3")
	a.emit(0x0f, 0x22, 0xd8)                   // mov cr3, eax
	a.emit(0x66, 0xb9, 0x80, 0x00, 0x00, 0xc0) // mov ecx, EFER
	a.emit(0x0f, 0x32)                         // rdmsr
	a.emit(0x66, 0x0b, 0x06)                   // or eax, [eferbits]
	a.disp16("eferbits")
	a.emit(0x0f, 0x30)                         // wrmsr
	a.emit(0x0f, 0x20, 0xc0)                   // mov eax, cr0
	a.emit(0x66, 0x0d, 0x01, 0x00, 0x00, 0x80) // or eax, PG|PE
	a.emit(0x0f, 0x22, 0xc0)                   // mov cr0, eax
	a.emit(0x66, 0xea)                         // jmp far 0x08:code64
	farJump := a.abs32("code64")
	a.emit(byte(gdt.KernelCodeSelector), 0x00)

	// 64-bit mode on the transitional table.
	a.align(8)
	a.label("code64")
	a.emit(0x31, 0xc0)       // xor eax, eax
	a.emit(0x8e, 0xd8)       // mov ds, ax
	a.emit(0x8e, 0xc0)       // mov es, ax
	a.emit(0x8e, 0xd0)       // mov ss, ax
	a.emit(0x8e, 0xe0)       // mov fs, ax
	a.emit(0x8e, 0xe8)       // mov gs, ax
	a.emit(0x0f, 0x01, 0x15) // lgdt [rip+gdtr64]
	a.rel32("gdtr64", 0)
	a.emit(0x0f, 0x00, 0x1d) // ltr [rip+tsssel]
	a.rel32("tsssel", 0)
	a.emit(0x48, 0x8b, 0x25) // mov rsp, [rip+stack]
	a.rel32("stack", 0)
	a.emit(0x48, 0x8b, 0x05) // mov rax, [rip+entry]
	a.rel32("entry", 0)
	a.emit(0xc6, 0x05) // mov byte [rip+alive], 1
	a.rel32("alive", 1)
	a.emit(0x01)
	a.emit(0xff, 0xd0)             // call rax
	a.emit(0xfa, 0xf4, 0xeb, 0xfd) // cli; 1: hlt; jmp 1b

	// Parameter block.
	a.align(8)
	a.label("data")
	a.label("gdtr16")
	a.emit(byte(gdt.Size-1), 0)
	gdtPointer := a.abs32("gdt")
	a.align(8)
	a.label("gdt")
	a.zero(gdt.Size)
	a.label("cr3")
	a.zero(4)
	a.label("cr4bits")
	a.zero(4)
	a.label("eferbits")
	a.zero(4)
	a.align(8)
	a.zero(6)
	a.label("gdtr64")
	a.zero(10)
	a.label("tsssel")
	a.zero(2)
	a.align(8)
	a.label("stack")
	a.zero(8)
	a.label("entry")
	a.zero(8)
	a.label("alive")
	a.zero(1)

	a.resolve()
	if len(a.buf) > maxImageSize {
		panic("smp: trampoline does not fit in a page")
	}

	return &Image{
		Code: a.buf,
		Fixups: []Fixup{
			{Name: FixupFarJumpTarget, Offset: farJump, Size: 4, Link: a.labels["code64"]},
			{Name: FixupGDTPointer, Offset: gdtPointer, Size: 4, Link: a.labels["gdt"]},
		},
		Slots: Slots{
			GDTR16:      a.labels["gdtr16"],
			GDT:         a.labels["gdt"],
			CR3:         a.labels["cr3"],
			CR4Bits:     a.labels["cr4bits"],
			EFERBits:    a.labels["eferbits"],
			GDTR64:      a.labels["gdtr64"],
			TSSSelector: a.labels["tsssel"],
			Stack:       a.labels["stack"],
			Entry:       a.labels["entry"],
			Alive:       a.labels["alive"],
		},
		Code64: a.labels["code64"],
		Data:   a.labels["data"],
	}
}

// Fixup returns the fixup named name.
func (img *Image) Fixup(name string) (Fixup, bool) {
	for _, f := range img.Fixups {
		if f.Name == name {
			return f, true
		}
	}
	return Fixup{}, false
}

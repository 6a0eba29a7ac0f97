package smp

import (
	"encoding/binary"
	"gopherboot/kernel"
	"gopherboot/kernel/boot"
	"gopherboot/kernel/cpu"
	"gopherboot/kernel/gdt"
)

var (
	// ErrBadRelocation is returned by StartAP when the copy it runs was
	// not relocated for the address it executes at.
	ErrBadRelocation = &kernel.Error{Module: "smp", Message: "trampoline copy not relocated for its address"}
)

// StartAP executes the trampoline copy found at cs<<4 on p, one
// instruction group at a time, the way a processor woken by a startup IPI
// would. It returns once the entry function returns; the processor is
// left halted.
func StartAP(p cpu.Processor, m boot.Memory, cs uint16) *kernel.Error {
	img := Trampoline()
	base := uintptr(cs) << 4

	var buf [maxImageSize]byte
	code := buf[:len(img.Code)]
	if _, err := m.ReadAt(code, int64(base)); err != nil {
		p.Halt()
		return errTrampolineAccess
	}

	for _, f := range img.Fixups {
		if binary.LittleEndian.Uint32(code[f.Offset:]) != uint32(base)+uint32(f.Link) {
			p.Halt()
			return ErrBadRelocation
		}
	}

	slots := img.Slots
	u32 := func(off int) uint64 { return uint64(binary.LittleEndian.Uint32(code[off:])) }
	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(code[off:]) }

	// Real mode, DS = CS.
	p.LoadGDT(cpu.DescriptorTablePointer{
		Limit: binary.LittleEndian.Uint16(code[slots.GDTR16:]),
		Base:  u32(slots.GDTR16 + 2),
	})
	p.WriteCR(cpu.CR4, p.ReadCR(cpu.CR4)|u32(slots.CR4Bits))
	p.WriteCR(cpu.CR3, u32(slots.CR3))
	p.WriteMSR(cpu.MSREFER, p.ReadMSR(cpu.MSREFER)|u32(slots.EFERBits))
	p.WriteCR(cpu.CR0, p.ReadCR(cpu.CR0)|cpu.CR0PE|cpu.CR0PG)
	p.FarJump(gdt.KernelCodeSelector)

	// 64-bit mode on the transitional table.
	p.LoadDataSegments(0)
	p.LoadGDT(cpu.DescriptorTablePointer{
		Limit: binary.LittleEndian.Uint16(code[slots.GDTR64:]),
		Base:  u64(slots.GDTR64 + 2),
	})
	p.LoadTR(binary.LittleEndian.Uint16(code[slots.TSSSelector:]))
	p.SetStack(uintptr(u64(slots.Stack)))
	entry := uintptr(u64(slots.Entry))

	if _, err := m.WriteAt([]byte{1}, int64(base)+int64(slots.Alive)); err != nil {
		p.Halt()
		return errTrampolineAccess
	}

	p.Call(entry)
	p.Halt()
	return nil
}

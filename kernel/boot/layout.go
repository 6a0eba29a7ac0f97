// Package boot implements the path from the firmware or hypervisor entry
// point to the kernel main function: entry protocol validation, the mode
// transition state machine and the handoff.
package boot

import (
	"gopherboot/kernel/gdt"
	"gopherboot/kernel/mem"
	"gopherboot/kernel/mem/vmm"
)

// Layout holds the physical addresses of every structure the boot path
// builds. Stack fields hold the address just past the top of each stack.
type Layout struct {
	PML4 uintptr     `json:"pml4"`
	PDPT uintptr     `json:"pdpt"`
	PD   [4]uintptr `json:"pd"`

	GDT uintptr `json:"gdt"`
	TSS uintptr `json:"tss"`

	// Stack32 is the boot stack used for passing the entry values to the
	// dispatch step; Stack64 is the stack the kernel main runs on.
	Stack32   uintptr  `json:"stack32"`
	Stack64   uintptr  `json:"stack64"`
	StackSize mem.Size `json:"stack_size"`

	// PrivStack is loaded into RSP0 of the bootstrap processor TSS.
	PrivStack uintptr `json:"priv_stack"`

	// APStackBase is the top of the first secondary processor stack; each
	// following processor gets a stack APStackStride bytes higher.
	APStackBase   uintptr `json:"ap_stack_base"`
	APStackStride uintptr `json:"ap_stack_stride"`

	// APTableBase holds the private GDT (at offset 0) and TSS (at offset
	// APTSSOffset) of the first secondary processor.
	APTableBase   uintptr `json:"ap_table_base"`
	APTableStride uintptr `json:"ap_table_stride"`

	// TrampolineBase and TrampolineLimit bound the low memory window where
	// trampoline copies are installed.
	TrampolineBase  uintptr `json:"trampoline_base"`
	TrampolineLimit uintptr `json:"trampoline_limit"`
}

// APTSSOffset is the offset of a secondary processor TSS from its GDT.
const APTSSOffset = 0x1000

// DefaultLayout returns the layout used when no configuration overrides it.
func DefaultLayout() Layout {
	return Layout{
		PML4:      0x200000,
		PDPT:      0x201000,
		PD:        [4]uintptr{0x202000, 0x203000, 0x204000, 0x205000},
		GDT:       0x206000,
		TSS:       0x207000,
		Stack32:   0x20c000,
		Stack64:   0x210000,
		StackSize: 8 * mem.Kb,
		PrivStack: 0x214000,

		APStackBase:   0x304000,
		APStackStride: 0x4000,
		APTableBase:   0x400000,
		APTableStride: 0x4000,

		TrampolineBase:  0x8000,
		TrampolineLimit: 0x9f000,
	}
}

// Tables returns the page table addresses in the form expected by vmm.Build.
func (l Layout) Tables() vmm.Tables {
	return vmm.Tables{PML4: l.PML4, PDPT: l.PDPT, PD: l.PD}
}

// Shared returns the ranges holding the structures every processor reads
// once the bootstrap processor publishes them.
func (l Layout) Shared() []Range {
	ranges := []Range{
		{Name: "pml4", Addr: l.PML4, Size: uintptr(mem.PageSize)},
		{Name: "pdpt", Addr: l.PDPT, Size: uintptr(mem.PageSize)},
	}

	for _, pd := range l.PD {
		ranges = append(ranges, Range{Name: "pd", Addr: pd, Size: uintptr(mem.PageSize)})
	}

	return append(ranges,
		Range{Name: "gdt", Addr: l.GDT, Size: gdt.Size},
		Range{Name: "tss", Addr: l.TSS, Size: gdt.TSSSize},
	)
}

// APStack returns the stack top of the index-th secondary processor.
func (l Layout) APStack(index int) uintptr {
	return l.APStackBase + uintptr(index)*l.APStackStride
}

// APTables returns the private GDT and TSS addresses of the index-th
// secondary processor.
func (l Layout) APTables(index int) (uintptr, uintptr) {
	base := l.APTableBase + uintptr(index)*l.APTableStride
	return base, base + APTSSOffset
}

package vmm

import (
	"encoding/binary"
	"gopherboot/kernel"
	"gopherboot/kernel/mem"
	"io"
)

// Strategy selects how the identity map is populated.
type Strategy uint8

const (
	// Huge2M maps the identity range with 2 MiB page directory leaves.
	Huge2M Strategy = iota

	// Huge1G maps the identity range with 1 GiB page directory pointer
	// leaves.
	Huge1G
)

// String implements fmt.Stringer for Strategy.
func (s Strategy) String() string {
	switch s {
	case Huge1G:
		return "1G"
	default:
		return "2M"
	}
}

// StrategyFor returns the strategy matching the detected page size support.
func StrategyFor(hugePages1G bool) Strategy {
	if hugePages1G {
		return Huge1G
	}
	return Huge2M
}

// IdentityMapSize is the size of the low physical range mapped by Build.
const IdentityMapSize = 4 * mem.Gb

// identityTables is the number of page directory pointer entries (and page
// directories) required to cover IdentityMapSize.
const identityTables = int(IdentityMapSize / mem.HugePageSize1G)

var (
	// ErrUnalignedAlias is returned when the higher-half base cannot share
	// the low page directory pointer table.
	ErrUnalignedAlias = &kernel.Error{Module: "vmm", Message: "higher-half base must be aligned to a top-level table slot"}

	// ErrUnalignedTable is returned when a table address is not page aligned.
	ErrUnalignedTable = &kernel.Error{Module: "vmm", Message: "page table address is not page aligned"}

	errWriteFailed = &kernel.Error{Module: "vmm", Message: "unable to write page table"}

	// tableBuf holds the encoded contents of the table being written. Only
	// the bootstrap processor builds tables.
	tableBuf [mem.PageSize]byte
)

// Tables holds the physical addresses of the tables populated by Build.
type Tables struct {
	PML4 uintptr
	PDPT uintptr

	// PD holds the page directories used by the Huge2M strategy.
	PD [identityTables]uintptr
}

func (t Tables) validate(strategy Strategy) *kernel.Error {
	addrs := []uintptr{t.PML4, t.PDPT}
	if strategy == Huge2M {
		addrs = append(addrs, t.PD[:]...)
	}

	for _, addr := range addrs {
		if !mem.PageSize.Aligned(addr) {
			return ErrUnalignedTable
		}
	}

	return nil
}

// AliasSlot returns the top-level table slot that maps kernelVirtBase. The
// base must sit on a slot boundary so that base+offset resolves through the
// same pointer table as the identity mapped offset.
func AliasSlot(kernelVirtBase uintptr) (int, *kernel.Error) {
	if kernelVirtBase&(uintptr(1)<<pageLevelShifts[0]-1) != 0 {
		return 0, ErrUnalignedAlias
	}

	return int((kernelVirtBase >> pageLevelShifts[0]) & (entriesPerTable - 1)), nil
}

// Build populates the tables so that the first IdentityMapSize bytes of
// physical memory are identity mapped and also visible at kernelVirtBase.
// Every table owned by the selected strategy is cleared before it is
// populated, so building twice with the same arguments yields byte-identical
// contents. With Huge1G the page directories are not touched at all.
func Build(w io.WriterAt, tables Tables, strategy Strategy, kernelVirtBase uintptr) *kernel.Error {
	aliasSlot, err := AliasSlot(kernelVirtBase)
	if err != nil {
		return err
	}

	if err = tables.validate(strategy); err != nil {
		return err
	}

	var pdpt [entriesPerTable]pageTableEntry
	switch strategy {
	case Huge1G:
		for i := 0; i < identityTables; i++ {
			pdpt[i] = newEntry(uintptr(i)*uintptr(mem.HugePageSize1G), FlagPresent|FlagRW|FlagHugePage)
		}
	default:
		for i := 0; i < identityTables; i++ {
			if err = writePageDirectory(w, tables.PD[i], uintptr(i)*uintptr(mem.HugePageSize1G)); err != nil {
				return err
			}
			pdpt[i] = newEntry(tables.PD[i], FlagPresent|FlagRW)
		}
	}

	if err = writeTable(w, tables.PDPT, &pdpt); err != nil {
		return err
	}

	var pml4 [entriesPerTable]pageTableEntry
	pml4[0] = newEntry(tables.PDPT, FlagPresent|FlagRW)
	pml4[aliasSlot] = pml4[0]

	return writeTable(w, tables.PML4, &pml4)
}

// writePageDirectory fills the directory at tableAddr with 2 MiB leaves
// mapping the 1 GiB physical range that starts at physBase.
func writePageDirectory(w io.WriterAt, tableAddr, physBase uintptr) *kernel.Error {
	var pd [entriesPerTable]pageTableEntry

	for i := range pd {
		pd[i] = newEntry(physBase+uintptr(i)*uintptr(mem.HugePageSize2M), FlagPresent|FlagRW|FlagHugePage)
	}

	return writeTable(w, tableAddr, &pd)
}

// writeTable encodes table and writes it to tableAddr. Unused entries are
// written as zero which also clears any previous contents.
func writeTable(w io.WriterAt, tableAddr uintptr, table *[entriesPerTable]pageTableEntry) *kernel.Error {
	for i, pte := range table {
		binary.LittleEndian.PutUint64(tableBuf[i<<mem.PointerShift:], uint64(pte))
	}

	if n, err := w.WriteAt(tableBuf[:], int64(tableAddr)); err != nil || n != len(tableBuf) {
		if kErr, ok := err.(*kernel.Error); ok {
			return kErr
		}
		return errWriteFailed
	}

	return nil
}

package vmm

import (
	"encoding/binary"
	"gopherboot/kernel"
	"gopherboot/kernel/mem"
	"io"
)

var errReadFailed = &kernel.Error{Module: "vmm", Message: "unable to read page table entry"}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the physical address of the
// visited entry and its contents. If the function returns false, then the
// page walk is aborted.
type pageTableWalker func(pteLevel uint8, entryAddr uintptr, pte pageTableEntry) bool

// readEntry fetches the 64-bit entry at the physical address entryAddr.
func readEntry(r io.ReaderAt, entryAddr uintptr) (pageTableEntry, *kernel.Error) {
	var buf [8]byte

	if _, err := r.ReadAt(buf[:], int64(entryAddr)); err != nil {
		return 0, errReadFailed
	}

	return pageTableEntry(binary.LittleEndian.Uint64(buf[:])), nil
}

// walk performs a page table walk for the given virtual address starting at
// the top-level table located at the physical address pml4. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. Tables are located through the physical frame recorded in the
// entry of the previous level, which requires the tables to be reachable
// through r by physical address.
func walk(r io.ReaderAt, pml4, virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		pte                              pageTableEntry
		err                              *kernel.Error
	)

	for level, tableAddr = uint8(0), pml4; level < pageLevels; level, tableAddr = level+1, pte.Frame().Address() {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & (entriesPerTable - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if pte, err = readEntry(r, entryAddr); err != nil {
			return err
		}

		if !walkFn(level, entryAddr, pte) {
			return nil
		}
	}

	return nil
}

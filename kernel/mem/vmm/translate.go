package vmm

import (
	"gopherboot/kernel"
	"io"
)

// Translate returns the physical address that corresponds to the supplied
// virtual address by walking the tables rooted at the physical address pml4.
// Huge page leaves at the pointer (1 GiB) and directory (2 MiB) levels end the
// walk early. ErrInvalidMapping is returned if the virtual address does not
// correspond to a mapped physical address.
func Translate(r io.ReaderAt, pml4, virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		mapped   bool
	)

	err := walk(r, pml4, virtAddr, func(level uint8, _ uintptr, pte pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		leaf := level == pageLevels-1 || (level > 0 && pte.HasFlags(FlagHugePage))
		if !leaf {
			return true
		}

		// The offset bits are the ones below this level's shift; the
		// frame bits are masked with the same alignment.
		offsetMask := uintptr(1)<<pageLevelShifts[level] - 1
		physAddr = (uintptr(uint64(pte)&ptePhysPageMask) &^ offsetMask) | (virtAddr & offsetMask)
		mapped = true
		return false
	})

	switch {
	case err != nil:
		return 0, err
	case !mapped:
		return 0, ErrInvalidMapping
	}

	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

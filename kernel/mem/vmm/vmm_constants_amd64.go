package vmm

const (
	// pageLevels is the number of translation levels walked in 4-level
	// paging mode: PML4, PDPT, PD and PT.
	pageLevels = 4

	// ptePhysPageMask extracts the physical address held in bits 12-51 of
	// an entry.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// entriesPerTable is the number of entries in a table at every level.
	entriesPerTable = 512
)

// pageLevelShifts holds the shift that extracts the table index of each
// level from a virtual address. Every level consumes 9 bits.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// The entry flags written by the table builder.
const (
	// FlagPresent marks the entry as valid.
	FlagPresent PageTableEntryFlag = 1 << 0

	// FlagRW allows writes through the entry.
	FlagRW PageTableEntryFlag = 1 << 1

	// FlagHugePage is set on a page directory pointer entry (1 GiB) or
	// page directory entry (2 MiB) that maps a page instead of pointing
	// to a lower-level table.
	FlagHugePage PageTableEntryFlag = 1 << 7
)

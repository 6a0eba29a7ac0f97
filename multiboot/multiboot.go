// Package multiboot encodes the Multiboot2 header embedded in the boot image
// and decodes the information structure a Multiboot2 loader hands over.
package multiboot

import (
	"encoding/binary"
	"gopherboot/kernel"
	"io"
	"strings"
)

// TagType identifies an information tag.
type TagType uint32

// nolint
const (
	TagEnd TagType = iota
	TagBootCmdLine
	TagBootLoaderName
	TagModules
	TagBasicMemoryInfo
	TagBiosBootDevice
	TagMemoryMap
	TagVbeInfo
	TagFramebufferInfo
	TagElfSymbols
	TagApmTable
	TagEFI32SystemTable
	TagEFI64SystemTable
	TagSMBIOS
	TagACPIOld
	TagACPINew
	TagNetwork
	TagEFIMemoryMap
	TagEFIBootServices
	TagEFI32ImageHandle
	TagEFI64ImageHandle
	TagLoadBaseAddr
)

var (
	// ErrInfoUnreadable is returned when the information structure cannot be
	// read from memory.
	ErrInfoUnreadable = &kernel.Error{Module: "multiboot", Message: "unable to read multiboot2 information"}

	// ErrInfoMalformed is returned for information structures with
	// inconsistent sizes.
	ErrInfoMalformed = &kernel.Error{Module: "multiboot", Message: "malformed multiboot2 information"}

	// maxInfoSize bounds the information structure accepted by NewInfo.
	maxInfoSize = uint32(1 << 20)
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// memoryMapEntrySize is the encoded size of a MemoryMapEntry including the
// reserved trailing word.
const memoryMapEntrySize = 24

// TagVisitor is invoked by VisitTags with the tag type, the physical address
// of the tag payload and the payload size. Returning false stops the scan.
type TagVisitor func(tagType TagType, payload uintptr, size uint32) bool

// MemRegionVisitor is invoked by VisitMemRegions for each memory region.
// Returning false stops the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// Info provides access to the information structure located at a physical
// address.
type Info struct {
	mem       io.ReaderAt
	addr      uintptr
	totalSize uint32
}

// NewInfo returns an Info for the structure at addr.
func NewInfo(mem io.ReaderAt, addr uintptr) (*Info, *kernel.Error) {
	var hdr [8]byte

	if _, err := mem.ReadAt(hdr[:], int64(addr)); err != nil {
		return nil, ErrInfoUnreadable
	}

	totalSize := binary.LittleEndian.Uint32(hdr[:])
	if totalSize < 16 || totalSize > maxInfoSize {
		return nil, ErrInfoMalformed
	}

	return &Info{mem: mem, addr: addr, totalSize: totalSize}, nil
}

// Addr returns the physical address of the information structure.
func (i *Info) Addr() uintptr {
	return i.addr
}

// VisitTags invokes visitor for every tag preceding the end tag. Tags start
// at 8-byte aligned offsets.
func (i *Info) VisitTags(visitor TagVisitor) *kernel.Error {
	var hdr [8]byte

	for off := uint32(8); off+8 <= i.totalSize; {
		if _, err := i.mem.ReadAt(hdr[:], int64(i.addr)+int64(off)); err != nil {
			return ErrInfoUnreadable
		}

		tagType := TagType(binary.LittleEndian.Uint32(hdr[0:]))
		size := binary.LittleEndian.Uint32(hdr[4:])
		if tagType == TagEnd {
			return nil
		}

		if size < 8 || size > i.totalSize-off {
			return ErrInfoMalformed
		}

		if !visitor(tagType, i.addr+uintptr(off)+8, size-8) {
			return nil
		}

		off += (size + 7) &^ 7
	}

	return ErrInfoMalformed
}

// findTag returns the payload address and size of the first tag of the given
// type or (0, 0) if the tag is not present.
func (i *Info) findTag(tagType TagType) (uintptr, uint32, *kernel.Error) {
	var (
		payload uintptr
		size    uint32
	)

	err := i.VisitTags(func(t TagType, p uintptr, s uint32) bool {
		if t != tagType {
			return true
		}
		payload, size = p, s
		return false
	})

	return payload, size, err
}

// VisitMemRegions invokes visitor for each memory region reported by the
// loader. Regions with an unknown type are reported as reserved.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) *kernel.Error {
	payload, size, err := i.findTag(TagMemoryMap)
	if err != nil || size < 8 {
		return err
	}

	var buf [memoryMapEntrySize]byte
	if _, rErr := i.mem.ReadAt(buf[:8], int64(payload)); rErr != nil {
		return ErrInfoUnreadable
	}

	entrySize := binary.LittleEndian.Uint32(buf[0:])
	if entrySize < 20 || entrySize > memoryMapEntrySize {
		return ErrInfoMalformed
	}

	var entry MemoryMapEntry
	for off := uint32(8); off+entrySize <= size; off += entrySize {
		if _, rErr := i.mem.ReadAt(buf[:entrySize], int64(payload)+int64(off)); rErr != nil {
			return ErrInfoUnreadable
		}

		entry.PhysAddress = binary.LittleEndian.Uint64(buf[0:])
		entry.Length = binary.LittleEndian.Uint64(buf[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(buf[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return nil
		}
	}

	return nil
}

// String returns the contents of a NUL-terminated string tag such as
// TagBootCmdLine or TagBootLoaderName, or an empty string if the tag is
// missing.
func (i *Info) String(tagType TagType) (string, *kernel.Error) {
	payload, size, err := i.findTag(tagType)
	if err != nil || size == 0 {
		return "", err
	}

	buf := make([]byte, size)
	if _, rErr := i.mem.ReadAt(buf, int64(payload)); rErr != nil {
		return "", ErrInfoUnreadable
	}

	if end := strings.IndexByte(string(buf), 0); end >= 0 {
		buf = buf[:end]
	}
	return string(buf), nil
}

// EFI64SystemTable returns the physical address of the EFI system table
// reported by the loader or 0 if the tag is missing.
func (i *Info) EFI64SystemTable() (uintptr, *kernel.Error) {
	payload, size, err := i.findTag(TagEFI64SystemTable)
	if err != nil || size < 8 {
		return 0, err
	}

	var buf [8]byte
	if _, rErr := i.mem.ReadAt(buf[:], int64(payload)); rErr != nil {
		return 0, ErrInfoUnreadable
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}

// BootCmdLine returns the command line key-value pairs passed to the kernel.
// Flags without a value map to themselves.
func (i *Info) BootCmdLine() (map[string]string, *kernel.Error) {
	cmdLine, err := i.String(TagBootCmdLine)
	if err != nil {
		return nil, err
	}

	kv := make(map[string]string)
	for _, pair := range strings.Fields(cmdLine) {
		parts := strings.Split(pair, "=")
		switch len(parts) {
		case 2: // foo=bar
			kv[parts[0]] = parts[1]
		case 1: // nofoo
			kv[parts[0]] = parts[0]
		}
	}

	return kv, nil
}

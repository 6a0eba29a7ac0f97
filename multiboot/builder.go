package multiboot

import "encoding/binary"

// InfoBuilder assembles an information structure the way a loader lays it
// out. It is used to feed simulated boots.
type InfoBuilder struct {
	tags []byte
}

// AddString appends a NUL-terminated string tag.
func (b *InfoBuilder) AddString(tagType TagType, value string) *InfoBuilder {
	payload := append([]byte(value), 0)
	b.addTag(tagType, payload)
	return b
}

// AddMemoryMap appends a memory map tag containing entries.
func (b *InfoBuilder) AddMemoryMap(entries ...MemoryMapEntry) *InfoBuilder {
	payload := make([]byte, 8, 8+len(entries)*memoryMapEntrySize)
	binary.LittleEndian.PutUint32(payload[0:], memoryMapEntrySize)

	for _, entry := range entries {
		payload = binary.LittleEndian.AppendUint64(payload, entry.PhysAddress)
		payload = binary.LittleEndian.AppendUint64(payload, entry.Length)
		payload = binary.LittleEndian.AppendUint32(payload, uint32(entry.Type))
		payload = binary.LittleEndian.AppendUint32(payload, 0)
	}

	b.addTag(TagMemoryMap, payload)
	return b
}

// AddEFI64SystemTable appends the tag carrying the EFI system table pointer.
func (b *InfoBuilder) AddEFI64SystemTable(addr uint64) *InfoBuilder {
	b.addTag(TagEFI64SystemTable, binary.LittleEndian.AppendUint64(nil, addr))
	return b
}

func (b *InfoBuilder) addTag(tagType TagType, payload []byte) {
	b.tags = binary.LittleEndian.AppendUint32(b.tags, uint32(tagType))
	b.tags = binary.LittleEndian.AppendUint32(b.tags, uint32(8+len(payload)))
	b.tags = append(b.tags, payload...)
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
}

// Bytes returns the encoded structure terminated by an end tag.
func (b *InfoBuilder) Bytes() []byte {
	buf := make([]byte, 8, 8+len(b.tags)+8)
	buf = append(buf, b.tags...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(TagEnd))
	buf = binary.LittleEndian.AppendUint32(buf, 8)

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}

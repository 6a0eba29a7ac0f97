package multiboot

import (
	"encoding/binary"
	"gopherboot/kernel"
)

const (
	// HeaderMagic identifies the Multiboot2 header embedded in the image.
	HeaderMagic = uint32(0xe85250d6)

	// InfoMagic is the value a Multiboot2 loader passes in EAX.
	InfoMagic = uint32(0x36d76289)

	// ArchI386 selects 32-bit protected mode entry.
	ArchI386 = uint32(0)

	// HeaderSearchLimit is the number of leading image bytes a loader
	// scans for the header. The header must be 8-byte aligned.
	HeaderSearchLimit = 32768

	headerFixedSize = 16
)

// HeaderTagType identifies a header tag record.
type HeaderTagType uint16

// nolint
const (
	headerTagEnd             HeaderTagType = 0
	headerTagConsole         HeaderTagType = 4
	headerTagModuleAlign     HeaderTagType = 6
	headerTagEFIBootServices HeaderTagType = 7
	headerTagEFI64Entry      HeaderTagType = 9
)

// ConsoleFlag is a bit of the console capability tag.
type ConsoleFlag uint32

const (
	// ConsoleRequired asks the loader to fail if no console is available.
	ConsoleRequired ConsoleFlag = 1 << iota

	// ConsoleEGASupported advertises EGA text mode support.
	ConsoleEGASupported
)

var (
	// ErrNoHeader is returned when no valid header is found in an image.
	ErrNoHeader = &kernel.Error{Module: "multiboot", Message: "no multiboot2 header found"}

	// ErrBadChecksum is returned for headers whose checksum does not cancel
	// out the other fixed fields.
	ErrBadChecksum = &kernel.Error{Module: "multiboot", Message: "multiboot2 header checksum mismatch"}

	// ErrTruncated is returned when a header or tag runs past the buffer.
	ErrTruncated = &kernel.Error{Module: "multiboot", Message: "truncated multiboot2 structure"}
)

// Header describes the Multiboot2 header emitted in front of the entry code.
type Header struct {
	// Console, when non-zero, emits a console capability tag.
	Console ConsoleFlag

	// ModuleAlign requests page aligned modules.
	ModuleAlign bool

	// EFI64Entry, when non-zero, is the physical address UEFI firmware
	// jumps to in 64-bit mode. An EFI boot services tag is emitted with it
	// so the loader leaves boot services running.
	EFI64Entry uint32
}

// Bytes encodes the header. The header length includes every tag and the
// checksum makes the sum of magic, architecture, length and checksum zero.
func (h Header) Bytes() []byte {
	buf := make([]byte, headerFixedSize, 64)

	if h.Console != 0 {
		buf = appendHeaderTag(buf, headerTagConsole, uint32(h.Console))
	}
	if h.ModuleAlign {
		buf = appendHeaderTag(buf, headerTagModuleAlign)
	}
	if h.EFI64Entry != 0 {
		buf = appendHeaderTag(buf, headerTagEFIBootServices)
		buf = appendHeaderTag(buf, headerTagEFI64Entry, h.EFI64Entry)
	}
	buf = appendHeaderTag(buf, headerTagEnd)

	length := uint32(len(buf))
	binary.LittleEndian.PutUint32(buf[0:], HeaderMagic)
	binary.LittleEndian.PutUint32(buf[4:], ArchI386)
	binary.LittleEndian.PutUint32(buf[8:], length)
	binary.LittleEndian.PutUint32(buf[12:], checksum(length))

	return buf
}

// appendHeaderTag appends a tag whose payload consists of the supplied 32-bit
// words followed by padding up to the next 8-byte boundary.
func appendHeaderTag(buf []byte, tagType HeaderTagType, payload ...uint32) []byte {
	size := uint32(8 + 4*len(payload))

	buf = binary.LittleEndian.AppendUint16(buf, uint16(tagType))
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, size)
	for _, word := range payload {
		buf = binary.LittleEndian.AppendUint32(buf, word)
	}

	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func checksum(length uint32) uint32 {
	return -(HeaderMagic + ArchI386 + length)
}

// FindHeader locates and decodes the header within the first
// HeaderSearchLimit bytes of image, returning its offset.
func FindHeader(image []byte) (Header, int, *kernel.Error) {
	limit := len(image)
	if limit > HeaderSearchLimit {
		limit = HeaderSearchLimit
	}

	for off := 0; off+headerFixedSize <= limit; off += 8 {
		if binary.LittleEndian.Uint32(image[off:]) != HeaderMagic {
			continue
		}

		h, err := ParseHeader(image[off:])
		if err == ErrBadChecksum {
			continue
		}
		return h, off, err
	}

	return Header{}, 0, ErrNoHeader
}

// ParseHeader decodes a header starting at the beginning of buf.
func ParseHeader(buf []byte) (Header, *kernel.Error) {
	var h Header

	if len(buf) < headerFixedSize {
		return h, ErrTruncated
	}

	if binary.LittleEndian.Uint32(buf) != HeaderMagic {
		return h, ErrNoHeader
	}

	length := binary.LittleEndian.Uint32(buf[8:])
	sum := HeaderMagic + binary.LittleEndian.Uint32(buf[4:]) + length + binary.LittleEndian.Uint32(buf[12:])
	if sum != 0 {
		return h, ErrBadChecksum
	}

	if uint64(length) > uint64(len(buf)) {
		return h, ErrTruncated
	}

	for off := uint32(headerFixedSize); off+8 <= length; {
		tagType := HeaderTagType(binary.LittleEndian.Uint16(buf[off:]))
		size := binary.LittleEndian.Uint32(buf[off+4:])
		if size < 8 || size > length-off {
			return h, ErrTruncated
		}

		switch {
		case tagType == headerTagEnd:
			return h, nil
		case tagType == headerTagModuleAlign:
			h.ModuleAlign = true
		case size < 12:
			// the remaining tags carry a 32-bit payload
		case tagType == headerTagConsole:
			h.Console = ConsoleFlag(binary.LittleEndian.Uint32(buf[off+8:]))
		case tagType == headerTagEFI64Entry:
			h.EFI64Entry = binary.LittleEndian.Uint32(buf[off+8:])
		}

		off += (size + 7) &^ 7
	}

	return h, ErrTruncated
}

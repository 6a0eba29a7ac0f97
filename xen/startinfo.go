package xen

import (
	"encoding/binary"
	"gopherboot/kernel"
	"io"
)

// StartInfoMagic is the first word of the start-info structure.
const StartInfoMagic = uint32(0x336ec578)

// startInfoSize is the encoded size of a version 1 start-info structure.
// Version 0 structures end after the RSDP address.
const (
	startInfoSize   = 56
	startInfoV0Size = 40
)

var (
	// ErrBadStartInfo is returned when the structure does not begin with
	// StartInfoMagic.
	ErrBadStartInfo = &kernel.Error{Module: "xen", Message: "start info magic mismatch"}

	errStartInfoUnreadable = &kernel.Error{Module: "xen", Message: "unable to read start info"}
)

// StartInfo is the structure whose physical address the hypervisor passes in
// EBX when entering a PVH guest.
type StartInfo struct {
	Magic   uint32
	Version uint32
	Flags   uint32

	NrModules    uint32
	ModlistPaddr uint64
	CmdlinePaddr uint64
	RSDPPaddr    uint64

	// MemmapPaddr and MemmapEntries are only valid for Version >= 1.
	MemmapPaddr   uint64
	MemmapEntries uint32
}

// HasStartInfoMagic returns true if the word at addr is StartInfoMagic.
func HasStartInfoMagic(mem io.ReaderAt, addr uintptr) bool {
	var buf [4]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(buf[:]) == StartInfoMagic
}

// ReadStartInfo decodes the structure at addr. Only the fields defined by
// the structure version are read.
func ReadStartInfo(mem io.ReaderAt, addr uintptr) (StartInfo, *kernel.Error) {
	var (
		buf  [startInfoSize]byte
		info StartInfo
	)

	if _, err := mem.ReadAt(buf[:8], int64(addr)); err != nil {
		return info, errStartInfoUnreadable
	}

	info.Magic = binary.LittleEndian.Uint32(buf[0:])
	if info.Magic != StartInfoMagic {
		return info, ErrBadStartInfo
	}

	info.Version = binary.LittleEndian.Uint32(buf[4:])
	size := startInfoV0Size
	if info.Version >= 1 {
		size = startInfoSize
	}
	if _, err := mem.ReadAt(buf[8:size], int64(addr)+8); err != nil {
		return info, errStartInfoUnreadable
	}

	info.Flags = binary.LittleEndian.Uint32(buf[8:])
	info.NrModules = binary.LittleEndian.Uint32(buf[12:])
	info.ModlistPaddr = binary.LittleEndian.Uint64(buf[16:])
	info.CmdlinePaddr = binary.LittleEndian.Uint64(buf[24:])
	info.RSDPPaddr = binary.LittleEndian.Uint64(buf[32:])
	if info.Version >= 1 {
		info.MemmapPaddr = binary.LittleEndian.Uint64(buf[40:])
		info.MemmapEntries = binary.LittleEndian.Uint32(buf[48:])
	}

	return info, nil
}

// Bytes encodes the structure the way the hypervisor lays it out.
func (s StartInfo) Bytes() []byte {
	buf := make([]byte, startInfoSize)

	binary.LittleEndian.PutUint32(buf[0:], s.Magic)
	binary.LittleEndian.PutUint32(buf[4:], s.Version)
	binary.LittleEndian.PutUint32(buf[8:], s.Flags)
	binary.LittleEndian.PutUint32(buf[12:], s.NrModules)
	binary.LittleEndian.PutUint64(buf[16:], s.ModlistPaddr)
	binary.LittleEndian.PutUint64(buf[24:], s.CmdlinePaddr)
	binary.LittleEndian.PutUint64(buf[32:], s.RSDPPaddr)
	binary.LittleEndian.PutUint64(buf[40:], s.MemmapPaddr)
	binary.LittleEndian.PutUint32(buf[48:], s.MemmapEntries)

	return buf
}

// Package xen encodes the ELF notes a Xen hypervisor reads before entering a
// PVH guest and decodes the start-info structure handed to the guest.
package xen

import (
	"encoding/binary"
	"gopherboot/kernel"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// NoteType identifies a Xen ELF note.
type NoteType uint32

// The note types emitted by Notes.Bytes.
const (
	NoteXenVersion  NoteType = 5
	NoteGuestOS     NoteType = 6
	NoteLoader      NoteType = 8
	NotePAEMode     NoteType = 9
	NotePhys32Entry NoteType = 18
)

// noteName is the owner name of every Xen note.
const noteName = "Xen"

// MinVersion is the oldest hypervisor interface accepted by Validate; PVH
// entry was introduced with the xen-3.0 interface.
const MinVersion = ">= 3.0.0"

var (
	// ErrBadVersion is returned for a version note that is not of the form
	// "xen-<major>.<minor>" or is older than MinVersion.
	ErrBadVersion = &kernel.Error{Module: "xen", Message: "unsupported hypervisor version note"}

	// ErrNoEntry is returned when the 32-bit entry address is missing.
	ErrNoEntry = &kernel.Error{Module: "xen", Message: "missing 32-bit entry address"}

	// ErrBadNote is returned by ParseNotes for malformed note records.
	ErrBadNote = &kernel.Error{Module: "xen", Message: "malformed ELF note"}

	minVersion = semver.MustParse("3.0.0")
)

// Notes holds the values advertised to the hypervisor.
type Notes struct {
	// Version is the hypervisor interface string, e.g. "xen-3.0".
	Version string

	// GuestOS and Loader name the guest and its loader.
	GuestOS string
	Loader  string

	// PAEMode is the physical address extension mode, e.g. "yes".
	PAEMode string

	// Phys32Entry is the physical address of the 32-bit PVH entry point.
	Phys32Entry uint32
}

// Validate checks that the notes describe a bootable guest.
func (n Notes) Validate() *kernel.Error {
	if n.Phys32Entry == 0 {
		return ErrNoEntry
	}

	if _, err := n.InterfaceVersion(); err != nil {
		return err
	}

	return nil
}

// InterfaceVersion parses the version note.
func (n Notes) InterfaceVersion() (*semver.Version, *kernel.Error) {
	if !strings.HasPrefix(n.Version, "xen-") {
		return nil, ErrBadVersion
	}

	v, err := semver.NewVersion(strings.TrimPrefix(n.Version, "xen-"))
	if err != nil {
		return nil, ErrBadVersion
	}

	constraint, err := semver.NewConstraint(MinVersion)
	if err != nil || !constraint.Check(v) {
		return nil, ErrBadVersion
	}

	return v, nil
}

// Bytes validates the notes and encodes them as a sequence of ELF note
// records in the order the hypervisor expects.
func (n Notes) Bytes() ([]byte, *kernel.Error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	var buf []byte
	buf = appendNote(buf, NoteXenVersion, cString(n.Version))
	buf = appendNote(buf, NoteGuestOS, cString(n.GuestOS))
	buf = appendNote(buf, NoteLoader, cString(n.Loader))
	buf = appendNote(buf, NotePAEMode, cString(n.PAEMode))
	buf = appendNote(buf, NotePhys32Entry, binary.LittleEndian.AppendUint32(nil, n.Phys32Entry))

	return buf, nil
}

func cString(s string) []byte {
	return append([]byte(s), 0)
}

// appendNote appends an ELF note record: name size, descriptor size and type
// followed by the name and the descriptor, each padded to 4 bytes.
func appendNote(buf []byte, noteType NoteType, desc []byte) []byte {
	name := cString(noteName)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(desc)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(noteType))
	buf = appendPadded(buf, name)
	return appendPadded(buf, desc)
}

func appendPadded(buf, data []byte) []byte {
	buf = append(buf, data...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// ParseNotes decodes the Xen notes in buf. Notes owned by other names are
// skipped.
func ParseNotes(buf []byte) (Notes, *kernel.Error) {
	var n Notes

	for off := 0; off < len(buf); {
		if off+12 > len(buf) {
			return n, ErrBadNote
		}

		nameSize := int(binary.LittleEndian.Uint32(buf[off:]))
		descSize := int(binary.LittleEndian.Uint32(buf[off+4:]))
		noteType := NoteType(binary.LittleEndian.Uint32(buf[off+8:]))

		nameStart := off + 12
		descStart := nameStart + align4(nameSize)
		next := descStart + align4(descSize)
		if nameSize < 0 || descSize < 0 || next > len(buf) {
			return n, ErrBadNote
		}

		name := strings.TrimRight(string(buf[nameStart:nameStart+nameSize]), "\x00")
		desc := buf[descStart : descStart+descSize]
		off = next

		if name != noteName {
			continue
		}

		switch noteType {
		case NoteXenVersion:
			n.Version = strings.TrimRight(string(desc), "\x00")
		case NoteGuestOS:
			n.GuestOS = strings.TrimRight(string(desc), "\x00")
		case NoteLoader:
			n.Loader = strings.TrimRight(string(desc), "\x00")
		case NotePAEMode:
			n.PAEMode = strings.TrimRight(string(desc), "\x00")
		case NotePhys32Entry:
			if len(desc) < 4 {
				return n, ErrBadNote
			}
			n.Phys32Entry = binary.LittleEndian.Uint32(desc)
		}
	}

	return n, nil
}

func align4(v int) int {
	return (v + 3) &^ 3
}

// Package fatal renders the last-resort diagnostic shown when the boot path
// cannot continue and stops the processor. It depends on nothing but io so
// it keeps working when every other component is unusable.
package fatal

import "io"

// Code identifies a fatal boot condition.
type Code uint8

const (
	// ProtocolMagicMismatch is raised when the entry registers do not carry
	// the magic value of the boot protocol the image was entered through.
	ProtocolMagicMismatch Code = iota + 1

	// CPUFeatureUnsupported is raised when the processor lacks a feature
	// required for 64-bit operation.
	CPUFeatureUnsupported

	// NoCPUID is the CPUFeatureUnsupported variant for processors without
	// the CPUID instruction.
	NoCPUID

	// NoLongMode is the CPUFeatureUnsupported variant for processors
	// without 64-bit mode.
	NoLongMode
)

const (
	// VGABase is the physical address of the color text mode buffer.
	VGABase = 0xb8000

	// Attribute is the white-on-red attribute used for every character.
	Attribute = 0x4f

	maxMessageLen = 80
)

var messages = [...]string{
	ProtocolMagicMismatch: "ERR: boot protocol magic mismatch",
	CPUFeatureUnsupported: "ERR: CPU feature unsupported",
	NoCPUID:               "ERR: CPU feature unsupported (no CPUID)",
	NoLongMode:            "ERR: CPU feature unsupported (no long mode)",
}

// Message returns the fixed string rendered for code.
func (c Code) Message() string {
	if int(c) < len(messages) && messages[c] != "" {
		return messages[c]
	}
	return "ERR: unknown failure"
}

// Unsupported returns true if c reports a missing processor feature.
func (c Code) Unsupported() bool {
	return c == CPUFeatureUnsupported || c == NoCPUID || c == NoLongMode
}

// Halter stops the executing processor.
type Halter interface {
	Halt()
}

// buf holds the encoded character cells. Only one processor ever reaches
// the failure path.
var buf [maxMessageLen * 2]byte

// Render writes the message for code into the first row of the text buffer
// as (character, attribute) cells.
func Render(vram io.WriterAt, code Code) error {
	msg := code.Message()

	for i := 0; i < len(msg); i++ {
		buf[i*2] = msg[i]
		buf[i*2+1] = Attribute
	}

	_, err := vram.WriteAt(buf[:len(msg)*2], VGABase)
	return err
}

// Halt renders the message for code and stops the processor. A failure to
// render is ignored since there is nowhere left to report it.
func Halt(h Halter, vram io.WriterAt, code Code) {
	_ = Render(vram, code)
	h.Halt()
}

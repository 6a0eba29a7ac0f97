package gdt

import "encoding/binary"

const (
	// TSSHeaderSize is the size of the hardware-defined part of the TSS.
	TSSHeaderSize = 104

	// IOBitmapSize is the size of an I/O permission bitmap covering every
	// port.
	IOBitmapSize = 8192

	// TSSSize is the encoded size of the TSS: the structure, the bitmap and
	// the terminating 0xff byte the processor reads past the last port.
	TSSSize = TSSHeaderSize + IOBitmapSize + 1

	// TSSLimit is the segment limit stored in the TSS descriptor.
	TSSLimit = TSSSize - 1
)

// Field offsets inside the hardware structure.
const (
	offRSP       = 4
	offIST       = 36
	offIOMapBase = 102
)

// TSS is the 64-bit task state segment. Only the privilege stack pointers,
// the interrupt stack table and the I/O map base are architecturally used
// in 64-bit mode.
type TSS struct {
	// RSP holds the stack pointers loaded on a transition to rings 0-2.
	RSP [3]uint64

	// IST holds the interrupt stack table entries 1 to 7.
	IST [7]uint64

	// IOMapBase is the offset of the I/O permission bitmap from the start
	// of the TSS.
	IOMapBase uint16
}

// NewTSS returns a TSS whose ring 0 stack pointer is rsp0. The I/O bitmap
// immediately follows the structure.
func NewTSS(rsp0 uint64) TSS {
	return TSS{RSP: [3]uint64{rsp0}, IOMapBase: TSSHeaderSize}
}

// Encode writes the TSS followed by a bitmap denying access to every I/O
// port to buf which must be at least TSSSize bytes long. Reserved fields are
// written as zero.
func (t *TSS) Encode(buf []byte) {
	for i := 0; i < TSSHeaderSize; i++ {
		buf[i] = 0
	}

	for i, rsp := range t.RSP {
		binary.LittleEndian.PutUint64(buf[offRSP+i*8:], rsp)
	}

	for i, ist := range t.IST {
		binary.LittleEndian.PutUint64(buf[offIST+i*8:], ist)
	}

	binary.LittleEndian.PutUint16(buf[offIOMapBase:], t.IOMapBase)

	for i := TSSHeaderSize; i < TSSSize; i++ {
		buf[i] = 0xff
	}
}

// DecodeTSS parses the structure part of an encoded TSS.
func DecodeTSS(buf []byte) TSS {
	var t TSS

	for i := range t.RSP {
		t.RSP[i] = binary.LittleEndian.Uint64(buf[offRSP+i*8:])
	}

	for i := range t.IST {
		t.IST[i] = binary.LittleEndian.Uint64(buf[offIST+i*8:])
	}

	t.IOMapBase = binary.LittleEndian.Uint16(buf[offIOMapBase:])
	return t
}

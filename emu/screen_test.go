package emu

import (
	"bytes"
	"gopherboot/kernel/mem"
	"image/png"
	"testing"
)

func TestScreen(t *testing.T) {
	ram := newTestRAM(t, 1*mem.Mb)

	msg := "ERR: test"
	cells := make([]byte, 0, len(msg)*2)
	for i := 0; i < len(msg); i++ {
		cells = append(cells, msg[i], 0x4f)
	}
	_, _ = ram.WriteAt(cells, TextBase+TextColumns*2)

	rows, err := TextRowsOf(ram)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0] != "" || rows[1] != msg {
		t.Fatalf("expected the second row to read %q; got %q", msg, rows[1])
	}

	var buf bytes.Buffer
	if err := Screenshot(ram, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("unable to decode screenshot: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != TextColumns*cellWidth || bounds.Dy() != TextRows*cellHeight {
		t.Fatalf("unexpected screenshot size %v", bounds)
	}

	// the red background below the glyph of the first rendered cell
	r, g, b, _ := img.At(cellWidth-1, 2*cellHeight-1).RGBA()
	if r>>8 != 0xaa || g != 0 || b != 0 {
		t.Errorf("expected a red cell background; got %x %x %x", r>>8, g>>8, b>>8)
	}

	if _, err := TextRowsOf(newTestRAM(t, 64*mem.Kb)); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange for memory without a text buffer; got %v", err)
	}
}

package emu

import (
	"image/color"
	"io"
	"strings"

	"github.com/fogleman/gg"
)

// Text mode geometry of the emulated VGA adapter.
const (
	TextBase    = 0xb8000
	TextColumns = 80
	TextRows    = 25

	cellWidth  = 8
	cellHeight = 16
)

// palette holds the 16 standard text mode colors.
var palette = [16]color.RGBA{
	{0x00, 0x00, 0x00, 0xff}, {0x00, 0x00, 0xaa, 0xff}, {0x00, 0xaa, 0x00, 0xff}, {0x00, 0xaa, 0xaa, 0xff},
	{0xaa, 0x00, 0x00, 0xff}, {0xaa, 0x00, 0xaa, 0xff}, {0xaa, 0x55, 0x00, 0xff}, {0xaa, 0xaa, 0xaa, 0xff},
	{0x55, 0x55, 0x55, 0xff}, {0x55, 0x55, 0xff, 0xff}, {0x55, 0xff, 0x55, 0xff}, {0x55, 0xff, 0xff, 0xff},
	{0xff, 0x55, 0x55, 0xff}, {0xff, 0x55, 0xff, 0xff}, {0xff, 0xff, 0x55, 0xff}, {0xff, 0xff, 0xff, 0xff},
}

func readText(vram io.ReaderAt) ([]byte, error) {
	buf := make([]byte, TextColumns*TextRows*2)
	if _, err := vram.ReadAt(buf, TextBase); err != nil {
		return nil, err
	}
	return buf, nil
}

// TextRowsOf returns the characters of every text mode row with trailing
// blanks removed.
func TextRowsOf(vram io.ReaderAt) ([]string, error) {
	buf, err := readText(vram)
	if err != nil {
		return nil, err
	}

	rows := make([]string, TextRows)
	for row := range rows {
		line := make([]byte, TextColumns)
		for col := range line {
			ch := buf[(row*TextColumns+col)*2]
			if ch == 0 {
				ch = ' '
			}
			line[col] = ch
		}
		rows[row] = strings.TrimRight(string(line), " ")
	}
	return rows, nil
}

// Screenshot renders the text mode buffer as a PNG image written to w.
func Screenshot(vram io.ReaderAt, w io.Writer) error {
	buf, err := readText(vram)
	if err != nil {
		return err
	}

	dc := gg.NewContext(TextColumns*cellWidth, TextRows*cellHeight)
	dc.SetColor(palette[0])
	dc.Clear()

	for row := 0; row < TextRows; row++ {
		for col := 0; col < TextColumns; col++ {
			ch, attr := buf[(row*TextColumns+col)*2], buf[(row*TextColumns+col)*2+1]
			x, y := float64(col*cellWidth), float64(row*cellHeight)

			if bg := attr >> 4 & 0x7; bg != 0 {
				dc.SetColor(palette[bg])
				dc.DrawRectangle(x, y, cellWidth, cellHeight)
				dc.Fill()
			}

			if ch > ' ' && ch < 0x7f {
				dc.SetColor(palette[attr&0xf])
				dc.DrawString(string(rune(ch)), x, y+cellHeight-4)
			}
		}
	}

	return dc.EncodePNG(w)
}

// Package kfmt implements the formatted output used by the boot path. It
// supports a small subset of the fmt verbs, never allocates while printing
// and buffers output in a ring buffer until a sink is attached.
package kfmt

import (
	"gopherboot/kernel/sync"
	"io"
	"strconv"
)

// maxBufSize bounds the width of a formatted number.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyPrintBuffer stores Printf output written before SetOutputSink
	// is called.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. While nil, output goes to
	// earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serialises writers since every processor shares the
	// scratch buffers below.
	outputLock sync.Spinlock

	numBuf  [maxBufSize + 1]byte
	textBuf [64]byte
)

// SetOutputSink sets the target for Printf to w and replays any output
// accumulated in the early buffer.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
	outputLock.Release()
}

// GetOutputSink returns the writer Printf currently sends its output to. Until
// a sink is attached this is the early ring buffer.
func GetOutputSink() io.Writer {
	outputLock.Acquire()
	defer outputLock.Release()

	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf formats according to the format string and writes to the active
// output sink. The following verbs are supported:
//
//	%s  string or []byte
//	%d  integer, base 10
//	%x  integer, base 16 with lower-case letters
//	%o  integer, base 8
//	%t  bool
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(nil, format, args...)
}

// Fprintf behaves like Printf but writes to w. A nil w selects the active
// output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	if w == nil {
		w = outputSink
	}

	var (
		argIndex int
		start    int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}

		writeText(w, format[start:i])

		width := 0
		i++
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		switch {
		case i == len(format):
			write(w, errNoVerb)
		case format[i] == '%':
			writeText(w, "%")
		case !isVerb(format[i]):
			write(w, errNoVerb)
		case argIndex >= len(args):
			write(w, errMissingArg)
		default:
			formatArg(w, format[i], args[argIndex], width)
			argIndex++
		}

		start = i + 1
	}

	if start < len(format) {
		writeText(w, format[start:])
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

func isVerb(ch byte) bool {
	return ch == 's' || ch == 'd' || ch == 'x' || ch == 'o' || ch == 't'
}

func formatArg(w io.Writer, verb byte, arg interface{}, width int) {
	switch verb {
	case 's':
		formatString(w, arg, width)
	case 't':
		formatBool(w, arg)
	case 'd':
		formatInt(w, arg, 10, width)
	case 'x':
		formatInt(w, arg, 16, width)
	case 'o':
		formatInt(w, arg, 8, width)
	}
}

func formatBool(w io.Writer, arg interface{}) {
	v, ok := arg.(bool)
	switch {
	case !ok:
		write(w, errWrongArgType)
	case v:
		write(w, trueValue)
	default:
		write(w, falseValue)
	}
}

func formatString(w io.Writer, arg interface{}, width int) {
	switch v := arg.(type) {
	case string:
		pad(w, ' ', width-len(v))
		writeText(w, v)
	case []byte:
		pad(w, ' ', width-len(v))
		write(w, v)
	default:
		write(w, errWrongArgType)
	}
}

// formatInt renders the integer arg in base. The sign of a negative value is
// placed in front of space padding and in front of zero padding.
func formatInt(w io.Writer, arg interface{}, base, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch v := arg.(type) {
	case uint8:
		uval = uint64(v)
	case uint16:
		uval = uint64(v)
	case uint32:
		uval = uint64(v)
	case uint64:
		uval = v
	case uint:
		uval = uint64(v)
	case uintptr:
		uval = uint64(v)
	case int8:
		uval, negative = abs(int64(v))
	case int16:
		uval, negative = abs(int64(v))
	case int32:
		uval, negative = abs(int64(v))
	case int64:
		uval, negative = abs(v)
	case int:
		uval, negative = abs(int64(v))
	default:
		write(w, errWrongArgType)
		return
	}

	if width > maxBufSize {
		width = maxBufSize
	}

	digits := strconv.AppendUint(numBuf[:0], uval, base)
	padLen := width - len(digits)
	if negative {
		padLen--
	}

	if base == 10 {
		pad(w, ' ', padLen)
		if negative {
			writeText(w, "-")
		}
	} else {
		if negative {
			writeText(w, "-")
		}
		pad(w, '0', padLen)
	}

	write(w, digits)
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// pad writes count copies of ch.
func pad(w io.Writer, ch byte, count int) {
	for count > 0 {
		n := count
		if n > len(textBuf) {
			n = len(textBuf)
		}
		for i := 0; i < n; i++ {
			textBuf[i] = ch
		}
		write(w, textBuf[:n])
		count -= n
	}
}

// writeText copies s through textBuf so that no string to slice conversion
// is needed.
func writeText(w io.Writer, s string) {
	for len(s) > 0 {
		n := copy(textBuf[:], s)
		write(w, textBuf[:n])
		s = s[n:]
	}
}

func write(w io.Writer, p []byte) {
	if w == nil {
		_, _ = earlyPrintBuffer.Write(p)
		return
	}
	_, _ = w.Write(p)
}

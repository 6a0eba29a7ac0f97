package kernel

import "io"

// memsetChunk bounds the scratch buffer used by Memset. Page-table and
// descriptor regions are always multiples of it.
const memsetChunk = 4096

// The scratch buffer is shared; Memset is only invoked by the bootstrap
// processor.
var (
	memsetBuf [memsetChunk]byte

	errShortWrite = &Error{Module: "kernel", Message: "short write to physical memory"}
)

// Memset sets size bytes starting at the physical address addr to the
// supplied value. The scratch chunk is filled using log2(len) copy calls
// instead of a byte loop and then written out chunk by chunk.
func Memset(w io.WriterAt, addr uintptr, value byte, size uintptr) *Error {
	if size == 0 {
		return nil
	}

	fill := uintptr(len(memsetBuf))
	if size < fill {
		fill = size
	}

	memsetBuf[0] = value
	for index := uintptr(1); index < fill; index *= 2 {
		copy(memsetBuf[index:fill], memsetBuf[:index])
	}

	for size > 0 {
		n := fill
		if size < n {
			n = size
		}

		if wrote, err := w.WriteAt(memsetBuf[:n], int64(addr)); err != nil || uintptr(wrote) != n {
			return asKernelError(err)
		}

		addr += n
		size -= n
	}

	return nil
}

// asKernelError maps an error returned by a memory handle to the matching
// *Error; the accessor implementations in this module only ever return
// *Error values.
func asKernelError(err error) *Error {
	if kErr, ok := err.(*Error); ok && kErr != nil {
		return kErr
	}

	return errShortWrite
}

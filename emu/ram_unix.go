//go:build unix

package emu

import "golang.org/x/sys/unix"

func allocate(size int) ([]byte, func([]byte) error, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return buf, unix.Munmap, nil
}

func protectPages(buf []byte) error {
	return unix.Mprotect(buf, unix.PROT_READ)
}

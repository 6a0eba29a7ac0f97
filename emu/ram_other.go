//go:build !unix

package emu

func allocate(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}

// protectPages is a no-op; protected ranges are still enforced by WriteAt.
func protectPages(_ []byte) error {
	return nil
}

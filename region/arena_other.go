//go:build !linux

package region

func reserve(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func release(mem []byte) error {
	return nil
}

func decommit(mem []byte, off, n uint64) {
	clear(mem[off : off+n])
}

func resident(mem []byte, off, n uint64) bool {
	return true
}

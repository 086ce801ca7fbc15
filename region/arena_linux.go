//go:build linux

package region

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func reserve(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}

// decommit zeroes mem[off:off+n]. Whole pages inside the run go back to the
// kernel; a page shared with a neighbouring block is cleared in place.
func decommit(mem []byte, off, n uint64) {
	page := uint64(unix.Getpagesize())
	end := off + n
	lo := (off + page - 1) &^ (page - 1)
	hi := end &^ (page - 1)
	if lo >= hi {
		clear(mem[off:end])
		return
	}
	clear(mem[off:lo])
	clear(mem[hi:end])
	if err := unix.Madvise(mem[lo:hi], unix.MADV_DONTNEED); err != nil {
		clear(mem[lo:hi])
	}
}

func resident(mem []byte, off, n uint64) bool {
	page := uint64(unix.Getpagesize())
	start := off &^ (page - 1)
	end := (off + n + page - 1) &^ (page - 1)
	if end > uint64(len(mem)) {
		end = uint64(len(mem))
	}
	if end <= start {
		return true
	}
	vec := make([]byte, (end-start)/page)
	_, _, errno := unix.Syscall(unix.SYS_MINCORE,
		uintptr(unsafe.Pointer(&mem[start])), uintptr(end-start), uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return true
	}
	for _, v := range vec {
		if v&1 == 0 {
			return false
		}
	}
	return true
}

package region

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// Addr is a heap address. Every region maps its arena at Base so that
// addresses are stable for the lifetime of the region and block bases are
// aligned to the block size.
type Addr uint64

const (
	WordSize = 8
	Base     Addr = 1 << 40
)

var (
	ErrExhausted   = errors.New("region exhausted")
	ErrInvalidSize = errors.New("invalid region size")
)

func (a Addr) String() string {
	return fmt.Sprintf("0x%012x", uint64(a))
}

// Plus returns a+n bytes.
func (a Addr) Plus(n uint64) Addr {
	return a + Addr(n)
}

func (a Addr) IsWordAligned() bool {
	return a%WordSize == 0
}

// Region hands out block-size-aligned blocks from one reserved arena.
type Region struct {
	mu sync.Mutex

	base      Addr
	blockSize uint64
	shift     uint
	mem       []byte

	used  []bool
	spans map[int]int // first slot -> number of slots
	hint  int
	inUse int

	closed bool
}

func New(arenaSize, blockSize uint64) (*Region, error) {
	if blockSize < WordSize || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrInvalidSize, blockSize)
	}
	if arenaSize == 0 || arenaSize%blockSize != 0 {
		return nil, fmt.Errorf("%w: arena size %d", ErrInvalidSize, arenaSize)
	}
	mem, err := reserve(arenaSize)
	if err != nil {
		return nil, fmt.Errorf("reserve arena of %d bytes: %w", arenaSize, err)
	}
	return &Region{
		base:      Base,
		blockSize: blockSize,
		shift:     uint(bits.TrailingZeros64(blockSize)),
		mem:       mem,
		used:      make([]bool, arenaSize/blockSize),
		spans:     make(map[int]int),
	}, nil
}

func (r *Region) BlockSize() uint64 {
	return r.blockSize
}

func (r *Region) NumSlots() int {
	return len(r.used)
}

// InUse reports the number of slots currently allocated.
func (r *Region) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUse
}

// Allocate returns the base of one zeroed block.
func (r *Region) Allocate() (Addr, error) {
	return r.allocateSlots(1)
}

// AllocateCustomSize returns the base of a zeroed run of blocks holding at
// least bytes. The returned size is rounded up to the block size.
func (r *Region) AllocateCustomSize(bytes uint64) (Addr, uint64, error) {
	if bytes == 0 {
		return 0, 0, fmt.Errorf("%w: custom size 0", ErrInvalidSize)
	}
	n := (bytes + r.blockSize - 1) >> r.shift
	addr, err := r.allocateSlots(int(n))
	if err != nil {
		return 0, 0, err
	}
	return addr, n << r.shift, nil
}

func (r *Region) allocateSlots(n int) (Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("%w: region closed", ErrExhausted)
	}
	start, ok := r.findRun(r.hint, len(r.used), n)
	if !ok {
		start, ok = r.findRun(0, len(r.used), n)
	}
	if !ok {
		return 0, fmt.Errorf("%w: no run of %d blocks", ErrExhausted, n)
	}
	for i := start; i < start+n; i++ {
		r.used[i] = true
	}
	r.spans[start] = n
	r.inUse += n
	r.hint = start + n
	return r.slotBase(start), nil
}

func (r *Region) findRun(from, to, n int) (int, bool) {
	run := 0
	for i := from; i < to; i++ {
		if r.used[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1, true
		}
	}
	return 0, false
}

// Deallocate returns a block or custom-size run, identified by its base, to
// the region. Its memory reads as zero when handed out again.
func (r *Region) Deallocate(addr Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.SlotIndex(addr)
	n, ok := r.spans[start]
	if !ok || r.slotBase(start) != addr {
		panic(fmt.Sprintf("deallocate %s: not an allocated block base", addr))
	}
	delete(r.spans, start)
	for i := start; i < start+n; i++ {
		r.used[i] = false
	}
	r.inUse -= n
	if start < r.hint {
		r.hint = start
	}
	off := uint64(start) << r.shift
	decommit(r.mem, off, uint64(n)<<r.shift)
}

// Contains reports whether a lies inside the arena.
func (r *Region) Contains(a Addr) bool {
	return a >= r.base && uint64(a-r.base) < uint64(len(r.mem))
}

// SlotIndex maps an address to the index of the block slot containing it.
// The address must be inside the arena.
func (r *Region) SlotIndex(a Addr) int {
	return int(uint64(a-r.base) >> r.shift)
}

// BlockBase masks a down to the block-size boundary.
func (r *Region) BlockBase(a Addr) Addr {
	return a &^ Addr(r.blockSize-1)
}

func (r *Region) slotBase(i int) Addr {
	return r.base + Addr(uint64(i)<<r.shift)
}

// Bytes returns the arena memory backing [a, a+n).
func (r *Region) Bytes(a Addr, n uint64) []byte {
	off := uint64(a - r.base)
	return r.mem[off : off+n : off+n]
}

func (r *Region) LoadWord(a Addr) uint64 {
	return binary.LittleEndian.Uint64(r.Bytes(a, WordSize))
}

func (r *Region) StoreWord(a Addr, v uint64) {
	binary.LittleEndian.PutUint64(r.Bytes(a, WordSize), v)
}

// Copy moves n bytes from src to dst. The ranges must not overlap.
func (r *Region) Copy(dst, src Addr, n uint64) {
	copy(r.Bytes(dst, n), r.Bytes(src, n))
}

func (r *Region) Zero(a Addr, n uint64) {
	clear(r.Bytes(a, n))
}

// Resident reports whether every page of [a, a+n) is resident in memory.
// Platforms without a residency query always report true.
func (r *Region) Resident(a Addr, n uint64) bool {
	off := uint64(a - r.base)
	return resident(r.mem, off, n)
}

func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := release(r.mem)
	r.mem = nil
	return err
}

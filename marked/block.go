package marked

import (
	"sync/atomic"

	"copygc/region"
)

const (
	// AtomSize is the allocation granule inside a block.
	AtomSize = 16
	// CellSize is the fixed size of every cell.
	CellSize = 2 * AtomSize
)

// Block holds fixed-size cells with one mark bit and one allocated bit per
// cell. Mark bits are set concurrently by markers; allocated bits change
// only on the collecting thread.
type Block struct {
	base      region.Addr
	cells     int
	marks     []atomic.Uint64
	allocated []uint64
	free      []int32
	liveCells int
}

func newBlock(base region.Addr, size uint64) *Block {
	cells := int(size / CellSize)
	words := (cells + 63) / 64
	b := &Block{
		base:      base,
		cells:     cells,
		marks:     make([]atomic.Uint64, words),
		allocated: make([]uint64, words),
		free:      make([]int32, 0, cells),
	}
	for i := cells - 1; i >= 0; i-- {
		b.free = append(b.free, int32(i))
	}
	return b
}

func (b *Block) Base() region.Addr {
	return b.base
}

func (b *Block) LiveCells() int {
	return b.liveCells
}

func (b *Block) hasFree() bool {
	return len(b.free) > 0
}

func (b *Block) allocate() region.Addr {
	n := len(b.free)
	i := int(b.free[n-1])
	b.free = b.free[:n-1]
	b.allocated[i/64] |= 1 << (i % 64)
	b.liveCells++
	return b.cellAddr(i)
}

func (b *Block) cellAddr(i int) region.Addr {
	return b.base.Plus(uint64(i) * CellSize)
}

// cellIndex maps p to a cell index when p sits on a cell boundary.
func (b *Block) cellIndex(p region.Addr) (int, bool) {
	if p < b.base {
		return 0, false
	}
	off := uint64(p - b.base)
	if off%CellSize != 0 {
		return 0, false
	}
	i := int(off / CellSize)
	if i >= b.cells {
		return 0, false
	}
	return i, true
}

func (b *Block) isAllocated(i int) bool {
	return b.allocated[i/64]&(1<<(i%64)) != 0
}

// IsLiveCell reports whether p is the address of an allocated cell.
func (b *Block) IsLiveCell(p region.Addr) bool {
	i, ok := b.cellIndex(p)
	return ok && b.isAllocated(i)
}

func (b *Block) testAndSetMarked(i int) bool {
	w := &b.marks[i/64]
	bit := uint64(1) << (i % 64)
	for {
		old := w.Load()
		if old&bit != 0 {
			return true
		}
		if w.CompareAndSwap(old, old|bit) {
			return false
		}
	}
}

func (b *Block) isMarked(i int) bool {
	return b.marks[i/64].Load()&(1<<(i%64)) != 0
}

func (b *Block) clearMarks() {
	for i := range b.marks {
		b.marks[i].Store(0)
	}
}

// sweep frees every allocated cell left unmarked and reports how many.
func (b *Block) sweep(r *region.Region) int {
	freed := 0
	for i := 0; i < b.cells; i++ {
		if !b.isAllocated(i) || b.isMarked(i) {
			continue
		}
		b.allocated[i/64] &^= 1 << (i % 64)
		r.Zero(b.cellAddr(i), CellSize)
		b.free = append(b.free, int32(i))
		b.liveCells--
		freed++
	}
	return freed
}

func (b *Block) forEachLiveCell(f func(region.Addr)) {
	for i := 0; i < b.cells; i++ {
		if b.isAllocated(i) {
			f(b.cellAddr(i))
		}
	}
}

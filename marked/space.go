// Package marked is the non-moving cell space: fixed-size cells with mark
// bits, the allocation state conservative scanning checks against, and the
// sweep that frees what marking left white.
package marked

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"copygc/bloom"
	"copygc/region"
)

type Space struct {
	region    *region.Region
	blockSize uint64

	mu       sync.Mutex
	blocks   []*Block
	blockSet map[region.Addr]*Block
	filter   bloom.Filter
	current  *Block

	table []atomic.Pointer[Block]

	bytesAllocated atomic.Uint64
}

func NewSpace(r *region.Region) *Space {
	return &Space{
		region:    r,
		blockSize: r.BlockSize(),
		blockSet:  make(map[region.Addr]*Block),
		table:     make([]atomic.Pointer[Block], r.NumSlots()),
	}
}

// Allocate returns a zeroed cell. Only the collecting thread allocates.
func (s *Space) Allocate() (region.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.current.hasFree() {
		s.current = nil
		for _, b := range s.blocks {
			if b.hasFree() {
				s.current = b
				break
			}
		}
	}
	if s.current == nil {
		base, err := s.region.Allocate()
		if err != nil {
			return 0, fmt.Errorf("marked block: %w", err)
		}
		b := newBlock(base, s.blockSize)
		s.blocks = append(s.blocks, b)
		s.blockSet[base] = b
		s.filter.Add(uint64(base))
		s.table[s.region.SlotIndex(base)].Store(b)
		s.current = b
		s.bytesAllocated.Add(s.blockSize)
	}
	return s.current.allocate(), nil
}

// BlockFor resolves p to its block without locking.
func (s *Space) BlockFor(p region.Addr) *Block {
	if !s.region.Contains(p) {
		return nil
	}
	return s.table[s.region.SlotIndex(p)].Load()
}

func (s *Space) mustCell(cell region.Addr) (*Block, int) {
	b := s.BlockFor(cell)
	if b == nil {
		panic(fmt.Sprintf("marked space: %s is not in a cell block", cell))
	}
	i, ok := b.cellIndex(cell)
	if !ok {
		panic(fmt.Sprintf("marked space: %s is not a cell boundary", cell))
	}
	return b, i
}

// TestAndSetMarked marks cell and reports whether it was already marked.
func (s *Space) TestAndSetMarked(cell region.Addr) bool {
	b, i := s.mustCell(cell)
	return b.testAndSetMarked(i)
}

func (s *Space) IsMarked(cell region.Addr) bool {
	b, i := s.mustCell(cell)
	return b.isMarked(i)
}

func (s *Space) ClearMarks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks {
		b.clearMarks()
	}
}

// Sweep frees unmarked cells, returns wholly empty blocks to the region and
// reports the number of cells freed.
func (s *Space) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := 0
	for _, b := range s.blocks {
		freed += b.sweep(s.region)
	}
	empty, kept := lo.FilterReject(s.blocks, func(b *Block, _ int) bool { return b.LiveCells() == 0 })
	for _, b := range empty {
		delete(s.blockSet, b.base)
		s.table[s.region.SlotIndex(b.base)].Store(nil)
		s.region.Deallocate(b.base)
	}
	s.blocks = kept
	s.current = nil
	s.filter.Reset()
	for _, b := range kept {
		s.filter.Add(uint64(b.base))
	}
	return freed
}

// Filter returns a copy of the bloom filter over block bases.
func (s *Space) Filter() bloom.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *Space) BlockBase(p region.Addr) region.Addr {
	return s.region.BlockBase(p)
}

// ContainsBlock reports whether base is the base of a cell block.
func (s *Space) ContainsBlock(base region.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blockSet[base]
	return ok
}

func IsAtomAligned(p region.Addr) bool {
	return p%AtomSize == 0
}

// IsLiveCell reports whether p addresses an allocated cell.
func (s *Space) IsLiveCell(p region.Addr) bool {
	s.mu.Lock()
	b, ok := s.blockSet[s.region.BlockBase(p)]
	s.mu.Unlock()
	return ok && b.IsLiveCell(p)
}

// Capacity is the number of bytes held in cell blocks.
func (s *Space) Capacity() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.blocks)) * s.blockSize
}

// Size is the number of bytes in allocated cells.
func (s *Space) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SumBy(s.blocks, func(b *Block) uint64 { return uint64(b.LiveCells()) * CellSize })
}

func (s *Space) LiveCells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SumBy(s.blocks, func(b *Block) int { return b.LiveCells() })
}

// Cells lists every allocated cell.
func (s *Space) Cells() []region.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cells []region.Addr
	for _, b := range s.blocks {
		b.forEachLiveCell(func(c region.Addr) { cells = append(cells, c) })
	}
	return cells
}

// TakeAllocatedBytes returns the block bytes allocated since the last call.
func (s *Space) TakeAllocatedBytes() uint64 {
	return s.bytesAllocated.Swap(0)
}

// Package copied implements the copying half of the heap: bump-allocated
// blocks split into a from-space and a to-space, with oversize allocations
// and pinned blocks exempt from evacuation.
package copied

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"copygc/bloom"
	"copygc/infra"
	"copygc/region"
)

// ObjectSpace is the non-moving space whose capacity weighs into the
// fragmentation estimate.
type ObjectSpace interface {
	Capacity() uint64
}

const timeCheckResolution = 16

// Space owns every copied block of one heap. Allocation, StartedCopying and
// DoneCopying run on the collecting thread; block lookup, pinning and the
// copy-phase block exchange are safe from any GC thread.
type Space struct {
	region            *region.Region
	objectSpace       ObjectSpace
	blockSize         uint64
	maxAllocationSize uint64
	minUtilization    float64

	// toSpaceMu guards the block lists, the block set and the filter.
	toSpaceMu      sync.Mutex
	spaces         [2]blockList
	toSpace        *blockList
	fromSpace      *blockList
	oversizeBlocks blockList
	blockSet       map[region.Addr]*Block
	blockFilter    bloom.Filter

	table []atomic.Pointer[Block]

	allocator Allocator

	loanedMu             sync.Mutex
	loanedCond           *sync.Cond
	numberOfLoanedBlocks int

	inCopyingPhase    bool
	shouldDoCopyPhase bool
	fragmentation     float64

	bytesAllocated atomic.Uint64
}

func NewSpace(r *region.Region, objectSpace ObjectSpace, minHeapUtilization float64) (*Space, error) {
	s := &Space{
		region:            r,
		objectSpace:       objectSpace,
		blockSize:         r.BlockSize(),
		maxAllocationSize: r.BlockSize() / 2,
		minUtilization:    minHeapUtilization,
		blockSet:          make(map[region.Addr]*Block),
		table:             make([]atomic.Pointer[Block], r.NumSlots()),
	}
	s.toSpace = &s.spaces[0]
	s.fromSpace = &s.spaces[1]
	s.loanedCond = sync.NewCond(&s.loanedMu)
	if err := s.allocateBlock(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Space) IsOversize(bytes uint64) bool {
	return bytes > s.maxAllocationSize
}

// TryAllocate returns word-aligned storage for bytes. Small requests are
// bump-allocated in the current to-space block, oversize ones get a block of
// their own.
func (s *Space) TryAllocate(bytes uint64) (region.Addr, error) {
	bytes = roundUpToWord(bytes)
	if bytes == 0 {
		return 0, fmt.Errorf("%w: zero-byte allocation", region.ErrInvalidSize)
	}
	if s.IsOversize(bytes) {
		return s.tryAllocateOversize(bytes)
	}
	if p, ok := s.allocator.TryAllocate(bytes); ok {
		return p, nil
	}
	return s.tryAllocateSlowCase(bytes)
}

func (s *Space) tryAllocateSlowCase(bytes uint64) (region.Addr, error) {
	if err := s.allocateBlock(); err != nil {
		return 0, err
	}
	return s.allocator.ForceAllocate(bytes), nil
}

func (s *Space) tryAllocateOversize(bytes uint64) (region.Addr, error) {
	base, size, err := s.region.AllocateCustomSize(bytes)
	if err != nil {
		return 0, fmt.Errorf("oversize copied allocation of %d bytes: %w", bytes, err)
	}
	b := newBlock(base, size, true)
	s.toSpaceMu.Lock()
	s.oversizeBlocks.push(b)
	s.registerLocked(b)
	s.toSpaceMu.Unlock()

	var allocator Allocator
	allocator.SetCurrentBlock(b)
	p := allocator.ForceAllocate(bytes)
	allocator.ResetCurrentBlock()
	s.bytesAllocated.Add(size)
	return p, nil
}

// TryReallocate resizes the storage at ptr, in place when ptr is the latest
// allocation of the current block, by allocate and copy otherwise.
func (s *Space) TryReallocate(ptr region.Addr, oldSize, newSize uint64) (region.Addr, error) {
	oldSize, newSize = roundUpToWord(oldSize), roundUpToWord(newSize)
	if oldSize >= newSize {
		return ptr, nil
	}
	if old := s.BlockFor(ptr); (old != nil && old.IsOversize()) || s.IsOversize(newSize) {
		return s.tryReallocateOversize(ptr, oldSize, newSize)
	}
	if s.allocator.TryReallocate(ptr, oldSize, newSize) {
		return ptr, nil
	}
	p, err := s.TryAllocate(newSize)
	if err != nil {
		return 0, err
	}
	s.region.Copy(p, ptr, oldSize)
	return p, nil
}

func (s *Space) tryReallocateOversize(ptr region.Addr, oldSize, newSize uint64) (region.Addr, error) {
	p, err := s.tryAllocateOversize(newSize)
	if err != nil {
		return 0, err
	}
	s.region.Copy(p, ptr, oldSize)
	if old := s.BlockFor(ptr); old != nil && old.IsOversize() {
		s.toSpaceMu.Lock()
		s.oversizeBlocks.remove(old)
		s.unregisterLocked(old)
		s.toSpaceMu.Unlock()
		s.region.Deallocate(old.base)
	}
	return p, nil
}

func (s *Space) allocateBlock() error {
	s.allocator.ResetCurrentBlock()
	base, err := s.region.Allocate()
	if err != nil {
		return fmt.Errorf("copied block: %w", err)
	}
	b := newBlock(base, s.blockSize, false)
	s.toSpaceMu.Lock()
	s.toSpace.push(b)
	s.registerLocked(b)
	s.toSpaceMu.Unlock()
	s.allocator.SetCurrentBlock(b)
	s.bytesAllocated.Add(s.blockSize)
	return nil
}

// registerLocked makes every slot of b resolvable and visible to Contains.
func (s *Space) registerLocked(b *Block) {
	for a := b.base; a < b.PayloadEnd(); a = a.Plus(s.blockSize) {
		s.table[s.region.SlotIndex(a)].Store(b)
		s.blockSet[a] = b
		s.blockFilter.Add(uint64(a))
	}
}

func (s *Space) unregisterLocked(b *Block) {
	for a := b.base; a < b.PayloadEnd(); a = a.Plus(s.blockSize) {
		s.table[s.region.SlotIndex(a)].Store(nil)
		delete(s.blockSet, a)
	}
}

func (s *Space) addToFilterLocked(b *Block) {
	for a := b.base; a < b.PayloadEnd(); a = a.Plus(s.blockSize) {
		s.blockFilter.Add(uint64(a))
	}
}

// BlockFor resolves a pointer to the block holding it by masking it to the
// block boundary. It takes no lock.
func (s *Space) BlockFor(p region.Addr) *Block {
	if !s.region.Contains(p) {
		return nil
	}
	return s.table[s.region.SlotIndex(p)].Load()
}

// Contains reports whether p points into a block of this space, rejecting
// most non-pointers with the bloom filter before consulting the block set.
func (s *Space) Contains(p region.Addr) (*Block, bool) {
	base := s.region.BlockBase(p)
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	if s.blockFilter.RuleOut(uint64(base)) {
		return nil, false
	}
	b, ok := s.blockSet[base]
	if !ok || !b.Contains(p) {
		return nil, false
	}
	return b, true
}

// PinIfNecessary pins the block under a possible pointer found by
// conservative scanning. Besides p itself it checks two words back, which
// covers pointers just past the end of a span.
func (s *Space) PinIfNecessary(p region.Addr) {
	if b, ok := s.Contains(p); ok {
		s.Pin(b)
	}
	if p < 2*region.WordSize {
		return
	}
	if b, ok := s.Contains(p - 2*region.WordSize); ok {
		s.Pin(b)
	}
}

func (s *Space) Pin(b *Block) {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	b.pin()
}

// StartedCopying swaps the spaces, recycles dead from-space blocks, frees
// dead oversize blocks and decides from the heap utilization whether the
// copy phase is worth running.
func (s *Space) StartedCopying() {
	if s.inCopyingPhase {
		panic("copied space: copying already started")
	}
	s.toSpaceMu.Lock()
	s.fromSpace, s.toSpace = s.toSpace, s.fromSpace
	s.blockFilter.Reset()
	s.allocator.ResetCurrentBlock()

	var totalLiveBytes, totalUsableBytes uint64
	for b := s.fromSpace.first; b != nil; {
		next := b.next
		if !b.IsPinned() && b.CanBeRecycled() {
			s.fromSpace.remove(b)
			s.unregisterLocked(b)
			s.region.Deallocate(b.base)
			b = next
			continue
		}
		if b.IsPinned() {
			s.addToFilterLocked(b)
		}
		totalLiveBytes += b.LiveBytes()
		totalUsableBytes += b.Capacity()
		b = next
	}

	for b := s.oversizeBlocks.first; b != nil; {
		next := b.next
		if b.IsPinned() {
			s.addToFilterLocked(b)
			totalLiveBytes += b.Capacity()
			totalUsableBytes += b.Capacity()
		} else {
			s.oversizeBlocks.remove(b)
			s.unregisterLocked(b)
			s.region.Deallocate(b.base)
		}
		b = next
	}
	s.toSpaceMu.Unlock()

	var markedSpaceBytes uint64
	if s.objectSpace != nil {
		markedSpaceBytes = s.objectSpace.Capacity()
	}
	s.fragmentation = 1
	if denominator := float64(totalUsableBytes + markedSpaceBytes); denominator > 0 {
		s.fragmentation = float64(totalLiveBytes+markedSpaceBytes) / denominator
	}
	s.shouldDoCopyPhase = totalUsableBytes > 0 && s.fragmentation <= s.minUtilization
	infra.Logger.Debug().
		Uint64("liveBytes", totalLiveBytes).
		Uint64("usableBytes", totalUsableBytes).
		Float64("utilization", s.fragmentation).
		Bool("copy", s.shouldDoCopyPhase).
		Msg("started copying")
	if !s.shouldDoCopyPhase {
		return
	}
	s.loanedMu.Lock()
	loaned := s.numberOfLoanedBlocks
	s.loanedMu.Unlock()
	if loaned != 0 {
		panic(fmt.Sprintf("copied space: %d blocks on loan before copying", loaned))
	}
	s.inCopyingPhase = true
}

func (s *Space) ShouldDoCopyPhase() bool {
	return s.shouldDoCopyPhase
}

func (s *Space) InCopyingPhase() bool {
	return s.inCopyingPhase
}

// Fragmentation is the utilization computed by the last StartedCopying.
func (s *Space) Fragmentation() float64 {
	return s.fragmentation
}

// BlocksToEvacuate lists the from-space blocks whose contents the copy phase
// moves. Pinned blocks stay put.
func (s *Space) BlocksToEvacuate() []*Block {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	return lo.Filter(s.fromSpace.blocks(), func(b *Block, _ int) bool { return !b.IsPinned() })
}

// DoneFillingBlock returns a block a copy visitor has been filling and, when
// exchange is set, lends it a fresh one.
func (s *Space) DoneFillingBlock(filled *Block, exchange bool) *Block {
	if !s.inCopyingPhase {
		panic("copied space: block exchange outside the copy phase")
	}
	var fresh *Block
	if exchange {
		fresh = s.allocateBlockForCopyingPhase()
	}
	if filled == nil {
		return fresh
	}
	if filled.DataSize() == 0 {
		s.recycleBorrowedBlock(filled)
		return fresh
	}
	s.toSpaceMu.Lock()
	s.toSpace.push(filled)
	s.registerLocked(filled)
	s.toSpaceMu.Unlock()
	s.returnLoan()
	return fresh
}

func (s *Space) allocateBlockForCopyingPhase() *Block {
	base, err := s.region.Allocate()
	if err != nil {
		panic(fmt.Sprintf("copied space: no block for the copy phase: %v", err))
	}
	b := newBlock(base, s.blockSize, false)
	s.table[s.region.SlotIndex(base)].Store(b)
	s.loanedMu.Lock()
	s.numberOfLoanedBlocks++
	s.loanedMu.Unlock()
	return b
}

func (s *Space) recycleBorrowedBlock(b *Block) {
	s.table[s.region.SlotIndex(b.base)].Store(nil)
	s.region.Deallocate(b.base)
	s.returnLoan()
}

func (s *Space) returnLoan() {
	s.loanedMu.Lock()
	defer s.loanedMu.Unlock()
	if s.numberOfLoanedBlocks <= 0 {
		panic("copied space: returned a block that was never lent")
	}
	s.numberOfLoanedBlocks--
	if s.numberOfLoanedBlocks == 0 {
		s.loanedCond.Broadcast()
	}
}

func (s *Space) LoanedBlocks() int {
	s.loanedMu.Lock()
	defer s.loanedMu.Unlock()
	return s.numberOfLoanedBlocks
}

// RecycleEvacuatedBlock frees a from-space block whose live contents have
// all been copied out.
func (s *Space) RecycleEvacuatedBlock(b *Block) {
	if b.IsPinned() {
		panic(fmt.Sprintf("copied space: recycling pinned block %s", b.base))
	}
	s.toSpaceMu.Lock()
	s.fromSpace.remove(b)
	s.unregisterLocked(b)
	s.toSpaceMu.Unlock()
	s.region.Deallocate(b.base)
}

// DoneCopying waits for every lent block to come back, then folds the
// surviving from-space blocks into to-space and resumes allocation.
func (s *Space) DoneCopying() error {
	s.loanedMu.Lock()
	for s.numberOfLoanedBlocks > 0 {
		s.loanedCond.Wait()
	}
	s.loanedMu.Unlock()

	if s.inCopyingPhase != s.shouldDoCopyPhase {
		panic("copied space: copy phase state out of sync")
	}
	s.inCopyingPhase = false

	s.toSpaceMu.Lock()
	for b := s.fromSpace.removeHead(); b != nil; b = s.fromSpace.removeHead() {
		if b.IsPinned() || !s.shouldDoCopyPhase {
			b.didSurviveGC()
			s.addToFilterLocked(b)
			s.toSpace.push(b)
			continue
		}
		s.unregisterLocked(b)
		s.region.Deallocate(b.base)
	}
	for b := s.oversizeBlocks.first; b != nil; b = b.next {
		b.didSurviveGC()
	}
	head := s.toSpace.first
	s.toSpaceMu.Unlock()

	s.shouldDoCopyPhase = false
	if head == nil {
		return s.allocateBlock()
	}
	s.allocator.SetCurrentBlock(head)
	return nil
}

// Size is the number of bytes handed out across all blocks.
func (s *Space) Size() uint64 {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	current := s.allocator.CurrentBlock()
	return lo.SumBy(s.allBlocksLocked(), func(b *Block) uint64 {
		if b == current {
			return b.Capacity() - s.allocator.CurrentRemaining()
		}
		return b.DataSize()
	})
}

func (s *Space) Capacity() uint64 {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	return lo.SumBy(s.allBlocksLocked(), func(b *Block) uint64 { return b.Capacity() })
}

func (s *Space) allBlocksLocked() []*Block {
	blocks := append(s.toSpace.blocks(), s.fromSpace.blocks()...)
	return append(blocks, s.oversizeBlocks.blocks()...)
}

// TakeAllocatedBytes returns the block bytes allocated since the last call.
func (s *Space) TakeAllocatedBytes() uint64 {
	return s.bytesAllocated.Swap(0)
}

// IsPagedOut walks the block lists and reports true when a block is not
// resident or when the walk outlives deadline.
func (s *Space) IsPagedOut(deadline time.Time) bool {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	for _, list := range []*blockList{s.toSpace, s.fromSpace, &s.oversizeBlocks} {
		if s.isBlockListPagedOut(deadline, list) {
			return true
		}
	}
	return false
}

func (s *Space) isBlockListPagedOut(deadline time.Time, list *blockList) bool {
	iters := 0
	for b := list.first; b != nil; b = b.next {
		if !s.region.Resident(b.base, region.WordSize) {
			return true
		}
		iters++
		if iters >= timeCheckResolution {
			if time.Now().After(deadline) {
				return true
			}
			iters = 0
		}
	}
	return false
}

// Filter returns a copy of the block filter.
func (s *Space) Filter() bloom.Filter {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	return s.blockFilter
}

func (s *Space) ToSpaceBlocks() []*Block {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	return s.toSpace.blocks()
}

func (s *Space) FromSpaceBlocks() []*Block {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	return s.fromSpace.blocks()
}

func (s *Space) OversizeBlocks() []*Block {
	s.toSpaceMu.Lock()
	defer s.toSpaceMu.Unlock()
	return s.oversizeBlocks.blocks()
}

func roundUpToWord(bytes uint64) uint64 {
	return (bytes + region.WordSize - 1) &^ (region.WordSize - 1)
}

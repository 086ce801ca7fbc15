package copied

import (
	"sync"
	"testing"
	"time"

	"copygc/region"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedObjectSpace uint64

func (f fixedObjectSpace) Capacity() uint64 {
	return uint64(f)
}

func newTestSpace(t *testing.T, blocks int, objectSpace ObjectSpace) *Space {
	r, err := region.New(uint64(blocks)*4096, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	s, err := NewSpace(r, objectSpace, 0.8)
	require.NoError(t, err)
	return s
}

func Test_AllocateFallsBackToFreshBlock(t *testing.T) {
	s := newTestSpace(t, 8, nil)
	p, ok := s.allocator.TryAllocate(4000)
	require.True(t, ok)
	_, ok = s.allocator.TryAllocate(200)
	assert.False(t, ok)

	q, err := s.TryAllocate(200)
	require.NoError(t, err)
	assert.NotEqual(t, s.BlockFor(p), s.BlockFor(q))
	assert.Len(t, s.ToSpaceBlocks(), 2)
	assert.Equal(t, uint64(2*4096), s.Capacity())
	assert.Equal(t, uint64(4000+200), s.Size())
}

func Test_TryAllocateRoundsUp(t *testing.T) {
	s := newTestSpace(t, 2, nil)
	p, err := s.TryAllocate(5)
	require.NoError(t, err)
	q, err := s.TryAllocate(8)
	require.NoError(t, err)
	assert.Equal(t, p.Plus(8), q)
	_, err = s.TryAllocate(0)
	assert.ErrorIs(t, err, region.ErrInvalidSize)
}

func Test_TryAllocateExhausted(t *testing.T) {
	s := newTestSpace(t, 1, nil)
	_, err := s.TryAllocate(2048)
	require.NoError(t, err)
	_, err = s.TryAllocate(2048)
	require.NoError(t, err)
	_, err = s.TryAllocate(8)
	assert.ErrorIs(t, err, region.ErrExhausted)
	_, err = s.TryAllocate(3000)
	assert.ErrorIs(t, err, region.ErrExhausted)
}

func Test_OversizeAllocation(t *testing.T) {
	s := newTestSpace(t, 8, nil)
	p, err := s.TryAllocate(5000)
	require.NoError(t, err)
	b := s.BlockFor(p)
	require.NotNil(t, b)
	assert.True(t, b.IsOversize())
	assert.Equal(t, uint64(8192), b.Capacity())
	assert.Len(t, s.OversizeBlocks(), 1)
	// Every slot of the oversize run resolves to the same block.
	assert.Equal(t, b, s.BlockFor(p.Plus(4999)))
	found, ok := s.Contains(p.Plus(4500))
	assert.True(t, ok)
	assert.Equal(t, b, found)
}

func Test_TryReallocate(t *testing.T) {
	s := newTestSpace(t, 8, nil)
	p, err := s.TryAllocate(64)
	require.NoError(t, err)
	s.region.StoreWord(p, 7)

	grown, err := s.TryReallocate(p, 64, 128)
	require.NoError(t, err)
	assert.Equal(t, p, grown)

	_, err = s.TryAllocate(8)
	require.NoError(t, err)
	moved, err := s.TryReallocate(p, 128, 256)
	require.NoError(t, err)
	assert.NotEqual(t, p, moved)
	assert.Equal(t, uint64(7), s.region.LoadWord(moved))

	same, err := s.TryReallocate(moved, 256, 16)
	require.NoError(t, err)
	assert.Equal(t, moved, same)

	big, err := s.TryReallocate(moved, 256, 3000)
	require.NoError(t, err)
	assert.True(t, s.BlockFor(big).IsOversize())
	assert.Equal(t, uint64(7), s.region.LoadWord(big))

	bigger, err := s.TryReallocate(big, 3000, 6000)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), s.region.LoadWord(bigger))
	assert.Len(t, s.OversizeBlocks(), 1)
	assert.Nil(t, s.BlockFor(big))
}

func Test_PinIfNecessary(t *testing.T) {
	s := newTestSpace(t, 8, nil)
	p, err := s.TryAllocate(64)
	require.NoError(t, err)
	b := s.BlockFor(p)

	s.PinIfNecessary(region.Addr(12345))
	s.PinIfNecessary(region.Base.Plus(6 * 4096))
	assert.False(t, b.IsPinned())

	s.PinIfNecessary(p.Plus(24))
	assert.True(t, b.IsPinned())
}

func Test_PinOnePastEnd(t *testing.T) {
	s := newTestSpace(t, 8, nil)
	for {
		if _, ok := s.allocator.TryAllocate(8); !ok {
			break
		}
	}
	full := s.allocator.CurrentBlock()
	// A pointer just past the end of the full block lands in a slot that
	// holds no block; the two-words-back probe still finds the block.
	s.PinIfNecessary(full.PayloadEnd().Plus(8))
	assert.True(t, full.IsPinned())
}

func Test_BlockForIsStableAcrossCycle(t *testing.T) {
	s := newTestSpace(t, 8, fixedObjectSpace(0))
	p, err := s.TryAllocate(64)
	require.NoError(t, err)
	b := s.BlockFor(p)
	for off := uint64(0); off < b.Capacity(); off += 512 {
		assert.Equal(t, b, s.BlockFor(b.Base().Plus(off)))
	}
	s.Pin(b)
	s.StartedCopying()
	require.NoError(t, s.DoneCopying())
	for off := uint64(0); off < b.Capacity(); off += 512 {
		assert.Equal(t, b, s.BlockFor(b.Base().Plus(off)))
	}
	assert.False(t, b.IsPinned())
}

func Test_StartedCopyingPinnedAndDeadBlocks(t *testing.T) {
	s := newTestSpace(t, 8, fixedObjectSpace(0))
	p1, err := s.TryAllocate(64)
	require.NoError(t, err)
	pinned := s.BlockFor(p1)
	pinned.ReportLiveBytes(region.Base, 64)
	require.NoError(t, s.allocateBlock())
	p2, err := s.TryAllocate(64)
	require.NoError(t, err)
	dead := s.BlockFor(p2)
	require.NotEqual(t, pinned, dead)
	s.Pin(pinned)

	s.StartedCopying()
	assert.False(t, s.Filter().RuleOut(uint64(pinned.Base())))
	assert.NotContains(t, s.FromSpaceBlocks(), dead)
	assert.Contains(t, s.FromSpaceBlocks(), pinned)
	assert.Nil(t, s.BlockFor(p2))
	assert.Empty(t, s.BlocksToEvacuate())
	assert.InDelta(t, 64.0/4096.0, s.Fragmentation(), 1e-9)
	assert.True(t, s.ShouldDoCopyPhase())

	require.NoError(t, s.DoneCopying())
	assert.Equal(t, []*Block{pinned}, s.ToSpaceBlocks())
	assert.Empty(t, s.FromSpaceBlocks())
	assert.Equal(t, uint64(0), pinned.LiveBytes())
}

func Test_StartedCopyingSkipsDenseHeap(t *testing.T) {
	// Marked space dwarfs copied space, so utilization stays high.
	s := newTestSpace(t, 8, fixedObjectSpace(1<<20))
	p, err := s.TryAllocate(64)
	require.NoError(t, err)
	b := s.BlockFor(p)
	b.ReportLiveBytes(region.Base, 64)

	s.StartedCopying()
	assert.False(t, s.ShouldDoCopyPhase())
	assert.False(t, s.InCopyingPhase())
	assert.Greater(t, s.Fragmentation(), 0.8)
	require.NoError(t, s.DoneCopying())
	// The block survives untouched and allocation resumes in it.
	assert.Equal(t, []*Block{b}, s.ToSpaceBlocks())
	q, err := s.TryAllocate(8)
	require.NoError(t, err)
	assert.Equal(t, p.Plus(64), q)
}

func Test_OversizeSurvivesOnlyWhenPinned(t *testing.T) {
	s := newTestSpace(t, 8, fixedObjectSpace(0))
	live, err := s.TryAllocate(3000)
	require.NoError(t, err)
	dead, err := s.TryAllocate(3000)
	require.NoError(t, err)
	s.Pin(s.BlockFor(live))

	s.StartedCopying()
	assert.Len(t, s.OversizeBlocks(), 1)
	assert.Nil(t, s.BlockFor(dead))
	assert.False(t, s.Filter().RuleOut(uint64(s.region.BlockBase(live))))
	require.NoError(t, s.DoneCopying())
	assert.False(t, s.BlockFor(live).IsPinned())
}

func Test_EvacuateBlock(t *testing.T) {
	s := newTestSpace(t, 8, fixedObjectSpace(0))
	old, err := s.TryAllocate(64)
	require.NoError(t, err)
	s.region.StoreWord(old, 99)
	from := s.BlockFor(old)
	from.ReportLiveBytes(region.Base, 64)

	s.StartedCopying()
	require.True(t, s.ShouldDoCopyPhase())
	require.Equal(t, []*Block{from}, s.BlocksToEvacuate())

	allocator := Allocator{}
	allocator.SetCurrentBlock(s.DoneFillingBlock(nil, true))
	assert.Equal(t, 1, s.LoanedBlocks())
	moved := allocator.ForceAllocate(64)
	s.region.Copy(moved, old, 64)
	from.DidEvacuateBytes(64)
	assert.True(t, from.CanBeRecycled())
	s.RecycleEvacuatedBlock(from)
	assert.Nil(t, s.DoneFillingBlock(allocator.ResetCurrentBlock(), false))
	assert.Equal(t, 0, s.LoanedBlocks())

	require.NoError(t, s.DoneCopying())
	assert.Nil(t, s.BlockFor(old))
	to := s.BlockFor(moved)
	require.NotNil(t, to)
	assert.Contains(t, s.ToSpaceBlocks(), to)
	assert.Equal(t, uint64(99), s.region.LoadWord(moved))
	_, ok := s.Contains(moved)
	assert.True(t, ok)
}

func Test_DoneCopyingWaitsForLoanedBlocks(t *testing.T) {
	s := newTestSpace(t, 8, fixedObjectSpace(0))
	p, err := s.TryAllocate(64)
	require.NoError(t, err)
	s.BlockFor(p).ReportLiveBytes(region.Base, 64)
	s.StartedCopying()
	require.True(t, s.InCopyingPhase())
	borrowed := s.DoneFillingBlock(nil, true)

	done := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.DoneCopying())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("DoneCopying returned while a block was on loan")
	case <-time.After(50 * time.Millisecond):
	}
	s.DoneFillingBlock(borrowed, false)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("DoneCopying did not return after the loan came back")
	}
	wg.Wait()
	assert.Equal(t, 0, s.LoanedBlocks())
}

func Test_BlockExchangeOutsideCopyPhase(t *testing.T) {
	s := newTestSpace(t, 2, nil)
	assert.Panics(t, func() { s.DoneFillingBlock(nil, true) })
}

func Test_IsPagedOut(t *testing.T) {
	s := newTestSpace(t, 4, nil)
	p, err := s.TryAllocate(64)
	require.NoError(t, err)
	s.region.StoreWord(p, 1)
	assert.False(t, s.IsPagedOut(time.Now().Add(time.Minute)))
}

func Test_TakeAllocatedBytes(t *testing.T) {
	s := newTestSpace(t, 8, nil)
	assert.Equal(t, uint64(4096), s.TakeAllocatedBytes())
	_, err := s.TryAllocate(3000)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), s.TakeAllocatedBytes())
	assert.Equal(t, uint64(0), s.TakeAllocatedBytes())
}

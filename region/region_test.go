package region

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T, blocks int) *Region {
	r, err := New(uint64(blocks)*4096, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func Test_NewInvalid(t *testing.T) {
	_, err := New(4096*3, 3000)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = New(5000, 4096)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func Test_AllocateAligned(t *testing.T) {
	r := newTestRegion(t, 4)
	a, err := r.Allocate()
	require.NoError(t, err)
	b, err := r.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, r.BlockBase(a))
	assert.Equal(t, b, r.BlockBase(b.Plus(4095)))
	assert.Equal(t, a, r.BlockBase(a.Plus(100)))
	assert.True(t, r.Contains(a))
	assert.False(t, r.Contains(Base.Plus(4*4096)))
	assert.False(t, r.Contains(42))
	assert.Equal(t, 2, r.InUse())
}

func Test_AllocateExhausted(t *testing.T) {
	r := newTestRegion(t, 2)
	a, err := r.Allocate()
	require.NoError(t, err)
	_, err = r.Allocate()
	require.NoError(t, err)
	_, err = r.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)

	r.Deallocate(a)
	c, err := r.Allocate()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func Test_AllocateCustomSize(t *testing.T) {
	r := newTestRegion(t, 8)
	_, err := r.Allocate()
	require.NoError(t, err)
	big, size, err := r.AllocateCustomSize(3*4096 + 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(4*4096), size)
	assert.Equal(t, 5, r.InUse())
	assert.Equal(t, r.SlotIndex(big)+3, r.SlotIndex(big.Plus(size-1)))

	_, _, err = r.AllocateCustomSize(4 * 4096)
	assert.ErrorIs(t, err, ErrExhausted)

	r.Deallocate(big)
	assert.Equal(t, 1, r.InUse())
	_, _, err = r.AllocateCustomSize(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func Test_DeallocateZeroes(t *testing.T) {
	r := newTestRegion(t, 1)
	a, err := r.Allocate()
	require.NoError(t, err)
	r.StoreWord(a.Plus(8), 0xdeadbeef)
	assert.Equal(t, uint64(0xdeadbeef), r.LoadWord(a.Plus(8)))
	r.Deallocate(a)
	b, err := r.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.LoadWord(b.Plus(8)))
}

func Test_DeallocateInterior(t *testing.T) {
	r := newTestRegion(t, 1)
	a, err := r.Allocate()
	require.NoError(t, err)
	assert.Panics(t, func() { r.Deallocate(a.Plus(8)) })
}

func Test_DeallocateKeepsNeighbour(t *testing.T) {
	r, err := New(1<<16, 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	a, err := r.Allocate()
	require.NoError(t, err)
	b, err := r.Allocate()
	require.NoError(t, err)
	r.StoreWord(a, 0x1234)
	r.StoreWord(b, 0xdeadbeef)
	r.StoreWord(b.Plus(1024-WordSize), 0xcafe)
	r.Deallocate(a)
	assert.Equal(t, uint64(0xdeadbeef), r.LoadWord(b))
	assert.Equal(t, uint64(0xcafe), r.LoadWord(b.Plus(1024-WordSize)))
	assert.Equal(t, uint64(0), r.LoadWord(a))
}

func Test_ResidentAfterDeallocate(t *testing.T) {
	r := newTestRegion(t, 2)
	a, err := r.Allocate()
	require.NoError(t, err)
	b, err := r.Allocate()
	require.NoError(t, err)
	r.StoreWord(a, 1)
	r.StoreWord(b, 2)
	assert.True(t, r.Resident(a, 4096))
	r.Deallocate(a)
	assert.NotPanics(t, func() { r.Resident(a, 4096) })
	assert.True(t, r.Resident(b, WordSize))
	assert.Equal(t, uint64(0), r.LoadWord(a))
}

func Test_CopyAndResident(t *testing.T) {
	r := newTestRegion(t, 2)
	a, err := r.Allocate()
	require.NoError(t, err)
	b, err := r.Allocate()
	require.NoError(t, err)
	for i := uint64(0); i < 4; i++ {
		r.StoreWord(a.Plus(i*WordSize), i+1)
	}
	r.Copy(b, a, 4*WordSize)
	for i := uint64(0); i < 4; i++ {
		assert.Equal(t, i+1, r.LoadWord(b.Plus(i*WordSize)))
	}
	assert.True(t, r.Resident(b, 4096))
	r.Zero(b, 4*WordSize)
	assert.Equal(t, uint64(0), r.LoadWord(b))
}

func Test_AllocateConcurrently(t *testing.T) {
	r := newTestRegion(t, 64)
	wg := &sync.WaitGroup{}
	seen := sync.Map{}
	cnt := 8
	wg.Add(cnt)
	for i := 0; i < cnt; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				a, err := r.Allocate()
				assert.NoError(t, err)
				_, dup := seen.LoadOrStore(a, struct{}{})
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 64, r.InUse())
}

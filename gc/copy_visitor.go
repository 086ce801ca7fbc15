package gc

import (
	"fmt"

	"copygc/copied"
	"copygc/region"
)

// CopyVisitor evacuates backing stores into to-space blocks it borrows from
// the copied space. Each block it fills is returned through
// DoneFillingBlock.
type CopyVisitor struct {
	shared      *SharedData
	allocator   copied.Allocator
	bytesCopied uint64
}

func newCopyVisitor(shared *SharedData) *CopyVisitor {
	return &CopyVisitor{shared: shared}
}

func (c *CopyVisitor) space() *copied.Space {
	return c.shared.copiedSpace
}

func (c *CopyVisitor) exchangeBlock() {
	c.allocator.SetCurrentBlock(c.space().DoneFillingBlock(c.allocator.ResetCurrentBlock(), true))
}

// StartCopying borrows the first block to fill.
func (c *CopyVisitor) StartCopying() {
	c.exchangeBlock()
}

// CheckIfShouldCopy reports whether the storage at ptr lives in an
// evacuable block. Pins are re-read here rather than trusted from marking.
func (c *CopyVisitor) CheckIfShouldCopy(ptr region.Addr) bool {
	b := c.space().BlockFor(ptr)
	if b == nil {
		return false
	}
	return !b.IsOversize() && !b.IsPinned()
}

// AllocateNewSpace returns bytes of to-space, swapping in a fresh block
// when the current one is full.
func (c *CopyVisitor) AllocateNewSpace(bytes uint64) region.Addr {
	if !c.allocator.FastPathShouldSucceed(bytes) {
		c.exchangeBlock()
	}
	return c.allocator.ForceAllocate(bytes)
}

// DidCopy accounts bytes evacuated from the block holding ptr.
func (c *CopyVisitor) DidCopy(ptr region.Addr, bytes uint64) {
	b := c.space().BlockFor(ptr)
	if b == nil {
		panic(fmt.Sprintf("gc: copied from %s outside copied space", ptr))
	}
	b.DidEvacuateBytes(bytes)
	c.bytesCopied += bytes
}

// CopyFromShared evacuates chunks of candidate blocks until none are left.
// Each block is recycled once all of its recorded owners have moved their
// storage out.
func (c *CopyVisitor) CopyFromShared() {
	s := c.shared
	for blocks := s.nextBlocksToCopy(); len(blocks) > 0; blocks = s.nextBlocksToCopy() {
		for _, b := range blocks {
			if b.IsPinned() || !b.HasWorkList() {
				continue
			}
			for _, owner := range b.WorkList() {
				s.model.CopyBackingStore(c, owner)
			}
			if live := b.LiveBytes(); live != 0 {
				panic(fmt.Sprintf("gc: block %s kept %d live bytes after evacuation", b.Base(), live))
			}
			c.space().RecycleEvacuatedBlock(b)
		}
	}
}

// DoneCopying returns the block being filled.
func (c *CopyVisitor) DoneCopying() {
	if !c.allocator.IsValid() {
		return
	}
	c.space().DoneFillingBlock(c.allocator.ResetCurrentBlock(), false)
}

// TakeBytesCopied returns the bytes copied since the last call.
func (c *CopyVisitor) TakeBytesCopied() uint64 {
	n := c.bytesCopied
	c.bytesCopied = 0
	return n
}

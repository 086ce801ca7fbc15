package copied

import (
	"fmt"

	"copygc/region"
)

// Allocator bump-allocates from the tail of one block. Requests must be
// multiples of the word size.
type Allocator struct {
	currentRemaining  uint64
	currentPayloadEnd region.Addr
	currentBlock      *Block
}

// FastPathShouldSucceed reports whether the current block can take bytes.
func (a *Allocator) FastPathShouldSucceed(bytes uint64) bool {
	return bytes <= a.currentRemaining
}

// TryAllocate returns a pointer to bytes of fresh memory, or false without
// changing any state when the block cannot hold them.
func (a *Allocator) TryAllocate(bytes uint64) (region.Addr, bool) {
	checkWordMultiple(bytes)
	if bytes > a.currentRemaining {
		return 0, false
	}
	a.currentRemaining -= bytes
	return a.currentPayloadEnd - region.Addr(a.currentRemaining+bytes), true
}

// TryReallocate grows or shrinks the most recent allocation in place. It
// fails without side effects when oldPtr is not at the high-water mark or
// the block lacks room for the growth.
func (a *Allocator) TryReallocate(oldPtr region.Addr, oldBytes, newBytes uint64) bool {
	checkWordMultiple(oldBytes)
	checkWordMultiple(newBytes)
	if a.currentBlock == nil {
		return false
	}
	if a.currentPayloadEnd-region.Addr(a.currentRemaining+oldBytes) != oldPtr {
		return false
	}
	if newBytes < oldBytes {
		a.currentRemaining += oldBytes - newBytes
		return true
	}
	delta := newBytes - oldBytes
	if delta > a.currentRemaining {
		return false
	}
	a.currentRemaining -= delta
	return true
}

// ForceAllocate is TryAllocate for callers that already know the block has
// room.
func (a *Allocator) ForceAllocate(bytes uint64) region.Addr {
	p, ok := a.TryAllocate(bytes)
	if !ok {
		panic(fmt.Sprintf("copied allocator: forced allocation of %d bytes with %d remaining", bytes, a.currentRemaining))
	}
	return p
}

// ResetCurrentBlock detaches the block, saving the remaining capacity into
// it so that filling can resume later.
func (a *Allocator) ResetCurrentBlock() *Block {
	b := a.currentBlock
	if b != nil {
		b.remaining = a.currentRemaining
		a.currentBlock = nil
		a.currentRemaining = 0
		a.currentPayloadEnd = 0
	}
	return b
}

func (a *Allocator) SetCurrentBlock(b *Block) {
	if a.currentBlock != nil {
		panic("copied allocator: block already attached")
	}
	if b == nil {
		panic("copied allocator: attach nil block")
	}
	a.currentBlock = b
	a.currentRemaining = b.remaining
	a.currentPayloadEnd = b.PayloadEnd()
}

func (a *Allocator) CurrentCapacity() uint64 {
	if a.currentBlock == nil {
		return 0
	}
	return a.currentBlock.Capacity()
}

func (a *Allocator) CurrentRemaining() uint64 {
	return a.currentRemaining
}

func (a *Allocator) IsValid() bool {
	return a.currentBlock != nil
}

func (a *Allocator) CurrentBlock() *Block {
	return a.currentBlock
}

func checkWordMultiple(bytes uint64) {
	if bytes%region.WordSize != 0 {
		panic(fmt.Sprintf("copied allocator: %d bytes is not a multiple of %d", bytes, region.WordSize))
	}
}

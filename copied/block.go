package copied

import (
	"fmt"
	"sync"
	"sync/atomic"

	"copygc/region"
)

// Block is one bump-allocated run of copied-space memory. Blocks carry no
// in-memory header; the whole run is payload.
type Block struct {
	prev, next *Block
	list       *blockList

	base     region.Addr
	capacity uint64
	oversize bool

	// remaining is the allocator state persisted while no allocator is
	// attached to the block.
	remaining uint64

	pinned atomic.Bool

	workListMu sync.Mutex
	liveBytes  uint64
	workList   []region.Addr
}

func newBlock(base region.Addr, capacity uint64, oversize bool) *Block {
	return &Block{
		base:      base,
		capacity:  capacity,
		oversize:  oversize,
		remaining: capacity,
	}
}

func (b *Block) Base() region.Addr {
	return b.base
}

func (b *Block) Capacity() uint64 {
	return b.capacity
}

func (b *Block) PayloadEnd() region.Addr {
	return b.base.Plus(b.capacity)
}

// Contains reports whether p points into the block's payload.
func (b *Block) Contains(p region.Addr) bool {
	return p >= b.base && p < b.PayloadEnd()
}

// DataSize is the number of bytes handed out from the block.
func (b *Block) DataSize() uint64 {
	return b.capacity - b.remaining
}

func (b *Block) IsOversize() bool {
	return b.oversize
}

func (b *Block) IsPinned() bool {
	return b.pinned.Load()
}

func (b *Block) pin() {
	b.pinned.Store(true)
}

// ReportLiveBytes records that owner keeps bytes of this block alive. The
// copy phase revisits every recorded owner.
func (b *Block) ReportLiveBytes(owner region.Addr, bytes uint64) {
	b.workListMu.Lock()
	defer b.workListMu.Unlock()
	b.liveBytes += bytes
	b.workList = append(b.workList, owner)
}

// DidEvacuateBytes is called once bytes have been copied out of the block.
func (b *Block) DidEvacuateBytes(bytes uint64) {
	b.workListMu.Lock()
	defer b.workListMu.Unlock()
	if bytes > b.liveBytes {
		panic(fmt.Sprintf("copied block %s: evacuated %d of %d live bytes", b.base, bytes, b.liveBytes))
	}
	b.liveBytes -= bytes
}

func (b *Block) LiveBytes() uint64 {
	b.workListMu.Lock()
	defer b.workListMu.Unlock()
	return b.liveBytes
}

func (b *Block) CanBeRecycled() bool {
	return b.LiveBytes() == 0
}

func (b *Block) HasWorkList() bool {
	b.workListMu.Lock()
	defer b.workListMu.Unlock()
	return len(b.workList) > 0
}

// WorkList returns the owners reported during marking.
func (b *Block) WorkList() []region.Addr {
	b.workListMu.Lock()
	defer b.workListMu.Unlock()
	return b.workList
}

func (b *Block) didSurviveGC() {
	b.workListMu.Lock()
	b.liveBytes = 0
	b.workList = nil
	b.workListMu.Unlock()
	b.pinned.Store(false)
}

// blockList is a doubly linked list in the style of the runtime's span
// lists: blocks carry their own links and remember which list holds them.
type blockList struct {
	first  *Block
	length int
}

func (l *blockList) isEmpty() bool {
	return l.first == nil
}

func (l *blockList) push(b *Block) {
	if b.list != nil {
		panic(fmt.Sprintf("copied block %s already on a list", b.base))
	}
	b.prev = nil
	b.next = l.first
	if l.first != nil {
		l.first.prev = b
	}
	l.first = b
	b.list = l
	l.length++
}

func (l *blockList) remove(b *Block) {
	if b.list != l {
		panic(fmt.Sprintf("copied block %s not on this list", b.base))
	}
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		l.first = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	b.prev, b.next, b.list = nil, nil, nil
	l.length--
}

func (l *blockList) removeHead() *Block {
	b := l.first
	if b != nil {
		l.remove(b)
	}
	return b
}

func (l *blockList) blocks() []*Block {
	result := make([]*Block, 0, l.length)
	for b := l.first; b != nil; b = b.next {
		result = append(result, b)
	}
	return result
}

package markstack

import (
	"fmt"
	"sync"

	"copygc/region"
)

// Segment is a fixed-capacity run of cells. Segments chain into the list
// owned by one Array.
type Segment struct {
	prev, next *Segment
	// top mirrors Array.top for the head segment and is full for every
	// other segment.
	top  int
	data []region.Addr
}

// SegmentAllocator recycles segments between the arrays of one heap.
type SegmentAllocator struct {
	mu       sync.Mutex
	capacity int
	free     []*Segment
	live     int
}

func NewSegmentAllocator(capacity int) *SegmentAllocator {
	if capacity < 1 {
		panic(fmt.Sprintf("mark stack segment capacity %d", capacity))
	}
	return &SegmentAllocator{capacity: capacity}
}

func (a *SegmentAllocator) Capacity() int {
	return a.capacity
}

// Live reports segments handed out and not yet returned.
func (a *SegmentAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *SegmentAllocator) allocate() *Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free = a.free[:n-1]
		return s
	}
	return &Segment{data: make([]region.Addr, a.capacity)}
}

func (a *SegmentAllocator) deallocate(s *Segment) {
	s.prev, s.next, s.top = nil, nil, 0
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live--
	a.free = append(a.free, s)
}

// segmentList pushes and pops at the head.
type segmentList struct {
	head   *Segment
	length int
}

func (l *segmentList) push(s *Segment) {
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	l.length++
}

func (l *segmentList) removeHead() *Segment {
	s := l.head
	if s == nil {
		return nil
	}
	l.head = s.next
	if l.head != nil {
		l.head.prev = nil
	}
	s.next = nil
	l.length--
	return s
}

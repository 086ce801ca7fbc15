// Package markstack implements the segmented worklist that drives marking.
//
// Only the head segment of an Array is partially filled; every other
// segment is full. Work moves between arrays a whole segment at a time when
// the source has more than its head, and cell by cell otherwise.
package markstack

import (
	"fmt"

	"copygc/region"
)

type Array struct {
	allocator        *SegmentAllocator
	segments         segmentList
	top              int
	numberOfSegments int
	capacity         int
}

func NewArray(allocator *SegmentAllocator) *Array {
	m := &Array{
		allocator: allocator,
		capacity:  allocator.Capacity(),
	}
	m.segments.push(allocator.allocate())
	m.numberOfSegments = 1
	return m
}

func (m *Array) head() *Segment {
	return m.segments.head
}

func (m *Array) Append(cell region.Addr) {
	if m.top == m.capacity {
		m.expand()
	}
	h := m.head()
	h.data[m.top] = cell
	m.top++
	h.top = m.top
}

func (m *Array) CanRemoveLast() bool {
	return m.top > 0
}

// RemoveLast pops from the head segment. Callers refill first when the
// head may be exhausted.
func (m *Array) RemoveLast() region.Addr {
	if m.top == 0 {
		panic("mark stack: remove from empty head segment")
	}
	m.top--
	h := m.head()
	h.top = m.top
	return h.data[m.top]
}

func (m *Array) IsEmpty() bool {
	if m.top > 0 {
		return false
	}
	return m.head().next == nil
}

func (m *Array) Size() int {
	return m.top + m.capacity*(m.numberOfSegments-1)
}

func (m *Array) NumberOfSegments() int {
	return m.numberOfSegments
}

func (m *Array) expand() {
	s := m.allocator.allocate()
	m.segments.push(s)
	m.numberOfSegments++
	m.top = 0
	m.validatePrevious()
}

// Refill drops an exhausted head segment so the next full one becomes the
// head. It reports whether a cell can be removed afterwards.
func (m *Array) Refill() bool {
	m.validatePrevious()
	if m.top > 0 {
		return true
	}
	if m.head().next == nil {
		return false
	}
	m.allocator.deallocate(m.segments.removeHead())
	m.numberOfSegments--
	m.top = m.capacity
	m.validatePrevious()
	return true
}

// Clear drops every cell and keeps only the head segment.
func (m *Array) Clear() {
	for m.head().next != nil {
		m.allocator.deallocate(m.segments.removeHead())
	}
	m.top = 0
	m.head().top = 0
	m.numberOfSegments = 1
}

// Release returns every segment to the allocator. The array must not be
// used afterwards.
func (m *Array) Release() {
	for s := m.segments.removeHead(); s != nil; s = m.segments.removeHead() {
		m.allocator.deallocate(s)
	}
	m.top = 0
	m.numberOfSegments = 0
}

// DonateSomeCellsTo gives about half of this array's work to other: half of
// the full segments when there are any, else half of the loose cells.
func (m *Array) DonateSomeCellsTo(other *Array) {
	segmentsToDonate := m.numberOfSegments / 2
	if segmentsToDonate == 0 {
		for cellsToDonate := m.top / 2; cellsToDonate > 0; cellsToDonate-- {
			other.Append(m.RemoveLast())
		}
		return
	}
	m.validatePrevious()
	other.validatePrevious()

	myHead := m.segments.removeHead()
	otherHead := other.segments.removeHead()
	for ; segmentsToDonate > 0; segmentsToDonate-- {
		s := m.segments.removeHead()
		other.segments.push(s)
		m.numberOfSegments--
		other.numberOfSegments++
	}
	m.segments.push(myHead)
	other.segments.push(otherHead)

	m.validatePrevious()
	other.validatePrevious()
}

// StealSomeCellsFrom takes one full segment from other when it has one, else
// a 1/idleThreadCount share of its cells rounded up.
func (m *Array) StealSomeCellsFrom(other *Array, idleThreadCount int) {
	m.validatePrevious()
	other.validatePrevious()

	if other.numberOfSegments > 1 {
		otherHead := other.segments.removeHead()
		myHead := m.segments.removeHead()
		m.segments.push(other.segments.removeHead())
		m.numberOfSegments++
		other.numberOfSegments--
		m.segments.push(myHead)
		other.segments.push(otherHead)

		m.validatePrevious()
		other.validatePrevious()
		return
	}

	if idleThreadCount < 1 {
		idleThreadCount = 1
	}
	cellsToSteal := (other.Size() + idleThreadCount - 1) / idleThreadCount
	for ; cellsToSteal > 0 && other.CanRemoveLast(); cellsToSteal-- {
		m.Append(other.RemoveLast())
	}
}

func (m *Array) validatePrevious() {
	if debug {
		m.Validate()
	}
}

// Validate panics when the segment bookkeeping is inconsistent.
func (m *Array) Validate() {
	if m.segments.length != m.numberOfSegments {
		panic(fmt.Sprintf("mark stack: %d segments recorded, %d linked", m.numberOfSegments, m.segments.length))
	}
	h := m.head()
	if h == nil {
		panic("mark stack: no head segment")
	}
	if h.top != m.top {
		panic(fmt.Sprintf("mark stack: head top %d, cached top %d", h.top, m.top))
	}
	for s := h.next; s != nil; s = s.next {
		if s.top != m.capacity {
			panic(fmt.Sprintf("mark stack: non-head segment holds %d of %d cells", s.top, m.capacity))
		}
	}
}

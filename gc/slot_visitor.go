package gc

import (
	"fmt"

	"copygc/markstack"
	"copygc/region"
)

// SlotVisitor marks the cells reachable from what is appended to it. With
// more than one marker it shares work through the shared mark stack: it
// donates when the shared stack runs dry and steals when its own does.
type SlotVisitor struct {
	shared      *SharedData
	stack       *markstack.Array
	visitCount  int
	opaqueRoots map[region.Addr]struct{}
}

func newSlotVisitor(shared *SharedData) *SlotVisitor {
	return &SlotVisitor{
		shared:      shared,
		stack:       markstack.NewArray(shared.segmentAllocator),
		opaqueRoots: make(map[region.Addr]struct{}),
	}
}

func (v *SlotVisitor) isParallel() bool {
	return v.shared.numberOfMarkers > 1
}

// Append claims cell and queues it for visiting unless it was already
// marked this cycle. The zero address is ignored.
func (v *SlotVisitor) Append(cell region.Addr) {
	if cell == 0 {
		return
	}
	if v.shared.model.TestAndSetMarked(cell) {
		return
	}
	v.stack.Append(cell)
}

// AppendAll appends every cell of cells.
func (v *SlotVisitor) AppendAll(cells []region.Addr) {
	for _, c := range cells {
		v.Append(c)
	}
}

func (v *SlotVisitor) IsEmpty() bool {
	return v.stack.IsEmpty()
}

func (v *SlotVisitor) VisitCount() int {
	return v.visitCount
}

func (v *SlotVisitor) visit(cell region.Addr) {
	v.visitCount++
	v.shared.model.VisitChildren(v, cell)
}

// Drain visits cells until the local stack is empty.
func (v *SlotVisitor) Drain() {
	parallel := v.isParallel()
	for !v.stack.IsEmpty() {
		v.stack.Refill()
		for n := v.shared.scansBetweenRebalance; n > 0 && v.stack.CanRemoveLast(); n-- {
			v.visit(v.stack.RemoveLast())
		}
		if parallel {
			v.donateKnownParallel()
		}
	}
	if parallel {
		v.mergeOpaqueRootsIfNecessary()
	}
}

// Donate offers local work to the other markers.
func (v *SlotVisitor) Donate() {
	if !v.isParallel() {
		return
	}
	v.donateKnownParallel()
}

func (v *SlotVisitor) DonateAndDrain() {
	v.Donate()
	v.Drain()
}

func (v *SlotVisitor) donateKnownParallel() {
	if v.stack.Size() < 2 {
		return
	}
	s := v.shared
	// A contended lock means another marker is donating or stealing; skip.
	if !s.markingMu.TryLock() {
		return
	}
	defer s.markingMu.Unlock()
	if !s.sharedMarkStack.IsEmpty() {
		return
	}
	v.stack.DonateSomeCellsTo(s.sharedMarkStack)
	if s.numberOfActiveParallelMarkers < s.numberOfMarkers {
		s.markingCond.Broadcast()
	}
}

// DrainFromShared takes part in shared marking until it terminates. A
// master returns once every marker is idle with no shared work left; a
// slave also waits for the phase to be closed by DidFinishMarking.
func (v *SlotVisitor) DrainFromShared(mode SharedDrainMode) {
	s := v.shared
	if !v.isParallel() {
		if !v.stack.IsEmpty() || !s.sharedMarkStack.IsEmpty() {
			panic("gc: single marker drained from shared with work queued")
		}
		return
	}

	s.markingMu.Lock()
	s.numberOfActiveParallelMarkers++
	s.markingMu.Unlock()

	for {
		s.markingMu.Lock()
		s.numberOfActiveParallelMarkers--

		if mode == MasterDrain {
			for {
				if s.numberOfActiveParallelMarkers == 0 && s.sharedMarkStack.IsEmpty() {
					s.markingCond.Broadcast()
					s.markingMu.Unlock()
					return
				}
				if !s.sharedMarkStack.IsEmpty() {
					break
				}
				s.markingCond.Wait()
			}
		} else {
			if s.numberOfActiveParallelMarkers == 0 && s.sharedMarkStack.IsEmpty() {
				s.markingCond.Broadcast()
			}
			for s.sharedMarkStack.IsEmpty() && !s.parallelMarkersShouldExit {
				s.markingCond.Wait()
			}
			if s.parallelMarkersShouldExit {
				s.markingMu.Unlock()
				return
			}
		}

		idle := s.numberOfMarkers - s.numberOfActiveParallelMarkers
		v.stack.StealSomeCellsFrom(s.sharedMarkStack, idle)
		s.numberOfActiveParallelMarkers++
		s.markingMu.Unlock()

		v.Drain()
	}
}

// CopyLater records that owner keeps bytes of copied storage at ptr alive.
// Oversize storage is pinned instead; pinned storage is left alone.
func (v *SlotVisitor) CopyLater(owner, ptr region.Addr, bytes uint64) {
	space := v.shared.copiedSpace
	b := space.BlockFor(ptr)
	if b == nil {
		panic(fmt.Sprintf("gc: %s owns %s outside copied space", owner, ptr))
	}
	if b.IsOversize() {
		space.Pin(b)
		return
	}
	if b.IsPinned() {
		return
	}
	b.ReportLiveBytes(owner, bytes)
}

func (v *SlotVisitor) AddOpaqueRoot(root region.Addr) {
	if !v.isParallel() {
		v.shared.addOpaqueRoot(root)
		return
	}
	v.mergeOpaqueRootsIfProfitable()
	v.opaqueRoots[root] = struct{}{}
}

// ContainsOpaqueRoot checks the local set and the shared one. Other
// visitors may still hold unmerged roots while marking runs.
func (v *SlotVisitor) ContainsOpaqueRoot(root region.Addr) bool {
	if _, ok := v.opaqueRoots[root]; ok {
		return true
	}
	return v.shared.ContainsOpaqueRoot(root)
}

func (v *SlotVisitor) OpaqueRootCount() int {
	return len(v.opaqueRoots)
}

func (v *SlotVisitor) mergeOpaqueRootsIfProfitable() {
	if len(v.opaqueRoots) < v.shared.opaqueRootMergeThreshold {
		return
	}
	v.mergeOpaqueRoots()
}

func (v *SlotVisitor) mergeOpaqueRootsIfNecessary() {
	if len(v.opaqueRoots) == 0 {
		return
	}
	v.mergeOpaqueRoots()
}

func (v *SlotVisitor) mergeOpaqueRoots() {
	v.shared.mergeOpaqueRoots(v.opaqueRoots)
	clear(v.opaqueRoots)
}

func (v *SlotVisitor) AddUnconditionalFinalizer(f UnconditionalFinalizer) {
	v.shared.addUnconditionalFinalizer(f)
}

// Reset clears the per-cycle counters. The stack must already be empty.
func (v *SlotVisitor) Reset() {
	if !v.stack.IsEmpty() {
		panic(fmt.Sprintf("gc: resetting a visitor with %d cells queued", v.stack.Size()))
	}
	v.visitCount = 0
	clear(v.opaqueRoots)
}

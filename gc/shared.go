package gc

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"copygc/config"
	"copygc/copied"
	"copygc/infra"
	"copygc/markstack"
	"copygc/region"
)

// SharedData is the coordination state of one heap's GC threads. The
// collecting goroutine owns it and drives the phases; the threads only
// react to them. Each lock guards the fields listed under it.
type SharedData struct {
	model            CellModel
	copiedSpace      *copied.Space
	segmentAllocator *markstack.SegmentAllocator

	numberOfMarkers          int
	scansBetweenRebalance    int
	opaqueRootMergeThreshold int
	copyChunkLength          int

	threads []*Thread
	group   errgroup.Group

	phaseMu                 sync.Mutex
	phaseCond               *sync.Cond
	activityCond            *sync.Cond
	numberOfActiveGCThreads int
	gcThreadsShouldWait     bool
	currentPhase            Phase

	markingMu                     sync.Mutex
	markingCond                   *sync.Cond
	sharedMarkStack               *markstack.Array
	numberOfActiveParallelMarkers int
	parallelMarkersShouldExit     bool

	opaqueRootsMu sync.Mutex
	opaqueRoots   map[region.Addr]struct{}

	copyMu       sync.Mutex
	blocksToCopy []*copied.Block
	copyIndex    int

	finalizersMu sync.Mutex
	finalizers   []UnconditionalFinalizer
}

// NewSharedData starts NumberOfGCMarkers-1 GC threads and returns once all
// of them are parked waiting for the first phase. The collecting goroutine
// is the remaining marker.
func NewSharedData(opts config.Options, model CellModel, space *copied.Space) *SharedData {
	s := &SharedData{
		model:                    model,
		copiedSpace:              space,
		segmentAllocator:         markstack.NewSegmentAllocator(opts.SegmentCapacity),
		numberOfMarkers:          opts.NumberOfGCMarkers,
		scansBetweenRebalance:    opts.ScansBetweenRebalance,
		opaqueRootMergeThreshold: opts.OpaqueRootMergeThreshold,
		copyChunkLength:          opts.CopyChunkLength,
		opaqueRoots:              make(map[region.Addr]struct{}),
	}
	s.phaseCond = sync.NewCond(&s.phaseMu)
	s.activityCond = sync.NewCond(&s.phaseMu)
	s.markingCond = sync.NewCond(&s.markingMu)
	s.sharedMarkStack = markstack.NewArray(s.segmentAllocator)

	s.phaseMu.Lock()
	for i := 1; i < s.numberOfMarkers; i++ {
		t := newThread(s, i)
		s.threads = append(s.threads, t)
		s.numberOfActiveGCThreads++
		s.group.Go(t.run)
	}
	for s.numberOfActiveGCThreads > 0 {
		s.activityCond.Wait()
	}
	s.phaseMu.Unlock()
	infra.Logger.Debug().Int("threads", len(s.threads)).Msg("gc threads started")
	return s
}

// NumberOfMarkers counts the collecting goroutine and every GC thread.
func (s *SharedData) NumberOfMarkers() int {
	return s.numberOfMarkers
}

func (s *SharedData) Threads() []*Thread {
	return s.threads
}

func (s *SharedData) SegmentAllocator() *markstack.SegmentAllocator {
	return s.segmentAllocator
}

// NewSlotVisitor returns a visitor for the collecting goroutine.
func (s *SharedData) NewSlotVisitor() *SlotVisitor {
	return newSlotVisitor(s)
}

func (s *SharedData) NewCopyVisitor() *CopyVisitor {
	return newCopyVisitor(s)
}

func (s *SharedData) startNextPhase(phase Phase) {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	if s.gcThreadsShouldWait {
		panic(fmt.Sprintf("gc: starting %s while threads are held", phase))
	}
	if s.currentPhase != PhaseNone {
		panic(fmt.Sprintf("gc: starting %s during %s", phase, s.currentPhase))
	}
	infra.Logger.Debug().Stringer("phase", phase).Msg("start phase")
	s.gcThreadsShouldWait = true
	s.currentPhase = phase
	s.phaseCond.Broadcast()
}

// endCurrentPhase releases the threads and returns once every one of them
// has finished the phase and parked again.
func (s *SharedData) endCurrentPhase() {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	if !s.gcThreadsShouldWait {
		panic(fmt.Sprintf("gc: ending %s that was never started", s.currentPhase))
	}
	infra.Logger.Debug().Stringer("phase", s.currentPhase).Msg("end phase")
	s.currentPhase = PhaseNone
	s.gcThreadsShouldWait = false
	s.phaseCond.Broadcast()
	for s.numberOfActiveGCThreads > 0 {
		s.activityCond.Wait()
	}
}

func (s *SharedData) DidStartMarking() {
	s.markingMu.Lock()
	s.parallelMarkersShouldExit = false
	s.markingMu.Unlock()
	s.startNextPhase(PhaseMark)
}

func (s *SharedData) DidFinishMarking() {
	s.markingMu.Lock()
	s.parallelMarkersShouldExit = true
	s.markingCond.Broadcast()
	s.markingMu.Unlock()
	s.endCurrentPhase()
}

// DidStartCopying hands the evacuation candidates to the copy phase and
// gives every thread's copy visitor a block to fill.
func (s *SharedData) DidStartCopying() {
	blocks := s.copiedSpace.BlocksToEvacuate()
	s.copyMu.Lock()
	s.blocksToCopy = blocks
	s.copyIndex = 0
	s.copyMu.Unlock()
	for _, t := range s.threads {
		t.copyVisitor.StartCopying()
	}
	s.startNextPhase(PhaseCopy)
}

func (s *SharedData) DidFinishCopying() {
	s.endCurrentPhase()
}

// nextBlocksToCopy claims the next chunk of evacuation candidates. An empty
// result means the copy work is exhausted.
func (s *SharedData) nextBlocksToCopy() []*copied.Block {
	s.copyMu.Lock()
	defer s.copyMu.Unlock()
	start := s.copyIndex
	end := min(start+s.copyChunkLength, len(s.blocksToCopy))
	s.copyIndex = end
	return s.blocksToCopy[start:end]
}

func (s *SharedData) addOpaqueRoot(root region.Addr) {
	s.opaqueRootsMu.Lock()
	defer s.opaqueRootsMu.Unlock()
	s.opaqueRoots[root] = struct{}{}
}

func (s *SharedData) mergeOpaqueRoots(roots map[region.Addr]struct{}) {
	s.opaqueRootsMu.Lock()
	defer s.opaqueRootsMu.Unlock()
	for root := range roots {
		s.opaqueRoots[root] = struct{}{}
	}
}

// ContainsOpaqueRoot reports whether root was added during the last
// marking phase. Only meaningful between DidFinishMarking and Reset.
func (s *SharedData) ContainsOpaqueRoot(root region.Addr) bool {
	s.opaqueRootsMu.Lock()
	defer s.opaqueRootsMu.Unlock()
	_, ok := s.opaqueRoots[root]
	return ok
}

func (s *SharedData) OpaqueRoots() []region.Addr {
	s.opaqueRootsMu.Lock()
	defer s.opaqueRootsMu.Unlock()
	return lo.Keys(s.opaqueRoots)
}

func (s *SharedData) addUnconditionalFinalizer(f UnconditionalFinalizer) {
	s.finalizersMu.Lock()
	defer s.finalizersMu.Unlock()
	s.finalizers = append(s.finalizers, f)
}

// RunUnconditionalFinalizers runs and forgets every finalizer registered
// during marking. It returns how many ran.
func (s *SharedData) RunUnconditionalFinalizers() int {
	s.finalizersMu.Lock()
	finalizers := s.finalizers
	s.finalizers = nil
	s.finalizersMu.Unlock()
	for _, f := range finalizers {
		f.FinalizeUnconditionally()
	}
	return len(finalizers)
}

// Reset drops the per-cycle marking state.
func (s *SharedData) Reset() {
	s.markingMu.Lock()
	if !s.sharedMarkStack.IsEmpty() {
		panic(fmt.Sprintf("gc: %d cells left on the shared mark stack", s.sharedMarkStack.Size()))
	}
	s.markingMu.Unlock()
	for _, t := range s.threads {
		t.slotVisitor.Reset()
	}
	s.opaqueRootsMu.Lock()
	clear(s.opaqueRoots)
	s.opaqueRootsMu.Unlock()
}

// VisitCount sums the cells visited by the GC threads since the last Reset.
func (s *SharedData) VisitCount() int {
	return lo.SumBy(s.threads, func(t *Thread) int { return t.slotVisitor.VisitCount() })
}

// TakeBytesCopied sums and resets the bytes evacuated by the GC threads.
func (s *SharedData) TakeBytesCopied() uint64 {
	return lo.SumBy(s.threads, func(t *Thread) uint64 { return t.copyVisitor.TakeBytesCopied() })
}

// Close stops every GC thread. It must not be called during a phase.
func (s *SharedData) Close() error {
	s.markingMu.Lock()
	s.phaseMu.Lock()
	if s.gcThreadsShouldWait {
		s.phaseMu.Unlock()
		s.markingMu.Unlock()
		panic("gc: closing during a phase")
	}
	s.parallelMarkersShouldExit = true
	s.currentPhase = PhaseExit
	s.phaseCond.Broadcast()
	s.phaseMu.Unlock()
	s.markingMu.Unlock()
	return s.group.Wait()
}

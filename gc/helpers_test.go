package gc

import (
	"sync"
	"sync/atomic"

	"copygc/config"
	"copygc/region"
)

func testOptions(markers int) config.Options {
	opts := config.Default()
	opts.NumberOfGCMarkers = markers
	opts.SegmentCapacity = 8
	opts.ScansBetweenRebalance = 4
	opts.OpaqueRootMergeThreshold = 3
	opts.CopyChunkLength = 2
	return opts
}

// graphModel is an object graph held outside the heap. Nodes are plain
// addresses; edges and storage are looked up in maps that stay read-only
// while a phase runs.
type graphModel struct {
	edges   map[region.Addr][]region.Addr
	marks   map[region.Addr]*atomic.Bool
	visits  map[region.Addr]*atomic.Int32
	storage map[region.Addr]uint64

	mu      sync.Mutex
	backing map[region.Addr]region.Addr
	region  *region.Region
}

func newGraphModel() *graphModel {
	return &graphModel{
		edges:   make(map[region.Addr][]region.Addr),
		marks:   make(map[region.Addr]*atomic.Bool),
		visits:  make(map[region.Addr]*atomic.Int32),
		storage: make(map[region.Addr]uint64),
		backing: make(map[region.Addr]region.Addr),
	}
}

func (g *graphModel) addNode(n region.Addr) {
	g.marks[n] = &atomic.Bool{}
	g.visits[n] = &atomic.Int32{}
}

func (g *graphModel) TestAndSetMarked(cell region.Addr) bool {
	return g.marks[cell].Swap(true)
}

func (g *graphModel) VisitChildren(v *SlotVisitor, cell region.Addr) {
	g.visits[cell].Add(1)
	for _, child := range g.edges[cell] {
		v.Append(child)
	}
	if bytes, ok := g.storage[cell]; ok {
		v.CopyLater(cell, g.backingOf(cell), bytes)
	}
}

func (g *graphModel) CopyBackingStore(v *CopyVisitor, owner region.Addr) {
	old := g.backingOf(owner)
	if !v.CheckIfShouldCopy(old) {
		return
	}
	bytes := g.storage[owner]
	p := v.AllocateNewSpace(bytes)
	g.region.Copy(p, old, bytes)
	g.mu.Lock()
	g.backing[owner] = p
	g.mu.Unlock()
	v.DidCopy(old, bytes)
}

func (g *graphModel) backingOf(owner region.Addr) region.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backing[owner]
}

// mark runs one marking phase from roots the way the heap drives it.
func mark(s *SharedData, v *SlotVisitor, roots []region.Addr) {
	s.DidStartMarking()
	v.AppendAll(roots)
	v.DonateAndDrain()
	v.DrainFromShared(MasterDrain)
	s.DidFinishMarking()
}

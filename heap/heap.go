// Package heap assembles the collector: cells in a marked space, their slot
// arrays in a copied space, and the cycle that marks from conservative and
// explicit roots, evacuates fragmented storage and sweeps dead cells.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"copygc/config"
	"copygc/copied"
	"copygc/gc"
	"copygc/infra"
	"copygc/marked"
	"copygc/region"
)

var ErrNotCell = errors.New("not a live cell")

// RootProvider contributes conservative roots, typically snapshots of
// stacks, at the start of every collection. It runs with the heap locked
// and must not call back into it.
type RootProvider interface {
	GatherConservativeRoots(roots *gc.ConservativeRoots)
}

// Heap is safe for concurrent use. Collect stops every other caller for the
// duration of the cycle.
type Heap struct {
	sync.RWMutex

	opts        config.Options
	region      *region.Region
	objects     *marked.Space
	storage     *copied.Space
	model       *model
	shared      *gc.SharedData
	visitor     *gc.SlotVisitor
	copyVisitor *gc.CopyVisitor

	handles     map[region.Addr]int
	spans       map[int][]uint64
	nextSpan    int
	provider    RootProvider
	opaqueRoots map[region.Addr]struct{}

	bytesSinceCollect uint64
	last              Stats
}

func New(opts config.Options) (*Heap, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	r, err := region.New(opts.ArenaSize, opts.BlockSize)
	if err != nil {
		return nil, err
	}
	objects := marked.NewSpace(r)
	storage, err := copied.NewSpace(r, objects, opts.MinHeapUtilization)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	m := &model{region: r, objects: objects}
	shared := gc.NewSharedData(opts, m, storage)
	return &Heap{
		opts:        opts,
		region:      r,
		objects:     objects,
		storage:     storage,
		model:       m,
		shared:      shared,
		visitor:     shared.NewSlotVisitor(),
		copyVisitor: shared.NewCopyVisitor(),
		handles:     make(map[region.Addr]int),
		spans:       make(map[int][]uint64),
		opaqueRoots: make(map[region.Addr]struct{}),
	}, nil
}

// Close stops the GC threads and releases the arena. The heap must not be
// used afterwards.
func (h *Heap) Close() error {
	h.Lock()
	defer h.Unlock()
	return errors.Join(h.shared.Close(), h.region.Close())
}

func (h *Heap) Allocate(slots int) (region.Addr, error) {
	h.Lock()
	defer h.Unlock()
	return h.allocate(StructureObject, slots)
}

// AllocateRoot allocates an object that stays protected until Unprotect.
func (h *Heap) AllocateRoot(slots int) (region.Addr, error) {
	h.Lock()
	defer h.Unlock()
	cell, err := h.allocate(StructureObject, slots)
	if err != nil {
		return 0, err
	}
	h.handles[cell]++
	return cell, nil
}

// AllocateWeakBox allocates a box whose single slot refers to target
// without keeping it alive.
func (h *Heap) AllocateWeakBox(target region.Addr) (region.Addr, error) {
	h.Lock()
	defer h.Unlock()
	if target != 0 && !h.objects.IsLiveCell(target) {
		return 0, fmt.Errorf("weak box target %s: %w", target, ErrNotCell)
	}
	box, err := h.allocate(StructureWeakBox, 1)
	if err != nil {
		return 0, err
	}
	h.model.set(box, 0, target)
	return box, nil
}

func (h *Heap) allocate(s Structure, slots int) (region.Addr, error) {
	if slots < 0 {
		return 0, fmt.Errorf("%w: %d slots", region.ErrInvalidSize, slots)
	}
	cell, err := h.objects.Allocate()
	if err != nil {
		return 0, err
	}
	// The cell is valid from here on so that a failed storage allocation
	// leaves garbage the next sweep can collect.
	h.model.init(cell, s, 0, 0)
	h.bytesSinceCollect += marked.CellSize
	if slots == 0 {
		return cell, nil
	}
	bytes := uint64(slots) * region.WordSize
	p, err := h.storage.TryAllocate(bytes)
	if err != nil {
		return 0, err
	}
	h.region.Zero(p, bytes)
	h.model.init(cell, s, p, slots)
	h.bytesSinceCollect += bytes
	return cell, nil
}

func (h *Heap) mustCell(cell region.Addr) {
	if !h.objects.IsLiveCell(cell) {
		panic(fmt.Sprintf("%s is not a cell", cell))
	}
}

func (h *Heap) checkSlot(cell region.Addr, slot int) {
	h.mustCell(cell)
	if n := h.model.slots(cell); slot < 0 || slot >= n {
		panic(fmt.Sprintf("%d out of index %d", slot, n))
	}
}

func (h *Heap) Set(cell region.Addr, slot int, value region.Addr) {
	h.Lock()
	defer h.Unlock()
	h.checkSlot(cell, slot)
	if !h.objects.IsLiveCell(value) {
		panic(fmt.Sprintf("value %s is not a cell", value))
	}
	h.model.set(cell, slot, value)
}

func (h *Heap) Unset(cell region.Addr, slot int) {
	h.Lock()
	defer h.Unlock()
	h.checkSlot(cell, slot)
	h.model.set(cell, slot, 0)
}

func (h *Heap) Get(cell region.Addr, slot int) region.Addr {
	h.RLock()
	defer h.RUnlock()
	h.checkSlot(cell, slot)
	return h.model.get(cell, slot)
}

// Pointers lists the non-empty slots of cell.
func (h *Heap) Pointers(cell region.Addr) []region.Addr {
	h.RLock()
	defer h.RUnlock()
	h.mustCell(cell)
	result := make([]region.Addr, 0, h.model.slots(cell))
	for i := 0; i < h.model.slots(cell); i++ {
		if v := h.model.get(cell, i); v != 0 {
			result = append(result, v)
		}
	}
	return result
}

func (h *Heap) Slots(cell region.Addr) int {
	h.RLock()
	defer h.RUnlock()
	h.mustCell(cell)
	return h.model.slots(cell)
}

func (h *Heap) StructureOf(cell region.Addr) Structure {
	h.RLock()
	defer h.RUnlock()
	h.mustCell(cell)
	return h.model.structure(cell)
}

// Objects lists every allocated cell, live or not yet swept.
func (h *Heap) Objects() []region.Addr {
	h.RLock()
	defer h.RUnlock()
	return h.objects.Cells()
}

// IsCell reports whether addr is an allocated cell.
func (h *Heap) IsCell(addr region.Addr) bool {
	h.RLock()
	defer h.RUnlock()
	return h.objects.IsLiveCell(addr)
}

// Resize changes the slot count of cell. Grown slots start empty, dropped
// ones are cleared.
func (h *Heap) Resize(cell region.Addr, slots int) error {
	h.Lock()
	defer h.Unlock()
	if !h.objects.IsLiveCell(cell) {
		return fmt.Errorf("resize %s: %w", cell, ErrNotCell)
	}
	if slots < 0 {
		return fmt.Errorf("%w: %d slots", region.ErrInvalidSize, slots)
	}
	old := h.model.slots(cell)
	if slots == old {
		return nil
	}
	storage := h.model.storage(cell)
	oldBytes := uint64(old) * region.WordSize
	newBytes := uint64(slots) * region.WordSize
	if slots < old {
		h.region.Zero(storage.Plus(newBytes), oldBytes-newBytes)
		if slots == 0 {
			h.region.StoreWord(cell.Plus(wordStorage), 0)
		}
		h.region.StoreWord(cell.Plus(wordSlots), uint64(slots))
		return nil
	}
	var p region.Addr
	var err error
	if storage == 0 {
		p, err = h.storage.TryAllocate(newBytes)
	} else {
		p, err = h.storage.TryReallocate(storage, oldBytes, newBytes)
	}
	if err != nil {
		return fmt.Errorf("resize %s to %d slots: %w", cell, slots, err)
	}
	h.region.Zero(p.Plus(oldBytes), newBytes-oldBytes)
	h.region.StoreWord(cell.Plus(wordStorage), uint64(p))
	h.region.StoreWord(cell.Plus(wordSlots), uint64(slots))
	h.bytesSinceCollect += newBytes
	return nil
}

// Protect makes cell a root until a matching Unprotect.
func (h *Heap) Protect(cell region.Addr) error {
	h.Lock()
	defer h.Unlock()
	if !h.objects.IsLiveCell(cell) {
		return fmt.Errorf("protect %s: %w", cell, ErrNotCell)
	}
	h.handles[cell]++
	return nil
}

// Unprotect drops one protection and reports whether cell had any.
func (h *Heap) Unprotect(cell region.Addr) bool {
	h.Lock()
	defer h.Unlock()
	n, ok := h.handles[cell]
	if !ok {
		return false
	}
	if n == 1 {
		delete(h.handles, cell)
	} else {
		h.handles[cell] = n - 1
	}
	return true
}

func (h *Heap) Roots() []region.Addr {
	h.RLock()
	defer h.RUnlock()
	return lo.Keys(h.handles)
}

// AddConservativeSpan registers words to be scanned conservatively by every
// collection until removed. The slice is read in place.
func (h *Heap) AddConservativeSpan(words []uint64) int {
	h.Lock()
	defer h.Unlock()
	h.nextSpan++
	h.spans[h.nextSpan] = words
	return h.nextSpan
}

func (h *Heap) RemoveConservativeSpan(id int) {
	h.Lock()
	defer h.Unlock()
	delete(h.spans, id)
}

func (h *Heap) SetRootProvider(p RootProvider) {
	h.Lock()
	defer h.Unlock()
	h.provider = p
}

// SetOpaqueRoot attaches an external root value to cell. Collections report
// the values carried by live cells through IsOpaqueRootReachable.
func (h *Heap) SetOpaqueRoot(cell, root region.Addr) {
	h.Lock()
	defer h.Unlock()
	h.mustCell(cell)
	h.region.StoreWord(cell.Plus(wordOpaque), uint64(root))
}

// IsOpaqueRootReachable reports whether the last collection found root on
// a live cell.
func (h *Heap) IsOpaqueRootReachable(root region.Addr) bool {
	h.RLock()
	defer h.RUnlock()
	_, ok := h.opaqueRoots[root]
	return ok
}

// ShouldCollect reports whether enough has been allocated since the last
// collection to make another worthwhile.
func (h *Heap) ShouldCollect() bool {
	h.RLock()
	defer h.RUnlock()
	return h.bytesSinceCollect >= h.opts.CollectThreshold
}

// IsPagedOut reports whether probing the copied space for residency takes
// longer than timeout.
func (h *Heap) IsPagedOut(timeout time.Duration) bool {
	h.RLock()
	defer h.RUnlock()
	return h.storage.IsPagedOut(time.Now().Add(timeout))
}

func (h *Heap) LastStats() Stats {
	h.RLock()
	defer h.RUnlock()
	return h.last
}

// Collect runs one full cycle.
func (h *Heap) Collect() (Stats, error) {
	h.Lock()
	defer h.Unlock()

	start := time.Now()
	stats := Stats{Cycle: uuid.New()}
	log := infra.Logger.With().Str("cycle", stats.Cycle.String()).Logger()
	log.Debug().Int("handles", len(h.handles)).Int("spans", len(h.spans)).Msg("collection start")

	h.objects.ClearMarks()
	roots := h.gatherConservativeRoots()
	stats.ConservativeRoots = roots.Size()

	h.markRoots(roots)
	stats.Visited = h.visitor.VisitCount() + h.shared.VisitCount()
	h.opaqueRoots = lo.SliceToMap(h.shared.OpaqueRoots(), func(r region.Addr) (region.Addr, struct{}) {
		return r, struct{}{}
	})
	stats.Finalizers = h.shared.RunUnconditionalFinalizers()
	h.visitor.Reset()
	h.shared.Reset()

	copiedPhase, err := h.copyBackingStores()
	if err != nil {
		return Stats{}, fmt.Errorf("collection %s: %w", stats.Cycle, err)
	}
	stats.Copied = copiedPhase
	stats.Utilization = h.storage.Fragmentation()
	stats.BytesCopied = h.copyVisitor.TakeBytesCopied() + h.shared.TakeBytesCopied()

	stats.CellsFreed = h.objects.Sweep()
	stats.LiveCells = h.objects.LiveCells()
	stats.CellCapacity = h.objects.Capacity()
	stats.StorageSize = h.storage.Size()
	stats.StorageCapacity = h.storage.Capacity()
	stats.BlockBytesAllocated = h.objects.TakeAllocatedBytes() + h.storage.TakeAllocatedBytes()
	stats.Duration = time.Since(start)
	h.bytesSinceCollect = 0
	h.last = stats

	log.Info().
		Int("visited", stats.Visited).
		Int("freed", stats.CellsFreed).
		Int("live", stats.LiveCells).
		Bool("copied", stats.Copied).
		Uint64("bytesCopied", stats.BytesCopied).
		Float64("utilization", stats.Utilization).
		Dur("duration", stats.Duration).
		Msg("collection end")
	return stats, nil
}

func (h *Heap) gatherConservativeRoots() *gc.ConservativeRoots {
	roots := gc.NewConservativeRoots(h.objects, h.storage)
	for _, span := range h.spans {
		roots.AddWords(span, nil)
	}
	if h.provider != nil {
		h.provider.GatherConservativeRoots(roots)
	}
	return roots
}

func (h *Heap) markRoots(roots *gc.ConservativeRoots) {
	h.shared.DidStartMarking()
	h.visitor.AppendAll(roots.Roots())
	h.visitor.DonateAndDrain()
	h.visitor.AppendAll(lo.Keys(h.handles))
	h.visitor.DonateAndDrain()
	h.visitor.DrainFromShared(gc.MasterDrain)
	h.shared.DidFinishMarking()
}

// copyBackingStores evacuates live storage when the copied space is
// fragmented enough, and reports whether it did.
func (h *Heap) copyBackingStores() (bool, error) {
	h.storage.StartedCopying()
	if !h.storage.ShouldDoCopyPhase() {
		return false, h.storage.DoneCopying()
	}
	h.shared.DidStartCopying()
	h.copyVisitor.StartCopying()
	h.copyVisitor.CopyFromShared()
	h.copyVisitor.DoneCopying()
	// Every lent block has to come back before the phase may end.
	err := h.storage.DoneCopying()
	h.shared.DidFinishCopying()
	return true, err
}

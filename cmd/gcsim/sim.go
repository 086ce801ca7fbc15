package main

import (
	"fmt"
	"math/rand"

	"github.com/samber/lo"

	"copygc/heap"
	"copygc/infra"
	"copygc/region"
)

type lostCellError struct {
	cell region.Addr
	from region.Addr
}

func (e *lostCellError) Error() string {
	return fmt.Sprintf("cell %s reachable from %s was collected", e.cell, e.from)
}

type simulation struct {
	opts  Options
	heap  *heap.Heap
	rnd   *rand.Rand
	roots []region.Addr
}

func run(opts Options) error {
	if opts.Slots < 1 || opts.Objects < 1 || opts.Survival < 0 || opts.Survival > 1 {
		return fmt.Errorf("invalid simulation: %d objects of %d slots, survival %v", opts.Objects, opts.Slots, opts.Survival)
	}
	h, err := heap.New(opts.GC)
	if err != nil {
		return err
	}
	defer h.Close()
	s := &simulation{opts: opts, heap: h, rnd: rand.New(rand.NewSource(opts.Seed))}
	for round := 0; round < opts.Rounds; round++ {
		if err := s.round(round); err != nil {
			return err
		}
	}
	return nil
}

// round allocates a batch, groups it under fresh roots, drops most of those
// roots and collects.
func (s *simulation) round(round int) error {
	objects := make([]region.Addr, 0, s.opts.Objects)
	for i := 0; i < s.opts.Objects; i++ {
		c, err := s.heap.Allocate(s.opts.Slots)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		for slot := 0; slot < s.opts.Slots && len(objects) > 0; slot++ {
			if s.rnd.Intn(4) == 0 {
				s.heap.Set(c, slot, objects[s.rnd.Intn(len(objects))])
			}
		}
		objects = append(objects, c)
		if s.heap.ShouldCollect() {
			// Objects not yet under a root are held by a conservative span.
			if err := s.collectHolding(objects); err != nil {
				return err
			}
		}
	}

	var heads []region.Addr
	for _, chunk := range lo.Chunk(objects, s.opts.Slots) {
		head, err := s.heap.AllocateRoot(len(chunk))
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		for i, c := range chunk {
			s.heap.Set(head, i, c)
		}
		heads = append(heads, head)
	}
	heads = lo.Shuffle(heads)
	keep := int(float64(len(heads)) * s.opts.Survival)
	for _, head := range heads[keep:] {
		s.heap.Unprotect(head)
	}
	s.roots = append(s.roots, heads[:keep]...)

	stats, err := s.heap.Collect()
	if err != nil {
		return err
	}
	infra.Logger.Info().
		Int("round", round).
		Str("cycle", stats.Cycle.String()).
		Int("live", stats.LiveCells).
		Int("freed", stats.CellsFreed).
		Bool("copied", stats.Copied).
		Uint64("bytesCopied", stats.BytesCopied).
		Uint64("storage", stats.StorageSize).
		Msg("round done")
	return s.verify()
}

func (s *simulation) collectHolding(objects []region.Addr) error {
	words := lo.Map(objects, func(c region.Addr, _ int) uint64 { return uint64(c) })
	id := s.heap.AddConservativeSpan(words)
	defer s.heap.RemoveConservativeSpan(id)
	_, err := s.heap.Collect()
	if err != nil {
		return err
	}
	return s.verifyFrom(objects)
}

func (s *simulation) verify() error {
	return s.verifyFrom(s.roots)
}

// verifyFrom walks the graph from roots and fails on the first reference to
// a cell that no longer exists.
func (s *simulation) verifyFrom(roots []region.Addr) error {
	seen := make(map[region.Addr]struct{})
	work := append([]region.Addr(nil), roots...)
	for len(work) > 0 {
		c := work[len(work)-1]
		work = work[:len(work)-1]
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		for _, child := range s.heap.Pointers(c) {
			if !s.heap.IsCell(child) {
				return &lostCellError{cell: child, from: c}
			}
			work = append(work, child)
		}
	}
	return nil
}

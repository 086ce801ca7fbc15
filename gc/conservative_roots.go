package gc

import (
	"fmt"
	"unsafe"

	"copygc/bloom"
	"copygc/marked"
	"copygc/region"
)

// MaxConservativeSpan bounds one scanned range. Anything larger is a caller
// passing a bogus range rather than a stack.
const MaxConservativeSpan = 16 << 20

// CellSpace is the view of the cell space that validates candidate roots.
type CellSpace interface {
	Filter() bloom.Filter
	BlockBase(p region.Addr) region.Addr
	ContainsBlock(base region.Addr) bool
	IsLiveCell(p region.Addr) bool
}

// Pinner pins copied storage that a candidate root may point into.
type Pinner interface {
	PinIfNecessary(p region.Addr)
}

// MarkHook sees every candidate word, root or not.
type MarkHook interface {
	Mark(p region.Addr)
}

type noopMarkHook struct{}

func (noopMarkHook) Mark(region.Addr) {}

// ConservativeRoots collects the cells that words of a scanned range might
// point to. Every word that could address copied storage pins its block.
type ConservativeRoots struct {
	cells  CellSpace
	pinner Pinner
	roots  []region.Addr
}

func NewConservativeRoots(cells CellSpace, pinner Pinner) *ConservativeRoots {
	return &ConservativeRoots{cells: cells, pinner: pinner}
}

// AddRange scans the pointer-aligned words of [begin, end). This is the one
// place that reads raw memory as candidate addresses.
func (c *ConservativeRoots) AddRange(begin, end unsafe.Pointer, hook MarkHook) {
	if uintptr(end) < uintptr(begin) {
		panic(fmt.Sprintf("conservative roots: range end %p before begin %p", end, begin))
	}
	if pad := uintptr(begin) % region.WordSize; pad != 0 {
		begin = unsafe.Add(begin, region.WordSize-pad)
	}
	if uintptr(end) <= uintptr(begin) {
		return
	}
	n := (uintptr(end) - uintptr(begin)) / region.WordSize
	c.checkSpan(uint64(n) * region.WordSize)
	c.AddWords(unsafe.Slice((*uint64)(begin), n), hook)
}

// AddWords treats every word as a candidate root.
func (c *ConservativeRoots) AddWords(words []uint64, hook MarkHook) {
	c.checkSpan(uint64(len(words)) * region.WordSize)
	if hook == nil {
		hook = noopMarkHook{}
	}
	filter := c.cells.Filter()
	for _, w := range words {
		c.genericAddPointer(region.Addr(w), filter, hook)
	}
}

func (c *ConservativeRoots) checkSpan(bytes uint64) {
	if bytes >= MaxConservativeSpan {
		panic(fmt.Sprintf("conservative roots: span of %d bytes", bytes))
	}
}

func (c *ConservativeRoots) genericAddPointer(p region.Addr, filter bloom.Filter, hook MarkHook) {
	hook.Mark(p)
	if c.pinner != nil {
		c.pinner.PinIfNecessary(p)
	}
	candidate := c.cells.BlockBase(p)
	if filter.RuleOut(uint64(candidate)) {
		return
	}
	if !marked.IsAtomAligned(p) {
		return
	}
	if !c.cells.ContainsBlock(candidate) {
		return
	}
	if !c.cells.IsLiveCell(p) {
		return
	}
	c.roots = append(c.roots, p)
}

func (c *ConservativeRoots) Roots() []region.Addr {
	return c.roots
}

func (c *ConservativeRoots) Size() int {
	return len(c.roots)
}

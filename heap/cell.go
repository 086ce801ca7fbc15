package heap

import (
	"fmt"

	"copygc/gc"
	"copygc/marked"
	"copygc/region"
)

// Structure identifies the layout of a cell. Zero is never valid.
type Structure uint64

const (
	// StructureObject cells hold strong references in every slot.
	StructureObject Structure = 1
	// StructureWeakBox cells hold a weak reference in slot 0 that is cleared
	// once its target dies.
	StructureWeakBox Structure = 2
)

func (s Structure) String() string {
	switch s {
	case StructureObject:
		return "object"
	case StructureWeakBox:
		return "weakbox"
	}
	return fmt.Sprintf("Structure(%d)", uint64(s))
}

// Cell words.
const (
	wordStructure = 0 * region.WordSize
	wordStorage   = 1 * region.WordSize
	wordSlots     = 2 * region.WordSize
	wordOpaque    = 3 * region.WordSize
)

// model is the cell layout the collector marks and evacuates: a fixed cell
// in the marked space pointing at a slot array in the copied space.
type model struct {
	region  *region.Region
	objects *marked.Space
}

func (m *model) structure(cell region.Addr) Structure {
	s := Structure(m.region.LoadWord(cell.Plus(wordStructure)))
	if s == 0 {
		panic(fmt.Sprintf("cell %s has no structure", cell))
	}
	return s
}

func (m *model) storage(cell region.Addr) region.Addr {
	return region.Addr(m.region.LoadWord(cell.Plus(wordStorage)))
}

func (m *model) slots(cell region.Addr) int {
	return int(m.region.LoadWord(cell.Plus(wordSlots)))
}

func (m *model) slotAddr(cell region.Addr, slot int) region.Addr {
	return m.storage(cell).Plus(uint64(slot) * region.WordSize)
}

func (m *model) get(cell region.Addr, slot int) region.Addr {
	return region.Addr(m.region.LoadWord(m.slotAddr(cell, slot)))
}

func (m *model) set(cell region.Addr, slot int, value region.Addr) {
	m.region.StoreWord(m.slotAddr(cell, slot), uint64(value))
}

func (m *model) init(cell region.Addr, s Structure, storage region.Addr, slots int) {
	m.region.StoreWord(cell.Plus(wordStructure), uint64(s))
	m.region.StoreWord(cell.Plus(wordStorage), uint64(storage))
	m.region.StoreWord(cell.Plus(wordSlots), uint64(slots))
	m.region.StoreWord(cell.Plus(wordOpaque), 0)
}

func (m *model) TestAndSetMarked(cell region.Addr) bool {
	return m.objects.TestAndSetMarked(cell)
}

func (m *model) VisitChildren(v *gc.SlotVisitor, cell region.Addr) {
	s := m.structure(cell)
	if root := m.region.LoadWord(cell.Plus(wordOpaque)); root != 0 {
		v.AddOpaqueRoot(region.Addr(root))
	}
	storage := m.storage(cell)
	if storage == 0 {
		return
	}
	slots := m.slots(cell)
	v.CopyLater(cell, storage, uint64(slots)*region.WordSize)
	first := 0
	if s == StructureWeakBox && slots > 0 {
		first = 1
		v.AddUnconditionalFinalizer(&weakBoxFinalizer{model: m, box: cell})
	}
	for i := first; i < slots; i++ {
		v.Append(m.get(cell, i))
	}
}

func (m *model) CopyBackingStore(v *gc.CopyVisitor, owner region.Addr) {
	old := m.storage(owner)
	if old == 0 || !v.CheckIfShouldCopy(old) {
		return
	}
	bytes := uint64(m.slots(owner)) * region.WordSize
	p := v.AllocateNewSpace(bytes)
	m.region.Copy(p, old, bytes)
	m.region.StoreWord(owner.Plus(wordStorage), uint64(p))
	v.DidCopy(old, bytes)
}

// weakBoxFinalizer clears the weak slot of a live box whose target was not
// marked.
type weakBoxFinalizer struct {
	model *model
	box   region.Addr
}

func (f *weakBoxFinalizer) FinalizeUnconditionally() {
	target := f.model.get(f.box, 0)
	if target != 0 && !f.model.objects.IsMarked(target) {
		f.model.set(f.box, 0, 0)
	}
}

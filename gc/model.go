// Package gc runs the parallel phases of a collection: marking with
// work-sharing slot visitors, evacuation with copy visitors, and the thread
// protocol that moves every GC thread through both.
package gc

import "copygc/region"

// CellModel is the object model the visitors drive. It owns the cell layout
// and the mark bits; the collector only moves cell addresses around.
type CellModel interface {
	// TestAndSetMarked claims cell for this cycle and reports whether it was
	// already marked. It must be safe to call from every GC thread.
	TestAndSetMarked(cell region.Addr) bool
	// VisitChildren appends every cell reachable from cell and reports the
	// copied-space storage it owns through CopyLater.
	VisitChildren(v *SlotVisitor, cell region.Addr)
	// CopyBackingStore evacuates the storage owned by owner, if it should
	// move, and updates owner to point at the copy.
	CopyBackingStore(v *CopyVisitor, owner region.Addr)
}

// UnconditionalFinalizer runs once after marking terminates, whatever the
// fate of the object that registered it.
type UnconditionalFinalizer interface {
	FinalizeUnconditionally()
}

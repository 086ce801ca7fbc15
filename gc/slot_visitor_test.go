package gc

import (
	"fmt"
	"math/rand"
	"testing"

	"copygc/region"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomGraph(nodes, degree int, seed int64) (*graphModel, []region.Addr) {
	rnd := rand.New(rand.NewSource(seed))
	g := newGraphModel()
	all := make([]region.Addr, nodes)
	for i := range all {
		all[i] = region.Base.Plus(uint64(i) * 32)
		g.addNode(all[i])
	}
	for _, n := range all {
		for d := 0; d < degree; d++ {
			g.edges[n] = append(g.edges[n], all[rnd.Intn(nodes)])
		}
	}
	return g, all
}

func reachable(g *graphModel, roots []region.Addr) map[region.Addr]bool {
	seen := make(map[region.Addr]bool)
	work := append([]region.Addr(nil), roots...)
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		work = append(work, g.edges[n]...)
	}
	return seen
}

func Test_DrainFromSharedVisitsEachCellOnce(t *testing.T) {
	for _, markers := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("markers=%d", markers), func(t *testing.T) {
			g, all := randomGraph(5000, 2, int64(markers))
			roots := all[:20]
			s := NewSharedData(testOptions(markers), g, nil)
			defer func() { require.NoError(t, s.Close()) }()
			v := s.NewSlotVisitor()

			mark(s, v, roots)

			live := reachable(g, roots)
			for _, n := range all {
				want := int32(0)
				if live[n] {
					want = 1
				}
				require.Equal(t, want, g.visits[n].Load(), "node %s", n)
			}
			assert.Equal(t, len(live), v.VisitCount()+s.VisitCount())
			assert.True(t, v.IsEmpty())

			v.Reset()
			s.Reset()
			assert.Equal(t, 0, v.VisitCount()+s.VisitCount())
		})
	}
}

func Test_MarkingRepeatsAcrossCycles(t *testing.T) {
	g, all := randomGraph(2000, 3, 7)
	s := NewSharedData(testOptions(4), g, nil)
	defer func() { require.NoError(t, s.Close()) }()
	v := s.NewSlotVisitor()
	for cycle := 0; cycle < 5; cycle++ {
		for _, n := range all {
			g.marks[n].Store(false)
			g.visits[n].Store(0)
		}
		roots := all[cycle*10 : cycle*10+10]
		mark(s, v, roots)
		live := reachable(g, roots)
		for n := range live {
			require.Equal(t, int32(1), g.visits[n].Load())
		}
		v.Reset()
		s.Reset()
	}
}

func Test_AppendSkipsMarkedAndZero(t *testing.T) {
	g := newGraphModel()
	a := region.Base
	g.addNode(a)
	s := NewSharedData(testOptions(1), g, nil)
	defer func() { require.NoError(t, s.Close()) }()
	v := s.NewSlotVisitor()

	v.Append(0)
	assert.True(t, v.IsEmpty())
	v.Append(a)
	v.Append(a)
	v.Drain()
	assert.Equal(t, 1, v.VisitCount())
}

func Test_SingleMarkerDrainFromSharedWithWorkPanics(t *testing.T) {
	g := newGraphModel()
	g.addNode(region.Base)
	s := NewSharedData(testOptions(1), g, nil)
	defer func() { require.NoError(t, s.Close()) }()
	v := s.NewSlotVisitor()
	v.Append(region.Base)
	assert.Panics(t, func() { v.DrainFromShared(MasterDrain) })
}

func Test_OpaqueRootsSingleMarker(t *testing.T) {
	s := NewSharedData(testOptions(1), newGraphModel(), nil)
	defer func() { require.NoError(t, s.Close()) }()
	v := s.NewSlotVisitor()
	v.AddOpaqueRoot(region.Addr(0x10))
	assert.Equal(t, 0, v.OpaqueRootCount())
	assert.True(t, s.ContainsOpaqueRoot(region.Addr(0x10)))
}

func Test_OpaqueRootsMergeAtThreshold(t *testing.T) {
	s := NewSharedData(testOptions(2), newGraphModel(), nil)
	defer func() { require.NoError(t, s.Close()) }()
	v := s.NewSlotVisitor()
	for i := 1; i <= 3; i++ {
		v.AddOpaqueRoot(region.Addr(i))
	}
	assert.Equal(t, 3, v.OpaqueRootCount())
	assert.Empty(t, s.OpaqueRoots())
	assert.True(t, v.ContainsOpaqueRoot(region.Addr(2)))

	v.AddOpaqueRoot(region.Addr(4))
	assert.Equal(t, 1, v.OpaqueRootCount())
	assert.ElementsMatch(t, []region.Addr{1, 2, 3}, s.OpaqueRoots())

	v.Drain()
	assert.Equal(t, 0, v.OpaqueRootCount())
	assert.ElementsMatch(t, []region.Addr{1, 2, 3, 4}, s.OpaqueRoots())

	s.Reset()
	assert.Empty(t, s.OpaqueRoots())
}

type countingFinalizer struct{ runs int }

func (f *countingFinalizer) FinalizeUnconditionally() { f.runs++ }

func Test_UnconditionalFinalizersRunOnce(t *testing.T) {
	s := NewSharedData(testOptions(1), newGraphModel(), nil)
	defer func() { require.NoError(t, s.Close()) }()
	v := s.NewSlotVisitor()
	f := &countingFinalizer{}
	v.AddUnconditionalFinalizer(f)
	assert.Equal(t, 1, s.RunUnconditionalFinalizers())
	assert.Equal(t, 0, s.RunUnconditionalFinalizers())
	assert.Equal(t, 1, f.runs)
}

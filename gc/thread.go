package gc

import (
	"fmt"
	"runtime"

	"copygc/infra"
)

// Thread is one GC helper. It parks between phases and owns a slot visitor
// and a copy visitor that no other goroutine touches while a phase runs.
type Thread struct {
	shared      *SharedData
	id          int
	slotVisitor *SlotVisitor
	copyVisitor *CopyVisitor
}

func newThread(shared *SharedData, id int) *Thread {
	return &Thread{
		shared:      shared,
		id:          id,
		slotVisitor: newSlotVisitor(shared),
		copyVisitor: newCopyVisitor(shared),
	}
}

func (t *Thread) SlotVisitor() *SlotVisitor {
	return t.slotVisitor
}

func (t *Thread) CopyVisitor() *CopyVisitor {
	return t.copyVisitor
}

// waitForNextPhase parks until the current phase is released, reports the
// thread idle, then parks again until a new phase starts.
func (t *Thread) waitForNextPhase() Phase {
	s := t.shared
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	for s.gcThreadsShouldWait {
		s.phaseCond.Wait()
	}
	s.numberOfActiveGCThreads--
	if s.numberOfActiveGCThreads == 0 {
		s.activityCond.Signal()
	}
	for s.currentPhase == PhaseNone {
		s.phaseCond.Wait()
	}
	s.numberOfActiveGCThreads++
	return s.currentPhase
}

func (t *Thread) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	log := infra.Logger.With().Int("thread", t.id).Logger()
	for {
		phase := t.waitForNextPhase()
		switch phase {
		case PhaseMark:
			t.slotVisitor.DrainFromShared(SlaveDrain)
		case PhaseCopy:
			t.copyVisitor.CopyFromShared()
			t.copyVisitor.DoneCopying()
		case PhaseExit:
			log.Debug().Msg("gc thread exit")
			return nil
		default:
			panic(fmt.Sprintf("gc thread %d: unexpected %s", t.id, phase))
		}
	}
}

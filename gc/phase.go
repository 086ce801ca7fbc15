package gc

import "fmt"

type Phase int

const (
	PhaseNone Phase = iota
	PhaseMark
	PhaseCopy
	PhaseExit
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseMark:
		return "mark"
	case PhaseCopy:
		return "copy"
	case PhaseExit:
		return "exit"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// SharedDrainMode selects the role a visitor plays in DrainFromShared.
type SharedDrainMode int

const (
	// SlaveDrain returns once the marking phase is closed.
	SlaveDrain SharedDrainMode = iota
	// MasterDrain returns once every marker is idle and no shared work is left.
	MasterDrain
)

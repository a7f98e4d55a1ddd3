package engine

import "github.com/blueplan/smartcare-go/internal/smartcare/session"

// Phase is the coarse consultation state derived from a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingCategory
	PhaseCategoryConfirmed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingCategory:
		return "awaiting_category"
	case PhaseCategoryConfirmed:
		return "category_confirmed"
	default:
		return "unknown"
	}
}

// PhaseOf derives the phase. Finer protocol steps are advisory text for the model only.
func PhaseOf(st *session.State) Phase {
	switch {
	case st == nil || len(st.History) == 0:
		return PhaseIdle
	case st.ActiveCategory == "":
		return PhaseAwaitingCategory
	default:
		return PhaseCategoryConfirmed
	}
}

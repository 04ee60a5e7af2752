package orchestrator

import (
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/model"
)

// State is a step of the job state machine.
type State string

const (
	StateInit                 State = "init"
	StateExtracting           State = "extracting"
	StateRendering            State = "rendering"
	StateComparing            State = "comparing"
	StateEvaluating           State = "evaluating"
	StateSucceeded            State = "succeeded"
	StateMaxIterationsReached State = "max_iterations_reached"
	StateBudgetExceeded       State = "budget_exceeded"
	StateFailed               State = "failed"
	StateCanceled             State = "canceled"
)

var transitions = map[State][]State{
	StateInit:       {StateExtracting, StateBudgetExceeded, StateFailed, StateCanceled},
	StateExtracting: {StateRendering, StateFailed, StateCanceled},
	StateRendering:  {StateComparing, StateFailed, StateCanceled},
	StateComparing:  {StateEvaluating, StateFailed, StateCanceled},
	StateEvaluating: {
		StateExtracting, StateSucceeded, StateMaxIterationsReached,
		StateBudgetExceeded, StateFailed, StateCanceled,
	},
}

// Terminal reports whether no transitions leave s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// JobStatus maps a state onto the persisted job status.
func (s State) JobStatus() model.JobStatus {
	switch s {
	case StateInit:
		return model.JobStatusPending
	case StateSucceeded:
		return model.JobStatusSucceeded
	case StateMaxIterationsReached:
		return model.JobStatusMaxIterationsReached
	case StateBudgetExceeded:
		return model.JobStatusBudgetExceeded
	case StateFailed:
		return model.JobStatusFailed
	case StateCanceled:
		return model.JobStatusCanceled
	default:
		return model.JobStatusRunning
	}
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// machine tracks the current state and rejects illegal moves.
type machine struct {
	state   State
	history []State
}

func newMachine() *machine {
	return &machine{state: StateInit, history: []State{StateInit}}
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return eris.Errorf("orchestrator: illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}

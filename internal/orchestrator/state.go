package orchestrator

import (
	"fmt"
	"sync"
)

type State string

const (
	StateSubmitted         State = "submitted"
	StatePolicyChecked     State = "policy_checked"
	StateBudgetReserved    State = "budget_reserved"
	StateLocalExecuting    State = "local_executing"
	StateRemoteExecuting   State = "remote_executing"
	StateHybridExecuting   State = "hybrid_executing"
	StateTelemetryRecorded State = "telemetry_recorded"
	StateReleased          State = "released"

	StateDenied          State = "denied"
	StateBudgetExceeded  State = "budget_exceeded"
	StateExecutionFailed State = "execution_failed"
)

// transitions lists the legal successors of every state. Terminal states
// have none.
var transitions = map[State][]State{
	StateSubmitted:      {StatePolicyChecked, StateDenied},
	StatePolicyChecked:  {StateBudgetReserved, StateRemoteExecuting, StateBudgetExceeded, StateExecutionFailed},
	StateBudgetReserved: {StateLocalExecuting, StateRemoteExecuting, StateHybridExecuting, StateExecutionFailed},
	// Remote failures may fall back to local execution and vice versa.
	StateLocalExecuting:    {StateTelemetryRecorded, StateRemoteExecuting, StateExecutionFailed},
	StateRemoteExecuting:   {StateTelemetryRecorded, StateLocalExecuting, StateExecutionFailed},
	StateHybridExecuting:   {StateTelemetryRecorded, StateExecutionFailed},
	StateTelemetryRecorded: {StateReleased},
}

func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// taskRun is the per-task state machine. Every transition is checked and
// appended to the trace.
type taskRun struct {
	mu    sync.Mutex
	state State
	trace []State
}

func newTaskRun() *taskRun {
	return &taskRun{state: StateSubmitted, trace: []State{StateSubmitted}}
}

func (r *taskRun) to(next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !canTransition(r.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvariant, r.state, next)
	}
	r.state = next
	r.trace = append(r.trace, next)
	return nil
}

func (r *taskRun) current() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *taskRun) history() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.trace...)
}

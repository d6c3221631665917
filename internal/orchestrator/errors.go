package orchestrator

import (
	"errors"
	"fmt"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/ledger"
)

var (
	// ErrBudgetExceeded is the ledger's error; callers can match either.
	ErrBudgetExceeded = ledger.ErrBudgetExceeded
	ErrDuplicateTask  = errors.New("task already in flight")
	ErrInvalidTask    = errors.New("invalid task")
	ErrInvariant      = errors.New("internal invariant violated")
	ErrNoRemote       = errors.New("remote execution unavailable")
)

type PolicyDeniedError struct {
	Reason   string
	Decision model.Decision
}

func (e *PolicyDeniedError) Error() string {
	return "policy denied: " + e.Reason
}

type ExecutionFailedError struct {
	Cause error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution failed: %v", e.Cause)
}

func (e *ExecutionFailedError) Unwrap() error { return e.Cause }

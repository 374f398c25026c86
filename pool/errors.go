package pool

import (
	"fmt"
	"strings"

	"github.com/hupe1980/execmesh/command"
)

// FailedError aggregates the failures of a pool run with delayed checks: the
// run continues past individual failures and reports them all at the end.
type FailedError struct {
	// Failures holds the commands that finished unsuccessfully and still had
	// failure checking enabled.
	Failures []*command.Command

	// Total is the number of commands the pool ran.
	Total int
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	return fmt.Sprintf("%d out of %d external commands failed", len(e.Failures), e.Total)
}

// DeadlockError is returned when the scheduler can make no further progress:
// nothing is running, nothing can be collected and the remaining commands can
// never be spawned. It is a pure invariant guard: Add only accepts
// dependencies on already registered commands, which keeps the dependency
// graph acyclic, so a run should never be able to wedge itself. The guard
// turns a scheduler bug into a diagnosable error instead of a silent hang.
type DeadlockError struct {
	// Pending lists the identifiers of the commands that can never run.
	Pending []string
}

// Error implements the error interface.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("command pool is deadlocked, these commands can never be spawned: %s", strings.Join(e.Pending, ", "))
}

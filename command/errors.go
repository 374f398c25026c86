package command

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hupe1980/execmesh/internal/util"
)

// NotFoundStatus is the exit status used by POSIX shells when an external
// command cannot be found on the executable search path.
const NotFoundStatus = 127

// Usage errors returned by lifecycle methods.
var (
	// ErrAlreadyStarted is returned when Start is called on a command that
	// was already started. A Command is not a restartable value.
	ErrAlreadyStarted = errors.New("command has already been started")

	// ErrEmptyCommand is returned by New when no argv is given.
	ErrEmptyCommand = errors.New("command requires at least one argument")
)

// ExitStatus describes how a finished process exited. It is handed to the
// Interpret hook so adapters (e.g. remote execution) can layer their own
// failure classification on top of the default one.
type ExitStatus struct {
	// Code is the exit code reported by the operating system. It is -1 when
	// the process was ended by a signal.
	Code int

	// Signaled reports whether the process was ended by a signal.
	Signaled bool

	// Signal is the signal that ended the process (only valid when Signaled).
	Signal unix.Signal
}

// FailedError is the classification for a command that ran to completion but
// exited with a nonzero status.
type FailedError struct {
	// Command is the command that failed.
	Command *Command

	// ReturnCode is the nonzero exit status of the external command.
	ReturnCode int
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	return fmt.Sprintf("external command failed with exit code %d (command: %s)", e.ReturnCode, util.QuoteArgs(e.Command.Args()))
}

// NotFoundError is the classification for a program image that could not be
// located or executed, either at launch time or reported through the shell's
// 127 exit status.
type NotFoundError struct {
	// Command is the command that could not be found.
	Command *Command
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("external command isn't available (command: %s)", util.QuoteArgs(e.Command.Args()))
}

// SignalError is the classification for a process that was ended by a signal
// instead of exiting on its own.
type SignalError struct {
	// Command is the command that was ended.
	Command *Command

	// Signal is the signal that ended the process.
	Signal unix.Signal
}

// Error implements the error interface.
func (e *SignalError) Error() string {
	return fmt.Sprintf("external command was terminated by signal %d (command: %s)", int(e.Signal), util.QuoteArgs(e.Command.Args()))
}

// TerminationError is returned when signal delivery or the graceful to
// forceful escalation itself failed to end the process.
type TerminationError struct {
	// Command is the command that could not be ended.
	Command *Command
}

// Error implements the error interface.
func (e *TerminationError) Error() string {
	return fmt.Sprintf("failed to kill process %d (command: %s)", e.Command.Pid(), util.QuoteArgs(e.Command.Args()))
}

// Classify maps an exit status to the default failure classification:
// zero is success (nil), NotFoundStatus means the program wasn't available,
// a signal-derived status means the process was terminated and any other
// nonzero status is a plain failure.
func Classify(c *Command, status ExitStatus) error {
	switch {
	case status.Signaled:
		return &SignalError{Command: c, Signal: status.Signal}
	case status.Code == 0:
		return nil
	case status.Code == NotFoundStatus:
		return &NotFoundError{Command: c}
	default:
		return &FailedError{Command: c, ReturnCode: status.Code}
	}
}

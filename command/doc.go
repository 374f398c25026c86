// Package command runs external commands as owned OS child processes with
// explicit lifecycle control.
//
// A Command moves through three states: not started, running and finished.
// It can run synchronously (Start blocks until the process exits) or
// asynchronously (Start returns once the process is launched and Wait
// collects it later). Output streams can be captured, silenced, merged or
// redirected to caller supplied files; in asynchronous mode captured streams
// are backed by temporary files so the child can never block on a full pipe.
//
// Failures are classified into typed errors (FailedError, NotFoundError,
// SignalError) once the process exits. The Check option controls whether
// Wait returns the classification or records it for later inspection through
// Failure. Terminate implements graceful stop with SIGTERM and escalates to
// SIGKILL when the process does not end within the timeout.
package command

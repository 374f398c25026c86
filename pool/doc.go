// Package pool schedules external commands with bounded concurrency.
//
// Commands are registered with Add and executed with Run, which alternates
// two phases until everything has finished: spawn starts commands whose
// dependencies have finished and whose mutual exclusion group is idle, in
// registration order and up to the concurrency bound; collect gathers
// finished commands and applies their failure checks. A failure aborts the
// run and terminates whatever is still running, unless checks are delayed,
// in which case the run completes and all failures are reported together.
package pool

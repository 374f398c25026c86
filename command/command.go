package command

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/hupe1980/execmesh/internal/util"
	"github.com/hupe1980/execmesh/logging"
)

// DefaultTerminationTimeout is the default time to wait for a process to end
// after it has been signaled.
const DefaultTerminationTimeout = 10 * time.Second

// State represents the lifecycle state of an external command. Transitions
// are monotonic: NotStarted -> Running -> Finished, and Finished is terminal.
type State int32

const (
	// StateNotStarted indicates the command has been created but not started.
	StateNotStarted State = iota
	// StateRunning indicates the OS process is currently running.
	StateRunning
	// StateFinished indicates the OS process has exited.
	StateFinished
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Options holds the configuration of an external command. Defaults are
// applied by New before the option functions run; required invariants are
// validated eagerly so a misconfigured command fails at construction time
// instead of at launch.
type Options struct {
	// Directory is the working directory for the external command.
	// Empty means the current working directory.
	Directory string

	// Environment contains environment variable overrides. They are merged
	// with the inherited environment and overrides win.
	Environment map[string]string

	// Asynchronous selects the execution mode: when true Start returns once
	// the process is launched, when false (the default) Start blocks until
	// the process has finished.
	Asynchronous bool

	// Capture buffers the standard output stream so it can be read after
	// the command has finished.
	Capture bool

	// CaptureStderr buffers the standard error stream separately.
	CaptureStderr bool

	// MergeStreams redirects standard error into the standard output stream.
	MergeStreams bool

	// Silent redirects output streams that are not captured to the null
	// device instead of inheriting the parent's streams.
	Silent bool

	// Input is fed to the command on standard input.
	Input []byte

	// Check controls whether Wait returns the classified failure of an
	// unsuccessful command (the default) or records it silently for the
	// caller to inspect through Failure.
	Check bool

	// TTY indicates the command may expect an interactive terminal. When
	// false standard input is redirected from the null device. Defaults to
	// whether the parent's stdin is a terminal.
	TTY bool

	// StdinFile, StdoutFile and StderrFile redirect streams to caller
	// supplied files. Ownership of the files stays with the caller.
	StdinFile  *os.File
	StdoutFile *os.File
	StderrFile *os.File

	// Interpret overrides the default exit status classification. Used by
	// adapters like remote execution to add their own failure taxonomy.
	Interpret func(*Command, ExitStatus) error

	// OnStart is called right after the OS process has been launched.
	OnStart func(*Command)

	// OnFinish is called when the OS process has exited, before the command
	// is marked finished and waiters are released. The exit status is
	// already recorded, so ReturnCode and Failure reflect the outcome.
	OnFinish func(*Command)

	// Logger receives lifecycle events. Defaults to a no-op logger.
	Logger logging.Logger
}

// Command owns one OS child process: its argv, environment and working
// directory, the backing storage of its streams, its lifecycle state and its
// failure classification. A Command is not a restartable value; create a new
// one per invocation.
type Command struct {
	args []string
	opts Options

	cmd    *exec.Cmd
	stdin  *streamBuffer
	stdout *streamBuffer
	stderr *streamBuffer

	state         atomic.Int32
	checkDisabled atomic.Bool
	done          chan struct{}
	started       time.Time

	mu      sync.Mutex
	exited  bool
	status  ExitStatus
	failure error
}

// New creates an external command from argv with optional overrides.
func New(args []string, optFns ...func(o *Options)) (*Command, error) {
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	opts := Options{
		Check:  true,
		TTY:    term.IsTerminal(int(os.Stdin.Fd())),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MergeStreams && opts.CaptureStderr {
		return nil, errors.New("MergeStreams and CaptureStderr are mutually exclusive")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	c := &Command{
		args: append([]string(nil), args...),
		opts: opts,
		done: make(chan struct{}),
	}
	c.state.Store(int32(StateNotStarted))
	return c, nil
}

// Configure mutates the options of a command that has not been started yet.
// It is used by schedulers to force asynchronous execution or redirect
// output before launch.
func (c *Command) Configure(fn func(o *Options)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateNotStarted {
		return ErrAlreadyStarted
	}
	fn(&c.opts)
	if c.opts.Logger == nil {
		c.opts.Logger = logging.NoOpLogger{}
	}
	return nil
}

// Args returns a copy of the command's argv.
func (c *Command) Args() []string {
	return append([]string(nil), c.args...)
}

// Directory returns the configured working directory.
func (c *Command) Directory() string { return c.opts.Directory }

// State returns the current lifecycle state.
func (c *Command) State() State { return State(c.state.Load()) }

// WasStarted reports whether Start has launched the OS process (or tried to).
func (c *Command) WasStarted() bool { return c.State() != StateNotStarted }

// IsRunning reports whether the OS process is currently running, based on
// the owned process handle.
func (c *Command) IsRunning() bool { return c.State() == StateRunning }

// Finished reports whether the OS process has exited.
func (c *Command) Finished() bool { return c.State() == StateFinished }

// Done returns a channel that is closed when the process exits.
func (c *Command) Done() <-chan struct{} { return c.done }

// Pid returns the OS process id, or -1 if the process was never launched.
func (c *Command) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return -1
	}
	return c.cmd.Process.Pid
}

// Check reports whether failure checking is enabled for this command,
// taking deliberate termination into account.
func (c *Command) Check() bool { return c.opts.Check && !c.checkDisabled.Load() }

// ReturnCode returns the exit status of the finished command, or -1 if it
// has not finished. A process ended by a signal reports the negated signal
// number, mirroring the conventional encoding.
func (c *Command) ReturnCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exited {
		return -1
	}
	if c.status.Signaled {
		return -int(c.status.Signal)
	}
	return c.status.Code
}

// Failure returns the failure classification of the finished command, or
// nil when it succeeded (or has not finished yet). Callers that disabled
// Check inspect failures through this accessor.
func (c *Command) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Succeeded reports whether the command has finished without a failure.
func (c *Command) Succeeded() bool { return c.Finished() && c.Failure() == nil }

// Failed reports whether the command has finished with a failure.
func (c *Command) Failed() bool { return c.Finished() && c.Failure() != nil }

// String renders the process id and quoted command line for log messages.
func (c *Command) String() string {
	if pid := c.Pid(); pid >= 0 {
		return fmt.Sprintf("%d (%s)", pid, util.QuoteArgs(c.args))
	}
	return util.QuoteArgs(c.args)
}

// Start launches the external command. In synchronous mode it blocks until
// the process exits, finalizes the streams and applies the failure check;
// in asynchronous mode it returns once the process is launched. Launch
// failures (for example a program image that cannot be located) are always
// returned, independent of the Check flag.
func (c *Command) Start() error {
	if err := c.launch(); err != nil {
		return err
	}
	if !c.opts.Asynchronous {
		return c.Wait()
	}
	return nil
}

// Wait blocks until the process has exited, finalizes every stream buffer
// and applies the failure check. A command that was never started is started
// first. Waiting on an already finished command re-runs only the check, so
// repeated calls return the same classified error.
func (c *Command) Wait(checkOverride ...bool) error {
	if c.State() == StateNotStarted {
		if err := c.launch(); err != nil {
			return err
		}
	}
	<-c.done
	c.finalizeStreams()
	check := c.Check()
	if len(checkOverride) > 0 {
		check = checkOverride[0]
	}
	if check {
		return c.Failure()
	}
	return nil
}

// Terminate gracefully stops a running process by sending SIGTERM. When the
// process has not ended within timeout it escalates to Kill with the same
// timeout. On success the Check flag is disabled for the rest of the
// command's life (a deliberately terminated process should not raise a
// failure) and the streams are finalized. A timeout of zero or less waits
// indefinitely. Not running is a warning-level no-op.
func (c *Command) Terminate(timeout time.Duration) (bool, error) {
	if !c.IsRunning() {
		c.opts.Logger.Warn("Refusing to terminate a process that isn't running", "state", c.State().String())
		return false, nil
	}
	c.opts.Logger.Info("Gracefully terminating process", "process", c.String())
	if ended, err := c.signal(unix.SIGTERM, timeout); err != nil {
		return false, err
	} else if ended {
		c.endedDeliberately()
		return true, nil
	}
	c.opts.Logger.Warn("Failed to gracefully terminate process, escalating", "process", c.String(), "timeout", timeout)
	return c.Kill(timeout)
}

// Kill forcefully stops a running process by sending the non-ignorable
// SIGKILL and waits up to timeout for it to end. Like Terminate it disables
// the Check flag and finalizes streams on success. It returns a
// TerminationError when the process outlives the signal.
func (c *Command) Kill(timeout time.Duration) (bool, error) {
	if !c.IsRunning() {
		c.opts.Logger.Warn("Refusing to kill a process that isn't running", "state", c.State().String())
		return false, nil
	}
	c.opts.Logger.Info("Forcefully killing process", "process", c.String())
	if ended, err := c.signal(unix.SIGKILL, timeout); err != nil {
		return false, err
	} else if ended {
		c.endedDeliberately()
		return true, nil
	}
	c.opts.Logger.Error("Failed to forcefully kill process", "process", c.String(), "timeout", timeout)
	return false, &TerminationError{Command: c}
}

// Stdout returns the captured standard output, available once the command
// has finished and its streams were finalized.
func (c *Command) Stdout() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdout == nil {
		return nil
	}
	return c.stdout.bytes()
}

// Stderr returns the captured standard error, available once the command
// has finished and its streams were finalized.
func (c *Command) Stderr() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stderr == nil {
		return nil
	}
	return c.stderr.bytes()
}

// Output returns the captured standard output as text. Single line output
// has leading and trailing whitespace stripped, multi line output is
// returned as is.
func (c *Command) Output() string {
	return formatOutput(string(c.Stdout()))
}

// launch builds the exec.Cmd, wires the stream buffers and forks the OS
// process. A monitor goroutine observes the exit in both execution modes.
func (c *Command) launch() error {
	c.mu.Lock()
	if c.State() != StateNotStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}

	if err := c.prepareStreams(); err != nil {
		c.mu.Unlock()
		return err
	}

	cmd := exec.Command(c.args[0], c.args[1:]...)
	cmd.Dir = c.opts.Directory
	cmd.Env = c.buildEnv()
	c.wireStreams(cmd)
	c.cmd = cmd

	if err := cmd.Start(); err != nil {
		c.recordLaunchFailure(err)
		failure := c.failure
		c.mu.Unlock()
		c.finalizeStreams()
		close(c.done)
		return failure
	}

	c.started = time.Now()
	c.state.Store(int32(StateRunning))
	onStart := c.opts.OnStart
	c.mu.Unlock()

	c.opts.Logger.Info("Executing external command", "argv", c.args, "pid", cmd.Process.Pid, "directory", c.opts.Directory)
	if onStart != nil {
		onStart(c)
	}

	go c.monitor()

	return nil
}

// monitor waits for the OS process to exit, records the exit status and its
// classification and releases waiters. Exactly one monitor runs per launch.
// The finish callback runs before the state flips to Finished so schedulers
// never admit a successor while a callback is still in flight.
func (c *Command) monitor() {
	err := c.cmd.Wait()

	c.mu.Lock()
	st := exitStatusFrom(c.cmd)
	c.status = st
	c.exited = true
	if err != nil && c.cmd.ProcessState == nil {
		// Wait failed before the process was reaped: infrastructure error.
		c.failure = fmt.Errorf("failed to wait for process: %w", err)
	} else {
		c.failure = c.classify(st)
	}
	onFinish := c.opts.OnFinish
	c.mu.Unlock()

	c.opts.Logger.Debug("External command finished", "argv", c.args, "exit_code", st.Code, "signaled", st.Signaled, "duration", time.Since(c.started))
	if onFinish != nil {
		onFinish(c)
	}

	c.state.Store(int32(StateFinished))
	close(c.done)
}

// classify applies the Interpret hook when configured, the default
// classification otherwise. Callers hold c.mu.
func (c *Command) classify(st ExitStatus) error {
	if c.opts.Interpret != nil {
		return c.opts.Interpret(c, st)
	}
	return Classify(c, st)
}

// recordLaunchFailure marks a command whose process could not be launched as
// Finished. A missing program image is classified as NotFoundError, distinct
// from a process that runs and exits nonzero. Callers hold c.mu.
func (c *Command) recordLaunchFailure(err error) {
	if isNotFound(err) {
		c.status = ExitStatus{Code: NotFoundStatus}
		c.failure = &NotFoundError{Command: c}
	} else {
		c.status = ExitStatus{Code: -1}
		c.failure = fmt.Errorf("failed to start command (%s): %w", util.QuoteArgs(c.args), err)
	}
	c.exited = true
	c.state.Store(int32(StateFinished))
}

// prepareStreams selects the backing for each stream per the configured
// capture/silence/merge flags and execution mode. Callers hold c.mu.
func (c *Command) prepareStreams() error {
	stdin, err := newInputBuffer(c.opts.Input, c.opts.StdinFile, c.opts.TTY)
	if err != nil {
		return err
	}
	stdout, err := newOutputBuffer("stdout", c.opts.StdoutFile, c.opts.Capture, c.opts.Asynchronous, c.opts.Silent)
	if err != nil {
		stdin.finalize()
		return err
	}
	var stderr *streamBuffer
	if !c.opts.MergeStreams {
		stderr, err = newOutputBuffer("stderr", c.opts.StderrFile, c.opts.CaptureStderr, c.opts.Asynchronous, c.opts.Silent)
		if err != nil {
			stdin.finalize()
			stdout.finalize()
			return err
		}
	}
	c.stdin, c.stdout, c.stderr = stdin, stdout, stderr
	return nil
}

// wireStreams connects the chosen backings to the exec.Cmd, resolving the
// inherit cases to the parent's streams. Callers hold c.mu.
func (c *Command) wireStreams(cmd *exec.Cmd) {
	if r := c.stdin.reader(); r != nil {
		cmd.Stdin = r
	} else {
		cmd.Stdin = os.Stdin
	}
	if w := c.stdout.writer(); w != nil {
		cmd.Stdout = w
	} else {
		cmd.Stdout = os.Stdout
	}
	switch {
	case c.opts.MergeStreams:
		cmd.Stderr = cmd.Stdout
	case c.stderr.writer() != nil:
		cmd.Stderr = c.stderr.writer()
	default:
		cmd.Stderr = os.Stderr
	}
}

// buildEnv merges the configured overrides over the inherited environment.
// Later entries win, so overrides are appended after os.Environ. Callers
// hold c.mu.
func (c *Command) buildEnv() []string {
	if len(c.opts.Environment) == 0 {
		return nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(c.opts.Environment))
	for k := range c.opts.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.opts.Environment[k])
	}
	return env
}

// finalizeStreams loads captured bytes and releases temp files and
// descriptors. Runs on every exit path; the per-buffer exactly-once flag
// makes repeated calls harmless.
func (c *Command) finalizeStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sb := range []*streamBuffer{c.stdin, c.stdout, c.stderr} {
		if sb == nil {
			continue
		}
		if err := sb.finalize(); err != nil {
			c.opts.Logger.Warn("Failed to finalize stream buffer", "stream", sb.name, "error", err.Error())
		}
	}
}

// endedDeliberately records that the process was stopped on purpose:
// failure checking is disabled for the rest of the command's life and the
// streams are finalized the same way Wait would.
func (c *Command) endedDeliberately() {
	c.checkDisabled.Store(true)
	c.finalizeStreams()
}

// signal delivers sig to the running process and waits up to timeout for it
// to end. A delivery error against a process that just exited counts as
// ended. A timeout of zero or less waits indefinitely.
func (c *Command) signal(sig unix.Signal, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	proc := c.cmd.Process
	c.mu.Unlock()
	if err := proc.Signal(sig); err != nil {
		// Delivery to an owned child only fails once it has exited; give
		// the monitor a moment to release waiters before reporting it.
		select {
		case <-c.done:
			return true, nil
		case <-time.After(time.Second):
			return false, fmt.Errorf("failed to signal process %d: %w", proc.Pid, err)
		}
	}
	if timeout <= 0 {
		<-c.done
		return true, nil
	}
	select {
	case <-c.done:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

// exitStatusFrom derives the ExitStatus from a reaped process.
func exitStatusFrom(cmd *exec.Cmd) ExitStatus {
	ps := cmd.ProcessState
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	st := ExitStatus{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signaled = true
		st.Signal = unix.Signal(ws.Signal())
	}
	return st
}

// isNotFound reports whether a launch error means the program image could
// not be located or executed.
func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// formatOutput implements the single line strip rule: output that fits on
// one line is returned trimmed, multi line output untouched.
func formatOutput(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.Contains(trimmed, "\n") {
		return s
	}
	return trimmed
}

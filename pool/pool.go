package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/hupe1980/execmesh/command"
	"github.com/hupe1980/execmesh/internal/util"
	"github.com/hupe1980/execmesh/logging"
)

// DefaultPollInterval is the pause between scheduler iterations while the
// pool waits for running commands to finish.
const DefaultPollInterval = 10 * time.Millisecond

// Options holds the configuration of a command pool.
type Options struct {
	// Concurrency bounds the number of commands running at the same time.
	// Defaults to the number of CPUs.
	Concurrency int

	// DelayChecks postpones failure checking to the end of the run: instead
	// of aborting on the first failure the pool runs everything and reports
	// all failures in one aggregate error.
	DelayChecks bool

	// LogsDirectory redirects the merged output of every command to a
	// per-command log file named <id>.log inside this directory. The
	// directory is created when missing and log files are opened in append
	// mode so repeated runs accumulate.
	LogsDirectory string

	// PollInterval is the pause between scheduler iterations.
	PollInterval time.Duration

	// Logger receives scheduler progress events. Defaults to a no-op logger.
	Logger logging.Logger
}

// AddOptions configures one command's registration in a pool.
type AddOptions struct {
	// ID identifies the command within the pool. Defaults to the 1-based
	// ordinal of registration.
	ID string

	// Group puts the command in a mutual exclusion group: no two commands of
	// the same group run at the same time.
	Group string

	// Dependencies lists the identifiers of commands that must have finished
	// before this command may be spawned.
	Dependencies []string

	// LogFile redirects this command's merged output to the given file,
	// overriding the pool's LogsDirectory convention.
	LogFile string
}

// WithID sets the command's identifier within the pool.
func WithID(id string) func(o *AddOptions) {
	return func(o *AddOptions) { o.ID = id }
}

// WithGroup puts the command in a mutual exclusion group.
func WithGroup(group string) func(o *AddOptions) {
	return func(o *AddOptions) { o.Group = group }
}

// WithDependencies declares the commands that must finish first.
func WithDependencies(ids ...string) func(o *AddOptions) {
	return func(o *AddOptions) { o.Dependencies = append(o.Dependencies, ids...) }
}

// WithLogFile redirects the command's merged output to the given file.
func WithLogFile(path string) func(o *AddOptions) {
	return func(o *AddOptions) { o.LogFile = path }
}

// entry tracks one registered command through the scheduler's bookkeeping.
type entry struct {
	id        string
	cmd       *command.Command
	group     string
	deps      []string
	logFile   *os.File
	collected bool
}

// Pool runs a set of external commands with bounded concurrency while
// honoring ordering dependencies and mutual exclusion groups. Commands are
// registered with Add and executed with Run; Spawn and Collect expose the
// scheduler's two phases for callers that drive their own loop.
type Pool struct {
	opts Options
	id   string

	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
}

// New creates an empty command pool.
func New(optFns ...func(o *Options)) *Pool {
	opts := Options{
		Concurrency:  runtime.NumCPU(),
		PollInterval: DefaultPollInterval,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Pool{
		opts: opts,
		id:   util.NewID(),
		byID: map[string]*entry{},
	}
}

// Concurrency returns the configured concurrency bound.
func (p *Pool) Concurrency() int { return p.opts.Concurrency }

// Add registers a command with the pool and returns its identifier. The
// command is forced into asynchronous mode; with a concurrency above one it
// is also detached from the controlling terminal, because commands running
// in parallel cannot share one. Dependencies must reference already
// registered commands, which keeps the dependency graph acyclic.
func (p *Pool) Add(cmd *command.Command, optFns ...func(o *AddOptions)) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addOpts := AddOptions{}
	for _, fn := range optFns {
		fn(&addOpts)
	}
	if addOpts.ID == "" {
		addOpts.ID = strconv.Itoa(len(p.entries) + 1)
	}
	if _, exists := p.byID[addOpts.ID]; exists {
		return "", fmt.Errorf("duplicate command identifier %q", addOpts.ID)
	}
	for _, dep := range addOpts.Dependencies {
		if _, exists := p.byID[dep]; !exists {
			return "", fmt.Errorf("command %q depends on unknown command %q", addOpts.ID, dep)
		}
	}
	if cmd.WasStarted() {
		return "", command.ErrAlreadyStarted
	}

	e := &entry{
		id:    addOpts.ID,
		cmd:   cmd,
		group: addOpts.Group,
		deps:  append([]string(nil), addOpts.Dependencies...),
	}

	logPath := addOpts.LogFile
	if logPath == "" && p.opts.LogsDirectory != "" {
		if err := os.MkdirAll(p.opts.LogsDirectory, 0o755); err != nil {
			return "", fmt.Errorf("create logs directory: %w", err)
		}
		logPath = filepath.Join(p.opts.LogsDirectory, e.id+".log")
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return "", fmt.Errorf("open log file for command %q: %w", e.id, err)
		}
		e.logFile = f
	}

	err := cmd.Configure(func(o *command.Options) {
		o.Asynchronous = true
		if p.opts.Concurrency > 1 {
			o.TTY = false
		}
		if e.logFile != nil {
			o.StdoutFile = e.logFile
			o.StderrFile = e.logFile
		}
	})
	if err != nil {
		if e.logFile != nil {
			e.logFile.Close()
		}
		return "", err
	}

	p.entries = append(p.entries, e)
	p.byID[e.id] = e

	return e.id, nil
}

// Get returns the command registered under the given identifier.
func (p *Pool) Get(id string) (*command.Command, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return e.cmd, true
}

// Results returns the registered commands keyed by identifier, for
// inspection of output and failures after a run.
func (p *Pool) Results() map[string]*command.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := make(map[string]*command.Command, len(p.entries))
	for _, e := range p.entries {
		results[e.id] = e.cmd
	}
	return results
}

// Spawn starts commands that are ready to run, in registration order, until
// the concurrency bound is reached. A command is ready when it has not been
// started, no command of its mutual exclusion group is running and all of
// its dependencies have finished. It returns the number of commands started.
func (p *Pool) Spawn() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnLocked()
}

func (p *Pool) spawnLocked() (int, error) {
	running := p.runningLocked()
	groups := map[string]bool{}
	for _, e := range p.entries {
		if e.group != "" && e.cmd.WasStarted() && !e.cmd.Finished() {
			groups[e.group] = true
		}
	}

	spawned := 0
	for _, e := range p.entries {
		if running >= p.opts.Concurrency {
			break
		}
		if e.cmd.WasStarted() {
			continue
		}
		if e.group != "" && groups[e.group] {
			continue
		}
		if !p.depsFinishedLocked(e) {
			continue
		}
		if err := e.cmd.Start(); err != nil {
			return spawned, fmt.Errorf("failed to spawn command %q: %w", e.id, err)
		}
		p.opts.Logger.Debug("Spawned command", "pool_id", p.id, "command_id", e.id, "pid", e.cmd.Pid())
		if e.group != "" {
			groups[e.group] = true
		}
		running++
		spawned++
	}
	return spawned, nil
}

func (p *Pool) depsFinishedLocked(e *entry) bool {
	for _, dep := range e.deps {
		if !p.byID[dep].cmd.Finished() {
			return false
		}
	}
	return true
}

// Collect gathers commands that have finished since the last call: their
// output streams are finalized and their log files closed. Unless checks are
// delayed the first failure aborts the run by propagating out of Collect;
// the command is marked collected either way so the failure is reported only
// once. It returns the number of commands collected.
func (p *Pool) Collect() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectLocked()
}

func (p *Pool) collectLocked() (int, error) {
	collected := 0
	for _, e := range p.entries {
		if e.collected || !e.cmd.Finished() {
			continue
		}
		e.collected = true
		collected++
		err := e.cmd.Wait(!p.opts.DelayChecks && e.cmd.Check())
		if e.logFile != nil {
			e.logFile.Close()
			e.logFile = nil
		}
		p.opts.Logger.Debug("Collected command", "pool_id", p.id, "command_id", e.id, "exit_code", e.cmd.ReturnCode())
		if err != nil {
			return collected, fmt.Errorf("command %q failed: %w", e.id, err)
		}
	}
	return collected, nil
}

func (p *Pool) runningLocked() int {
	running := 0
	for _, e := range p.entries {
		if e.cmd.IsRunning() {
			running++
		}
	}
	return running
}

func (p *Pool) doneLocked() bool {
	for _, e := range p.entries {
		if !e.collected {
			return false
		}
	}
	return true
}

// pendingLocked lists the identifiers of commands that were never spawned.
func (p *Pool) pendingLocked() []string {
	var pending []string
	for _, e := range p.entries {
		if !e.cmd.WasStarted() {
			pending = append(pending, e.id)
		}
	}
	return pending
}

// Run executes all registered commands to completion: it alternates spawn
// and collect phases until every command has finished and been collected.
// Any error, including context cancellation, terminates the commands that
// are still running before it is returned. With delayed checks the failures
// of the whole run are reported at the end as a single FailedError.
func (p *Pool) Run(ctx context.Context) error {
	total := len(p.entries)
	p.opts.Logger.Info("Running command pool", "pool_id", p.id, "commands", total, "concurrency", p.opts.Concurrency)

	for {
		select {
		case <-ctx.Done():
			p.terminateAll()
			return ctx.Err()
		default:
		}

		p.mu.Lock()
		collected, err := p.collectLocked()
		if err != nil {
			p.mu.Unlock()
			p.terminateAll()
			return err
		}
		spawned, err := p.spawnLocked()
		if err != nil {
			p.mu.Unlock()
			p.terminateAll()
			return err
		}
		done := p.doneLocked()
		running := p.runningLocked()
		stuck := !done && collected == 0 && spawned == 0 && running == 0 && !p.anyFinishedUncollectedLocked()
		var pending []string
		if stuck {
			pending = p.pendingLocked()
		}
		finished := 0
		for _, e := range p.entries {
			if e.collected {
				finished++
			}
		}
		p.mu.Unlock()

		p.opts.Logger.Debug("Pool progress", "pool_id", p.id, "running", running, "finished", finished, "total", total)

		if done {
			break
		}
		if stuck {
			return &DeadlockError{Pending: pending}
		}

		select {
		case <-ctx.Done():
			p.terminateAll()
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}

	if p.opts.DelayChecks {
		if err := p.delayedFailures(); err != nil {
			return err
		}
	}

	p.opts.Logger.Info("Command pool finished", "pool_id", p.id, "commands", total)
	return nil
}

func (p *Pool) anyFinishedUncollectedLocked() bool {
	for _, e := range p.entries {
		if e.cmd.Finished() && !e.collected {
			return true
		}
	}
	return false
}

// delayedFailures aggregates the failures of a finished run. Commands whose
// failure checking was disabled, for example because they were deliberately
// terminated, are not counted.
func (p *Pool) delayedFailures() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var failures []*command.Command
	for _, e := range p.entries {
		if e.cmd.Check() && e.cmd.Failed() {
			failures = append(failures, e.cmd)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &FailedError{Failures: failures, Total: len(p.entries)}
}

// Terminate stops every running command in the pool, escalating from
// graceful to forceful per command. Used on abnormal ends of a run so no
// child processes are leaked.
func (p *Pool) Terminate() error {
	return p.terminateAll()
}

func (p *Pool) terminateAll() error {
	p.mu.Lock()
	running := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.cmd.IsRunning() {
			running = append(running, e)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range running {
		if _, err := e.cmd.Terminate(command.DefaultTerminationTimeout); err != nil {
			p.opts.Logger.Error("Failed to terminate command", "pool_id", p.id, "command_id", e.id, "error", err.Error())
			errs = append(errs, err)
		}
	}

	// Whatever finished without being collected, including the commands
	// just terminated, still needs its capture buffers loaded and its log
	// handle released.
	p.mu.Lock()
	for _, e := range p.entries {
		if e.collected || !e.cmd.Finished() {
			continue
		}
		e.collected = true
		_ = e.cmd.Wait(false)
		if e.logFile != nil {
			e.logFile.Close()
			e.logFile = nil
		}
	}
	p.mu.Unlock()

	return errors.Join(errs...)
}

// Command execmesh runs external commands with the safety rails of the
// execmesh library: execution timeouts, mutual exclusion through lock files,
// random startup delays for spreading periodic jobs and batch execution of
// many commands with bounded concurrency.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/execmesh/command"
	"github.com/hupe1980/execmesh/internal/util"
	"github.com/hupe1980/execmesh/logging"
	"github.com/hupe1980/execmesh/pool"
)

const (
	exitUsage   = 2
	exitTimeout = 124
)

type cliOptions struct {
	timeout       time.Duration
	fudgeFactor   time.Duration
	exclusive     bool
	lockFile      string
	lockTimeout   time.Duration
	batchFile     string
	concurrency   int
	logsDirectory string
	verbose       int
	quiet         bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := cliOptions{}

	flags := pflag.NewFlagSet("execmesh", pflag.ContinueOnError)
	// Everything after the first positional argument belongs to the child
	// command, not to execmesh.
	flags.SetInterspersed(false)
	flags.DurationVarP(&opts.timeout, "timeout", "t", 0, "terminate the command after this duration")
	flags.DurationVarP(&opts.fudgeFactor, "fudge-factor", "f", 0, "delay startup by a random duration up to this bound")
	flags.BoolVarP(&opts.exclusive, "exclusive", "e", false, "hold a lock file so only one instance runs at a time")
	flags.StringVarP(&opts.lockFile, "lock-file", "l", "", "lock file pathname (defaults to one derived from the command name)")
	flags.DurationVarP(&opts.lockTimeout, "lock-timeout", "T", 0, "how long to wait for the lock (0 waits forever)")
	flags.StringVarP(&opts.batchFile, "batch", "b", "", "run the commands described in a YAML manifest")
	flags.IntVarP(&opts.concurrency, "concurrency", "c", 0, "concurrency bound for batch runs (defaults to the CPU count)")
	flags.StringVar(&opts.logsDirectory, "logs-directory", "", "directory for per-command log files in batch runs")
	flags.CountVarP(&opts.verbose, "verbose", "v", "increase logging verbosity")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "only log errors")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: execmesh [options] -- command [args...]\n       execmesh [options] --batch manifest.yaml\n\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	logger := newLogger(&opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.batchFile != "" {
		return runBatch(ctx, &opts, logger)
	}

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		return exitUsage
	}

	// Resolve bare program names up front so a typo fails immediately with
	// the shell's not-found status instead of after the fudge delay or
	// while holding the lock.
	if !strings.Contains(args[0], string(os.PathSeparator)) && len(util.Which(args[0])) == 0 {
		logger.Error("Command not found on executable search path", "program", args[0])
		return command.NotFoundStatus
	}

	if opts.fudgeFactor > 0 {
		delay := time.Duration(rand.Int63n(int64(opts.fudgeFactor)))
		logger.Info("Delaying startup", "delay", delay)
		select {
		case <-ctx.Done():
			return exitUsage
		case <-time.After(delay):
		}
	}

	if opts.exclusive {
		release, err := acquireLock(ctx, &opts, args[0], logger)
		if err != nil {
			logger.Error("Failed to acquire lock", "error", err.Error())
			return 1
		}
		defer release()
	}

	return runSingle(ctx, &opts, args, logger)
}

func newLogger(opts *cliOptions) logging.Logger {
	level := logging.LogLevelWarn
	switch {
	case opts.quiet:
		level = logging.LogLevelError
	case opts.verbose == 1:
		level = logging.LogLevelInfo
	case opts.verbose > 1:
		level = logging.LogLevelDebug
	}
	return logging.NewSlogLogger(level, "text", false)
}

// runSingle executes one command with the parent's streams and mirrors its
// exit status, translating a death by signal to the shell convention of
// 128 plus the signal number.
func runSingle(ctx context.Context, opts *cliOptions, args []string, logger logging.Logger) int {
	cmd, err := command.New(args, func(o *command.Options) {
		o.Check = false
		o.Asynchronous = true
		o.Logger = logger
	})
	if err != nil {
		logger.Error("Invalid command", "error", err.Error())
		return exitUsage
	}

	if err := cmd.Start(); err != nil {
		logger.Error("Failed to start command", "error", err.Error())
		return command.NotFoundStatus
	}

	var timeoutC <-chan time.Time
	if opts.timeout > 0 {
		timer := time.NewTimer(opts.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-cmd.Done():
	case <-timeoutC:
		logger.Error("Command timed out, terminating", "timeout", opts.timeout)
		if _, err := cmd.Terminate(command.DefaultTerminationTimeout); err != nil {
			logger.Error("Failed to terminate command", "error", err.Error())
		}
		return exitTimeout
	case <-ctx.Done():
		logger.Warn("Interrupted, terminating command")
		if _, err := cmd.Terminate(command.DefaultTerminationTimeout); err != nil {
			logger.Error("Failed to terminate command", "error", err.Error())
		}
		return exitStatus(cmd)
	}

	_ = cmd.Wait(false)
	return exitStatus(cmd)
}

func exitStatus(cmd *command.Command) int {
	rc := cmd.ReturnCode()
	if rc < 0 {
		return 128 - rc
	}
	return rc
}

// acquireLock takes an exclusive flock on the lock file, waiting up to the
// configured lock timeout. The default lock file pathname is derived from
// the command name so independent commands do not contend.
func acquireLock(ctx context.Context, opts *cliOptions, program string, logger logging.Logger) (func(), error) {
	path := opts.lockFile
	if path == "" {
		path = filepath.Join(os.TempDir(), "execmesh-"+filepath.Base(program)+".lock")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	deadline := time.Time{}
	if opts.lockTimeout > 0 {
		deadline = time.Now().Add(opts.lockTimeout)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			logger.Debug("Acquired lock", "path", path)
			break
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("failed to acquire lock on %s within %s", path, opts.lockTimeout)
		}
		logger.Debug("Waiting for lock", "path", path)
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// manifest is the YAML schema of a batch run.
type manifest struct {
	Commands []manifestCommand `yaml:"commands"`
}

type manifestCommand struct {
	ID          string            `yaml:"id"`
	Command     []string          `yaml:"command"`
	Group       string            `yaml:"group"`
	DependsOn   []string          `yaml:"depends_on"`
	Directory   string            `yaml:"directory"`
	Environment map[string]string `yaml:"environment"`
}

// runBatch executes the commands of a YAML manifest through a pool with
// delayed checks, so every command is attempted and all failures are
// reported at the end.
func runBatch(ctx context.Context, opts *cliOptions, logger logging.Logger) int {
	data, err := os.ReadFile(opts.batchFile)
	if err != nil {
		logger.Error("Failed to read manifest", "error", err.Error())
		return 1
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		logger.Error("Failed to parse manifest", "error", err.Error())
		return 1
	}
	if len(m.Commands) == 0 {
		logger.Error("Manifest contains no commands", "path", opts.batchFile)
		return exitUsage
	}

	p := pool.New(func(o *pool.Options) {
		if opts.concurrency > 0 {
			o.Concurrency = opts.concurrency
		}
		o.DelayChecks = true
		o.LogsDirectory = opts.logsDirectory
		o.Logger = logger
	})

	for _, mc := range m.Commands {
		cmd, err := command.New(mc.Command, func(o *command.Options) {
			o.Directory = mc.Directory
			o.Environment = mc.Environment
			o.Logger = logger
		})
		if err != nil {
			logger.Error("Invalid command in manifest", "id", mc.ID, "error", err.Error())
			return exitUsage
		}

		addFns := []func(o *pool.AddOptions){}
		if mc.ID != "" {
			addFns = append(addFns, pool.WithID(mc.ID))
		}
		if mc.Group != "" {
			addFns = append(addFns, pool.WithGroup(mc.Group))
		}
		if len(mc.DependsOn) > 0 {
			addFns = append(addFns, pool.WithDependencies(mc.DependsOn...))
		}
		if _, err := p.Add(cmd, addFns...); err != nil {
			logger.Error("Failed to register command", "id", mc.ID, "error", err.Error())
			return exitUsage
		}
	}

	if err := p.Run(ctx); err != nil {
		logger.Error("Batch run failed", "error", err.Error())
		return 1
	}

	return 0
}

package remote

import (
	"context"

	"github.com/hupe1980/execmesh/command"
	"github.com/hupe1980/execmesh/logging"
	"github.com/hupe1980/execmesh/pool"
)

// DefaultForeachConcurrency bounds how many hosts Foreach talks to at once.
const DefaultForeachConcurrency = 10

// ForeachOptions configures a fan-out over multiple hosts.
type ForeachOptions struct {
	// Concurrency bounds the number of hosts contacted at the same time.
	Concurrency int

	// DelayChecks postpones failure checking to the end so every host is
	// attempted even when an early one fails. Enabled by default.
	DelayChecks bool

	// Remote configures the SSH client for every host.
	Remote []func(o *Options)

	// Logger receives scheduler progress events.
	Logger logging.Logger
}

// Foreach runs the same command on every host concurrently and returns the
// per-host commands keyed by host alias, so output and failures can be
// inspected individually. All hosts are attempted; failures are aggregated
// into a single pool.FailedError unless delayed checks are disabled.
func Foreach(ctx context.Context, hosts []string, argv []string, optFns ...func(o *ForeachOptions)) (map[string]*command.Command, error) {
	opts := ForeachOptions{
		Concurrency: DefaultForeachConcurrency,
		DelayChecks: true,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	p := pool.New(func(o *pool.Options) {
		o.Concurrency = opts.Concurrency
		o.DelayChecks = opts.DelayChecks
		o.Logger = opts.Logger
	})

	for _, host := range hosts {
		remoteFns := append([]func(o *Options){}, opts.Remote...)
		remoteFns = append(remoteFns, func(o *Options) {
			o.CommandOptions = append(o.CommandOptions, func(co *command.Options) {
				co.Capture = true
				co.CaptureStderr = true
			})
		})
		cmd, err := New(host, argv, remoteFns...)
		if err != nil {
			return nil, err
		}
		if _, err := p.Add(cmd, pool.WithID(host)); err != nil {
			return nil, err
		}
	}

	err := p.Run(ctx)
	return p.Results(), err
}

// Package execmesh provides a high-level façade for running external
// commands. Most applications interact with this package by:
//  1. Running one command with Execute, Output or Succeeds
//  2. Running many commands with bounded concurrency through pool.Pool
//  3. Running commands on other machines through the remote package
//
// The façade delegates lifecycle control to command.Command while keeping
// the common cases to a single call. All defaults are safe: failures are
// checked, output is inherited and commands run synchronously unless
// configured otherwise.
package execmesh

import (
	"github.com/hupe1980/execmesh/command"
)

// Execute runs an external command and returns it for inspection. With the
// default synchronous mode it blocks until the command has finished and
// returns its classified failure, if any. The command is returned even on
// failure so output and exit status can be examined.
func Execute(args []string, optFns ...func(o *command.Options)) (*command.Command, error) {
	cmd, err := command.New(args, optFns...)
	if err != nil {
		return nil, err
	}
	return cmd, cmd.Start()
}

// Run executes an external command and reports only its classified failure.
func Run(args ...string) error {
	_, err := Execute(args)
	return err
}

// Output executes an external command with output capture and returns what
// it printed. Single line output is stripped of surrounding whitespace.
func Output(args ...string) (string, error) {
	cmd, err := Execute(args, func(o *command.Options) {
		o.Capture = true
	})
	if err != nil {
		return "", err
	}
	return cmd.Output(), nil
}

// Succeeds executes an external command silently and reports whether it
// exited with status zero. Launch problems count as failure.
func Succeeds(args ...string) bool {
	cmd, err := Execute(args, func(o *command.Options) {
		o.Check = false
		o.Silent = true
	})
	if err != nil {
		return false
	}
	return cmd.Succeeded()
}

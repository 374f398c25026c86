package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execmesh/command"
	"github.com/hupe1980/execmesh/pool"
)

// fakeSSH writes an executable script that mimics the ssh client's exit
// behavior without touching the network.
func fakeSSH(t *testing.T, script string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ssh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return []string{path}
}

func TestNewValidation(t *testing.T) {
	_, err := New("", []string{"true"})
	assert.Error(t, err)

	_, err = New("example.com", nil)
	assert.ErrorIs(t, err, command.ErrEmptyCommand)
}

func TestArgvConstruction(t *testing.T) {
	cmd, err := New("example.com", []string{"uptime"})
	require.NoError(t, err)

	argv := strings.Join(cmd.Args(), " ")
	assert.True(t, strings.HasPrefix(argv, "ssh "))
	assert.Contains(t, argv, "-o BatchMode=yes")
	assert.Contains(t, argv, "-o ConnectTimeout=10")
	assert.Contains(t, argv, "-o LogLevel=info")
	assert.Contains(t, argv, "-o StrictHostKeyChecking=no")
	assert.Contains(t, argv, "-T")
	assert.Contains(t, argv, "example.com -- uptime")
}

func TestArgvWithOverrides(t *testing.T) {
	cmd, err := New("deploy@example.com", []string{"ls", "my file"}, func(o *Options) {
		o.Port = 2222
		o.IdentityFile = "/keys/id_ed25519"
		o.Compression = true
		o.ForceTTY = true
		o.Directory = "/srv/app"
	})
	require.NoError(t, err)

	argv := cmd.Args()
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "-p 2222")
	assert.Contains(t, joined, "-i /keys/id_ed25519")
	assert.Contains(t, joined, "-o Compression=yes")
	assert.Contains(t, joined, "-t")
	assert.Contains(t, joined, "-l deploy")

	// The remote command line is one shell quoted argument.
	last := argv[len(argv)-1]
	assert.Equal(t, "cd /srv/app && ls 'my file'", last)
}

func TestIgnoreKnownHosts(t *testing.T) {
	cmd, err := New("example.com", []string{"true"}, func(o *Options) {
		o.IgnoreKnownHosts = true
	})
	require.NoError(t, err)

	joined := strings.Join(cmd.Args(), " ")
	assert.Contains(t, joined, "UserKnownHostsFile=/dev/null")
	assert.Contains(t, joined, "StrictHostKeyChecking=no")
}

func TestExitStatusInterpretation(t *testing.T) {
	cmd, err := command.New([]string{"ssh", "example.com", "true"})
	require.NoError(t, err)

	interpret := interpretFor("example.com")

	t.Run("success", func(t *testing.T) {
		assert.NoError(t, interpret(cmd, command.ExitStatus{Code: 0}))
	})

	t.Run("connection failure", func(t *testing.T) {
		var connect *ConnectError
		require.ErrorAs(t, interpret(cmd, command.ExitStatus{Code: ConnectStatus}), &connect)
		assert.Equal(t, "example.com", connect.Host)
	})

	t.Run("remote command not found", func(t *testing.T) {
		var notFound *command.NotFoundError
		assert.ErrorAs(t, interpret(cmd, command.ExitStatus{Code: command.NotFoundStatus}), &notFound)
	})

	t.Run("remote command failed", func(t *testing.T) {
		var failed *CommandError
		require.ErrorAs(t, interpret(cmd, command.ExitStatus{Code: 3}), &failed)
		assert.Equal(t, 3, failed.ReturnCode)
	})
}

func TestExecuteWithFakeClient(t *testing.T) {
	t.Run("connection failure", func(t *testing.T) {
		_, err := Execute("unreachable.example.com", []string{"true"}, func(o *Options) {
			o.SSHCommand = fakeSSH(t, "exit 255")
		})
		var connect *ConnectError
		require.ErrorAs(t, err, &connect)
		assert.Equal(t, "unreachable.example.com", connect.Host)
	})

	t.Run("remote failure", func(t *testing.T) {
		_, err := Execute("example.com", []string{"false"}, func(o *Options) {
			o.SSHCommand = fakeSSH(t, "exit 3")
		})
		var failed *CommandError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, 3, failed.ReturnCode)
	})

	t.Run("success with output", func(t *testing.T) {
		cmd, err := Execute("example.com", []string{"uptime"}, func(o *Options) {
			o.SSHCommand = fakeSSH(t, `echo "$@"`)
			o.CommandOptions = []func(o *command.Options){
				func(co *command.Options) { co.Capture = true },
			}
		})
		require.NoError(t, err)
		assert.Contains(t, cmd.Output(), "example.com -- uptime")
	})
}

func TestForeach(t *testing.T) {
	t.Run("all hosts succeed", func(t *testing.T) {
		results, err := Foreach(context.Background(), []string{"alpha", "beta"}, []string{"uptime"}, func(o *ForeachOptions) {
			o.Remote = []func(o *Options){
				func(ro *Options) { ro.SSHCommand = fakeSSH(t, `echo "$@"`) },
			}
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.True(t, results["alpha"].Succeeded())
		assert.True(t, results["beta"].Succeeded())
		assert.Contains(t, results["alpha"].Output(), "alpha")
	})

	t.Run("failures are aggregated", func(t *testing.T) {
		results, err := Foreach(context.Background(), []string{"alpha", "beta"}, []string{"true"}, func(o *ForeachOptions) {
			o.Remote = []func(o *Options){
				func(ro *Options) { ro.SSHCommand = fakeSSH(t, "exit 255") },
			}
		})
		require.Error(t, err)

		var failed *pool.FailedError
		require.ErrorAs(t, err, &failed)
		assert.Len(t, failed.Failures, 2)

		var connect *ConnectError
		assert.True(t, errors.As(results["alpha"].Failure(), &connect))
	})
}

func TestOpenTunnelValidation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := OpenTunnel(ctx, "example.com")
	assert.Error(t, err)
}

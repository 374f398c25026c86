package command

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewValidation(t *testing.T) {
	t.Run("empty argv", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})

	t.Run("merge streams conflicts with capture stderr", func(t *testing.T) {
		_, err := New([]string{"true"}, func(o *Options) {
			o.MergeStreams = true
			o.CaptureStderr = true
		})
		assert.Error(t, err)
	})
}

func TestSynchronousCapture(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", "echo hello"}, func(o *Options) {
		o.Capture = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())

	assert.True(t, cmd.Succeeded())
	assert.Equal(t, 0, cmd.ReturnCode())
	assert.Equal(t, "hello", cmd.Output())
}

func TestAsynchronousCapture(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", "echo out; echo err >&2"}, func(o *Options) {
		o.Asynchronous = true
		o.Capture = true
		o.CaptureStderr = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())
	assert.True(t, cmd.WasStarted())

	require.NoError(t, cmd.Wait())

	assert.True(t, cmd.Finished())
	assert.Equal(t, "out", cmd.Output())
	assert.Equal(t, "err\n", string(cmd.Stderr()))
}

func TestInputRoundTrip(t *testing.T) {
	cmd, err := New([]string{"tr", "a-z", "A-Z"}, func(o *Options) {
		o.Input = []byte("test")
		o.Capture = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())
	assert.Equal(t, "TEST", cmd.Output())
}

func TestNonZeroExit(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", "exit 42"})
	require.NoError(t, err)

	err = cmd.Start()
	require.Error(t, err)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 42, failed.ReturnCode)
	assert.Equal(t, 42, cmd.ReturnCode())
	assert.True(t, cmd.Failed())
}

func TestCheckDisabled(t *testing.T) {
	cmd, err := New([]string{"false"}, func(o *Options) {
		o.Check = false
	})
	require.NoError(t, err)

	assert.NoError(t, cmd.Start())
	assert.Equal(t, 1, cmd.ReturnCode())

	var failed *FailedError
	assert.ErrorAs(t, cmd.Failure(), &failed)
}

func TestCheckOverrideOnWait(t *testing.T) {
	cmd, err := New([]string{"false"}, func(o *Options) {
		o.Asynchronous = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())

	assert.NoError(t, cmd.Wait(false))
	assert.Error(t, cmd.Wait())
}

func TestNotFoundAtLaunch(t *testing.T) {
	cmd, err := New([]string{"definitely-not-a-real-program-4b825dc6"})
	require.NoError(t, err)

	err = cmd.Start()
	require.Error(t, err)

	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, NotFoundStatus, cmd.ReturnCode())
	assert.True(t, cmd.Finished())
}

func TestNotFoundViaShell(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", "definitely-not-a-real-program-4b825dc6"}, func(o *Options) {
		o.Silent = true
	})
	require.NoError(t, err)

	err = cmd.Start()
	require.Error(t, err)

	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestMergeStreams(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", "echo one; echo two >&2"}, func(o *Options) {
		o.Capture = true
		o.MergeStreams = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())

	out := string(cmd.Stdout())
	assert.Contains(t, out, "one")
	assert.Contains(t, out, "two")
	assert.Empty(t, cmd.Stderr())
}

func TestEnvironmentOverrides(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", "echo $EXECMESH_TEST_VAR"}, func(o *Options) {
		o.Capture = true
		o.Environment = map[string]string{"EXECMESH_TEST_VAR": "it works"}
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())
	assert.Equal(t, "it works", cmd.Output())
}

func TestWorkingDirectory(t *testing.T) {
	dir := t.TempDir()

	cmd, err := New([]string{"pwd"}, func(o *Options) {
		o.Capture = true
		o.Directory = dir
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(cmd.Output())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExternalOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	cmd, err := New([]string{"sh", "-c", "echo to file"}, func(o *Options) {
		o.StdoutFile = f
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "to file\n", string(data))
}

func TestAlreadyStarted(t *testing.T) {
	cmd, err := New([]string{"true"})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())
	assert.ErrorIs(t, cmd.Start(), ErrAlreadyStarted)
}

func TestConfigureAfterStart(t *testing.T) {
	cmd, err := New([]string{"true"})
	require.NoError(t, err)

	require.NoError(t, cmd.Configure(func(o *Options) { o.Silent = true }))
	require.NoError(t, cmd.Start())

	assert.ErrorIs(t, cmd.Configure(func(o *Options) { o.Silent = false }), ErrAlreadyStarted)
}

func TestWaitIsIdempotent(t *testing.T) {
	cmd, err := New([]string{"false"}, func(o *Options) {
		o.Asynchronous = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())

	first := cmd.Wait()
	second := cmd.Wait()
	require.Error(t, first)
	assert.Equal(t, first, second)
}

func TestWaitStartsUnstartedCommand(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", "echo lazy"}, func(o *Options) {
		o.Capture = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Wait())
	assert.Equal(t, "lazy", cmd.Output())
}

func TestTerminateGraceful(t *testing.T) {
	cmd, err := New([]string{"sleep", "30"}, func(o *Options) {
		o.Asynchronous = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())
	require.True(t, cmd.IsRunning())

	ended, err := cmd.Terminate(5 * time.Second)
	require.NoError(t, err)
	assert.True(t, ended)

	// A deliberately terminated command must not raise a failure.
	assert.NoError(t, cmd.Wait())
	assert.Equal(t, -int(unix.SIGTERM), cmd.ReturnCode())

	var sig *SignalError
	assert.ErrorAs(t, cmd.Failure(), &sig)
	assert.Equal(t, unix.SIGTERM, sig.Signal)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", `trap "" TERM; sleep 30`}, func(o *Options) {
		o.Asynchronous = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())

	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	ended, err := cmd.Terminate(500 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, -int(unix.SIGKILL), cmd.ReturnCode())
}

func TestTerminateNotRunning(t *testing.T) {
	cmd, err := New([]string{"true"})
	require.NoError(t, err)

	ended, err := cmd.Terminate(time.Second)
	assert.NoError(t, err)
	assert.False(t, ended)

	require.NoError(t, cmd.Start())

	ended, err = cmd.Terminate(time.Second)
	assert.NoError(t, err)
	assert.False(t, ended)
}

func TestOutputStripsSingleLine(t *testing.T) {
	cmd, err := New([]string{"sh", "-c", "echo '  padded  '"}, func(o *Options) {
		o.Capture = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())
	assert.Equal(t, "padded", cmd.Output())
}

func TestOutputPreservesMultiLine(t *testing.T) {
	cmd, err := New([]string{"printf", "a\nb\n"}, func(o *Options) {
		o.Capture = true
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())
	assert.Equal(t, "a\nb\n", cmd.Output())
}

func TestCallbacks(t *testing.T) {
	var startedPid int
	finished := make(chan struct{})

	cmd, err := New([]string{"true"}, func(o *Options) {
		o.Asynchronous = true
		o.OnStart = func(c *Command) { startedPid = c.Pid() }
		o.OnFinish = func(c *Command) { close(finished) }
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	assert.Greater(t, startedPid, 0)
	select {
	case <-finished:
	default:
		t.Fatal("finish callback did not run")
	}
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(-1))
	assert.False(t, Alive(0))
}

func TestClassify(t *testing.T) {
	cmd, err := New([]string{"true"})
	require.NoError(t, err)

	assert.NoError(t, Classify(cmd, ExitStatus{Code: 0}))

	var notFound *NotFoundError
	assert.ErrorAs(t, Classify(cmd, ExitStatus{Code: NotFoundStatus}), &notFound)

	var failed *FailedError
	assert.ErrorAs(t, Classify(cmd, ExitStatus{Code: 3}), &failed)

	var sig *SignalError
	assert.ErrorAs(t, Classify(cmd, ExitStatus{Code: -1, Signaled: true, Signal: unix.SIGINT}), &sig)
}

package execmesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execmesh/command"
)

func TestExecute(t *testing.T) {
	cmd, err := Execute([]string{"sh", "-c", "echo hi"}, func(o *command.Options) {
		o.Capture = true
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", cmd.Output())
}

func TestExecuteReturnsCommandOnFailure(t *testing.T) {
	cmd, err := Execute([]string{"sh", "-c", "exit 7"})
	require.Error(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, 7, cmd.ReturnCode())
}

func TestRun(t *testing.T) {
	assert.NoError(t, Run("true"))
	assert.Error(t, Run("false"))
}

func TestOutput(t *testing.T) {
	out, err := Output("sh", "-c", "echo hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestSucceeds(t *testing.T) {
	assert.True(t, Succeeds("true"))
	assert.False(t, Succeeds("false"))
	assert.False(t, Succeeds("definitely-not-a-real-program-4b825dc6"))
}

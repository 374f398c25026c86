package remote

import (
	"fmt"

	"github.com/hupe1980/execmesh/command"
)

// ConnectStatus is the exit status the ssh client reports when the
// connection itself failed, as opposed to the remote command failing.
const ConnectStatus = 255

// ConnectError means the SSH connection to the remote host could not be
// established. The remote command never ran.
type ConnectError struct {
	// Host is the SSH alias of the host that was unreachable.
	Host string

	// Command is the ssh client invocation that failed.
	Command *command.Command
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to remote host %s over SSH", e.Host)
}

// CommandError means the connection succeeded but the command failed on the
// remote host.
type CommandError struct {
	// Host is the SSH alias of the host the command ran on.
	Host string

	// Command is the ssh client invocation.
	Command *command.Command

	// ReturnCode is the remote command's nonzero exit status.
	ReturnCode int
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("remote command on %s failed with exit code %d", e.Host, e.ReturnCode)
}

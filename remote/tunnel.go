package remote

import (
	"context"
	"fmt"

	"github.com/hupe1980/execmesh/command"
	"github.com/hupe1980/execmesh/tcp"
)

// TunnelOptions configures an SSH port forward.
type TunnelOptions struct {
	// LocalPort is the port to listen on locally. Zero picks a free
	// ephemeral port.
	LocalPort int

	// RemoteHost is the endpoint to forward to, resolved on the SSH server
	// side. Defaults to localhost, i.e. a service on the SSH server itself.
	RemoteHost string

	// RemotePort is the port to forward to. Required.
	RemotePort int

	// Remote configures the SSH client.
	Remote []func(o *Options)
}

// Tunnel is a running SSH port forward: connections to the local address are
// forwarded to the remote endpoint through the SSH connection. Close it when
// done to release the ssh client process.
type Tunnel struct {
	cmd       *command.Command
	localPort int
}

// OpenTunnel starts an SSH port forward to host and waits until the local
// listener accepts connections, so the tunnel is usable as soon as this
// returns. The ssh client is terminated when the wait fails.
func OpenTunnel(ctx context.Context, host string, optFns ...func(o *TunnelOptions)) (*Tunnel, error) {
	opts := TunnelOptions{RemoteHost: "localhost"}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RemotePort <= 0 {
		return nil, fmt.Errorf("tunnel requires a remote port")
	}

	localPort := opts.LocalPort
	if localPort <= 0 {
		port, err := tcp.FreePort()
		if err != nil {
			return nil, err
		}
		localPort = port
	}

	user, hostname := splitUserHost(host)

	sshOpts := Options{
		SSHCommand:            []string{"ssh"},
		BatchMode:             true,
		ConnectTimeout:        DefaultConnectTimeout,
		LogLevel:              "info",
		StrictHostKeyChecking: "no",
	}
	for _, fn := range opts.Remote {
		fn(&sshOpts)
	}
	if user == "" {
		user = sshOpts.User
	}

	forward := fmt.Sprintf("%d:%s:%d", localPort, opts.RemoteHost, opts.RemotePort)
	args := buildSSHArgs(&sshOpts, user, hostname)
	// -N keeps the connection open without running a remote command; the
	// forward specification is injected before the host argument.
	args = append(args[:len(args)-1], "-N", "-L", forward, hostname)

	cmd, err := command.New(args, func(o *command.Options) {
		o.Asynchronous = true
		o.TTY = false
	})
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	t := &Tunnel{cmd: cmd, localPort: localPort}
	if err := tcp.WaitUntilConnected(ctx, t.LocalAddr()); err != nil {
		t.Close()
		return nil, fmt.Errorf("tunnel to %s via %s never became usable: %w", forward, hostname, err)
	}
	return t, nil
}

// LocalPort returns the local listening port.
func (t *Tunnel) LocalPort() int { return t.localPort }

// LocalAddr returns the local endpoint connections should be made to.
func (t *Tunnel) LocalAddr() string { return fmt.Sprintf("127.0.0.1:%d", t.localPort) }

// Close tears the tunnel down by terminating the ssh client.
func (t *Tunnel) Close() error {
	if !t.cmd.IsRunning() {
		return nil
	}
	_, err := t.cmd.Terminate(command.DefaultTerminationTimeout)
	return err
}

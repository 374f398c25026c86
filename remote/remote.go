package remote

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/execmesh/command"
	"github.com/hupe1980/execmesh/internal/util"
)

// DefaultConnectTimeout bounds how long the ssh client waits for the TCP
// connection to the remote host.
const DefaultConnectTimeout = 10 * time.Second

// Options holds the SSH client configuration of a remote command.
type Options struct {
	// SSHCommand is the client program and leading arguments. Defaults to
	// ["ssh"]; override to route through a wrapper or jump host helper.
	SSHCommand []string

	// User is the account to log in as. An empty user defers to the ssh
	// client configuration. A user given in the host string (user@host)
	// takes precedence.
	User string

	// Port is the SSH server port; zero defers to the client configuration.
	Port int

	// IdentityFile selects the private key to authenticate with.
	IdentityFile string

	// BatchMode disables interactive prompts (passwords, host key
	// confirmations) so a hung prompt can never stall automation. Enabled
	// by default.
	BatchMode bool

	// ConnectTimeout bounds the TCP connection attempt.
	ConnectTimeout time.Duration

	// LogLevel is passed to the ssh client (quiet, fatal, error, info,
	// verbose, debug). Defaults to info.
	LogLevel string

	// StrictHostKeyChecking is passed through to the ssh client (yes, no,
	// ask, accept-new). Defaults to no.
	StrictHostKeyChecking string

	// KnownHostsFile overrides the client's known hosts file.
	KnownHostsFile string

	// IgnoreKnownHosts disables host key verification entirely by pointing
	// the known hosts file at the null device. Only sensible against
	// ephemeral hosts, e.g. freshly booted test virtual machines.
	IgnoreKnownHosts bool

	// Compression enables SSH transport compression.
	Compression bool

	// ForceTTY requests a pseudo terminal on the remote side, needed for
	// commands that refuse to run without one.
	ForceTTY bool

	// Directory is the remote working directory. The command line is
	// prefixed with a cd into it.
	Directory string

	// CommandOptions configure the underlying local command (capture,
	// input, asynchronous mode, logging).
	CommandOptions []func(o *command.Options)
}

// New creates a command that runs argv on a remote host over SSH. The host
// may carry a login in user@host form. Exit statuses are interpreted with
// the SSH failure taxonomy: 255 means the connection failed (ConnectError),
// 127 means the remote command was not available, any other nonzero status
// means the remote command failed (CommandError).
func New(host string, argv []string, optFns ...func(o *Options)) (*command.Command, error) {
	if host == "" {
		return nil, errors.New("remote command requires a host")
	}
	if len(argv) == 0 {
		return nil, command.ErrEmptyCommand
	}

	opts := Options{
		SSHCommand:            []string{"ssh"},
		BatchMode:             true,
		ConnectTimeout:        DefaultConnectTimeout,
		LogLevel:              "info",
		StrictHostKeyChecking: "no",
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	user, hostname := splitUserHost(host)
	if user == "" {
		user = opts.User
	}

	sshArgs := buildSSHArgs(&opts, user, hostname)
	sshArgs = append(sshArgs, "--", remoteCommandLine(&opts, argv))

	commandFns := append([]func(o *command.Options){}, opts.CommandOptions...)
	commandFns = append(commandFns, func(o *command.Options) {
		o.Interpret = interpretFor(hostname)
	})

	return command.New(sshArgs, commandFns...)
}

// splitUserHost splits a user@host string into its parts.
func splitUserHost(host string) (string, string) {
	if i := strings.Index(host, "@"); i >= 0 {
		return host[:i], host[i+1:]
	}
	return "", host
}

// buildSSHArgs renders the client argv up to and including the host.
func buildSSHArgs(opts *Options, user, hostname string) []string {
	args := append([]string{}, opts.SSHCommand...)

	if opts.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	if opts.ConnectTimeout > 0 {
		seconds := int(opts.ConnectTimeout / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(seconds))
	}
	if opts.LogLevel != "" {
		args = append(args, "-o", "LogLevel="+opts.LogLevel)
	}
	if opts.IgnoreKnownHosts {
		args = append(args, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	} else {
		if opts.StrictHostKeyChecking != "" {
			args = append(args, "-o", "StrictHostKeyChecking="+opts.StrictHostKeyChecking)
		}
		if opts.KnownHostsFile != "" {
			args = append(args, "-o", "UserKnownHostsFile="+opts.KnownHostsFile)
		}
	}
	if opts.Compression {
		args = append(args, "-o", "Compression=yes")
	}
	if opts.IdentityFile != "" {
		args = append(args, "-i", opts.IdentityFile)
	}
	if opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(opts.Port))
	}
	if opts.ForceTTY {
		args = append(args, "-t")
	} else {
		args = append(args, "-T")
	}
	if user != "" {
		args = append(args, "-l", user)
	}

	return append(args, hostname)
}

// remoteCommandLine renders the command to run on the remote side as one
// shell quoted argument, prefixed with a change into the remote working
// directory when one is configured.
func remoteCommandLine(opts *Options, argv []string) string {
	line := util.QuoteArgs(argv)
	if opts.Directory != "" {
		line = "cd " + util.ShellQuote(opts.Directory) + " && " + line
	}
	return line
}

// interpretFor classifies exit statuses of the ssh client for the given
// host. Statuses the SSH transport does not claim for itself fall through
// to the default classification, so a missing remote program still surfaces
// as a NotFoundError.
func interpretFor(host string) func(c *command.Command, st command.ExitStatus) error {
	return func(c *command.Command, st command.ExitStatus) error {
		switch {
		case st.Signaled:
			return command.Classify(c, st)
		case st.Code == 0:
			return nil
		case st.Code == ConnectStatus:
			return &ConnectError{Host: host, Command: c}
		case st.Code == command.NotFoundStatus:
			return command.Classify(c, st)
		default:
			return &CommandError{Host: host, Command: c, ReturnCode: st.Code}
		}
	}
}

// Execute runs argv on a remote host and waits for it to finish.
func Execute(host string, argv []string, optFns ...func(o *Options)) (*command.Command, error) {
	cmd, err := New(host, argv, optFns...)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return cmd, err
	}
	return cmd, cmd.Wait()
}

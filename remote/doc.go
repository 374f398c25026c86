// Package remote runs commands on remote hosts through the OpenSSH client.
//
// A remote command is an ordinary command whose argv invokes ssh; the remote
// command line is shell quoted into a single argument so arguments survive
// the remote shell verbatim. Exit statuses are interpreted with the SSH
// failure taxonomy: 255 means the connection failed and the remote command
// never ran, everything else reflects the remote command itself.
//
// Foreach fans the same command out over many hosts with bounded
// concurrency, and OpenTunnel maintains a local port forward to a service
// reachable from the SSH server.
package remote

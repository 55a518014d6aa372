// Package ssh provides timeout-bounded SSH sessions: one authenticated
// connection multiplexing exec, shell and SCP channels plus an SFTP
// subsystem.
//
// Every protocol call on a Session is serialized by a per-session lock and
// bounded by a deadline. Children (channels and the SFTP handle) are
// registered with the connection that created them and are always closed
// before that connection releases its socket.
package ssh

import (
	"time"
)

// State is the authentication state of a Session.
type State int32

const (
	// StateUnauthenticated is a session that has never connected.
	StateUnauthenticated State = iota

	// StateAuthenticating is a session inside Connect.
	StateAuthenticating

	// StateAuthenticated is a usable session.
	StateAuthenticated

	// StateDead is a session that was disconnected or lost its transport.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Info describes a Session and its current connection.
type Info struct {
	// ID identifies the session for logs and metrics
	ID string

	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// State is the authentication state
	State State

	// Connected is true while the socket is open
	Connected bool

	// Authenticated is true once authentication has succeeded
	Authenticated bool

	// Methods lists the auth methods offered during the last handshake, in order
	Methods []string

	// AuthMethod is the method that authenticated the last handshake
	AuthMethod string

	// ServerVersion is the remote identification string
	ServerVersion string

	// Generation counts successful connects; children of older generations are dead
	Generation uint64

	// OpenChildren is the number of live channels and SFTP handles
	OpenChildren int

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when bytes last moved on the socket
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code, -1 if the server sent none
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// FinishedAt is when the command finished
	FinishedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Duration is the time taken for the transfer
	Duration time.Duration

	// StartedAt is when the transfer started
	StartedAt time.Time

	// FinishedAt is when the transfer completed
	FinishedAt time.Time

	// Checksum is the hex SHA-256 of the transferred content
	Checksum string
}

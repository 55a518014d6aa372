package ssh

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures so callers can tell a timeout
// they may retry from a hard failure they must escalate.
type ErrorKind string

const (
	// KindConnect is a DNS or TCP failure while dialing.
	KindConnect ErrorKind = "connect"

	// KindHandshake is a protocol negotiation or host key failure.
	KindHandshake ErrorKind = "handshake"

	// KindAuth means no configured method succeeded, or none was configured.
	KindAuth ErrorKind = "auth"

	// KindTimeout means the operation exceeded its deadline. Channel and SFTP
	// timeouts leave the handle usable; transport timeouts kill the session.
	KindTimeout ErrorKind = "timeout"

	// KindProtocol is an error code reported by the server.
	KindProtocol ErrorKind = "protocol"

	// KindState is an operation on a closed, disconnected or orphaned handle.
	KindState ErrorKind = "state"
)

// SFTP status codes surfaced in ProtocolError.Code.
const (
	CodeEOF              uint32 = 1
	CodeNoSuchFile       uint32 = 2
	CodePermissionDenied uint32 = 3
	CodeFailure          uint32 = 4
	CodeBadMessage       uint32 = 5
	CodeOpUnsupported    uint32 = 8
)

// Sentinels for errors.Is. They match any TransportError of the same kind.
var (
	ErrConnect   = &TransportError{Kind: KindConnect}
	ErrHandshake = &TransportError{Kind: KindHandshake}
	ErrAuth      = &TransportError{Kind: KindAuth}
	ErrTimeout   = &TransportError{Kind: KindTimeout}
	ErrProtocol  = &TransportError{Kind: KindProtocol}
	ErrState     = &TransportError{Kind: KindState}
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Kind is the failure class
	Kind ErrorKind

	// Op is the operation that failed (e.g., "connect", "exec", "sftp.stat")
	Op string

	// Code is the server status code for KindProtocol errors
	Code uint32

	// Err is the underlying error
	Err error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	if e.Kind == KindProtocol && e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches another TransportError of the same kind. A zero Code or empty
// Op in the target acts as a wildcard.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	if t.Code != 0 && t.Code != e.Code {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// Temporary reports whether retrying the same call may succeed.
func (e *TransportError) Temporary() bool {
	return e.Kind == KindTimeout
}

// Timeout implements the net.Error convention.
func (e *TransportError) Timeout() bool {
	return e.Kind == KindTimeout
}

func newConnectError(op string, err error) *TransportError {
	return &TransportError{Kind: KindConnect, Op: op, Err: err}
}

func newHandshakeError(op string, err error) *TransportError {
	return &TransportError{Kind: KindHandshake, Op: op, Err: err}
}

func newAuthError(op string, err error) *TransportError {
	return &TransportError{Kind: KindAuth, Op: op, Err: err}
}

func newTimeoutError(op string, err error) *TransportError {
	return &TransportError{Kind: KindTimeout, Op: op, Err: err}
}

func newProtocolError(op string, code uint32, err error) *TransportError {
	return &TransportError{Kind: KindProtocol, Op: op, Code: code, Err: err}
}

func newStateError(op string, err error) *TransportError {
	return &TransportError{Kind: KindState, Op: op, Err: err}
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsState reports whether err is a StateError.
func IsState(err error) bool {
	return errors.Is(err, ErrState)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsProtocol reports whether err is a ProtocolError, returning its code.
func IsProtocol(err error) (uint32, bool) {
	var te *TransportError
	if errors.As(err, &te) && te.Kind == KindProtocol {
		return te.Code, true
	}
	return 0, false
}

// IsNotExist reports whether err is a ProtocolError for a missing path.
func IsNotExist(err error) bool {
	code, ok := IsProtocol(err)
	return ok && code == CodeNoSuchFile
}

var (
	errNotConnected   = errors.New("session is not connected")
	errSessionDead    = errors.New("session is dead")
	errSessionClosed  = errors.New("session closed")
	errHandleClosed   = errors.New("handle is closed")
	errParentGone     = errors.New("parent session was torn down")
	errNoCredentials  = errors.New("no private key, agent or password configured")
	errChildrenOpen   = errors.New("child handles still registered")
	errEOFAlreadySent = errors.New("EOF already sent")
)

package server

import "fmt"

// ErrorKind classifies the ways a Connection can fail. The set is closed:
// every terminal error a Connection produces carries exactly one of these
// kinds.
type ErrorKind uint8

const (
	// KindHandshake indicates the protocol handshake with the peer failed.
	KindHandshake ErrorKind = iota

	// KindProtocol indicates a connection- or stream-level fault reported
	// by the protocol engine after the handshake completed.
	KindProtocol

	// KindNewService indicates the service factory failed to produce a
	// service instance for this connection.
	KindNewService

	// KindService indicates the service reported an unrecoverable
	// readiness error. The connection performs a graceful shutdown before
	// surfacing this kind.
	KindService

	// KindExecute indicates the executor rejected a per-request task
	// submission. This is fatal to the whole connection, not just the
	// request being dispatched.
	KindExecute
)

// String returns the kind's name.
func (k ErrorKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindProtocol:
		return "protocol"
	case KindNewService:
		return "new service"
	case KindService:
		return "service"
	case KindExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Error is the terminal error produced by a Connection. Kind identifies
// which stage failed and Cause carries the originating error, if any.
//
// Per-request failures never produce an Error; they are isolated inside the
// background responder and reported to the peer as a stream reset.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHandshake:
		return fmt.Sprintf("error occurred during protocol handshake: %v", e.Cause)
	case KindProtocol:
		return fmt.Sprintf("error produced by protocol stream: %v", e.Cause)
	case KindNewService:
		return fmt.Sprintf("error occurred while obtaining service: %v", e.Cause)
	case KindService:
		return fmt.Sprintf("error returned by service: %v", e.Cause)
	case KindExecute:
		return "error occurred while attempting to spawn a task"
	default:
		return fmt.Sprintf("unknown connection error: %v", e.Cause)
	}
}

// Unwrap exposes the originating cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

func handshakeError(cause error) *Error { return &Error{Kind: KindHandshake, Cause: cause} }

func protocolError(cause error) *Error { return &Error{Kind: KindProtocol, Cause: cause} }

func newServiceError(cause error) *Error { return &Error{Kind: KindNewService, Cause: cause} }

func serviceError(cause error) *Error { return &Error{Kind: KindService, Cause: cause} }

func executeError(cause error) *Error { return &Error{Kind: KindExecute, Cause: cause} }

package amqp

import (
	"context"
	"errors"
	"fmt"

	"github.com/amqp1go/amqp1/internal/encoding"
)

// Error is returned by operations that fail due to an AMQP error response
// from the peer, or a local protocol/codec violation detected by the
// engine. It wraps the wire-level encoding.Error composite when one is
// available.
type Error struct {
	inner error
}

func (e *Error) Error() string {
	if e == nil || e.inner == nil {
		return "amqp: unspecified error"
	}
	return e.inner.Error()
}

func (e *Error) Unwrap() error { return e.inner }

// ConnError is returned when a Conn's mux has terminated, either because
// the peer closed the connection or a fatal protocol error occurred.
type ConnError struct {
	// RemoteErr is set when the peer sent a close performative with an
	// error attached.
	RemoteErr *encoding.Error
	inner     error
}

func (e *ConnError) Error() string {
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp: connection closed by remote: %s", e.RemoteErr)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: connection closed: %s", e.inner)
	}
	return "amqp: connection closed"
}

func (e *ConnError) Unwrap() error { return e.inner }

// SessionError is returned when a Session's mux has terminated.
type SessionError struct {
	RemoteErr *encoding.Error
	inner     error
}

func (e *SessionError) Error() string {
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp: session ended by remote: %s", e.RemoteErr)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: session ended: %s", e.inner)
	}
	return "amqp: session ended"
}

func (e *SessionError) Unwrap() error { return e.inner }

// LinkError is returned when a link (Sender or Receiver) has been detached,
// either locally or by the remote peer.
type LinkError struct {
	RemoteErr *encoding.Error
	inner     error
}

func (e *LinkError) Error() string {
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp: link detached by remote: %s", e.RemoteErr)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: link detached: %s", e.inner)
	}
	return "amqp: link detached"
}

func (e *LinkError) Unwrap() error { return e.inner }

// AbortedError is returned by Receiver.Receive when the peer aborts a
// multi-frame delivery (more=true followed by aborted=true) before
// completing it. No message is delivered for the aborted delivery; the
// link itself remains usable for subsequent deliveries.
type AbortedError struct{}

func (e *AbortedError) Error() string { return "amqp: delivery aborted by sender" }

// isContextErr reports whether err is context.Canceled or
// context.DeadlineExceeded, used throughout the engine to distinguish "the
// caller gave up waiting" from a genuine protocol failure.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package nbd

import (
	"errors"
	"fmt"
)

// ErrDisconnected is returned when the server closes the connection (or a
// per-operation deadline expires) before a frame was fully received. The
// caller may retry on a fresh connection.
var ErrDisconnected = errors.New("nbd: disconnected")

// ErrShortRead is returned when the server sent part of a read payload and
// then closed the connection. The stream is desynchronized at that point,
// so the connection must be discarded and the failure is not retryable for
// the same request.
var ErrShortRead = errors.New("nbd: short read payload")

// ProtocolError signals a handshake or framing violation. It is fatal: the
// connection is unusable and the operation must abort.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "nbd: protocol error: " + e.Reason
}

// ServerError is a non-zero error code in a reply to a request. The extent
// it was issued for failed; the caller decides whether to retry.
type ServerError struct {
	Code uint32
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("nbd: server returned error %d", e.Code)
}

// OptionError is an error reply during option haggling.
type OptionError struct {
	Option uint32
	Reply  uint32
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("nbd: server rejected option %d with reply %#x", e.Option, e.Reply)
}

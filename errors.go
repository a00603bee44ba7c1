package modbus

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a transaction deadline elapses with no
	// matching response frame. Configured retries are spent before this
	// surfaces to the caller.
	ErrTimeout = errors.New("modbus: request timed out")
	// ErrCancelled is returned when the caller withdraws a request before
	// it resolves. Bytes already on the wire are not retracted; a late
	// response is discarded as unmatched.
	ErrCancelled = errors.New("modbus: request cancelled")
	// ErrClosed is returned for requests submitted after Close.
	ErrClosed = errors.New("modbus: client closed")
)

// EncodingError reports a request rejected during validation, before any
// bytes were put on the wire.
type EncodingError struct {
	Msg string
}

func (e *EncodingError) Error() string {
	return "modbus: " + e.Msg
}

func encodingErrorf(format string, v ...interface{}) *EncodingError {
	return &EncodingError{Msg: fmt.Sprintf(format, v...)}
}

// ProtocolError reports a malformed response frame or one that does not
// match the request it was correlated to.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "modbus: " + e.Msg
}

func protocolErrorf(format string, v ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, v...)}
}

// ConnectionError reports that the transport was lost or could not be
// established.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "modbus: not connected"
	}
	return fmt.Sprintf("modbus: connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

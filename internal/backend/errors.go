package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a stream failure. The orchestrator branches on
// the kind rather than sniffing message text.
type ErrorKind int

const (
	// KindTransport covers dial, handshake and connection failures.
	KindTransport ErrorKind = iota
	// KindExecutionFailure means the backend ran code and it failed.
	KindExecutionFailure
	// KindTimeout means the backend gave up before the pipeline
	// finished; partial results may still be salvageable.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindExecutionFailure:
		return "execution_failure"
	default:
		return "transport"
	}
}

// StreamError is a classified failure of a backend stream.
type StreamError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend stream failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("backend stream failed (%s): %v", e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// NewStreamError builds a classified stream error.
func NewStreamError(kind ErrorKind, message string) *StreamError {
	return &StreamError{Kind: kind, Message: message}
}

// IsTimeout reports whether err is a timeout-classified stream error.
func IsTimeout(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == KindTimeout
}

// IsExecutionFailure reports whether err is an execution-classified
// stream error.
func IsExecutionFailure(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == KindExecutionFailure
}

// classifyMessage maps an error string reported by an older backend to
// a kind. New backends send a structured error_kind field; the literal
// "runtime exceeded" match is kept only for streams that predate it.
func classifyMessage(msg string) ErrorKind {
	if strings.Contains(msg, "runtime exceeded") {
		return KindTimeout
	}
	return KindTransport
}

// kindFromWire maps the protocol's error_kind field to an ErrorKind,
// falling back to message classification when the field is absent.
func kindFromWire(wire, msg string) ErrorKind {
	switch wire {
	case "timeout":
		return KindTimeout
	case "execution_failure":
		return KindExecutionFailure
	case "transport":
		return KindTransport
	default:
		return classifyMessage(msg)
	}
}

package frame

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is matched by every error raised for a frame that
	// arrived in an illegal state or a stream that ended early.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrCancelled is matched by every error raised because the caller
	// cancelled the operation.
	ErrCancelled = errors.New("operation cancelled")
)

// ProtocolError describes an illegal frame sequence.
type ProtocolError struct {
	// State is the decoder state in which the violation was observed.
	State string
	// Got is the kind of the offending frame, KindUnknown for end of stream.
	Got    Kind
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Got == KindUnknown {
		return fmt.Sprintf("protocol violation in state %s: %s", e.State, e.Reason)
	}
	return fmt.Sprintf("protocol violation in state %s: unexpected %s frame: %s", e.State, e.Got, e.Reason)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocolViolation }

// Violation builds a ProtocolError for frame f observed in state. A nil f
// stands for end of stream.
func Violation(state string, f *Frame, reason string) error {
	pe := &ProtocolError{State: state, Reason: reason}
	if f != nil {
		pe.Got = f.Kind
	}
	return pe
}

// cancelledError wraps the context cause so that both ErrCancelled and the
// underlying context error match.
type cancelledError struct {
	cause error
}

func (e *cancelledError) Error() string {
	if e.cause == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.cause)
}

func (e *cancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *cancelledError) Unwrap() error { return e.cause }

// Cancelled wraps cause (typically ctx.Err()) as a cancellation error.
func Cancelled(cause error) error {
	return &cancelledError{cause: cause}
}

// CheckContext returns a cancellation error if ctx is done.
func CheckContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return Cancelled(context.Cause(ctx))
	default:
		return nil
	}
}

// TransportError reports a failure of the underlying stream. Err is
// propagated unchanged.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError unless it already is a
// cancellation, protocol or transport error.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrProtocolViolation) || errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// Class names the taxonomy bucket of an error for logs and metrics.
type Class string

const (
	ClassNone      Class = ""
	ClassProtocol  Class = "protocol"
	ClassCancelled Class = "cancelled"
	ClassTransport Class = "transport"
	ClassOther     Class = "other"
)

// Classify sorts err into the error taxonomy.
func Classify(err error) Class {
	var te *TransportError
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrProtocolViolation):
		return ClassProtocol
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled
	case errors.As(err, &te):
		return ClassTransport
	default:
		return ClassOther
	}
}

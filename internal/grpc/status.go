package grpc

import (
	"context"
	"errors"

	"github.com/oriys/quasar/internal/frame"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RemoteState is the ProtocolError state reported for violations detected
// by the peer.
const RemoteState = "remote"

// ToStatus converts err to a gRPC status error. Protocol violations become
// InvalidArgument and cancellations Canceled or DeadlineExceeded. Errors
// already carrying a status keep it; anything else is Internal.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch frame.Classify(err) {
	case frame.ClassProtocol:
		return status.Error(codes.InvalidArgument, err.Error())
	case frame.ClassCancelled:
		if errors.Is(err, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		return status.Error(codes.Canceled, err.Error())
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus is the client-side inverse of ToStatus. InvalidArgument
// becomes a ProtocolError in RemoteState and Canceled a cancellation;
// other errors are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &frame.ProtocolError{State: RemoteState, Reason: st.Message()}
	case codes.Canceled:
		return frame.Cancelled(err)
	}
	return err
}

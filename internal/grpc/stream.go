package grpc

import (
	"context"
	"errors"
	"io"

	"github.com/oriys/quasar/internal/frame"
	"github.com/oriys/quasar/internal/metrics"
	"google.golang.org/grpc"
)

// FrameSender is the send half of any stream carrying frames.
type FrameSender interface {
	Send(*frame.Frame) error
}

// FrameReceiver is the receive half of any stream carrying frames.
type FrameReceiver interface {
	Recv() (*frame.Frame, error)
}

// Sink adapts a gRPC stream to frame.Sink.
type Sink struct {
	stream FrameSender
	sent   int
}

// NewSink wraps stream.
func NewSink(stream FrameSender) *Sink {
	return &Sink{stream: stream}
}

// Send checks ctx, then sends f. A failed send is reported as a transport
// error; on client streams the real cause is returned by the close call.
func (s *Sink) Send(ctx context.Context, f *frame.Frame) error {
	if err := frame.CheckContext(ctx); err != nil {
		return err
	}
	if err := s.stream.Send(f); err != nil {
		if cerr := frame.CheckContext(ctx); cerr != nil {
			return cerr
		}
		return frame.Transport("send", FromStatus(err))
	}
	s.sent++
	metrics.Global().RecordFrame(metrics.DirectionSent, f.Kind.String(), len(f.Data))
	return nil
}

// Sent returns the number of frames delivered so far.
func (s *Sink) Sent() int { return s.sent }

// Source adapts a gRPC stream to frame.Source. io.EOF passes through as
// end of stream.
type Source struct {
	stream   FrameReceiver
	received int
}

// NewSource wraps stream.
func NewSource(stream FrameReceiver) *Source {
	return &Source{stream: stream}
}

func (s *Source) Recv(ctx context.Context) (*frame.Frame, error) {
	if err := frame.CheckContext(ctx); err != nil {
		return nil, err
	}
	f, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		if cerr := frame.CheckContext(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, frame.Transport("recv", FromStatus(err))
	}
	s.received++
	metrics.Global().RecordFrame(metrics.DirectionReceived, f.Kind.String(), len(f.Data))
	return f, nil
}

// Received returns the number of frames read so far.
func (s *Source) Received() int { return s.received }

// SendFrames drives it into a client stream and closes it. It returns the
// reply and the number of frames sent. When sending fails for any reason
// other than the transport, the caller must cancel the stream context to
// abort the call.
func SendFrames[R any](ctx context.Context, it frame.Iterator, stream grpc.ClientStreamingClient[frame.Frame, R]) (*R, int, error) {
	n, err := frame.Pump(ctx, it, NewSink(stream))
	reply, err := Finish(ctx, stream, err)
	return reply, n, err
}

// Finish closes a client stream after sending stopped with sendErr. A send
// that failed on the transport usually means the server already answered;
// the status it answered with is returned in that case.
func Finish[R any](ctx context.Context, stream grpc.ClientStreamingClient[frame.Frame, R], sendErr error) (*R, error) {
	if sendErr != nil && frame.Classify(sendErr) != frame.ClassTransport {
		return nil, sendErr
	}
	reply, err := stream.CloseAndRecv()
	if err != nil {
		if cerr := frame.CheckContext(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, frame.Transport("close", FromStatus(err))
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return reply, nil
}

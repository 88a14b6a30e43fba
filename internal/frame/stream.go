package frame

import (
	"context"
	"errors"
	"io"
)

// Sink consumes frames in order. Send must not retain f after returning.
type Sink interface {
	Send(ctx context.Context, f *Frame) error
}

// Source yields inbound frames in arrival order. Recv returns io.EOF once
// the peer has finished sending.
type Source interface {
	Recv(ctx context.Context) (*Frame, error)
}

// Iterator yields outbound frames produced by a sequencer. Next returns
// io.EOF after the last frame.
type Iterator interface {
	Next(ctx context.Context) (*Frame, error)
}

// Pump drives it into sink until it is exhausted. It returns the number of
// frames delivered. Cancellation is checked before each frame.
func Pump(ctx context.Context, it Iterator, sink Sink) (int, error) {
	sent := 0
	for {
		if err := CheckContext(ctx); err != nil {
			return sent, err
		}
		f, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		if err := sink.Send(ctx, f); err != nil {
			return sent, err
		}
		sent++
	}
}

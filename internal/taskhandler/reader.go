// Package taskhandler rebuilds tasks and data blobs from inbound frame
// streams. Every decoder walks a strict state machine: a frame that does not
// match the transition expected in the current state, or a stream that ends
// before the terminal state, is a fatal protocol violation. Partially
// accumulated buffers are never handed out.
package taskhandler

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/oriys/quasar/internal/frame"
)

// State is a decoder state.
type State uint8

const (
	StateAwaitInit State = iota
	StateReadPayloadChunks
	StateReadDataKey
	StateReadDataChunks
	StateReady
	// StateAwaitTask is used by BatchDecoder between two tasks of a batch.
	StateAwaitTask
	// StateFailed is terminal after any error.
	StateFailed
)

var stateNames = map[State]string{
	StateAwaitInit:         "await_init",
	StateReadPayloadChunks: "read_payload_chunks",
	StateReadDataKey:       "read_data_key",
	StateReadDataChunks:    "read_data_chunks",
	StateReady:             "ready",
	StateAwaitTask:         "await_task",
	StateFailed:            "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ErrDecoderUsed is returned when a decoder is driven again after it reached
// a terminal state.
var ErrDecoderUsed = errors.New("taskhandler: decoder already finished")

// Blob is one named data buffer.
type Blob struct {
	Key  string
	Data []byte
}

// reader holds the stream and state shared by the decoders.
type reader struct {
	src   frame.Source
	state State
	// maxChunk, when positive, bounds the size of every inbound chunk.
	maxChunk int
}

// recv reads the next frame. End of stream in a non-terminal state is a
// protocol violation.
func (r *reader) recv(ctx context.Context) (*frame.Frame, error) {
	if err := frame.CheckContext(ctx); err != nil {
		return nil, err
	}
	f, err := r.src.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return nil, frame.Violation(r.state.String(), nil, "stream ended early")
	}
	if err != nil {
		if ctxErr := frame.CheckContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, frame.Transport("recv", err)
	}
	if f == nil {
		return nil, frame.Violation(r.state.String(), nil, "nil frame")
	}
	return f, nil
}

func (r *reader) violation(f *frame.Frame, format string, args ...any) error {
	return frame.Violation(r.state.String(), f, fmt.Sprintf(format, args...))
}

// readChunks accumulates chunkKind frames until a completeKind frame. The
// returned buffer is the concatenation in arrival order. When requireChunk is
// set, a complete frame with no chunk before it is rejected: an empty blob is
// always sent as one empty chunk.
func (r *reader) readChunks(ctx context.Context, buf []byte, chunkKind, completeKind frame.Kind, requireChunk bool) ([]byte, error) {
	chunks := 0
	for {
		f, err := r.recv(ctx)
		if err != nil {
			return nil, err
		}
		switch f.Kind {
		case chunkKind:
			if r.maxChunk > 0 && len(f.Data) > r.maxChunk {
				return nil, r.violation(f, "chunk of %d bytes exceeds ceiling %d", len(f.Data), r.maxChunk)
			}
			buf = append(buf, f.Data...)
			chunks++
		case completeKind:
			if requireChunk && chunks == 0 {
				return nil, r.violation(f, "%s without any %s", completeKind, chunkKind)
			}
			if buf == nil {
				buf = []byte{}
			}
			return buf, nil
		default:
			return nil, r.violation(f, "expected %s or %s", chunkKind, completeKind)
		}
	}
}

// readData consumes the data phase:
//
//	(InitData{key}, DataChunk*, DataComplete)*, terminal
//
// The terminal is InitData{key: ""}; LastData is accepted as well when
// acceptLastData is set. Duplicate keys are rejected.
func (r *reader) readData(ctx context.Context, acceptLastData bool) ([]Blob, error) {
	var blobs []Blob
	seen := make(map[string]struct{})
	for {
		r.state = StateReadDataKey
		f, err := r.recv(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case f.Kind == frame.KindInitData && f.Key == "":
			return blobs, nil
		case f.Kind == frame.KindLastData && acceptLastData:
			return blobs, nil
		case f.Kind == frame.KindInitData:
			if _, dup := seen[f.Key]; dup {
				return nil, r.violation(f, "duplicate data key %q", f.Key)
			}
			seen[f.Key] = struct{}{}
		case f.Kind == frame.KindDataChunk || f.Kind == frame.KindDataComplete:
			return nil, r.violation(f, "data frame before init_data")
		default:
			return nil, r.violation(f, "expected init_data")
		}

		r.state = StateReadDataChunks
		data, err := r.readChunks(ctx, nil, frame.KindDataChunk, frame.KindDataComplete, true)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, Blob{Key: f.Key, Data: data})
	}
}

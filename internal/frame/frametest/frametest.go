// Package frametest provides in-memory frame sinks and sources for tests.
package frametest

import (
	"context"
	"io"
	"sync"

	"github.com/oriys/quasar/internal/frame"
)

// Recorder is a frame.Sink that keeps every frame it receives.
type Recorder struct {
	mu     sync.Mutex
	frames []*frame.Frame
	// FailAfter makes Send fail with Err once this many frames were recorded.
	// Zero disables the failure.
	FailAfter int
	Err       error
}

func (r *Recorder) Send(ctx context.Context, f *frame.Frame) error {
	if err := frame.CheckContext(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAfter > 0 && len(r.frames) >= r.FailAfter {
		return frame.Transport("send", r.Err)
	}
	cp := *f
	cp.Data = append([]byte(nil), f.Data...)
	r.frames = append(r.frames, &cp)
	return nil
}

// Frames returns the recorded frames in order.
func (r *Recorder) Frames() []*frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*frame.Frame(nil), r.frames...)
}

// Kinds returns the kinds of the recorded frames in order.
func (r *Recorder) Kinds() []frame.Kind {
	return Kinds(r.Frames())
}

// Kinds maps frames to their kinds.
func Kinds(frames []*frame.Frame) []frame.Kind {
	kinds := make([]frame.Kind, len(frames))
	for i, f := range frames {
		kinds[i] = f.Kind
	}
	return kinds
}

// Replay is a frame.Source serving a fixed frame sequence, then io.EOF or
// Err when set.
type Replay struct {
	mu     sync.Mutex
	frames []*frame.Frame
	pos    int
	Err    error
	// OnRecv, when set, runs before each frame is returned with the index
	// of that frame.
	OnRecv func(i int)
}

// NewReplay returns a source replaying frames.
func NewReplay(frames ...*frame.Frame) *Replay {
	return &Replay{frames: frames}
}

func (r *Replay) Recv(ctx context.Context) (*frame.Frame, error) {
	if err := frame.CheckContext(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.frames) {
		if r.Err != nil {
			return nil, frame.Transport("recv", r.Err)
		}
		return nil, io.EOF
	}
	if r.OnRecv != nil {
		r.OnRecv(r.pos)
	}
	f := r.frames[r.pos]
	r.pos++
	return f, nil
}

// Remaining reports how many frames have not been consumed.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames) - r.pos
}

// Collect drains it into a slice.
func Collect(ctx context.Context, it frame.Iterator) ([]*frame.Frame, error) {
	rec := &Recorder{}
	_, err := frame.Pump(ctx, it, rec)
	return rec.Frames(), err
}

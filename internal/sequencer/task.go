// Package sequencer turns task submissions, result uploads and worker
// invocations into ordered frame sequences bounded by the negotiated chunk
// ceiling.
//
// Every sequencer is an explicit iterator: Next returns the following frame,
// io.EOF after the last one, or an error after which the sequencer is
// terminal. Position is owned by the sequencer value; nothing is captured
// in closures.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/frame"
)

// ErrDuplicateKey is returned for a submission naming the same dependency
// or output key twice.
var ErrDuplicateKey = errors.New("duplicate key in submission")

// TaskSubmission is one task of a batch. It is owned by the sequencer that
// consumes it and must not be mutated afterwards.
type TaskSubmission struct {
	ExpectedOutputKeys []string
	DataDependencies   []string
	// Payload may be nil for an empty payload.
	Payload chunk.ByteSource
}

// SubmissionSource yields submissions in order and io.EOF after the last.
type SubmissionSource interface {
	Next(ctx context.Context) (*TaskSubmission, error)
}

type sliceSubmissions struct {
	items []*TaskSubmission
	pos   int
}

// Submissions adapts a fixed list to a SubmissionSource.
func Submissions(items ...*TaskSubmission) SubmissionSource {
	return &sliceSubmissions{items: items}
}

func (s *sliceSubmissions) Next(ctx context.Context) (*TaskSubmission, error) {
	if err := frame.CheckContext(ctx); err != nil {
		return nil, err
	}
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	if item == nil {
		return nil, fmt.Errorf("submission %d is nil", s.pos-1)
	}
	return item, nil
}

type taskState uint8

const (
	taskStateInit taskState = iota
	taskStateHeader
	taskStatePayload
	taskStateAfterPayload
	taskStateDone
)

// TaskSequencer produces the frame sequence of a task batch:
//
//	Init, (InitTask, PayloadChunk+, PayloadComplete)*, InitTaskLast
//
// InitTaskLast follows the last submission only; an empty batch is the Init
// frame alone. Submissions are never reordered.
type TaskSequencer struct {
	sessionID string
	options   *frame.TaskOptions
	cfg       chunk.Config
	source    SubmissionSource

	state   taskState
	current *TaskSubmission
	enc     *chunk.Encoder
	tasks   int
	err     error
}

// NewTaskSequencer validates cfg and returns a sequencer for source.
func NewTaskSequencer(sessionID string, options *frame.TaskOptions, source SubmissionSource, cfg chunk.Config) (*TaskSequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("sequencer: submission source is required")
	}
	return &TaskSequencer{
		sessionID: sessionID,
		options:   options,
		cfg:       cfg,
		source:    source,
	}, nil
}

// Tasks reports how many submissions have been fully sequenced.
func (s *TaskSequencer) Tasks() int { return s.tasks }

// Next returns the next frame of the batch.
func (s *TaskSequencer) Next(ctx context.Context) (*frame.Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	f, err := s.next(ctx)
	if err != nil {
		s.err = err
		if !errors.Is(err, io.EOF) {
			s.current, s.enc = nil, nil
		}
	}
	return f, err
}

func (s *TaskSequencer) next(ctx context.Context) (*frame.Frame, error) {
	if err := frame.CheckContext(ctx); err != nil {
		return nil, err
	}
	switch s.state {
	case taskStateInit:
		if err := s.advance(ctx); err != nil {
			return nil, err
		}
		return frame.Init(s.sessionID, s.options.Clone()), nil

	case taskStateHeader:
		enc, err := chunk.NewEncoder(s.current.Payload, s.cfg)
		if err != nil {
			return nil, err
		}
		s.enc = enc
		s.state = taskStatePayload
		return frame.InitTask(s.current.DataDependencies, s.current.ExpectedOutputKeys), nil

	case taskStatePayload:
		data, err := s.enc.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.tasks++
			s.enc = nil
			s.state = taskStateAfterPayload
			return frame.PayloadComplete(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("task %d payload: %w", s.tasks, err)
		}
		return frame.PayloadChunk(data), nil

	case taskStateAfterPayload:
		if err := s.advance(ctx); err != nil {
			return nil, err
		}
		if s.state == taskStateDone {
			return frame.InitTaskLast(), nil
		}
		return s.next(ctx)

	default:
		return nil, io.EOF
	}
}

// advance pulls the next submission and moves to taskStateHeader, or to
// taskStateDone when the source is exhausted.
func (s *TaskSequencer) advance(ctx context.Context) error {
	sub, err := s.source.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.current = nil
		s.state = taskStateDone
		return nil
	}
	if err != nil {
		return fmt.Errorf("next submission: %w", err)
	}
	if key, dup := firstDuplicate(sub.DataDependencies); dup {
		return fmt.Errorf("%w: submission %d repeats data dependency %q", ErrDuplicateKey, s.tasks, key)
	}
	if key, dup := firstDuplicate(sub.ExpectedOutputKeys); dup {
		return fmt.Errorf("%w: submission %d repeats output key %q", ErrDuplicateKey, s.tasks, key)
	}
	s.current = sub
	s.state = taskStateHeader
	return nil
}

func firstDuplicate(keys []string) (string, bool) {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			return k, true
		}
		seen[k] = struct{}{}
	}
	return "", false
}

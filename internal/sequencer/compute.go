package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/frame"
)

// ComputeRequest is a task invocation sent to a worker.
type ComputeRequest struct {
	SessionID          string
	TaskID             string
	TaskOptions        *frame.TaskOptions
	ExpectedOutputKeys []string
	Payload            chunk.ByteSource
	DataDependencies   []ResultUpload
}

type computeState uint8

const (
	computeStateInit computeState = iota
	computeStatePayload
	computeStateData
)

// ComputeSequencer produces the worker stream of one task:
//
//	ComputeInit{first chunk, complete?}, [PayloadChunk*, PayloadComplete],
//	(InitData{key}, DataChunk+, DataComplete)*, InitData{""}
//
// The payload-complete flag of ComputeInit is set when the first chunk
// already holds the whole payload; no PayloadComplete frame follows then.
type ComputeSequencer struct {
	req  ComputeRequest
	cfg  chunk.Config
	data *ResultSequencer

	state   computeState
	enc     *chunk.Encoder
	pending []byte
	err     error
}

// NewComputeSequencer validates req and cfg.
func NewComputeSequencer(req ComputeRequest, cfg chunk.Config) (*ComputeSequencer, error) {
	if req.SessionID == "" || req.TaskID == "" {
		return nil, errors.New("sequencer: compute request needs a session and a task id")
	}
	data, err := NewResultSequencer(req.DataDependencies, TerminalEmptyKey, cfg)
	if err != nil {
		return nil, err
	}
	return &ComputeSequencer{req: req, cfg: cfg, data: data}, nil
}

// Next returns the next frame.
func (s *ComputeSequencer) Next(ctx context.Context) (*frame.Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	f, err := s.next(ctx)
	if err != nil {
		s.err = err
		s.enc, s.pending = nil, nil
	}
	return f, err
}

func (s *ComputeSequencer) next(ctx context.Context) (*frame.Frame, error) {
	if err := frame.CheckContext(ctx); err != nil {
		return nil, err
	}
	switch s.state {
	case computeStateInit:
		enc, err := chunk.NewEncoder(s.req.Payload, s.cfg)
		if err != nil {
			return nil, err
		}
		first, err := enc.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("task %s payload: %w", s.req.TaskID, err)
		}
		second, err := enc.Next(ctx)
		complete := errors.Is(err, io.EOF)
		if err != nil && !complete {
			return nil, fmt.Errorf("task %s payload: %w", s.req.TaskID, err)
		}
		if complete {
			s.state = computeStateData
		} else {
			s.enc, s.pending = enc, second
			s.state = computeStatePayload
		}
		return frame.ComputeInit{
			SessionID:          s.req.SessionID,
			TaskID:             s.req.TaskID,
			TaskOptions:        s.req.TaskOptions.Clone(),
			ExpectedOutputKeys: s.req.ExpectedOutputKeys,
			Configuration:      s.cfg.Configuration(),
			FirstChunk:         first,
			PayloadComplete:    complete,
		}.Frame(), nil

	case computeStatePayload:
		if s.pending != nil {
			data := s.pending
			s.pending = nil
			return frame.PayloadChunk(data), nil
		}
		data, err := s.enc.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.enc = nil
			s.state = computeStateData
			return frame.PayloadComplete(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("task %s payload: %w", s.req.TaskID, err)
		}
		return frame.PayloadChunk(data), nil

	default:
		return s.data.Next(ctx)
	}
}

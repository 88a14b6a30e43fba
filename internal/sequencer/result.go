package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/frame"
)

// ErrEmptyKey is returned for a result upload without a key; the empty key
// is reserved as the end-of-data marker.
var ErrEmptyKey = errors.New("sequencer: result key must not be empty")

// Terminal selects the frame closing a data phase.
type Terminal uint8

const (
	// TerminalLastData closes with a LastData frame (result uploads).
	TerminalLastData Terminal = iota
	// TerminalEmptyKey closes with InitData{key: ""} (task inputs).
	TerminalEmptyKey
)

// ResultUpload is one named blob.
type ResultUpload struct {
	Key  string
	Data chunk.ByteSource
}

type resultState uint8

const (
	resultStateKey resultState = iota
	resultStateChunks
	resultStateTerminal
	resultStateDone
)

// ResultSequencer produces, for each upload in order,
//
//	InitData{key}, DataChunk+, DataComplete
//
// followed by the terminal frame selected by Terminal after the last one.
type ResultSequencer struct {
	uploads  []ResultUpload
	cfg      chunk.Config
	terminal Terminal

	state resultState
	pos   int
	enc   *chunk.Encoder
	err   error
}

// NewResultSequencer validates the uploads and cfg.
func NewResultSequencer(uploads []ResultUpload, terminal Terminal, cfg chunk.Config) (*ResultSequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for i, u := range uploads {
		if u.Key == "" {
			return nil, fmt.Errorf("upload %d: %w", i, ErrEmptyKey)
		}
	}
	return &ResultSequencer{uploads: uploads, cfg: cfg, terminal: terminal}, nil
}

// Next returns the next frame.
func (s *ResultSequencer) Next(ctx context.Context) (*frame.Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	f, err := s.next(ctx)
	if err != nil {
		s.err = err
		s.enc = nil
	}
	return f, err
}

func (s *ResultSequencer) next(ctx context.Context) (*frame.Frame, error) {
	if err := frame.CheckContext(ctx); err != nil {
		return nil, err
	}
	switch s.state {
	case resultStateKey:
		if s.pos >= len(s.uploads) {
			s.state = resultStateTerminal
			return s.next(ctx)
		}
		u := s.uploads[s.pos]
		enc, err := chunk.NewEncoder(u.Data, s.cfg)
		if err != nil {
			return nil, err
		}
		s.enc = enc
		s.state = resultStateChunks
		return frame.InitData(u.Key), nil

	case resultStateChunks:
		data, err := s.enc.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.enc = nil
			s.pos++
			s.state = resultStateKey
			return frame.DataComplete(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("result %q: %w", s.uploads[s.pos].Key, err)
		}
		return frame.DataChunk(data), nil

	case resultStateTerminal:
		s.state = resultStateDone
		switch s.terminal {
		case TerminalLastData:
			return frame.LastData(), nil
		case TerminalEmptyKey:
			return frame.InitData(""), nil
		}
		return nil, io.EOF

	default:
		return nil, io.EOF
	}
}

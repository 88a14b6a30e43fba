package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/oriys/quasar/internal/frame"
)

// ErrInvalidChunkSize is returned for a chunk ceiling outside
// (0, MaxChunkSizeLimit].
var ErrInvalidChunkSize = errors.New("chunk: invalid max chunk size")

// MaxChunkSizeLimit is the largest accepted ceiling. It keeps one frame,
// with room for its keys, under gRPC's default 4 MiB message limit.
const MaxChunkSizeLimit = 4<<20 - 64<<10

// maxEmptyReads bounds consecutive zero-byte reads that return no error.
const maxEmptyReads = 100

// Config carries the chunk ceiling negotiated with the peer.
type Config struct {
	MaxChunkSize int
}

// Validate checks the ceiling.
func (c Config) Validate() error {
	if c.MaxChunkSize <= 0 || c.MaxChunkSize > MaxChunkSizeLimit {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrInvalidChunkSize, c.MaxChunkSize, MaxChunkSizeLimit)
	}
	return nil
}

// Configuration returns the ceiling as advertised to peers. c must be valid.
func (c Config) Configuration() *frame.Configuration {
	return &frame.Configuration{DataChunkMaxSize: int32(c.MaxChunkSize)}
}

// ConfigFrom converts a negotiated frame.Configuration.
func ConfigFrom(c *frame.Configuration) (Config, error) {
	if c == nil {
		return Config{}, fmt.Errorf("%w: missing configuration", ErrInvalidChunkSize)
	}
	cfg := Config{MaxChunkSize: int(c.DataChunkMaxSize)}
	return cfg, cfg.Validate()
}

// Encoder turns a ByteSource into an ordered sequence of chunks, each at
// most MaxChunkSize bytes. Chunks are never empty, except for the single
// chunk produced for an empty source. An Encoder is single use: once it
// returned io.EOF or an error, every later call returns the same.
type Encoder struct {
	src      ByteSource
	max      int
	produced int
	eof      bool
	err      error
}

// NewEncoder validates cfg and returns an encoder over src. A nil src
// encodes as an empty source.
func NewEncoder(src ByteSource, cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		src = Bytes(nil)
	}
	return &Encoder{src: src, max: cfg.MaxChunkSize}, nil
}

// Next returns the next chunk, or io.EOF after the last one. Cancellation
// of ctx is checked before each chunk and reported as frame.ErrCancelled.
func (e *Encoder) Next(ctx context.Context) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if err := frame.CheckContext(ctx); err != nil {
		e.err = err
		return nil, err
	}
	if e.eof {
		e.err = io.EOF
		return nil, io.EOF
	}

	var buf []byte
	empty := 0
	for len(buf) < e.max {
		part, err := e.src.ReadChunk(e.max - len(buf))
		if len(part) > e.max-len(buf) {
			e.err = fmt.Errorf("chunk: source returned %d bytes, asked for at most %d", len(part), e.max-len(buf))
			return nil, e.err
		}
		switch {
		case len(part) == 0:
		case buf == nil && len(part) == e.max:
			// Full chunk in one read, no copy needed.
			buf = part
		default:
			if buf == nil {
				buf = make([]byte, 0, e.max)
			}
			buf = append(buf, part...)
		}
		if errors.Is(err, io.EOF) {
			e.eof = true
			break
		}
		if err != nil {
			e.err = fmt.Errorf("chunk: read source: %w", err)
			return nil, e.err
		}
		if len(part) == 0 {
			empty++
			if empty >= maxEmptyReads {
				e.err = fmt.Errorf("chunk: read source: %w", io.ErrNoProgress)
				return nil, e.err
			}
		}
	}

	if len(buf) == 0 {
		if e.produced > 0 {
			e.err = io.EOF
			return nil, io.EOF
		}
		// An empty source still yields one empty chunk so that an empty
		// payload is distinct from no payload at all.
		buf = []byte{}
	}
	e.produced++
	return buf, nil
}

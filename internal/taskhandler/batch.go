package taskhandler

import (
	"context"
	"errors"
	"io"

	"github.com/oriys/quasar/internal/frame"
)

// BatchHeader is the session-level part of a task batch.
type BatchHeader struct {
	SessionID string
	Options   *frame.TaskOptions
}

// Submission is one decoded task of a batch.
type Submission struct {
	ExpectedOutputKeys []string
	DataDependencies   []string
	Payload            []byte
}

// BatchDecoder reads a task batch stream:
//
//	Init, (InitTask, PayloadChunk*, PayloadComplete)*, InitTaskLast
//
// An Init frame followed by the end of the stream is an empty batch.
type BatchDecoder struct {
	reader
	header *BatchHeader
	count  int
	// eof is set when the end of the stream was already observed.
	eof bool
}

// NewBatchDecoder returns a decoder reading from src. A positive maxChunk
// bounds every payload chunk.
func NewBatchDecoder(src frame.Source, maxChunk int) *BatchDecoder {
	return &BatchDecoder{reader: reader{src: src, maxChunk: maxChunk}}
}

// Count reports how many submissions have been decoded.
func (d *BatchDecoder) Count() int { return d.count }

// Header reads the Init frame. It is called implicitly by Next.
func (d *BatchDecoder) Header(ctx context.Context) (*BatchHeader, error) {
	if d.header != nil {
		return d.header, nil
	}
	if d.state != StateAwaitInit {
		return nil, ErrDecoderUsed
	}
	f, err := d.recv(ctx)
	if err != nil {
		return nil, d.fail(err)
	}
	if f.Kind != frame.KindInit {
		return nil, d.fail(d.violation(f, "expected init"))
	}
	d.header = &BatchHeader{SessionID: f.SessionID, Options: f.TaskOptions}
	d.state = StateAwaitTask
	return d.header, nil
}

// Next returns the next submission, or io.EOF once the batch is complete.
func (d *BatchDecoder) Next(ctx context.Context) (*Submission, error) {
	if _, err := d.Header(ctx); err != nil {
		return nil, err
	}
	switch d.state {
	case StateReady:
		return nil, io.EOF
	case StateAwaitTask:
	default:
		return nil, ErrDecoderUsed
	}

	f, err := d.nextHeader(ctx)
	if err != nil {
		return nil, d.fail(err)
	}
	if f == nil {
		d.state = StateReady
		return nil, io.EOF
	}

	d.state = StateReadPayloadChunks
	payload, err := d.readChunks(ctx, []byte{}, frame.KindPayloadChunk, frame.KindPayloadComplete, true)
	if err != nil {
		return nil, d.fail(err)
	}
	d.count++
	d.state = StateAwaitTask
	return &Submission{
		ExpectedOutputKeys: f.ExpectedOutputKeys,
		DataDependencies:   f.DataDependencies,
		Payload:            payload,
	}, nil
}

// nextHeader returns the InitTask frame of the next submission, or nil at
// the end of the batch.
func (d *BatchDecoder) nextHeader(ctx context.Context) (*frame.Frame, error) {
	if d.count == 0 {
		if err := frame.CheckContext(ctx); err != nil {
			return nil, err
		}
		f, err := d.src.Recv(ctx)
		if errors.Is(err, io.EOF) {
			d.eof = true
			return nil, nil
		}
		if err != nil {
			if ctxErr := frame.CheckContext(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, frame.Transport("recv", err)
		}
		if f == nil || f.Kind != frame.KindInitTask {
			return nil, d.violation(f, "expected init_task")
		}
		return f, d.checkKeys(f)
	}

	f, err := d.recv(ctx)
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case frame.KindInitTask:
		return f, d.checkKeys(f)
	case frame.KindInitTaskLast:
		return nil, nil
	default:
		return nil, d.violation(f, "expected init_task or init_task_last")
	}
}

// checkKeys rejects a task header naming a dependency or an output twice.
func (d *BatchDecoder) checkKeys(f *frame.Frame) error {
	for _, keys := range [][]string{f.DataDependencies, f.ExpectedOutputKeys} {
		seen := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				return d.violation(f, "duplicate key %q in task %d", k, d.count)
			}
			seen[k] = struct{}{}
		}
	}
	return nil
}

// ExpectEnd checks that nothing follows the end of the batch. It may only
// be called once Next has returned io.EOF.
func (d *BatchDecoder) ExpectEnd(ctx context.Context) error {
	if d.state != StateReady {
		return ErrDecoderUsed
	}
	if d.eof {
		return nil
	}
	if err := frame.CheckContext(ctx); err != nil {
		return err
	}
	f, err := d.src.Recv(ctx)
	if errors.Is(err, io.EOF) {
		d.eof = true
		return nil
	}
	d.state = StateFailed
	if err != nil {
		if ctxErr := frame.CheckContext(ctx); ctxErr != nil {
			return ctxErr
		}
		return frame.Transport("recv", err)
	}
	return frame.Violation(StateReady.String(), f, "frame after init_task_last")
}

func (d *BatchDecoder) fail(err error) error {
	d.state = StateFailed
	return err
}

// DecodeBatch reads a whole batch and checks that the stream ends with it.
func DecodeBatch(ctx context.Context, src frame.Source, maxChunk int) (*BatchHeader, []*Submission, error) {
	d := NewBatchDecoder(src, maxChunk)
	header, err := d.Header(ctx)
	if err != nil {
		return nil, nil, err
	}
	var subs []*Submission
	for {
		sub, err := d.Next(ctx)
		if errors.Is(err, io.EOF) {
			if err := d.ExpectEnd(ctx); err != nil {
				return nil, nil, err
			}
			return header, subs, nil
		}
		if err != nil {
			return nil, nil, err
		}
		subs = append(subs, sub)
	}
}

package taskhandler

import (
	"context"
	"errors"
	"io"

	"github.com/oriys/quasar/internal/frame"
)

// Task is a fully decoded worker invocation.
type Task struct {
	SessionID       string
	TaskID          string
	Options         *frame.TaskOptions
	ExpectedResults []string
	Configuration   *frame.Configuration
	Payload         []byte
	// DataDependencies maps each dependency key to its contents.
	DataDependencies map[string][]byte
	// DependencyOrder lists dependency keys in arrival order.
	DependencyOrder []string
}

// Decoder reassembles one task from a worker stream:
//
//	ComputeInit{first chunk, complete?}, [PayloadChunk*, PayloadComplete],
//	(InitData{key}, DataChunk*, DataComplete)*, InitData{""}
//
// The transitions are
//
//	await_init          --ComputeInit, complete-->      read_data_key
//	await_init          --ComputeInit, incomplete-->    read_payload_chunks
//	read_payload_chunks --PayloadChunk-->               read_payload_chunks
//	read_payload_chunks --PayloadComplete-->            read_data_key
//	read_data_key       --InitData{k != ""}-->          read_data_chunks
//	read_data_key       --InitData{""}-->               ready
//	read_data_chunks    --DataChunk-->                  read_data_chunks
//	read_data_chunks    --DataComplete-->               read_data_key
//
// and anything else is a protocol violation.
type Decoder struct {
	reader
}

// NewDecoder returns a decoder reading from src.
func NewDecoder(src frame.Source) *Decoder {
	return &Decoder{reader: reader{src: src}}
}

// State returns the current state.
func (d *Decoder) State() State { return d.state }

// Decode consumes frames up to the terminal empty key and returns the task.
// On any error the decoder is failed and no partial task is returned.
func (d *Decoder) Decode(ctx context.Context) (*Task, error) {
	if d.state != StateAwaitInit {
		return nil, ErrDecoderUsed
	}
	task, err := d.decode(ctx)
	if err != nil {
		d.state = StateFailed
		return nil, err
	}
	d.state = StateReady
	return task, nil
}

func (d *Decoder) decode(ctx context.Context) (*Task, error) {
	f, err := d.recv(ctx)
	if err != nil {
		return nil, err
	}
	if f.Kind != frame.KindComputeInit {
		return nil, d.violation(f, "expected compute_init")
	}
	if f.SessionID == "" || f.TaskID == "" {
		return nil, d.violation(f, "compute_init without session or task id")
	}
	if f.Configuration != nil && f.Configuration.DataChunkMaxSize > 0 {
		d.maxChunk = int(f.Configuration.DataChunkMaxSize)
		if len(f.Data) > d.maxChunk {
			return nil, d.violation(f, "first chunk of %d bytes exceeds ceiling %d", len(f.Data), d.maxChunk)
		}
	}

	task := &Task{
		SessionID:       f.SessionID,
		TaskID:          f.TaskID,
		Options:         f.TaskOptions,
		ExpectedResults: f.ExpectedOutputKeys,
		Configuration:   f.Configuration,
	}

	payload := append([]byte{}, f.Data...)
	if !f.PayloadComplete {
		d.state = StateReadPayloadChunks
		payload, err = d.readChunks(ctx, payload, frame.KindPayloadChunk, frame.KindPayloadComplete, false)
		if err != nil {
			return nil, err
		}
	}
	task.Payload = payload

	blobs, err := d.readData(ctx, false)
	if err != nil {
		return nil, err
	}
	task.DataDependencies = make(map[string][]byte, len(blobs))
	for _, b := range blobs {
		task.DataDependencies[b.Key] = b.Data
		task.DependencyOrder = append(task.DependencyOrder, b.Key)
	}
	return task, nil
}

// ExpectEnd checks that the stream carries nothing after the terminal empty
// key. It may only be called once Decode has succeeded.
func (d *Decoder) ExpectEnd(ctx context.Context) error {
	if d.state != StateReady {
		return ErrDecoderUsed
	}
	if err := frame.CheckContext(ctx); err != nil {
		return err
	}
	f, err := d.src.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	d.state = StateFailed
	if err != nil {
		if ctxErr := frame.CheckContext(ctx); ctxErr != nil {
			return ctxErr
		}
		return frame.Transport("recv", err)
	}
	return frame.Violation(StateReady.String(), f, "frame after end of data")
}

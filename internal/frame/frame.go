// Package frame defines the tagged frames exchanged on quasar streams and
// the error taxonomy shared by the encoders and decoders that produce and
// consume them.
//
// A frame carries no identity beyond its position in the stream: the
// sequencers emit frames in a strict order and the decoders rebuild the
// original objects by walking that order.
package frame

import (
	"fmt"
	"time"
)

// Kind tags a Frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInit opens a task batch and carries the session and default options.
	KindInit
	// KindInitTask carries the metadata of the task whose payload follows.
	KindInitTask
	// KindInitTaskLast marks the end of a task batch.
	KindInitTaskLast
	KindPayloadChunk
	KindPayloadComplete
	// KindInitData opens a data blob. An empty key means no more data follows.
	KindInitData
	KindDataChunk
	KindDataComplete
	// KindLastData terminates the data phase of a result upload.
	KindLastData
	// KindComputeInit is the worker-facing task init: session, task,
	// options, expected outputs, configuration and the first payload chunk.
	KindComputeInit
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindInit:            "init",
	KindInitTask:        "init_task",
	KindInitTaskLast:    "init_task_last",
	KindPayloadChunk:    "payload_chunk",
	KindPayloadComplete: "payload_complete",
	KindInitData:        "init_data",
	KindDataChunk:       "data_chunk",
	KindDataComplete:    "data_complete",
	KindLastData:        "last_data",
	KindComputeInit:     "compute_init",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known frame kind.
func (k Kind) Valid() bool {
	return k > KindUnknown && k <= KindComputeInit
}

// TaskOptions are the scheduling hints attached to a session or a task.
type TaskOptions struct {
	MaxDuration time.Duration
	MaxRetries  int32
	Priority    int32
	PartitionID string
	Options     map[string]string
}

// Clone returns a deep copy of o. A nil receiver yields nil.
func (o *TaskOptions) Clone() *TaskOptions {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Options != nil {
		cp.Options = make(map[string]string, len(o.Options))
		for k, v := range o.Options {
			cp.Options[k] = v
		}
	}
	return &cp
}

// Configuration is negotiated with the peer before any frame sequence
// begins.
type Configuration struct {
	DataChunkMaxSize int32
}

// Frame is one unit of the stream protocol. Only the fields relevant to
// Kind are set.
type Frame struct {
	Kind Kind

	SessionID     string
	TaskID        string
	TaskOptions   *TaskOptions
	Configuration *Configuration

	ExpectedOutputKeys []string
	DataDependencies   []string

	// Key names the data blob opened by KindInitData.
	Key string
	// Data holds chunk bytes for chunk kinds and the first payload chunk of
	// KindComputeInit.
	Data []byte
	// PayloadComplete is the in-band flag of KindComputeInit signalling that
	// Data already holds the whole payload.
	PayloadComplete bool
}

func (f *Frame) String() string {
	if f == nil {
		return "<nil>"
	}
	switch f.Kind {
	case KindInitData:
		return fmt.Sprintf("%s{key=%q}", f.Kind, f.Key)
	case KindPayloadChunk, KindDataChunk:
		return fmt.Sprintf("%s{%d bytes}", f.Kind, len(f.Data))
	case KindComputeInit:
		return fmt.Sprintf("%s{session=%s task=%s %d bytes complete=%t}",
			f.Kind, f.SessionID, f.TaskID, len(f.Data), f.PayloadComplete)
	default:
		return f.Kind.String()
	}
}

// Init opens a task batch.
func Init(sessionID string, opts *TaskOptions) *Frame {
	return &Frame{Kind: KindInit, SessionID: sessionID, TaskOptions: opts}
}

// InitTask announces the next task of a batch.
func InitTask(dataDependencies, expectedOutputKeys []string) *Frame {
	return &Frame{
		Kind:               KindInitTask,
		DataDependencies:   dataDependencies,
		ExpectedOutputKeys: expectedOutputKeys,
	}
}

// InitTaskLast closes a task batch.
func InitTaskLast() *Frame { return &Frame{Kind: KindInitTaskLast} }

// PayloadChunk carries a slice of a task payload.
func PayloadChunk(data []byte) *Frame { return &Frame{Kind: KindPayloadChunk, Data: data} }

// PayloadComplete ends a task payload.
func PayloadComplete() *Frame { return &Frame{Kind: KindPayloadComplete} }

// InitData opens the blob named key. An empty key ends the data phase.
func InitData(key string) *Frame { return &Frame{Kind: KindInitData, Key: key} }

// DataChunk carries a slice of a data blob.
func DataChunk(data []byte) *Frame { return &Frame{Kind: KindDataChunk, Data: data} }

// DataComplete ends a data blob.
func DataComplete() *Frame { return &Frame{Kind: KindDataComplete} }

// LastData ends the data phase of a result upload.
func LastData() *Frame { return &Frame{Kind: KindLastData} }

// ComputeInit is the first frame of a worker stream.
type ComputeInit struct {
	SessionID          string
	TaskID             string
	TaskOptions        *TaskOptions
	ExpectedOutputKeys []string
	Configuration      *Configuration
	FirstChunk         []byte
	PayloadComplete    bool
}

// Frame builds the KindComputeInit frame.
func (c ComputeInit) Frame() *Frame {
	return &Frame{
		Kind:               KindComputeInit,
		SessionID:          c.SessionID,
		TaskID:             c.TaskID,
		TaskOptions:        c.TaskOptions,
		ExpectedOutputKeys: c.ExpectedOutputKeys,
		Configuration:      c.Configuration,
		Data:               c.FirstChunk,
		PayloadComplete:    c.PayloadComplete,
	}
}

// Package worker executes decoded tasks and uploads the results they
// produce back to the agent.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/sequencer"
	"github.com/oriys/quasar/internal/taskhandler"
)

var (
	// ErrUnexpectedResult is returned by ResultWriter.Put for a key the
	// task did not declare.
	ErrUnexpectedResult = errors.New("result key not expected by task")
	// ErrDuplicateResult is returned by ResultWriter.Put for a key written
	// twice.
	ErrDuplicateResult = errors.New("result key already written")
)

// Output summarizes one handler run.
type Output struct {
	Message  string
	ExitCode int
}

// ResultWriter collects the results of a task. Data is read after Execute
// returns, so sources must stay readable until then.
type ResultWriter interface {
	Put(key string, data chunk.ByteSource) error
}

// Handler runs one task. Results written through results are uploaded once
// Execute returns without error.
type Handler interface {
	Execute(ctx context.Context, task *taskhandler.Task, results ResultWriter) (Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *taskhandler.Task, results ResultWriter) (Output, error)

func (f HandlerFunc) Execute(ctx context.Context, task *taskhandler.Task, results ResultWriter) (Output, error) {
	return f(ctx, task, results)
}

// resultSet is the ResultWriter handed to handlers.
type resultSet struct {
	expected map[string]bool
	written  map[string]bool
	uploads  []sequencer.ResultUpload
}

func newResultSet(expected []string) *resultSet {
	r := &resultSet{
		expected: make(map[string]bool, len(expected)),
		written:  make(map[string]bool, len(expected)),
	}
	for _, k := range expected {
		r.expected[k] = true
	}
	return r
}

func (r *resultSet) Put(key string, data chunk.ByteSource) error {
	if !r.expected[key] {
		return fmt.Errorf("%w: %q", ErrUnexpectedResult, key)
	}
	if r.written[key] {
		return fmt.Errorf("%w: %q", ErrDuplicateResult, key)
	}
	r.written[key] = true
	r.uploads = append(r.uploads, sequencer.ResultUpload{Key: key, Data: data})
	return nil
}

// EchoHandler stores the payload under every expected result key.
type EchoHandler struct{}

func (EchoHandler) Execute(ctx context.Context, task *taskhandler.Task, results ResultWriter) (Output, error) {
	for _, key := range task.ExpectedResults {
		if err := results.Put(key, chunk.Bytes(task.Payload)); err != nil {
			return Output{}, err
		}
	}
	return Output{Message: fmt.Sprintf("echoed %d bytes", len(task.Payload))}, nil
}

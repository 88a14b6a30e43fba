package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/frame"
	qgrpc "github.com/oriys/quasar/internal/grpc"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/sequencer"
	"github.com/oriys/quasar/internal/taskhandler"
	"google.golang.org/grpc"
)

// DefaultResultChunkSize bounds result chunks when the task stream did not
// carry a configuration.
const DefaultResultChunkSize = 84 * 1024

// ErrNoAgent is reported for a task that produced results while no agent
// connection is configured.
var ErrNoAgent = errors.New("no agent configured for result upload")

// Server implements quasar.Worker.
type Server struct {
	handler     Handler
	handlerName string
	agent       *qgrpc.AgentClient
	logger      *logging.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the task logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHandlerName labels metrics and task logs.
func WithHandlerName(name string) Option {
	return func(s *Server) {
		s.handlerName = name
	}
}

// NewServer returns a worker running h. Results are uploaded through
// agent; a nil agent is only valid for handlers that write no results.
func NewServer(h Handler, agent grpc.ClientConnInterface, opts ...Option) *Server {
	s := &Server{
		handler:     h,
		handlerName: "custom",
		logger:      logging.Default(),
	}
	if agent != nil {
		s.agent = qgrpc.NewAgentClient(agent)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rejectedState names the decoder state a violation was observed in, or
// "transport" for errors that are not protocol violations.
func rejectedState(err error) string {
	var pe *frame.ProtocolError
	if errors.As(err, &pe) {
		return pe.State
	}
	return "transport"
}

// Process decodes one task, runs the handler and uploads its results. An
// illegal frame sequence is rejected before the handler runs. Handler and
// upload failures are reported in the reply.
func (s *Server) Process(stream grpc.ClientStreamingServer[frame.Frame, frame.ProcessReply]) error {
	ctx := stream.Context()
	requestID := uuid.NewString()
	start := time.Now()

	dec := taskhandler.NewDecoder(qgrpc.NewSource(stream))
	task, err := dec.Decode(ctx)
	if err == nil {
		err = dec.ExpectEnd(ctx)
	}
	metrics.RecordDecodeDuration("task", float64(time.Since(start).Microseconds())/1000, err == nil)
	if err != nil {
		logging.Op().Warn("task stream rejected",
			"request_id", requestID,
			"state", rejectedState(err),
			"error", err,
		)
		return err
	}

	ctx, span := observability.StartSpan(ctx, "quasar.worker.process",
		observability.AttrSessionID.String(task.SessionID),
		observability.AttrTaskID.String(task.TaskID),
		observability.AttrHandler.String(s.handlerName),
	)

	results := newResultSet(task.ExpectedResults)
	out, taskErr := s.handler.Execute(ctx, task, results)
	var resultBytes int64
	if taskErr == nil {
		resultBytes, taskErr = s.upload(ctx, task, results)
	}
	duration := time.Since(start)
	observability.EndSpan(span, taskErr)

	metrics.Global().RecordTask(s.handlerName, duration.Milliseconds(), taskErr == nil)
	entry := &logging.TaskLog{
		Timestamp:    start,
		RequestID:    requestID,
		TraceID:      observability.GetTraceID(ctx),
		SessionID:    task.SessionID,
		TaskID:       task.TaskID,
		Handler:      s.handlerName,
		DurationMs:   duration.Milliseconds(),
		Success:      taskErr == nil,
		PayloadSize:  len(task.Payload),
		Dependencies: len(task.DependencyOrder),
		Results:      len(results.uploads),
		ResultBytes:  resultBytes,
	}
	if taskErr != nil {
		entry.Error = taskErr.Error()
		entry.ErrorClass = string(frame.Classify(taskErr))
	}
	s.logger.Log(entry)

	if cerr := frame.CheckContext(ctx); cerr != nil {
		return cerr
	}
	reply := &frame.ProcessReply{}
	if taskErr != nil {
		reply.Error = taskErr.Error()
		if out.Message != "" && out.ExitCode != 0 {
			logging.Op().Debug("handler output", "task", task.TaskID, "exit_code", out.ExitCode, "message", out.Message)
		}
	}
	return stream.SendAndClose(reply)
}

// upload sends the collected results to the agent on one SendResult
// stream. It returns the number of result bytes read.
func (s *Server) upload(ctx context.Context, task *taskhandler.Task, results *resultSet) (int64, error) {
	if len(results.uploads) == 0 {
		return 0, nil
	}
	if s.agent == nil {
		return 0, ErrNoAgent
	}

	cfg, err := chunk.ConfigFrom(task.Configuration)
	if err != nil {
		cfg = chunk.Config{MaxChunkSize: DefaultResultChunkSize}
	}
	counted := make([]sequencer.ResultUpload, len(results.uploads))
	var total int64
	for i, u := range results.uploads {
		src := u.Data
		if src == nil {
			src = chunk.Bytes(nil)
		}
		counted[i] = sequencer.ResultUpload{Key: u.Key, Data: &countingSource{src: src, n: &total}}
	}
	seq, err := sequencer.NewResultSequencer(counted, sequencer.TerminalLastData, cfg)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := s.agent.SendResult(qgrpc.WithTask(observability.InjectOutgoing(ctx), task.SessionID, task.TaskID))
	if err != nil {
		return 0, frame.Transport("open result upload", qgrpc.FromStatus(err))
	}
	if _, _, err := qgrpc.SendFrames(ctx, seq, stream); err != nil {
		return total, fmt.Errorf("upload results: %w", err)
	}
	return total, nil
}

type countingSource struct {
	src chunk.ByteSource
	n   *int64
}

func (c *countingSource) ReadChunk(maxLen int) ([]byte, error) {
	b, err := c.src.ReadChunk(maxLen)
	*c.n += int64(len(b))
	return b, err
}

// Package submitter is the client side of quasar: it negotiates the chunk
// ceiling with the cluster, uploads data, submits task batches and
// downloads results.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/frame"
	qgrpc "github.com/oriys/quasar/internal/grpc"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/sequencer"
	"github.com/oriys/quasar/internal/taskhandler"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
)

// ErrBatchRejected is matched by errors returned when the cluster answered
// a task batch with an error instead of task ids.
var ErrBatchRejected = errors.New("task batch rejected")

// Client calls quasar.Submitter. It is safe for concurrent use.
type Client struct {
	conn    *grpc.ClientConn
	stub    *qgrpc.SubmitterClient
	timeout time.Duration

	mu  sync.Mutex
	cfg *frame.Configuration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every call made without a deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// Dial connects to the cluster endpoint at addr.
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := qgrpc.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	c := New(conn, opts...)
	c.conn = conn
	return c, nil
}

// New returns a client over an existing connection. Close does not close
// cc.
func New(cc grpc.ClientConnInterface, opts ...Option) *Client {
	c := &Client{stub: qgrpc.NewSubmitterClient(cc)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close shuts down the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Configuration returns the service configuration. The first successful
// answer is cached for the lifetime of the client.
func (c *Client) Configuration(ctx context.Context) (*frame.Configuration, error) {
	c.mu.Lock()
	cached := c.cfg
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cfg, err := c.stub.GetServiceConfiguration(observability.InjectOutgoing(ctx))
	if err != nil {
		return nil, frame.Transport("get configuration", qgrpc.FromStatus(err))
	}
	if _, err := chunk.ConfigFrom(cfg); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.cfg == nil {
		c.cfg = cfg
	}
	cached = c.cfg
	c.mu.Unlock()
	logging.Op().Debug("service configuration", "data_chunk_max_size", cached.DataChunkMaxSize)
	return cached, nil
}

func (c *Client) chunkConfig(ctx context.Context) (chunk.Config, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return chunk.Config{}, err
	}
	return chunk.ConfigFrom(cfg)
}

// UploadData stores uploads in session. It returns the keys acknowledged by
// the cluster.
func (c *Client) UploadData(ctx context.Context, session string, uploads ...sequencer.ResultUpload) (keys []string, err error) {
	ctx, span := observability.StartClientSpan(ctx, "quasar.upload_data",
		observability.AttrSessionID.String(session),
		attribute.Int("quasar.upload.count", len(uploads)),
	)
	defer func() { observability.EndSpan(span, err) }()

	cfg, err := c.chunkConfig(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := sequencer.NewResultSequencer(uploads, sequencer.TerminalEmptyKey, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	stream, err := c.stub.UploadResultData(qgrpc.WithSession(observability.InjectOutgoing(ctx), session))
	if err != nil {
		return nil, frame.Transport("open upload", qgrpc.FromStatus(err))
	}
	reply, n, err := qgrpc.SendFrames(ctx, seq, stream)
	span.SetAttributes(observability.AttrFrames.Int(n))
	if err != nil {
		return nil, fmt.Errorf("upload data: %w", err)
	}
	return reply.Keys, nil
}

// CreateTasks submits every task yielded by source as one batch in
// session. The cluster acknowledges the batch as a whole: either all task
// ids are returned or a single error, never a partial result.
func (c *Client) CreateTasks(ctx context.Context, session string, opts *frame.TaskOptions, source sequencer.SubmissionSource) (ids []string, err error) {
	ctx, span := observability.StartClientSpan(ctx, "quasar.create_tasks",
		observability.AttrSessionID.String(session),
	)
	defer func() { observability.EndSpan(span, err) }()

	cfg, err := c.chunkConfig(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.AttrChunkSize.Int(cfg.MaxChunkSize))
	seq, err := sequencer.NewTaskSequencer(session, opts, source, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	stream, err := c.stub.CreateLargeTasks(observability.InjectOutgoing(ctx))
	if err != nil {
		return nil, frame.Transport("open batch", qgrpc.FromStatus(err))
	}
	reply, n, err := qgrpc.SendFrames(ctx, seq, stream)
	span.SetAttributes(
		observability.AttrFrames.Int(n),
		observability.AttrTaskCount.Int(seq.Tasks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrBatchRejected, reply.Error)
	}
	if len(reply.TaskIDs) != seq.Tasks() {
		return nil, fmt.Errorf("%w: sent %d tasks, got %d ids", ErrBatchRejected, seq.Tasks(), len(reply.TaskIDs))
	}

	logging.Op().Info("tasks submitted", "session", session, "tasks", len(reply.TaskIDs), "frames", n)
	return reply.TaskIDs, nil
}

// DownloadResult fetches the blob stored under key in session.
func (c *Client) DownloadResult(ctx context.Context, session, key string) (data []byte, err error) {
	ctx, span := observability.StartClientSpan(ctx, "quasar.download_result",
		observability.AttrSessionID.String(session),
		observability.AttrResultKey.String(key),
	)
	defer func() { observability.EndSpan(span, err) }()

	cfg, err := c.chunkConfig(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	stream, err := c.stub.DownloadResultData(observability.InjectOutgoing(ctx), &frame.ResultRequest{SessionID: session, Key: key})
	if err != nil {
		return nil, frame.Transport("open download", qgrpc.FromStatus(err))
	}
	blobs, err := taskhandler.NewResultDecoder(qgrpc.NewSource(stream), cfg.MaxChunkSize).Decode(ctx)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if len(blobs) != 1 || blobs[0].Key != key {
		return nil, frame.Violation(taskhandler.StateReady.String(), nil,
			fmt.Sprintf("expected exactly blob %q, got %d blobs", key, len(blobs)))
	}
	span.SetAttributes(observability.AttrBytes.Int(len(blobs[0].Data)))
	return blobs[0].Data, nil
}

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/datastore"
	"github.com/oriys/quasar/internal/frame"
	qgrpc "github.com/oriys/quasar/internal/grpc"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/sequencer"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// ErrTaskFailed is matched by errors reported for tasks the worker ran
// without success.
var ErrTaskFailed = errors.New("task failed")

// Dispatcher sends each submitted task once to a worker. At most
// concurrency tasks run at a time; Dispatch blocks while that many are in
// flight.
type Dispatcher struct {
	ctx    context.Context
	worker *qgrpc.WorkerClient
	store  datastore.Store
	cfg    chunk.Config
	group  *errgroup.Group

	// OnDone, when set, is called after every task with its outcome.
	OnDone func(task *Task, err error)
}

// NewDispatcher returns a dispatcher whose tasks run under ctx. Cancelling
// ctx aborts the tasks in flight.
func NewDispatcher(ctx context.Context, worker grpc.ClientConnInterface, store datastore.Store, cfg chunk.Config, concurrency int) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	return &Dispatcher{
		ctx:    ctx,
		worker: qgrpc.NewWorkerClient(worker),
		store:  store,
		cfg:    cfg,
		group:  g,
	}, nil
}

// Dispatch schedules task. Task failures are reported through OnDone and
// never stop the dispatcher.
func (d *Dispatcher) Dispatch(task *Task) {
	d.group.Go(func() error {
		err := d.run(d.ctx, task)
		if err != nil {
			logging.Op().Warn("task dispatch failed",
				"session", task.SessionID,
				"task", task.ID,
				"error_class", string(frame.Classify(err)),
				"error", err,
			)
		}
		if d.OnDone != nil {
			d.OnDone(task, err)
		}
		return nil
	})
}

// Wait blocks until every dispatched task finished.
func (d *Dispatcher) Wait() error {
	return d.group.Wait()
}

func (d *Dispatcher) run(ctx context.Context, task *Task) (err error) {
	ctx, span := observability.StartClientSpan(ctx, "quasar.agent.dispatch",
		observability.AttrSessionID.String(task.SessionID),
		observability.AttrTaskID.String(task.ID),
	)
	defer func() { observability.EndSpan(span, err) }()

	deps := make([]sequencer.ResultUpload, 0, len(task.DataDependencies))
	for _, key := range task.DataDependencies {
		data, err := d.store.Get(ctx, datastore.Key(task.SessionID, key))
		if err != nil {
			return fmt.Errorf("load dependency %q: %w", key, err)
		}
		deps = append(deps, sequencer.ResultUpload{Key: key, Data: chunk.Bytes(data)})
	}

	seq, err := sequencer.NewComputeSequencer(sequencer.ComputeRequest{
		SessionID:          task.SessionID,
		TaskID:             task.ID,
		TaskOptions:        task.Options,
		ExpectedOutputKeys: task.ExpectedOutputKeys,
		Payload:            chunk.Bytes(task.Payload),
		DataDependencies:   deps,
	}, d.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if task.Options != nil && task.Options.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Options.MaxDuration)
		defer cancel()
	}

	stream, err := d.worker.Process(observability.InjectOutgoing(ctx))
	if err != nil {
		return frame.Transport("open process", qgrpc.FromStatus(err))
	}
	reply, n, err := qgrpc.SendFrames(ctx, seq, stream)
	span.SetAttributes(observability.AttrFrames.Int(n))
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: %s", ErrTaskFailed, reply.Error)
	}
	return nil
}

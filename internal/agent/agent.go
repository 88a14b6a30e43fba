// Package agent is an in-process stand-in for the cluster. It serves
// quasar.Submitter to clients and quasar.Agent to workers, keeps data in a
// datastore.Store and hands every submitted task once to a Dispatcher.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/datastore"
	"github.com/oriys/quasar/internal/frame"
	qgrpc "github.com/oriys/quasar/internal/grpc"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/sequencer"
	"github.com/oriys/quasar/internal/taskhandler"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Agent implements qgrpc.SubmitterServer and qgrpc.AgentServer.
type Agent struct {
	store      datastore.Store
	cfg        chunk.Config
	ttl        time.Duration
	dispatcher *Dispatcher
	tasks      *taskTable
}

// New returns an agent storing data in store with the given chunk
// ceiling. ttl applies to every stored blob; zero uses the store default.
func New(store datastore.Store, cfg chunk.Config, ttl time.Duration) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Agent{
		store: store,
		cfg:   cfg,
		ttl:   ttl,
		tasks: newTaskTable(),
	}, nil
}

// SetDispatcher routes accepted tasks to d. Without a dispatcher tasks
// stay pending.
func (a *Agent) SetDispatcher(d *Dispatcher) {
	d.OnDone = a.taskDone
	a.dispatcher = d
}

func (a *Agent) taskDone(task *Task, err error) {
	if err != nil {
		a.tasks.setStatus(task.ID, TaskFailed, err.Error())
		return
	}
	a.tasks.setStatus(task.ID, TaskCompleted, "")
}

// Task returns the record of task id.
func (a *Agent) Task(id string) (Task, bool) {
	return a.tasks.get(id)
}

// TaskCounts returns the number of tasks in each status.
func (a *Agent) TaskCounts() map[TaskStatus]int {
	return a.tasks.counts()
}

func (a *Agent) GetServiceConfiguration(ctx context.Context, _ *frame.Empty) (*frame.Configuration, error) {
	return a.cfg.Configuration(), nil
}

// CreateLargeTasks decodes a whole batch before accepting any task of it.
// A batch naming a dependency that is not stored is rejected as a whole.
func (a *Agent) CreateLargeTasks(stream grpc.ClientStreamingServer[frame.Frame, frame.CreateTaskReply]) error {
	ctx := stream.Context()
	start := time.Now()
	src := qgrpc.NewSource(stream)
	header, subs, err := taskhandler.DecodeBatch(ctx, src, a.cfg.MaxChunkSize)
	metrics.RecordDecodeDuration("batch", float64(time.Since(start).Microseconds())/1000, err == nil)
	if err != nil {
		return err
	}

	if missing, err := a.missingDependencies(ctx, header.SessionID, subs); err != nil {
		return err
	} else if len(missing) > 0 {
		return stream.SendAndClose(&frame.CreateTaskReply{
			Error: fmt.Sprintf("session %s: missing data dependencies %v", header.SessionID, missing),
		})
	}

	now := time.Now()
	tasks := make([]*Task, len(subs))
	ids := make([]string, len(subs))
	for i, sub := range subs {
		tasks[i] = &Task{
			ID:                 uuid.NewString(),
			SessionID:          header.SessionID,
			Options:            header.Options.Clone(),
			ExpectedOutputKeys: sub.ExpectedOutputKeys,
			DataDependencies:   sub.DataDependencies,
			Payload:            sub.Payload,
			Status:             TaskPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		ids[i] = tasks[i].ID
	}
	a.tasks.add(tasks...)
	metrics.Global().RecordSubmitted(len(tasks))
	logging.Op().Info("task batch accepted", "session", header.SessionID, "tasks", len(tasks), "frames", src.Received())

	if err := stream.SendAndClose(&frame.CreateTaskReply{TaskIDs: ids}); err != nil {
		return err
	}
	if a.dispatcher != nil {
		for _, task := range tasks {
			a.tasks.setStatus(task.ID, TaskRunning, "")
			a.dispatcher.Dispatch(task)
		}
	}
	return nil
}

func (a *Agent) missingDependencies(ctx context.Context, session string, subs []*taskhandler.Submission) ([]string, error) {
	var missing []string
	seen := make(map[string]bool)
	for _, sub := range subs {
		for _, dep := range sub.DataDependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			ok, err := a.store.Exists(ctx, datastore.Key(session, dep))
			if err != nil {
				return nil, status.Errorf(codes.Unavailable, "check dependency %q: %v", dep, err)
			}
			if !ok {
				missing = append(missing, dep)
			}
		}
	}
	return missing, nil
}

// UploadResultData stores client data in the session named by the call
// metadata.
func (a *Agent) UploadResultData(stream grpc.ClientStreamingServer[frame.Frame, frame.UploadReply]) error {
	ctx := stream.Context()
	session := qgrpc.SessionFromContext(ctx)
	if session == "" {
		return status.Error(codes.InvalidArgument, "missing "+qgrpc.MetadataSession+" metadata")
	}
	blobs, err := a.decodeBlobs(ctx, stream, "upload")
	if err != nil {
		return err
	}
	keys, err := a.storeBlobs(ctx, session, blobs)
	if err != nil {
		return err
	}
	return stream.SendAndClose(&frame.UploadReply{Keys: keys})
}

// SendResult stores worker results. Every key must be an expected output
// of the task named by the call metadata.
func (a *Agent) SendResult(stream grpc.ClientStreamingServer[frame.Frame, frame.UploadReply]) error {
	ctx := stream.Context()
	session := qgrpc.SessionFromContext(ctx)
	taskID := qgrpc.TaskFromContext(ctx)
	if session == "" || taskID == "" {
		return status.Error(codes.InvalidArgument, "missing session or task metadata")
	}

	blobs, err := a.decodeBlobs(ctx, stream, "result")
	if err != nil {
		return err
	}
	for _, b := range blobs {
		known, expected := a.tasks.expects(taskID, b.Key)
		if !known {
			return status.Errorf(codes.NotFound, "unknown task %s", taskID)
		}
		if !expected {
			return status.Errorf(codes.FailedPrecondition, "task %s does not expect result %q", taskID, b.Key)
		}
	}
	keys, err := a.storeBlobs(ctx, session, blobs)
	if err != nil {
		return err
	}
	logging.Op().Debug("results stored", "session", session, "task", taskID, "keys", keys)
	return stream.SendAndClose(&frame.UploadReply{Keys: keys})
}

func (a *Agent) decodeBlobs(ctx context.Context, stream qgrpc.FrameReceiver, decoder string) ([]taskhandler.Blob, error) {
	start := time.Now()
	blobs, err := taskhandler.NewResultDecoder(qgrpc.NewSource(stream), a.cfg.MaxChunkSize).Decode(ctx)
	metrics.RecordDecodeDuration(decoder, float64(time.Since(start).Microseconds())/1000, err == nil)
	return blobs, err
}

func (a *Agent) storeBlobs(ctx context.Context, session string, blobs []taskhandler.Blob) ([]string, error) {
	keys := make([]string, 0, len(blobs))
	for _, b := range blobs {
		if err := a.store.Set(ctx, datastore.Key(session, b.Key), b.Data, a.ttl); err != nil {
			return nil, status.Errorf(codes.Unavailable, "store %q: %v", b.Key, err)
		}
		keys = append(keys, b.Key)
	}
	return keys, nil
}

// DownloadResultData streams one stored blob, terminated by the empty key.
func (a *Agent) DownloadResultData(req *frame.ResultRequest, stream grpc.ServerStreamingServer[frame.Frame]) error {
	ctx := stream.Context()
	if req.SessionID == "" || req.Key == "" {
		return status.Error(codes.InvalidArgument, "session and key are required")
	}
	data, err := a.store.Get(ctx, datastore.Key(req.SessionID, req.Key))
	if errors.Is(err, datastore.ErrNotFound) {
		return status.Errorf(codes.NotFound, "result %q not found in session %s", req.Key, req.SessionID)
	}
	if err != nil {
		return status.Errorf(codes.Unavailable, "load %q: %v", req.Key, err)
	}

	seq, err := sequencer.NewResultSequencer([]sequencer.ResultUpload{
		{Key: req.Key, Data: chunk.Bytes(data)},
	}, sequencer.TerminalEmptyKey, a.cfg)
	if err != nil {
		return err
	}
	sink := qgrpc.NewSink(stream)
	if _, err := frame.Pump(ctx, seq, sink); err != nil {
		return err
	}
	logging.Op().Debug("result streamed", "session", req.SessionID, "key", req.Key, "frames", sink.Sent())
	return nil
}

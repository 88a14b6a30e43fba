package grpc

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/frame"
	"github.com/oriys/quasar/internal/sequencer"
	"github.com/oriys/quasar/internal/taskhandler"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, register func(*Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer()
	register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := Dial("bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type decodingWorker struct {
	tasks chan *taskhandler.Task
}

func (w *decodingWorker) Process(stream grpc.ClientStreamingServer[frame.Frame, frame.ProcessReply]) error {
	ctx := stream.Context()
	dec := taskhandler.NewDecoder(NewSource(stream))
	task, err := dec.Decode(ctx)
	if err != nil {
		return err
	}
	if err := dec.ExpectEnd(ctx); err != nil {
		return err
	}
	w.tasks <- task
	return stream.SendAndClose(&frame.ProcessReply{})
}

func TestProcessStreamRoundTrip(t *testing.T) {
	worker := &decodingWorker{tasks: make(chan *taskhandler.Task, 1)}
	conn := startServer(t, func(s *Server) { s.RegisterWorker(worker) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewWorkerClient(conn).Process(ctx)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	seq, err := sequencer.NewComputeSequencer(sequencer.ComputeRequest{
		SessionID:          "session-1",
		TaskID:             "task-1",
		ExpectedOutputKeys: []string{"out"},
		Payload:            chunk.String("hello world"),
		DataDependencies: []sequencer.ResultUpload{
			{Key: "dep", Data: chunk.String("dependency bytes")},
		},
	}, chunk.Config{MaxChunkSize: 4})
	if err != nil {
		t.Fatalf("NewComputeSequencer failed: %v", err)
	}
	sink := NewSink(stream)
	if _, err := frame.Pump(ctx, seq, sink); err != nil {
		t.Fatalf("Pump failed: %v", err)
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		t.Fatalf("CloseAndRecv failed: %v", err)
	}

	task := <-worker.tasks
	if task.SessionID != "session-1" || task.TaskID != "task-1" {
		t.Fatalf("unexpected identity: %s/%s", task.SessionID, task.TaskID)
	}
	if string(task.Payload) != "hello world" {
		t.Fatalf("unexpected payload %q", task.Payload)
	}
	if string(task.DataDependencies["dep"]) != "dependency bytes" {
		t.Fatalf("unexpected dependency %q", task.DataDependencies["dep"])
	}
	if sink.Sent() < 4 {
		t.Fatalf("expected chunked stream, sent %d frames", sink.Sent())
	}
}

func TestProcessStreamViolationIsInvalidArgument(t *testing.T) {
	worker := &decodingWorker{tasks: make(chan *taskhandler.Task, 1)}
	conn := startServer(t, func(s *Server) { s.RegisterWorker(worker) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewWorkerClient(conn).Process(ctx)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := NewSink(stream).Send(ctx, frame.PayloadChunk([]byte("orphan"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_, err = stream.CloseAndRecv()
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	var pe *frame.ProtocolError
	if !errors.As(FromStatus(err), &pe) || pe.State != RemoteState {
		t.Fatalf("expected remote protocol error, got %v", FromStatus(err))
	}
	select {
	case <-worker.tasks:
		t.Fatal("handler must not see a rejected task")
	default:
	}
}

type recordingAgent struct {
	sessions chan string
}

func (a *recordingAgent) SendResult(stream grpc.ClientStreamingServer[frame.Frame, frame.UploadReply]) error {
	ctx := stream.Context()
	blobs, err := taskhandler.NewResultDecoder(NewSource(stream), 0).Decode(ctx)
	if err != nil {
		return err
	}
	a.sessions <- SessionFromContext(ctx) + "/" + TaskFromContext(ctx)
	reply := &frame.UploadReply{}
	for _, b := range blobs {
		reply.Keys = append(reply.Keys, b.Key)
	}
	return stream.SendAndClose(reply)
}

func TestSendResultCarriesMetadata(t *testing.T) {
	agent := &recordingAgent{sessions: make(chan string, 1)}
	conn := startServer(t, func(s *Server) { s.RegisterAgent(agent) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewAgentClient(conn).SendResult(WithTask(ctx, "s1", "t1"))
	if err != nil {
		t.Fatalf("SendResult failed: %v", err)
	}
	seq, err := sequencer.NewResultSequencer([]sequencer.ResultUpload{
		{Key: "a", Data: chunk.String("alpha")},
		{Key: "b", Data: chunk.String("beta")},
	}, sequencer.TerminalLastData, chunk.Config{MaxChunkSize: 3})
	if err != nil {
		t.Fatalf("NewResultSequencer failed: %v", err)
	}
	if _, err := frame.Pump(ctx, seq, NewSink(stream)); err != nil {
		t.Fatalf("Pump failed: %v", err)
	}
	reply, err := stream.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv failed: %v", err)
	}
	if len(reply.Keys) != 2 || reply.Keys[0] != "a" || reply.Keys[1] != "b" {
		t.Fatalf("unexpected keys %v", reply.Keys)
	}
	if got := <-agent.sessions; got != "s1/t1" {
		t.Fatalf("expected s1/t1 from metadata, got %q", got)
	}
}

func TestHealthReportsRegisteredServices(t *testing.T) {
	conn := startServer(t, func(s *Server) {
		s.RegisterWorker(&decodingWorker{tasks: make(chan *taskhandler.Task, 1)})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "quasar.Worker"})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}
}

func TestSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSource(nil).Recv(ctx); !errors.Is(err, frame.ErrCancelled) {
		t.Fatalf("expected cancellation before touching the stream, got %v", err)
	}
	if err := NewSink(nil).Send(ctx, frame.LastData()); !errors.Is(err, frame.ErrCancelled) {
		t.Fatalf("expected cancellation before touching the stream, got %v", err)
	}
}

type sliceStream struct {
	frames []*frame.Frame
}

func (s *sliceStream) Recv() (*frame.Frame, error) {
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func TestSourceCountsFrames(t *testing.T) {
	ctx := context.Background()
	src := NewSource(&sliceStream{frames: []*frame.Frame{
		frame.InitData("k"), frame.DataChunk([]byte("v")), frame.DataComplete(),
	}})
	for {
		_, err := src.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
	}
	if src.Received() != 3 {
		t.Fatalf("expected 3 frames, got %d", src.Received())
	}
}

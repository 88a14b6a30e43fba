package taskhandler

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/frame"
	"github.com/oriys/quasar/internal/frame/frametest"
	"github.com/oriys/quasar/internal/sequencer"
)

func computeInit(first string, complete bool) *frame.Frame {
	return frame.ComputeInit{
		SessionID:       "session",
		TaskID:          "task",
		FirstChunk:      []byte(first),
		PayloadComplete: complete,
	}.Frame()
}

func TestDecoder_TwoDependencies(t *testing.T) {
	src := frametest.NewReplay(
		computeInit("Payload", true),
		frame.InitData("DataKey1"),
		frame.DataChunk([]byte("Data1")),
		frame.DataChunk([]byte("Data2")),
		frame.DataComplete(),
		frame.InitData("DataKey2"),
		frame.DataChunk([]byte("Data1")),
		frame.DataChunk([]byte("Data2")),
		frame.DataChunk([]byte("Data2")),
		frame.DataChunk([]byte("Data2")),
		frame.DataComplete(),
		frame.InitData(""),
	)

	dec := NewDecoder(src)
	task, err := dec.Decode(context.Background())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if dec.State() != StateReady {
		t.Fatalf("expected state ready, got %s", dec.State())
	}
	want := map[string][]byte{
		"DataKey1": []byte("Data1Data2"),
		"DataKey2": []byte("Data1Data2Data2Data2"),
	}
	if !reflect.DeepEqual(task.DataDependencies, want) {
		t.Fatalf("unexpected dependencies: %q", task.DataDependencies)
	}
	if !reflect.DeepEqual(task.DependencyOrder, []string{"DataKey1", "DataKey2"}) {
		t.Fatalf("unexpected dependency order: %v", task.DependencyOrder)
	}
	if string(task.Payload) != "Payload" {
		t.Fatalf("unexpected payload: %q", task.Payload)
	}
	if task.SessionID != "session" || task.TaskID != "task" {
		t.Fatalf("unexpected ids: %s/%s", task.SessionID, task.TaskID)
	}
	if err := dec.ExpectEnd(context.Background()); err != nil {
		t.Fatalf("ExpectEnd failed: %v", err)
	}
}

func TestDecoder_ChunkedPayload(t *testing.T) {
	src := frametest.NewReplay(
		computeInit("te", false),
		frame.PayloadChunk([]byte("s")),
		frame.PayloadChunk([]byte("t")),
		frame.PayloadComplete(),
		frame.InitData(""),
	)
	task, err := NewDecoder(src).Decode(context.Background())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(task.Payload) != "test" {
		t.Fatalf("expected payload test, got %q", task.Payload)
	}
	if len(task.DataDependencies) != 0 {
		t.Fatalf("expected no dependencies, got %v", task.DataDependencies)
	}
}

func TestDecoder_EmptyPayload(t *testing.T) {
	task, err := NewDecoder(frametest.NewReplay(
		computeInit("", true),
		frame.InitData(""),
	)).Decode(context.Background())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if task.Payload == nil || len(task.Payload) != 0 {
		t.Fatalf("expected empty non-nil payload, got %#v", task.Payload)
	}
}

func TestDecoder_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		frames []*frame.Frame
	}{
		{
			name:   "empty stream",
			frames: nil,
		},
		{
			name:   "payload complete first",
			frames: []*frame.Frame{frame.PayloadComplete()},
		},
		{
			name:   "missing init",
			frames: []*frame.Frame{frame.PayloadChunk([]byte("x")), frame.PayloadComplete(), frame.InitData("")},
		},
		{
			name:   "batch init instead of compute init",
			frames: []*frame.Frame{frame.Init("session", nil)},
		},
		{
			name:   "compute init without task id",
			frames: []*frame.Frame{frame.ComputeInit{SessionID: "s", PayloadComplete: true}.Frame(), frame.InitData("")},
		},
		{
			name:   "data chunk before init data",
			frames: []*frame.Frame{computeInit("x", true), frame.DataChunk([]byte("d")), frame.DataComplete(), frame.InitData("")},
		},
		{
			name:   "data complete before init data",
			frames: []*frame.Frame{computeInit("x", true), frame.DataComplete(), frame.InitData("")},
		},
		{
			name:   "second payload complete after chunks",
			frames: []*frame.Frame{computeInit("x", false), frame.PayloadChunk([]byte("y")), frame.PayloadComplete(), frame.PayloadComplete(), frame.InitData("")},
		},
		{
			name:   "payload complete after complete init",
			frames: []*frame.Frame{computeInit("x", true), frame.PayloadComplete(), frame.InitData("")},
		},
		{
			name:   "second data complete",
			frames: []*frame.Frame{computeInit("x", true), frame.InitData("k"), frame.DataChunk([]byte("d")), frame.DataComplete(), frame.DataComplete(), frame.InitData("")},
		},
		{
			name:   "data complete without chunk",
			frames: []*frame.Frame{computeInit("x", true), frame.InitData("k"), frame.DataComplete(), frame.InitData("")},
		},
		{
			name:   "no payload frame at all",
			frames: []*frame.Frame{computeInit("", false), frame.InitData("")},
		},
		{
			name:   "truncated in payload",
			frames: []*frame.Frame{computeInit("x", false), frame.PayloadChunk([]byte("y"))},
		},
		{
			name:   "truncated before data key",
			frames: []*frame.Frame{computeInit("x", true)},
		},
		{
			name:   "truncated in data chunks",
			frames: []*frame.Frame{computeInit("x", true), frame.InitData("k"), frame.DataChunk([]byte("d"))},
		},
		{
			name:   "truncated after data complete",
			frames: []*frame.Frame{computeInit("x", true), frame.InitData("k"), frame.DataChunk([]byte("d")), frame.DataComplete()},
		},
		{
			name:   "duplicate data key",
			frames: []*frame.Frame{computeInit("x", true), frame.InitData("k"), frame.DataChunk(nil), frame.DataComplete(), frame.InitData("k"), frame.DataChunk(nil), frame.DataComplete(), frame.InitData("")},
		},
		{
			name:   "last data is not the task terminal",
			frames: []*frame.Frame{computeInit("x", true), frame.LastData()},
		},
		{
			name:   "init data inside a blob",
			frames: []*frame.Frame{computeInit("x", true), frame.InitData("k"), frame.DataChunk([]byte("d")), frame.InitData("j")},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := NewDecoder(frametest.NewReplay(tc.frames...))
			task, err := dec.Decode(context.Background())
			if !errors.Is(err, frame.ErrProtocolViolation) {
				t.Fatalf("expected protocol violation, got task=%v err=%v", task, err)
			}
			if task != nil {
				t.Fatalf("expected no task on violation, got %+v", task)
			}
			if dec.State() != StateFailed {
				t.Fatalf("expected failed state, got %s", dec.State())
			}
			if _, err := dec.Decode(context.Background()); !errors.Is(err, ErrDecoderUsed) {
				t.Fatalf("expected ErrDecoderUsed on reuse, got %v", err)
			}
		})
	}
}

func TestDecoder_ViolationNamesState(t *testing.T) {
	_, err := NewDecoder(frametest.NewReplay(
		computeInit("x", true),
		frame.DataChunk([]byte("d")),
	)).Decode(context.Background())

	var pe *frame.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.State != StateReadDataKey.String() || pe.Got != frame.KindDataChunk {
		t.Fatalf("unexpected violation details: %+v", pe)
	}
}

func TestDecoder_TrailingFrameAfterTerminal(t *testing.T) {
	dec := NewDecoder(frametest.NewReplay(
		computeInit("x", true),
		frame.InitData(""),
		frame.InitData("late"),
	))
	if _, err := dec.Decode(context.Background()); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if err := dec.ExpectEnd(context.Background()); !errors.Is(err, frame.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation for trailing key, got %v", err)
	}
}

func TestDecoder_ChunkAboveCeiling(t *testing.T) {
	first := frame.ComputeInit{
		SessionID:     "s",
		TaskID:        "t",
		Configuration: &frame.Configuration{DataChunkMaxSize: 2},
		FirstChunk:    []byte("ab"),
	}.Frame()
	_, err := NewDecoder(frametest.NewReplay(
		first,
		frame.PayloadChunk([]byte("cde")),
		frame.PayloadComplete(),
		frame.InitData(""),
	)).Decode(context.Background())
	if !errors.Is(err, frame.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation for oversized chunk, got %v", err)
	}
}

func TestDecoder_TransportFailure(t *testing.T) {
	src := frametest.NewReplay(computeInit("x", false))
	src.Err = errors.New("connection reset")

	_, err := NewDecoder(src).Decode(context.Background())
	if frame.Classify(err) != frame.ClassTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if errors.Is(err, frame.ErrProtocolViolation) {
		t.Fatalf("transport failure must not look like a violation: %v", err)
	}
}

func TestDecoder_CancelMidDecode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := frametest.NewReplay(
		computeInit("x", false),
		frame.PayloadChunk([]byte("y")),
		frame.PayloadChunk([]byte("z")),
		frame.PayloadComplete(),
		frame.InitData(""),
	)
	src.OnRecv = func(i int) {
		if i == 1 {
			cancel()
		}
	}

	task, err := NewDecoder(src).Decode(ctx)
	if !errors.Is(err, frame.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task after cancellation, got %+v", task)
	}
}

func TestDecoder_RoundTripWithComputeSequencer(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 7)
	seq, err := sequencer.NewComputeSequencer(sequencer.ComputeRequest{
		SessionID:          "session",
		TaskID:             "task-1",
		TaskOptions:        &frame.TaskOptions{Priority: 3, Options: map[string]string{"a": "b"}},
		ExpectedOutputKeys: []string{"out"},
		Payload:            chunk.Bytes(payload),
		DataDependencies: []sequencer.ResultUpload{
			{Key: "dep-a", Data: chunk.String("alpha")},
			{Key: "dep-empty", Data: chunk.Bytes(nil)},
		},
	}, chunk.Config{MaxChunkSize: 4})
	if err != nil {
		t.Fatalf("NewComputeSequencer failed: %v", err)
	}
	frames, err := frametest.Collect(context.Background(), seq)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	task, err := NewDecoder(frametest.NewReplay(frames...)).Decode(context.Background())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(task.Payload, payload) {
		t.Fatalf("payload mismatch: %q", task.Payload)
	}
	if string(task.DataDependencies["dep-a"]) != "alpha" {
		t.Fatalf("unexpected dep-a: %q", task.DataDependencies["dep-a"])
	}
	if d, ok := task.DataDependencies["dep-empty"]; !ok || len(d) != 0 {
		t.Fatalf("expected empty dep-empty, got %q (present=%v)", d, ok)
	}
	if task.Options.Priority != 3 || task.Options.Options["a"] != "b" {
		t.Fatalf("unexpected options: %+v", task.Options)
	}
	if task.Configuration.DataChunkMaxSize != 4 {
		t.Fatalf("unexpected configuration: %+v", task.Configuration)
	}
	if !reflect.DeepEqual(task.ExpectedResults, []string{"out"}) {
		t.Fatalf("unexpected expected results: %v", task.ExpectedResults)
	}
}

func TestDecoder_RoundTripAcrossCeilings(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	for size := 1; size <= len(payload)+1; size++ {
		seq, err := sequencer.NewComputeSequencer(sequencer.ComputeRequest{
			SessionID: "s",
			TaskID:    "t",
			Payload:   chunk.Bytes(payload),
		}, chunk.Config{MaxChunkSize: size})
		if err != nil {
			t.Fatalf("size %d: NewComputeSequencer failed: %v", size, err)
		}
		frames, err := frametest.Collect(context.Background(), seq)
		if err != nil {
			t.Fatalf("size %d: Collect failed: %v", size, err)
		}
		task, err := NewDecoder(frametest.NewReplay(frames...)).Decode(context.Background())
		if err != nil {
			t.Fatalf("size %d: Decode failed: %v", size, err)
		}
		if !bytes.Equal(task.Payload, payload) {
			t.Fatalf("size %d: payload mismatch %q", size, task.Payload)
		}
	}
}

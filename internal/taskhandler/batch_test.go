package taskhandler

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/frame"
	"github.com/oriys/quasar/internal/frame/frametest"
	"github.com/oriys/quasar/internal/sequencer"
)

func TestBatchDecoder_RoundTrip(t *testing.T) {
	seq, err := sequencer.NewTaskSequencer("session", &frame.TaskOptions{MaxRetries: 2}, sequencer.Submissions(
		&sequencer.TaskSubmission{ExpectedOutputKeys: []string{"o1"}, DataDependencies: []string{"d1"}, Payload: chunk.String("ab")},
		&sequencer.TaskSubmission{ExpectedOutputKeys: []string{"o2"}},
		&sequencer.TaskSubmission{ExpectedOutputKeys: []string{"o3"}, Payload: chunk.String("hello world")},
	), chunk.Config{MaxChunkSize: 1})
	if err != nil {
		t.Fatalf("NewTaskSequencer failed: %v", err)
	}
	frames, err := frametest.Collect(context.Background(), seq)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	header, subs, err := DecodeBatch(context.Background(), frametest.NewReplay(frames...), 1)
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	if header.SessionID != "session" || header.Options.MaxRetries != 2 {
		t.Fatalf("unexpected header: %+v", header)
	}
	if len(subs) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(subs))
	}
	if string(subs[0].Payload) != "ab" || !reflect.DeepEqual(subs[0].DataDependencies, []string{"d1"}) {
		t.Fatalf("unexpected first submission: %+v", subs[0])
	}
	if subs[1].Payload == nil || len(subs[1].Payload) != 0 {
		t.Fatalf("expected empty payload for second submission, got %#v", subs[1].Payload)
	}
	if string(subs[2].Payload) != "hello world" || subs[2].ExpectedOutputKeys[0] != "o3" {
		t.Fatalf("unexpected third submission: %+v", subs[2])
	}
}

func TestBatchDecoder_EmptyBatch(t *testing.T) {
	dec := NewBatchDecoder(frametest.NewReplay(frame.Init("session", nil)), 0)
	if _, err := dec.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF for empty batch, got %v", err)
	}
	if dec.Count() != 0 {
		t.Fatalf("expected no submissions, got %d", dec.Count())
	}
}

func TestBatchDecoder_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		frames []*frame.Frame
	}{
		{"empty stream", nil},
		{"missing init", []*frame.Frame{frame.InitTask(nil, nil), frame.PayloadChunk(nil), frame.PayloadComplete(), frame.InitTaskLast()}},
		{"payload complete first", []*frame.Frame{frame.PayloadComplete()}},
		{"last marker without tasks", []*frame.Frame{frame.Init("s", nil), frame.InitTaskLast()}},
		{"chunk without task header", []*frame.Frame{frame.Init("s", nil), frame.PayloadChunk([]byte("x"))}},
		{"missing last marker", []*frame.Frame{frame.Init("s", nil), frame.InitTask(nil, nil), frame.PayloadChunk([]byte("x")), frame.PayloadComplete()}},
		{"double payload complete", []*frame.Frame{frame.Init("s", nil), frame.InitTask(nil, nil), frame.PayloadChunk([]byte("x")), frame.PayloadComplete(), frame.PayloadComplete(), frame.InitTaskLast()}},
		{"no payload chunk", []*frame.Frame{frame.Init("s", nil), frame.InitTask(nil, nil), frame.PayloadComplete(), frame.InitTaskLast()}},
		{"chunk above ceiling", []*frame.Frame{frame.Init("s", nil), frame.InitTask(nil, nil), frame.PayloadChunk([]byte("toolong")), frame.PayloadComplete(), frame.InitTaskLast()}},
		{"truncated payload", []*frame.Frame{frame.Init("s", nil), frame.InitTask(nil, nil), frame.PayloadChunk([]byte("x"))}},
		{"task after last marker", []*frame.Frame{
			frame.Init("s", nil),
			frame.InitTask(nil, []string{"o1"}), frame.PayloadChunk([]byte("x")), frame.PayloadComplete(),
			frame.InitTaskLast(),
			frame.InitTask(nil, []string{"o2"}), frame.PayloadChunk([]byte("y")), frame.PayloadComplete(),
		}},
		{"frame after last marker", []*frame.Frame{frame.Init("s", nil), frame.InitTask(nil, nil), frame.PayloadChunk(nil), frame.PayloadComplete(), frame.InitTaskLast(), frame.InitTaskLast()}},
		{"duplicate dependency", []*frame.Frame{frame.Init("s", nil), frame.InitTask([]string{"in", "in"}, []string{"o"}), frame.PayloadChunk(nil), frame.PayloadComplete(), frame.InitTaskLast()}},
		{"duplicate output", []*frame.Frame{frame.Init("s", nil), frame.InitTask(nil, []string{"o", "o"}), frame.PayloadChunk(nil), frame.PayloadComplete(), frame.InitTaskLast()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, subs, err := DecodeBatch(context.Background(), frametest.NewReplay(tc.frames...), 4)
			if !errors.Is(err, frame.ErrProtocolViolation) {
				t.Fatalf("expected protocol violation, got %v", err)
			}
			if subs != nil {
				t.Fatalf("expected no submissions on violation, got %d", len(subs))
			}
		})
	}
}

func TestBatchDecoder_CompleteAfterLastMarker(t *testing.T) {
	dec := NewBatchDecoder(frametest.NewReplay(
		frame.Init("s", nil),
		frame.InitTask(nil, nil), frame.PayloadChunk([]byte("x")), frame.PayloadComplete(),
		frame.InitTaskLast(),
	), 0)
	if _, err := dec.Next(context.Background()); err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := dec.Next(context.Background()); !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF after last marker, got %v", err)
		}
	}
}

func TestBatchDecoder_ExpectEnd(t *testing.T) {
	ctx := context.Background()

	dec := NewBatchDecoder(frametest.NewReplay(
		frame.Init("s", nil),
		frame.InitTask(nil, nil), frame.PayloadChunk([]byte("x")), frame.PayloadComplete(),
		frame.InitTaskLast(),
	), 0)
	if err := dec.ExpectEnd(ctx); !errors.Is(err, ErrDecoderUsed) {
		t.Fatalf("expected ErrDecoderUsed before the batch ended, got %v", err)
	}
	for {
		if _, err := dec.Next(ctx); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	if err := dec.ExpectEnd(ctx); err != nil {
		t.Fatalf("ExpectEnd failed: %v", err)
	}

	empty := NewBatchDecoder(frametest.NewReplay(frame.Init("s", nil)), 0)
	if _, err := empty.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF for empty batch, got %v", err)
	}
	if err := empty.ExpectEnd(ctx); err != nil {
		t.Fatalf("ExpectEnd on empty batch failed: %v", err)
	}
}

func TestResultDecoder_Terminals(t *testing.T) {
	for _, terminal := range []*frame.Frame{frame.LastData(), frame.InitData("")} {
		t.Run(terminal.Kind.String(), func(t *testing.T) {
			blobs, err := NewResultDecoder(frametest.NewReplay(
				frame.InitData("a"), frame.DataChunk([]byte("1")), frame.DataChunk([]byte("2")), frame.DataComplete(),
				frame.InitData("b"), frame.DataChunk(nil), frame.DataComplete(),
				terminal,
			), 0).Decode(context.Background())
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(blobs) != 2 || blobs[0].Key != "a" || string(blobs[0].Data) != "12" || blobs[1].Key != "b" || len(blobs[1].Data) != 0 {
				t.Fatalf("unexpected blobs: %+v", blobs)
			}
		})
	}
}

func TestResultDecoder_RoundTrip(t *testing.T) {
	seq, err := sequencer.NewResultSequencer([]sequencer.ResultUpload{
		{Key: "r1", Data: chunk.String("result one")},
		{Key: "r2", Data: chunk.String("two")},
	}, sequencer.TerminalLastData, chunk.Config{MaxChunkSize: 3})
	if err != nil {
		t.Fatalf("NewResultSequencer failed: %v", err)
	}
	frames, err := frametest.Collect(context.Background(), seq)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	blobs, err := NewResultDecoder(frametest.NewReplay(frames...), 3).Decode(context.Background())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []Blob{{Key: "r1", Data: []byte("result one")}, {Key: "r2", Data: []byte("two")}}
	if !reflect.DeepEqual(blobs, want) {
		t.Fatalf("unexpected blobs: %+v", blobs)
	}
}

func TestResultDecoder_TruncatedBeforeTerminal(t *testing.T) {
	dec := NewResultDecoder(frametest.NewReplay(
		frame.InitData("a"), frame.DataChunk([]byte("1")), frame.DataComplete(),
	), 0)
	blobs, err := dec.Decode(context.Background())
	if !errors.Is(err, frame.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if blobs != nil {
		t.Fatalf("expected no blobs, got %+v", blobs)
	}
	if _, err := dec.Decode(context.Background()); !errors.Is(err, ErrDecoderUsed) {
		t.Fatalf("expected ErrDecoderUsed, got %v", err)
	}
}

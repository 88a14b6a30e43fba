package chunk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"github.com/oriys/quasar/internal/frame"
)

func drain(t *testing.T, enc *Encoder) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		c, err := enc.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		chunks = append(chunks, c)
	}
}

func TestEncoder_SplitsAtCeiling(t *testing.T) {
	enc, err := NewEncoder(String("test"), Config{MaxChunkSize: 3})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	chunks := drain(t, enc)
	if len(chunks) != 2 || string(chunks[0]) != "tes" || string(chunks[1]) != "t" {
		t.Fatalf("expected [tes t], got %q", chunks)
	}
}

func TestEncoder_EmptySourceYieldsOneEmptyChunk(t *testing.T) {
	enc, err := NewEncoder(Bytes(nil), Config{MaxChunkSize: 10})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	chunks := drain(t, enc)
	if len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Fatalf("expected one empty chunk, got %q", chunks)
	}

	// The encoder stays exhausted.
	if _, err := enc.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after exhaustion, got %v", err)
	}
}

func TestEncoder_NilSourceIsEmpty(t *testing.T) {
	enc, err := NewEncoder(nil, Config{MaxChunkSize: 4})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	if chunks := drain(t, enc); len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Fatalf("expected one empty chunk, got %q", chunks)
	}
}

func TestEncoder_InvariantsAcrossSizes(t *testing.T) {
	src := make([]byte, 97)
	for i := range src {
		src[i] = byte(i * 7)
	}
	for size := 1; size <= 100; size++ {
		for _, length := range []int{0, 1, size - 1, size, size + 1, len(src)} {
			if length < 0 || length > len(src) {
				continue
			}
			enc, err := NewEncoder(Bytes(src[:length]), Config{MaxChunkSize: size})
			if err != nil {
				t.Fatalf("NewEncoder(size=%d) failed: %v", size, err)
			}
			chunks := drain(t, enc)
			var joined []byte
			for i, c := range chunks {
				if len(c) > size {
					t.Fatalf("size=%d len=%d: chunk %d has %d bytes", size, length, i, len(c))
				}
				if len(c) == 0 && !(length == 0 && len(chunks) == 1) {
					t.Fatalf("size=%d len=%d: unexpected empty chunk %d", size, length, i)
				}
				joined = append(joined, c...)
			}
			if !bytes.Equal(joined, src[:length]) {
				t.Fatalf("size=%d len=%d: reassembled bytes differ", size, length)
			}
		}
	}
}

func TestEncoder_CoalescesShortReads(t *testing.T) {
	r := iotest.OneByteReader(bytes.NewReader([]byte("abcdefgh")))
	enc, err := NewEncoder(Reader(r), Config{MaxChunkSize: 3})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	chunks := drain(t, enc)
	want := []string{"abc", "def", "gh"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %q", len(want), chunks)
	}
	for i := range want {
		if string(chunks[i]) != want[i] {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], chunks[i])
		}
	}
}

func TestEncoder_ReaderWithDataAndEOF(t *testing.T) {
	r := iotest.DataErrReader(bytes.NewReader([]byte("xyz")))
	enc, err := NewEncoder(Reader(r), Config{MaxChunkSize: 8})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	chunks := drain(t, enc)
	if len(chunks) != 1 || string(chunks[0]) != "xyz" {
		t.Fatalf("expected [xyz], got %q", chunks)
	}
}

func TestEncoder_SourceError(t *testing.T) {
	boom := errors.New("disk on fire")
	enc, err := NewEncoder(Reader(iotest.ErrReader(boom)), Config{MaxChunkSize: 8})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	_, err = enc.Next(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if _, again := enc.Next(context.Background()); !errors.Is(again, boom) {
		t.Fatalf("expected encoder to stay failed, got %v", again)
	}
}

func TestEncoder_CancelledBeforeChunk(t *testing.T) {
	enc, err := NewEncoder(String("abcdefghi"), Config{MaxChunkSize: 3})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	first, err := enc.Next(ctx)
	if err != nil || string(first) != "abc" {
		t.Fatalf("expected first chunk 'abc', got %q (%v)", first, err)
	}
	cancel()

	_, err = enc.Next(ctx)
	if !errors.Is(err, frame.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if _, err := enc.Next(context.Background()); !errors.Is(err, frame.ErrCancelled) {
		t.Fatalf("expected cancelled encoder to stay cancelled, got %v", err)
	}
}

func TestEncoder_InvalidConfig(t *testing.T) {
	if _, err := NewEncoder(String("x"), Config{MaxChunkSize: 0}); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
	if _, err := ConfigFrom(nil); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize for nil configuration, got %v", err)
	}
	cfg, err := ConfigFrom(&frame.Configuration{DataChunkMaxSize: 512})
	if err != nil || cfg.MaxChunkSize != 512 {
		t.Fatalf("expected 512, got %d (%v)", cfg.MaxChunkSize, err)
	}
}

func TestConfig_UpperBound(t *testing.T) {
	if err := (Config{MaxChunkSize: MaxChunkSizeLimit}).Validate(); err != nil {
		t.Fatalf("limit itself must be valid: %v", err)
	}
	for _, size := range []int{MaxChunkSizeLimit + 1, 1 << 31, 1 << 40} {
		if err := (Config{MaxChunkSize: size}).Validate(); !errors.Is(err, ErrInvalidChunkSize) {
			t.Fatalf("size %d: expected ErrInvalidChunkSize, got %v", size, err)
		}
	}
	if _, err := ConfigFrom(&frame.Configuration{DataChunkMaxSize: MaxChunkSizeLimit + 1}); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected oversized advertised ceiling to be rejected, got %v", err)
	}

	advertised := Config{MaxChunkSize: MaxChunkSizeLimit}.Configuration()
	back, err := ConfigFrom(advertised)
	if err != nil || back.MaxChunkSize != MaxChunkSizeLimit {
		t.Fatalf("expected %d back, got %d (%v)", MaxChunkSizeLimit, back.MaxChunkSize, err)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	src := File(path)
	defer src.Close()

	enc, err := NewEncoder(src, Config{MaxChunkSize: 4})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	var joined []byte
	for _, c := range drain(t, enc) {
		joined = append(joined, c...)
	}
	if string(joined) != "hello world" {
		t.Fatalf("expected 'hello world', got %q", joined)
	}
}

func TestFileSource_Missing(t *testing.T) {
	src := File(filepath.Join(t.TempDir(), "missing"))
	if _, err := src.ReadChunk(8); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if _, err := src.ReadChunk(8); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after failed open, got %v", err)
	}
}

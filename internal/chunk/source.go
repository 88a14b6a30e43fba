// Package chunk splits byte sources into bounded chunks.
package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ByteSource is the single capability every payload origin implements.
// ReadChunk returns at most maxLen bytes; it may return fewer, and returns
// io.EOF once the source is exhausted.
type ByteSource interface {
	ReadChunk(maxLen int) ([]byte, error)
}

type bytesSource struct {
	data []byte
	pos  int
}

// Bytes returns a source over an in-memory buffer. The buffer is not copied
// and must not be mutated while the source is in use.
func Bytes(data []byte) ByteSource {
	return &bytesSource{data: data}
}

// String is Bytes for a string.
func String(s string) ByteSource {
	return Bytes([]byte(s))
}

func (s *bytesSource) ReadChunk(maxLen int) ([]byte, error) {
	if s.pos >= len(s.data) {
		return nil, io.EOF
	}
	end := s.pos + maxLen
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.pos:end]
	s.pos = end
	return chunk, nil
}

type readerSource struct {
	r   io.Reader
	buf []byte
}

// Reader returns a source over r. Reads may be short; the Encoder coalesces
// them into full chunks.
func Reader(r io.Reader) ByteSource {
	return &readerSource{r: r}
}

func (s *readerSource) ReadChunk(maxLen int) ([]byte, error) {
	if cap(s.buf) < maxLen {
		s.buf = make([]byte, maxLen)
	}
	n, err := s.r.Read(s.buf[:maxLen])
	if n > 0 {
		// Hand out a copy; the next read reuses the buffer.
		out := make([]byte, n)
		copy(out, s.buf[:n])
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return out, err
	}
	return nil, err
}

// FileSource reads a file lazily. The file is opened on the first read and
// closed at EOF, on error, or by Close.
type FileSource struct {
	path string
	f    *os.File
	done bool
}

// File returns a source reading the file at path.
func File(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) ReadChunk(maxLen int) ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.f == nil {
		f, err := os.Open(s.path)
		if err != nil {
			s.done = true
			return nil, fmt.Errorf("open %s: %w", s.path, err)
		}
		s.f = f
	}
	buf := make([]byte, maxLen)
	n, err := s.f.Read(buf)
	if err != nil {
		s.Close()
		if n > 0 && errors.Is(err, io.EOF) {
			return buf[:n], nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// Close releases the file handle. It is safe to call more than once.
func (s *FileSource) Close() error {
	s.done = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadAll drains src into memory.
func ReadAll(src ByteSource, maxLen int) ([]byte, error) {
	var out []byte
	for {
		chunk, err := src.ReadChunk(maxLen)
		out = append(out, chunk...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/sequencer"
	"gopkg.in/yaml.v3"
)

// taskSpec is one entry of a tasks file.
type taskSpec struct {
	Payload     string   `yaml:"payload"`
	PayloadFile string   `yaml:"payload_file"`
	Outputs     []string `yaml:"outputs"`
	Deps        []string `yaml:"deps"`
}

type taskFile struct {
	Tasks []taskSpec `yaml:"tasks"`
}

// loadTaskFile reads a tasks file. JSON files parse as YAML.
func loadTaskFile(path string) ([]taskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("%s: no tasks", path)
	}
	for i, t := range tf.Tasks {
		if len(t.Outputs) == 0 {
			return nil, fmt.Errorf("%s: task %d has no outputs", path, i)
		}
		if t.Payload != "" && t.PayloadFile != "" {
			return nil, fmt.Errorf("%s: task %d sets both payload and payload_file", path, i)
		}
	}
	return tf.Tasks, nil
}

// specSource yields submissions for specs, opening payload files only when
// the sequencer reaches them.
type specSource struct {
	specs []taskSpec
	pos   int
	open  []*chunk.FileSource
}

func newSpecSource(specs []taskSpec) (*specSource, func(), error) {
	stdin := 0
	for _, s := range specs {
		if s.PayloadFile == "-" {
			stdin++
		}
	}
	if stdin > 1 {
		return nil, nil, errors.New("only one task may read its payload from stdin")
	}
	src := &specSource{specs: specs}
	return src, src.close, nil
}

func (s *specSource) Next(ctx context.Context) (*sequencer.TaskSubmission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.specs) {
		return nil, io.EOF
	}
	spec := s.specs[s.pos]
	s.pos++

	sub := &sequencer.TaskSubmission{
		ExpectedOutputKeys: spec.Outputs,
		DataDependencies:   spec.Deps,
	}
	switch spec.PayloadFile {
	case "":
		sub.Payload = chunk.String(spec.Payload)
	case "-":
		sub.Payload = chunk.Reader(os.Stdin)
	default:
		f := chunk.File(spec.PayloadFile)
		s.open = append(s.open, f)
		sub.Payload = f
	}
	return sub, nil
}

func (s *specSource) close() {
	for _, f := range s.open {
		f.Close()
	}
}

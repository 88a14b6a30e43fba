package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/quasar/internal/chunk"
)

func TestLoadTaskFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	data := `
tasks:
  - payload: hello
    outputs: [out-a]
  - payload_file: input.bin
    outputs: [out-b, out-c]
    deps: [blob-1]
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write tasks file: %v", err)
	}

	specs, err := loadTaskFile(path)
	if err != nil {
		t.Fatalf("loadTaskFile failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(specs))
	}
	if specs[1].PayloadFile != "input.bin" || len(specs[1].Outputs) != 2 || specs[1].Deps[0] != "blob-1" {
		t.Fatalf("unexpected second task: %+v", specs[1])
	}
}

func TestLoadTaskFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	data := `{"tasks":[{"payload":"x","outputs":["o"]}]}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write tasks file: %v", err)
	}
	specs, err := loadTaskFile(path)
	if err != nil {
		t.Fatalf("loadTaskFile failed: %v", err)
	}
	if specs[0].Payload != "x" || specs[0].Outputs[0] != "o" {
		t.Fatalf("unexpected task: %+v", specs[0])
	}
}

func TestLoadTaskFileRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "tasks: []"},
		{"no outputs", "tasks:\n  - payload: x\n"},
		{"both payloads", "tasks:\n  - payload: x\n    payload_file: y\n    outputs: [o]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tasks.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0644); err != nil {
				t.Fatalf("write tasks file: %v", err)
			}
			if _, err := loadTaskFile(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSpecSource(t *testing.T) {
	dir := t.TempDir()
	payloadPath := filepath.Join(dir, "payload")
	if err := os.WriteFile(payloadPath, []byte("from file"), 0644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	src, closeFn, err := newSpecSource([]taskSpec{
		{Payload: "inline", Outputs: []string{"a"}},
		{PayloadFile: payloadPath, Outputs: []string{"b"}, Deps: []string{"d"}},
	})
	if err != nil {
		t.Fatalf("newSpecSource failed: %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	want := []string{"inline", "from file"}
	for i, w := range want {
		sub, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		got, err := chunk.ReadAll(sub.Payload, 4)
		if err != nil {
			t.Fatalf("read payload %d: %v", i, err)
		}
		if string(got) != w {
			t.Fatalf("payload %d = %q, want %q", i, got, w)
		}
	}
	if _, err := src.Next(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestSpecSourceSingleStdin(t *testing.T) {
	_, _, err := newSpecSource([]taskSpec{
		{PayloadFile: "-", Outputs: []string{"a"}},
		{PayloadFile: "-", Outputs: []string{"b"}},
	})
	if err == nil {
		t.Fatal("expected error for two stdin payloads")
	}
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"a=1", "b=x=y"})
	if err != nil {
		t.Fatalf("parseKeyValues failed: %v", err)
	}
	if got["a"] != "1" || got["b"] != "x=y" {
		t.Fatalf("unexpected map: %v", got)
	}
	if _, err := parseKeyValues([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
}

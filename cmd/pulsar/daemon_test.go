package main

import (
	"testing"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/worker"
)

func TestBuildHandler(t *testing.T) {
	h, err := buildHandler(config.WorkerConfig{Handler: "echo"})
	if err != nil {
		t.Fatalf("echo handler: %v", err)
	}
	if _, ok := h.(worker.EchoHandler); !ok {
		t.Fatalf("expected EchoHandler, got %T", h)
	}

	h, err = buildHandler(config.WorkerConfig{Handler: "exec", Command: []string{"cat"}, WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("exec handler: %v", err)
	}
	exec, ok := h.(*worker.ExecHandler)
	if !ok || exec.Command[0] != "cat" || exec.WorkDir != "/tmp" {
		t.Fatalf("unexpected exec handler: %#v", h)
	}

	if _, err := buildHandler(config.WorkerConfig{Handler: "exec"}); err == nil {
		t.Fatal("expected error for exec without command")
	}
	if _, err := buildHandler(config.WorkerConfig{Handler: "wasm"}); err == nil {
		t.Fatal("expected error for unknown handler")
	}
}

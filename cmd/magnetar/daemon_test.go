package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/agent"
	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/datastore"
)

func TestHTTPHandlerTasks(t *testing.T) {
	store := datastore.NewInMemory(0, 0)
	defer store.Close()
	a, err := agent.New(store, chunk.Config{MaxChunkSize: 16}, time.Minute)
	if err != nil {
		t.Fatalf("agent.New failed: %v", err)
	}
	h := newHTTPHandler(a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /tasks returned %d", rec.Code)
	}
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /stats returned %d", rec.Code)
	}
}

package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics keeps in-process transfer counters. Every Record call also feeds
// the Prometheus collectors when they are initialized.
type Metrics struct {
	FramesSent     atomic.Int64
	FramesReceived atomic.Int64
	BytesSent      atomic.Int64
	BytesReceived  atomic.Int64

	TasksSubmitted atomic.Int64
	TasksSucceeded atomic.Int64
	TasksFailed    atomic.Int64

	ProtocolViolations atomic.Int64

	// Task latency (in milliseconds)
	TotalTaskMs atomic.Int64
	MinTaskMs   atomic.Int64
	MaxTaskMs   atomic.Int64

	// Per-handler counters
	handlers sync.Map // handler -> *HandlerMetrics

	startTime time.Time
}

// HandlerMetrics tracks tasks for a single worker handler
type HandlerMetrics struct {
	Tasks    atomic.Int64
	Failures atomic.Int64
	TotalMs  atomic.Int64
}

var global = New()

// New returns an empty collector.
func New() *Metrics {
	m := &Metrics{startTime: time.Now()}
	m.MinTaskMs.Store(int64(^uint64(0) >> 1))
	return m
}

// Global returns the process-wide metrics instance
func Global() *Metrics {
	return global
}

// Direction labels.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// RecordFrame counts one frame moving in direction.
func (m *Metrics) RecordFrame(direction, kind string, dataBytes int) {
	switch direction {
	case DirectionSent:
		m.FramesSent.Add(1)
		m.BytesSent.Add(int64(dataBytes))
	case DirectionReceived:
		m.FramesReceived.Add(1)
		m.BytesReceived.Add(int64(dataBytes))
	}
	RecordPrometheusFrame(direction, kind, dataBytes)
}

// RecordViolation counts a stream rejected at stage.
func (m *Metrics) RecordViolation(stage string) {
	m.ProtocolViolations.Add(1)
	RecordProtocolViolation(stage)
}

// RecordSubmitted counts accepted tasks.
func (m *Metrics) RecordSubmitted(n int) {
	m.TasksSubmitted.Add(int64(n))
	RecordTasksSubmitted(n)
}

// RecordTask records one processed task.
func (m *Metrics) RecordTask(handler string, durationMs int64, success bool) {
	if success {
		m.TasksSucceeded.Add(1)
	} else {
		m.TasksFailed.Add(1)
	}
	m.TotalTaskMs.Add(durationMs)
	updateMin(&m.MinTaskMs, durationMs)
	updateMax(&m.MaxTaskMs, durationMs)

	hm := m.handlerMetrics(handler)
	hm.Tasks.Add(1)
	hm.TotalMs.Add(durationMs)
	if !success {
		hm.Failures.Add(1)
	}

	RecordPrometheusTask(handler, durationMs, success)
}

func (m *Metrics) handlerMetrics(handler string) *HandlerMetrics {
	if v, ok := m.handlers.Load(handler); ok {
		return v.(*HandlerMetrics)
	}
	v, _ := m.handlers.LoadOrStore(handler, &HandlerMetrics{})
	return v.(*HandlerMetrics)
}

// Snapshot returns the counters as a JSON-friendly map.
func (m *Metrics) Snapshot() map[string]interface{} {
	succeeded := m.TasksSucceeded.Load()
	failed := m.TasksFailed.Load()
	processed := succeeded + failed

	var avgMs float64
	minMs := m.MinTaskMs.Load()
	if processed > 0 {
		avgMs = float64(m.TotalTaskMs.Load()) / float64(processed)
	} else {
		minMs = 0
	}

	handlers := make(map[string]interface{})
	m.handlers.Range(func(key, value any) bool {
		hm := value.(*HandlerMetrics)
		handlers[key.(string)] = map[string]interface{}{
			"tasks":    hm.Tasks.Load(),
			"failures": hm.Failures.Load(),
			"total_ms": hm.TotalMs.Load(),
		}
		return true
	})

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"frames": map[string]interface{}{
			"sent":           m.FramesSent.Load(),
			"received":       m.FramesReceived.Load(),
			"bytes_sent":     m.BytesSent.Load(),
			"bytes_received": m.BytesReceived.Load(),
			"violations":     m.ProtocolViolations.Load(),
		},
		"tasks": map[string]interface{}{
			"submitted": m.TasksSubmitted.Load(),
			"succeeded": succeeded,
			"failed":    failed,
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    m.MaxTaskMs.Load(),
		},
		"handlers": handlers,
	}
}

// JSONHandler returns an HTTP handler that exposes Snapshot as JSON
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value >= current {
			return
		}
		if target.CompareAndSwap(current, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value <= current {
			return
		}
		if target.CompareAndSwap(current, value) {
			return
		}
	}
}

package agent

import (
	"sync"
	"time"

	"github.com/oriys/quasar/internal/frame"
)

// TaskStatus is the lifecycle position of a submitted task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is the agent's record of one submitted task.
type Task struct {
	ID                 string             `json:"id"`
	SessionID          string             `json:"session_id"`
	Options            *frame.TaskOptions `json:"options,omitempty"`
	ExpectedOutputKeys []string           `json:"expected_output_keys"`
	DataDependencies   []string           `json:"data_dependencies,omitempty"`
	Payload            []byte             `json:"-"`

	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// snapshot copies the fields callers may read without the payload.
func (t *Task) snapshot() Task {
	cp := *t
	cp.Payload = nil
	cp.ExpectedOutputKeys = append([]string(nil), t.ExpectedOutputKeys...)
	cp.DataDependencies = append([]string(nil), t.DataDependencies...)
	return cp
}

// taskTable tracks tasks by id.
type taskTable struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func newTaskTable() *taskTable {
	return &taskTable{tasks: make(map[string]*Task)}
}

func (t *taskTable) add(tasks ...*Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, task := range tasks {
		t.tasks[task.ID] = task
	}
}

func (t *taskTable) get(id string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return task.snapshot(), true
}

func (t *taskTable) expects(id, key string) (known, expected bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[id]
	if !ok {
		return false, false
	}
	for _, k := range task.ExpectedOutputKeys {
		if k == key {
			return true, true
		}
	}
	return true, false
}

func (t *taskTable) setStatus(id string, status TaskStatus, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return
	}
	task.Status = status
	task.Error = errMsg
	task.UpdatedAt = time.Now()
	if status == TaskCompleted || status == TaskFailed {
		// The payload is only needed until the task has run.
		task.Payload = nil
	}
}

func (t *taskTable) counts() map[TaskStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[TaskStatus]int, 4)
	for _, task := range t.tasks {
		out[task.Status]++
	}
	return out
}

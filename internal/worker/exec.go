package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/taskhandler"
)

// Environment passed to commands run by ExecHandler.
const (
	EnvSessionID = "QUASAR_SESSION_ID"
	EnvTaskID    = "QUASAR_TASK_ID"
	EnvDepsDir   = "QUASAR_DEPS_DIR"
	EnvOutputDir = "QUASAR_OUTPUT_DIR"
)

// ExecHandler runs a command per task. The payload is written to its
// stdin and every dependency to a file under $QUASAR_DEPS_DIR named after
// its key. Stdout becomes the first expected result; any other expected
// result is read from a file of the same name under $QUASAR_OUTPUT_DIR.
type ExecHandler struct {
	Command []string
	// WorkDir is the parent of the per-task directories. Empty uses the
	// system temp directory.
	WorkDir string
	Env     []string
	// WaitDelay bounds how long a cancelled command may linger.
	WaitDelay time.Duration
}

func (h *ExecHandler) Execute(ctx context.Context, task *taskhandler.Task, results ResultWriter) (Output, error) {
	if len(h.Command) == 0 {
		return Output{}, errors.New("exec handler: no command configured")
	}

	dir, err := os.MkdirTemp(h.WorkDir, "quasar-task-*")
	if err != nil {
		return Output{}, fmt.Errorf("create task dir: %w", err)
	}
	defer os.RemoveAll(dir)

	depsDir := filepath.Join(dir, "deps")
	outDir := filepath.Join(dir, "out")
	if err := writeDependencies(depsDir, task); err != nil {
		return Output{}, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(task.Payload)
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Env = append(cmd.Env,
		EnvSessionID+"="+task.SessionID,
		EnvTaskID+"="+task.TaskID,
		EnvDepsDir+"="+depsDir,
		EnvOutputDir+"="+outDir,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = h.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	configureProcessGroup(cmd)

	if err := cmd.Run(); err != nil {
		out := Output{ExitCode: -1, Message: strings.TrimSpace(stderr.String())}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, fmt.Errorf("execution failed (exit %d): %s", out.ExitCode, out.Message)
		}
		return out, fmt.Errorf("execution failed: %w", err)
	}

	for i, key := range task.ExpectedResults {
		if i == 0 {
			if err := results.Put(key, chunk.Bytes(stdout.Bytes())); err != nil {
				return Output{}, err
			}
			continue
		}
		if !filepath.IsLocal(key) {
			return Output{}, fmt.Errorf("result key %q is not a local path", key)
		}
		data, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(key)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Output{}, fmt.Errorf("read result %q: %w", key, err)
		}
		if err := results.Put(key, chunk.Bytes(data)); err != nil {
			return Output{}, err
		}
	}
	return Output{Message: strings.TrimSpace(stderr.String())}, nil
}

func writeDependencies(depsDir string, task *taskhandler.Task) error {
	if err := os.MkdirAll(depsDir, 0755); err != nil {
		return fmt.Errorf("create deps dir: %w", err)
	}
	for _, key := range task.DependencyOrder {
		if !filepath.IsLocal(key) {
			return fmt.Errorf("dependency key %q is not a local path", key)
		}
		path := filepath.Join(depsDir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("write dependency %q: %w", key, err)
		}
		if err := os.WriteFile(path, task.DataDependencies[key], 0644); err != nil {
			return fmt.Errorf("write dependency %q: %w", key, err)
		}
	}
	return nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"
)

const (
	KindEmpty   = "empty"
	KindCommand = "command"

	// SkipExitCode makes a command task end Skipped instead of Failed.
	SkipExitCode = 99

	terminationGrace = 5 * time.Second
	outputWaitDelay  = 2 * time.Second
)

// Executor runs a single task attempt. Implementations must honour ctx
// cancellation on a best-effort basis.
type Executor interface {
	Execute(ctx context.Context, desc *TaskDescriptor) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, desc *TaskDescriptor) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, desc *TaskDescriptor) Outcome { return f(ctx, desc) }

// NoopExecutor succeeds without doing anything.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, _ *TaskDescriptor) Outcome {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	return Succeeded()
}

// KindRouter picks an executor by descriptor kind.
type KindRouter map[string]Executor

func (r KindRouter) Execute(ctx context.Context, desc *TaskDescriptor) Outcome {
	kind := desc.Kind
	if kind == "" {
		kind = KindEmpty
	}
	e, ok := r[kind]
	if !ok {
		return Failed(fmt.Errorf("no executor for kind %q", kind))
	}
	return e.Execute(ctx, desc)
}

// LogLocator tells the command executor where attempt output goes.
type LogLocator interface {
	EnsureRunLogDir(runID string) error
	TaskLogPath(runID, taskID string, attempt int) string
}

// CommandExecutor executes task commands through the system shell.
type CommandExecutor struct {
	logs   LogLocator
	logger *slog.Logger
}

// NewCommandExecutor creates a new executor.
func NewCommandExecutor(logs LogLocator, logger *slog.Logger) *CommandExecutor {
	return &CommandExecutor{
		logs:   logs,
		logger: logger,
	}
}

// Execute runs the command and maps its exit status to an outcome.
func (e *CommandExecutor) Execute(ctx context.Context, desc *TaskDescriptor) Outcome {
	if desc.Command == "" {
		return Failed(errors.New("command is empty"))
	}
	if err := e.logs.EnsureRunLogDir(desc.RunID); err != nil {
		return Failed(fmt.Errorf("ensure run log dir: %w", err))
	}
	logFile, err := os.OpenFile(e.logs.TaskLogPath(desc.RunID, desc.TaskID, desc.Attempt), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Failed(fmt.Errorf("open log file: %w", err))
	}
	defer logFile.Close()

	out := &syncWriter{w: logFile}
	cmd := commandForTask(desc.Command)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), envList(desc)...)
	// A background child can keep the output pipe open after the shell exits.
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return Failed(fmt.Errorf("start command: %w", err))
	}

	done := make(chan struct{})
	var killer *time.Timer
	var killerMu sync.Mutex
	go func() {
		select {
		case <-ctx.Done():
			e.logger.Warn("terminating task", "run_id", desc.RunID, "task_id", desc.TaskID, "reason", ctx.Err())
			sendTermination(cmd.Process)
			killerMu.Lock()
			killer = time.AfterFunc(terminationGrace, func() { _ = cmd.Process.Kill() })
			killerMu.Unlock()
		case <-done:
		}
	}()
	waitErr := cmd.Wait()
	close(done)
	killerMu.Lock()
	if killer != nil {
		killer.Stop()
	}
	killerMu.Unlock()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Outcome{Status: OutcomeTimeout, Err: ctx.Err()}
	case ctx.Err() != nil:
		return Failed(ctx.Err())
	case waitErr == nil:
		return Succeeded()
	case errors.Is(waitErr, exec.ErrWaitDelay):
		e.logger.Warn("task left output open after exit", "run_id", desc.RunID, "task_id", desc.TaskID, "attempt", desc.Attempt)
		return Succeeded()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == SkipExitCode {
		return Skipped()
	}
	return Failed(waitErr)
}

func envList(desc *TaskDescriptor) []string {
	env := []string{
		"CRONFLOW_WORKFLOW=" + desc.Workflow,
		"CRONFLOW_RUN_ID=" + desc.RunID,
		"CRONFLOW_TASK_ID=" + desc.TaskID,
		"CRONFLOW_LOGICAL_TIME=" + desc.LogicalTime.UTC().Format(time.RFC3339),
		fmt.Sprintf("CRONFLOW_ATTEMPT=%d", desc.Attempt),
	}
	keys := make([]string, 0, len(desc.Env))
	for k := range desc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+desc.Env[k])
	}
	return env
}

func commandForTask(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command) // #nosec G204
	}
	return exec.Command("/bin/sh", "-c", command) // #nosec G204
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}

func ptrString(v string) *string {
	return &v
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// RunSpec describes one agent invocation.
type RunSpec struct {
	// Command is the executable, resolved via PATH.
	Command string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory; empty means the current one.
	Dir string

	// Env is additional environment in "KEY=VALUE" form, appended to
	// the parent environment.
	Env []string

	// Stderr, when set, receives the agent's stderr verbatim instead
	// of it being carried as stderr events on the run's channel.
	Stderr io.Writer
}

// Run is a live agent process.
type Run interface {
	// ID is the unique run identifier.
	ID() string

	// Events delivers the agent's output in order. The channel closes
	// when both stdout and stderr are exhausted.
	Events() <-chan Event

	// Wait blocks until the output is drained and the process has
	// exited, then returns the exit code. A process killed by a
	// signal (including group kill on context cancellation) reports
	// -1 with a nil error; a non-nil error means the run itself
	// broke, not that the agent failed.
	Wait() (int, error)

	// Signal sends a signal to the agent process.
	Signal(signal os.Signal) error
}

// Runner starts agent runs. The server depends on this interface so
// tests can substitute a scripted implementation.
type Runner interface {
	Start(ctx context.Context, spec RunSpec) (Run, error)
}

// Local runs agents as child processes of this server.
type Local struct {
	// KillGrace is how long a cancelled run gets between SIGTERM and
	// SIGKILL. Zero means SIGKILL immediately.
	KillGrace time.Duration

	// Logger for run lifecycle messages. Nil means slog.Default.
	Logger *slog.Logger
}

// NewLocal returns a Local runner with a 5 second kill grace.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{KillGrace: 5 * time.Second, Logger: logger}
}

// Start spawns the agent in its own process group and begins pumping
// its output. The returned Run's event channel must be drained;
// otherwise the agent blocks on a full pipe.
func (l *Local) Start(ctx context.Context, spec RunSpec) (Run, error) {
	if spec.Command == "" {
		return nil, errors.New("run spec has no command")
	}

	command := exec.CommandContext(ctx, spec.Command, spec.Args...)
	command.Dir = spec.Dir
	command.Env = append(os.Environ(), spec.Env...)

	// Own process group so cancellation reaches helpers the agent
	// forks, not just the agent itself. Without this, surviving
	// children hold the stdout pipe open and Wait never returns.
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	grace := l.KillGrace
	if grace > 0 {
		command.Cancel = func() error {
			processGroup := -command.Process.Pid
			if err := syscall.Kill(processGroup, syscall.SIGTERM); err != nil {
				// Group already gone or unkillable; escalate.
				return syscall.Kill(processGroup, syscall.SIGKILL)
			}
			go func() {
				time.Sleep(grace)
				// Best-effort: ESRCH from an exited group is harmless.
				_ = syscall.Kill(processGroup, syscall.SIGKILL)
			}()
			return nil
		}
	} else {
		command.Cancel = func() error {
			return syscall.Kill(-command.Process.Pid, syscall.SIGKILL)
		}
	}

	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	var stderr io.ReadCloser
	if spec.Stderr != nil {
		command.Stderr = spec.Stderr
	} else {
		stderr, err = command.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("creating stderr pipe: %w", err)
		}
	}

	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}

	run := &localRun{
		id:      uuid.New().String(),
		command: command,
		events:  make(chan Event, 64),
		logger:  l.Logger,
	}

	run.pumps.Add(1)
	go func() {
		defer run.pumps.Done()
		if err := scanEvents(stdout, run.events); err != nil {
			l.Logger.Warn("reading agent stdout", "run_id", run.id, "error", err)
		}
	}()
	if stderr != nil {
		run.pumps.Add(1)
		go func() {
			defer run.pumps.Done()
			if err := scanStderr(stderr, run.events); err != nil {
				l.Logger.Warn("reading agent stderr", "run_id", run.id, "error", err)
			}
		}()
	}
	go func() {
		run.pumps.Wait()
		close(run.events)
	}()

	l.Logger.Info("agent run started",
		"run_id", run.id,
		"command", spec.Command,
		"pid", command.Process.Pid,
	)
	return run, nil
}

type localRun struct {
	id      string
	command *exec.Cmd
	events  chan Event
	pumps   sync.WaitGroup
	logger  *slog.Logger
}

func (r *localRun) ID() string { return r.id }

func (r *localRun) Events() <-chan Event { return r.events }

// Wait drains the output pumps before reaping the process: calling
// exec.Cmd.Wait while the pipes are still being read would race with
// their teardown.
func (r *localRun) Wait() (int, error) {
	r.pumps.Wait()

	err := r.command.Wait()
	if err == nil {
		r.logger.Info("agent run finished", "run_id", r.id, "exit_code", 0)
		return 0, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		code := exitError.ExitCode()
		r.logger.Info("agent run finished", "run_id", r.id, "exit_code", code)
		return code, nil
	}
	return -1, err
}

func (r *localRun) Signal(signal os.Signal) error {
	if r.command.Process == nil {
		return errors.New("process not started")
	}
	return r.command.Process.Signal(signal)
}

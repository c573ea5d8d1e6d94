package main

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

	"github.com/shirou/gopsutil/v3/process"
)

// Source is the long running monitoring process.
type Source interface {
	// Start spawns the process and returns its output stream.
	Start(ctx context.Context) (io.Reader, error)
	// Alive tells whether the process is still running.
	Alive(ctx context.Context) bool
	// Stop terminates the process if needed and releases the output stream.
	// It is safe to call more than once.
	Stop() error
}

type execSource struct {
	path   string
	args   []string
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  *os.File
	exited  chan struct{}
	waitErr error
	stopped bool
	stopErr error
}

func NewExecSource(logger *slog.Logger, path string, args []string, grace time.Duration) *execSource {
	return &execSource{
		path:   path,
		args:   args,
		grace:  grace,
		logger: logger.With("cmd", path),
	}
}

func (s *execSource) Start(ctx context.Context) (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil, errors.New("monitoring process already started")
	}

	// A plain pipe instead of cmd.StdoutPipe: Wait would close the latter while
	// the last lines are still being read.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.path, s.args...)
	cmd.Stdout = w
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("%w: starting %s: %w", ErrToolUnavailable, s.path, err)
	}
	w.Close()

	s.cmd = cmd
	s.stdout = r
	s.exited = make(chan struct{})
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.exited)
	}()

	s.logger.Info("Monitoring process started", "pid", cmd.Process.Pid, "args", s.args)
	return r, nil
}

func (s *execSource) Alive(ctx context.Context) bool {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return false
	}

	select {
	case <-exited:
		return false
	default:
	}

	return processAlive(ctx, int32(cmd.Process.Pid))
}

// processAlive is false for a zombie or a stopped process: the pid exists but
// no snapshot will come out of it.
func processAlive(ctx context.Context, pid int32) bool {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	if running, err := proc.IsRunningWithContext(ctx); err != nil || !running {
		return false
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, st := range status {
		if st == process.Zombie || st == process.Stop {
			return false
		}
	}
	return true
}

func (s *execSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.cmd == nil {
		return s.stopErr
	}
	s.stopped = true

	var reapErr error
	select {
	case <-s.exited:
	default:
		s.logger.Info("Terminating monitoring process", "pid", s.cmd.Process.Pid)
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("SIGTERM failed, killing", "error", err)
			s.cmd.Process.Kill()
		}
		// the wait routine needs the lock to record the exit status
		s.mu.Unlock()
		select {
		case <-s.exited:
		case <-time.After(s.grace):
			s.logger.Warn("Monitoring process ignored SIGTERM, killing", "grace", s.grace)
			s.cmd.Process.Kill()
			select {
			case <-s.exited:
			case <-time.After(s.grace):
				reapErr = fmt.Errorf("monitoring process %d not reaped %s after kill", s.cmd.Process.Pid, s.grace)
			}
		}
		s.mu.Lock()
	}

	s.stopErr = reapErr
	if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.stopErr = errors.Join(reapErr, err)
	}
	s.logger.Info("Monitoring process stopped", "status", s.waitErr)
	return s.stopErr
}

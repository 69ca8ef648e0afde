package agent

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Process wraps a spawned CLI with process-group management so kills reach
// the whole tree.
type Process struct {
	cmd    *exec.Cmd
	logger logging.Logger

	mu       sync.Mutex
	done     chan struct{}
	exitErr  error
	finished bool
}

// ProcessConfig describes one subprocess launch.
type ProcessConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
	Stdin   io.Reader
}

// StartProcess launches the command in its own process group.
func StartProcess(ctx context.Context, cfg ProcessConfig, logger logging.Logger) (*Process, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.Stdin = cfg.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, gerrors.Wrap(gerrors.KindInternal, err, "start "+cfg.Command)
	}
	p := &Process{cmd: cmd, logger: logging.OrNop(logger), done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.finished = true
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// PID returns the process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done closes when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait error after Done closes.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.finished
}

// Stop signals the process group with TERM and escalates to KILL after the
// grace period. Returns true when the process was already gone.
func (p *Process) Stop(grace time.Duration) bool {
	if !p.Alive() {
		return true
	}
	pid := p.PID()
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		p.logger.Debug("term pgid %d: %v", pid, err)
	}
	select {
	case <-p.done:
		return false
	case <-time.After(grace):
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		p.logger.Debug("kill pgid %d: %v", pid, err)
	}
	<-p.done
	return false
}

// pidAlive checks a pid with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

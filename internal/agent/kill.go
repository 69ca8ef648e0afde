package agent

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gobby/internal/gerrors"
	"gobby/internal/store"
)

// KillResult reports what Kill found.
type KillResult struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	AlreadyDead bool   `json:"already_dead"`
}

// Kill terminates a running agent. A run whose process is already gone is
// not an error; it is reported with AlreadyDead set.
func (o *Orchestrator) Kill(ctx context.Context, runID string) (*KillResult, error) {
	run, err := o.store.Runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.CompletedAt != nil {
		return &KillResult{RunID: runID, Status: run.Status, AlreadyDead: true}, nil
	}

	alreadyDead := true
	if live, ok := o.registry.Get(runID); ok {
		// Claim the run first so the exit callbacks stand down.
		o.registry.Remove(runID)
		alreadyDead = o.stopLive(ctx, live)
	} else {
		alreadyDead = !o.stopByPID(ctx, run)
	}

	o.finishRun(runID, StatusKilled, store.JSONMap{"killed": true})
	return &KillResult{RunID: runID, Status: StatusKilled, AlreadyDead: alreadyDead}, nil
}

// stopLive stops a registry-tracked agent, returning true when it was
// already gone.
func (o *Orchestrator) stopLive(ctx context.Context, live *Running) bool {
	switch live.Mode {
	case ModeInProcess:
		return !live.interrupt()
	case ModeHeadless:
		if live.proc == nil {
			return true
		}
		return live.proc.Stop(o.killGrace())
	case ModeEmbedded:
		if live.ptyOut != nil {
			live.ptyOut.Close()
		}
		return !killGroup(live.PID, o.killGrace())
	case ModeTerminal:
		pid, err := o.terminalPID(ctx, live)
		if err != nil {
			o.logger.Warn("locate terminal agent %s: %v", live.RunID, err)
			return true
		}
		return !killGroup(pid, o.killGrace())
	}
	return true
}

// stopByPID handles runs that survived a daemon restart: no registry entry,
// only the persisted pid. Returns true when something was actually signalled.
func (o *Orchestrator) stopByPID(_ context.Context, run *store.AgentRun) bool {
	if !pidAlive(run.PID) {
		return false
	}
	return killGroup(run.PID, o.killGrace())
}

// terminalPID finds the CLI process behind a terminal-mode agent. The
// launcher exits immediately, so the pid comes from the session's recorded
// parent_pid or a pgrep on the session id.
func (o *Orchestrator) terminalPID(ctx context.Context, live *Running) (int, error) {
	sess, err := o.store.Sessions.Get(ctx, live.SessionID)
	if err != nil {
		return 0, err
	}
	if raw, ok := sess.TerminalContext["parent_pid"]; ok {
		switch v := raw.(type) {
		case float64:
			return int(v), nil
		case string:
			if pid, err := strconv.Atoi(v); err == nil {
				return pid, nil
			}
		}
	}
	// The session id is interpolated into a shell-adjacent command; reject
	// anything that is not a plain identifier.
	if !store.ValidID(live.SessionID) {
		return 0, gerrors.Integrity("session id %q unsafe for process lookup", live.SessionID)
	}
	out, err := exec.CommandContext(ctx, "pgrep", "-f", live.SessionID).Output()
	if err != nil {
		return 0, gerrors.Wrap(gerrors.KindNotFound, err, "pgrep "+live.SessionID)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, gerrors.NotFound("no process matches session %s", live.SessionID)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, gerrors.Wrap(gerrors.KindInternal, err, "parse pgrep output")
	}
	return pid, nil
}

// killGroup signals a process group with TERM, escalating to KILL after the
// grace period. Returns true when a live process was signalled.
func killGroup(pid int, grace time.Duration) bool {
	if !pidAlive(pid) {
		return false
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return true
}

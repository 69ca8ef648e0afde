package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/creack/pty"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// SpawnContext carries everything a spawner needs to execute one agent.
type SpawnContext struct {
	Run       *store.AgentRun
	Def       *Definition
	Workspace *Workspace
	Prompt    string
	SessionID string
	Timeout   time.Duration
}

// Spawner executes an agent in one mode.
type Spawner interface {
	Start(ctx context.Context, sc *SpawnContext) (*Running, error)
}

// HeadlessSpawner runs the CLI as a captured subprocess. The transcript
// lands in LogDir/<run_id>.log; OnExit fires when the process ends.
type HeadlessSpawner struct {
	LogDir string
	Logger logging.Logger
	OnExit func(runID string, exitErr error)
}

func (s *HeadlessSpawner) Start(ctx context.Context, sc *SpawnContext) (*Running, error) {
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "create agent log dir")
	}
	transcript, err := os.Create(filepath.Join(s.LogDir, sc.Run.ID+".log"))
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "create agent transcript")
	}

	args := append(append([]string(nil), sc.Def.Args...), sc.Prompt)
	proc, err := StartProcess(ctx, ProcessConfig{
		Command: sc.Def.Command,
		Args:    args,
		Dir:     sc.Workspace.Dir,
		Stdout:  transcript,
		Stderr:  transcript,
	}, s.Logger)
	if err != nil {
		transcript.Close()
		return nil, err
	}

	running := &Running{
		RunID:     sc.Run.ID,
		SessionID: sc.SessionID,
		Mode:      ModeHeadless,
		PID:       proc.PID(),
		proc:      proc,
	}
	go func() {
		<-proc.Done()
		transcript.Close()
		if s.OnExit != nil {
			s.OnExit(sc.Run.ID, proc.ExitErr())
		}
	}()
	return running, nil
}

// TerminalSpawner opens the user's terminal with the CLI command. The
// launcher exits immediately, so the inner PID is found later on demand.
type TerminalSpawner struct {
	Logger logging.Logger
}

func (s *TerminalSpawner) Start(ctx context.Context, sc *SpawnContext) (*Running, error) {
	shellCmd := fmt.Sprintf("cd %s && %s %s %s",
		shellQuote(sc.Workspace.Dir), sc.Def.Command,
		strings.Join(sc.Def.Args, " "), shellQuote(sc.Prompt))

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`tell application "Terminal" to do script %q`, shellCmd)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	default:
		term := os.Getenv("TERMINAL")
		if term == "" {
			term = "x-terminal-emulator"
		}
		cmd = exec.CommandContext(ctx, term, "-e", "sh", "-c", shellCmd)
	}
	if err := cmd.Start(); err != nil {
		return nil, gerrors.Wrap(gerrors.KindInternal, err, "open terminal")
	}
	go func() { _ = cmd.Wait() }()

	return &Running{RunID: sc.Run.ID, SessionID: sc.SessionID, Mode: ModeTerminal}, nil
}

// EmbeddedSpawner allocates a pseudo-terminal and hands back its master fd
// so the host UI can attach.
type EmbeddedSpawner struct {
	Logger logging.Logger
	OnExit func(runID string, exitErr error)
}

func (s *EmbeddedSpawner) Start(ctx context.Context, sc *SpawnContext) (*Running, error) {
	args := append(append([]string(nil), sc.Def.Args...), sc.Prompt)
	cmd := exec.CommandContext(ctx, sc.Def.Command, args...)
	cmd.Dir = sc.Workspace.Dir

	master, err := pty.Start(cmd)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindInternal, err, "allocate pty")
	}
	running := &Running{
		RunID:     sc.Run.ID,
		SessionID: sc.SessionID,
		Mode:      ModeEmbedded,
		PID:       cmd.Process.Pid,
		ptyOut:    master,
	}
	go func() {
		err := cmd.Wait()
		master.Close()
		if s.OnExit != nil {
			s.OnExit(sc.Run.ID, err)
		}
	}()
	return running, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

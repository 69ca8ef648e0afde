// Package agent spawns and supervises subagents: isolation preparation
// (worktree or clone), execution across headless, terminal, embedded, and
// in-process modes, lifecycle tracking, waits, messaging, and the merge
// pipeline that lands isolated work back on the base branch.
package agent

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Isolation modes.
const (
	IsolationCurrent  = "current"
	IsolationWorktree = "worktree"
	IsolationClone    = "clone"
)

// Execution modes.
const (
	ModeInProcess = "in_process"
	ModeTerminal  = "terminal"
	ModeEmbedded  = "embedded"
	ModeHeadless  = "headless"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusKilled    = "killed"
)

// DefaultWorkflow restricts isolated agents to the task-focused tool set.
const DefaultWorkflow = "worktree-agent"

// Definition is a reusable agent profile loaded from YAML. Call-site
// parameters override any field.
type Definition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	Workflow     string   `yaml:"workflow,omitempty"`
	Isolation    string   `yaml:"isolation,omitempty"`
	Mode         string   `yaml:"mode,omitempty"`
	Provider     string   `yaml:"provider,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Command      string   `yaml:"command,omitempty"` // CLI binary for spawned modes
	Args         []string `yaml:"args,omitempty"`
	BranchPrefix string   `yaml:"branch_prefix,omitempty"`
	MaxTurns     int      `yaml:"max_turns,omitempty"`
	TimeoutSecs  int      `yaml:"timeout_secs,omitempty"`
}

// generic is the built-in fallback profile.
var generic = Definition{
	Name:         "generic",
	Isolation:    IsolationCurrent,
	Mode:         ModeHeadless,
	Command:      "claude",
	BranchPrefix: "agent",
}

// DefLoader reads agent definitions from a list of directories; later
// directories shadow earlier ones, so project definitions win over global.
type DefLoader struct {
	dirs   []string
	logger logging.Logger
}

// NewDefLoader builds a loader over the given directories.
func NewDefLoader(logger logging.Logger, dirs ...string) *DefLoader {
	return &DefLoader{dirs: dirs, logger: logging.OrNop(logger)}
}

// Load reads every agent YAML. The built-in generic profile is always
// present and may be shadowed by a file of the same name.
func (l *DefLoader) Load() (map[string]*Definition, error) {
	defs := map[string]*Definition{"generic": cloneDef(&generic)}
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				l.logger.Warn("read agent definition %s: %v", path, err)
				continue
			}
			var def Definition
			if err := yaml.Unmarshal(data, &def); err != nil {
				l.logger.Warn("skip malformed agent definition %s: %v", path, err)
				continue
			}
			if def.Name == "" {
				def.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
			}
			defs[def.Name] = &def
		}
	}
	return defs, nil
}

// Get returns one definition by name.
func (l *DefLoader) Get(name string) (*Definition, error) {
	if name == "" {
		name = "generic"
	}
	defs, err := l.Load()
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, gerrors.NotFound("agent definition %q", name)
	}
	return def, nil
}

// merged returns def overlaid with the call-site params; params win.
func merged(def *Definition, p SpawnParams) *Definition {
	out := cloneDef(def)
	if p.Isolation != "" {
		out.Isolation = p.Isolation
	}
	if p.Mode != "" {
		out.Mode = p.Mode
	}
	if p.Workflow != "" {
		out.Workflow = p.Workflow
	}
	if p.Provider != "" {
		out.Provider = p.Provider
	}
	if p.Model != "" {
		out.Model = p.Model
	}
	if p.MaxTurns > 0 {
		out.MaxTurns = p.MaxTurns
	}
	if p.Timeout > 0 {
		out.TimeoutSecs = int(p.Timeout.Seconds())
	}
	if out.Isolation == "" {
		out.Isolation = IsolationCurrent
	}
	if out.Mode == "" {
		out.Mode = ModeHeadless
	}
	if out.Workflow == "" && out.Isolation != IsolationCurrent {
		out.Workflow = DefaultWorkflow
	}
	if out.BranchPrefix == "" {
		out.BranchPrefix = "agent"
	}
	return out
}

func cloneDef(def *Definition) *Definition {
	out := *def
	out.Args = append([]string(nil), def.Args...)
	return &out
}

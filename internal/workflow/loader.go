package workflow

import (
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Built-in definitions ship with the binary so defaults like the isolated
// agent workflow exist before any directory is populated. Files on disk
// shadow them by name.
//
//go:embed builtin/*.yaml
var builtinDefs embed.FS

// Loader reads workflow YAMLs from the global directory and per-project
// directories. Project definitions shadow global ones of the same name.
// Definitions are re-read on Load so edits take effect at the next
// activation; activated sessions keep their frozen snapshot.
type Loader struct {
	dirs   []string
	logger logging.Logger
}

// NewLoader builds a loader over the given directories, later dirs winning
// name collisions.
func NewLoader(logger logging.Logger, dirs ...string) *Loader {
	return &Loader{dirs: dirs, logger: logging.OrNop(logger)}
}

// Load reads every definition, resolves extends chains, and returns the
// result keyed by name.
func (l *Loader) Load() (map[string]*Definition, error) {
	raw := make(map[string]*Definition)
	builtins, _ := builtinDefs.ReadDir("builtin")
	for _, e := range builtins {
		data, err := builtinDefs.ReadFile(path.Join("builtin", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read builtin workflow %s: %w", e.Name(), err)
		}
		def, err := parseDefinition(e.Name(), data)
		if err != nil {
			return nil, fmt.Errorf("builtin workflow %s: %w", e.Name(), err)
		}
		raw[def.Name] = def
	}
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read workflow dir %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			def, err := parseFile(filepath.Join(dir, name))
			if err != nil {
				l.logger.Warn("skipping workflow %s: %v", name, err)
				continue
			}
			raw[def.Name] = def
		}
	}

	resolved := make(map[string]*Definition, len(raw))
	for name := range raw {
		def, err := resolveExtends(raw, name, nil)
		if err != nil {
			return nil, err
		}
		resolved[name] = def
	}
	return resolved, nil
}

// Get loads all definitions and returns one by name.
func (l *Loader) Get(name string) (*Definition, error) {
	defs, err := l.Load()
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, gerrors.NotFound("workflow %q not found", name)
	}
	return def, nil
}

// Names loads all definitions and returns their names sorted.
func (l *Loader) Names() ([]string, error) {
	defs, err := l.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func parseFile(p string) (*Definition, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return parseDefinition(filepath.Base(p), raw)
}

func parseDefinition(filename string, raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(strings.TrimSuffix(filename, ".yaml"), ".yml")
	}
	if def.Type == "" {
		def.Type = TypePhase
	}
	return &def, nil
}

// resolveExtends walks the extends chain, failing on unknown parents and on
// cycles with the precise path.
func resolveExtends(defs map[string]*Definition, name string, path []string) (*Definition, error) {
	for _, seen := range path {
		if seen == name {
			cycle := append(append([]string(nil), path...), name)
			return nil, gerrors.ConstraintViolation("workflow extends cycle: %s", strings.Join(cycle, " -> "))
		}
	}
	def, ok := defs[name]
	if !ok {
		return nil, gerrors.NotFound("workflow %q not found in extends chain", name)
	}
	if def.Extends == "" {
		return def, nil
	}
	parent, err := resolveExtends(defs, def.Extends, append(path, name))
	if err != nil {
		return nil, err
	}
	return mergeDefinitions(parent, def), nil
}

// mergeDefinitions overlays child on parent. Maps merge recursively with the
// child winning per key; arrays replace wholesale; same-named phases merge
// field-by-field with unset child fields inheriting.
func mergeDefinitions(parent, child *Definition) *Definition {
	out := &Definition{
		Name:      child.Name,
		Type:      child.Type,
		Settings:  mergeMaps(parent.Settings, child.Settings),
		Variables: mergeMaps(parent.Variables, child.Variables),
		Triggers:  child.Triggers,
	}
	if out.Type == "" {
		out.Type = parent.Type
	}
	if len(out.Triggers) == 0 {
		out.Triggers = parent.Triggers
	}

	out.Phases = mergePhaseLists(parent.Phases, child.Phases)
	out.Steps = mergePhaseLists(parent.Steps, child.Steps)
	return out
}

func mergePhaseLists(parent, child []Phase) []Phase {
	if len(child) == 0 {
		return parent
	}
	if len(parent) == 0 {
		return child
	}
	childByName := make(map[string]*Phase, len(child))
	for i := range child {
		childByName[child[i].Name] = &child[i]
	}
	var out []Phase
	seen := make(map[string]bool, len(parent))
	for _, p := range parent {
		seen[p.Name] = true
		if c, ok := childByName[p.Name]; ok {
			out = append(out, mergePhases(p, *c))
		} else {
			out = append(out, p)
		}
	}
	for _, c := range child {
		if !seen[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

func mergePhases(parent, child Phase) Phase {
	out := child
	if out.AllowedTools == nil {
		out.AllowedTools = parent.AllowedTools
	}
	if out.BlockedTools == nil {
		out.BlockedTools = parent.BlockedTools
	}
	if out.Rules == nil {
		out.Rules = parent.Rules
	}
	if out.OnEnter == nil {
		out.OnEnter = parent.OnEnter
	}
	if out.OnExit == nil {
		out.OnExit = parent.OnExit
	}
	if out.ExitConditions == nil {
		out.ExitConditions = parent.ExitConditions
	}
	if out.Transitions == nil {
		out.Transitions = parent.Transitions
	}
	return out
}

func mergeMaps(parent, child map[string]any) map[string]any {
	if len(parent) == 0 {
		return child
	}
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		if pm, ok := out[k].(map[string]any); ok {
			if cm, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(pm, cm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

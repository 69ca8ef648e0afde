// Package workflow implements the per-session state machine that governs
// tool calls: phase definitions loaded from YAML, rule evaluation, context
// injection actions, and the audit trail.
package workflow

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow types.
const (
	TypePhase     = "phase"
	TypeStep      = "step"
	TypeLifecycle = "lifecycle"
)

// AllowedAll is the sentinel meaning a phase allows every tool.
const AllowedAll = "all"

// Decision results.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
	DecisionAsk   = "ask"
	DecisionWarn  = "warn"
)

// Definition is a workflow loaded from YAML. Phase and step workflows are
// state machines; lifecycle workflows only react to triggers.
type Definition struct {
	Name      string         `yaml:"name" json:"name"`
	Type      string         `yaml:"type" json:"type"`
	Extends   string         `yaml:"extends,omitempty" json:"extends,omitempty"`
	Settings  map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Phases    []Phase        `yaml:"phases,omitempty" json:"phases,omitempty"`
	Steps     []Phase        `yaml:"steps,omitempty" json:"steps,omitempty"`
	Triggers  []Trigger      `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// Trigger binds lifecycle actions to an event.
type Trigger struct {
	Event   string       `yaml:"event" json:"event"`
	Actions []ActionSpec `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// Phase is one state of a phase/step workflow.
type Phase struct {
	Name           string       `yaml:"name" json:"name"`
	AllowedTools   []string     `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	BlockedTools   []string     `yaml:"blocked_tools,omitempty" json:"blocked_tools,omitempty"`
	Rules          []Rule       `yaml:"rules,omitempty" json:"rules,omitempty"`
	OnEnter        []ActionSpec `yaml:"on_enter,omitempty" json:"on_enter,omitempty"`
	OnExit         []ActionSpec `yaml:"on_exit,omitempty" json:"on_exit,omitempty"`
	ExitConditions []string     `yaml:"exit_conditions,omitempty" json:"exit_conditions,omitempty"`
	Transitions    []Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// AllowsAll reports whether the phase carries the `all` sentinel.
func (p *Phase) AllowsAll() bool {
	for _, t := range p.AllowedTools {
		if strings.EqualFold(t, AllowedAll) {
			return true
		}
	}
	return len(p.AllowedTools) == 0
}

// Rule guards tool calls within a phase.
type Rule struct {
	ID           string `yaml:"id,omitempty" json:"id,omitempty"`
	When         string `yaml:"when" json:"when"`
	Action       string `yaml:"action" json:"action"` // block | require_approval | warn | allow
	Message      string `yaml:"message,omitempty" json:"message,omitempty"`
	Prompt       string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	BlockOnError bool   `yaml:"block_on_error,omitempty" json:"block_on_error,omitempty"`
}

// Transition moves the state machine when its condition matches.
type Transition struct {
	When string `yaml:"when" json:"when"`
	To   string `yaml:"to" json:"to"`
}

// ActionSpec is one on_enter/on_exit/trigger action. Fields beyond Action
// are interpreted per action type.
type ActionSpec struct {
	Action   string         `yaml:"action" json:"action"`
	Source   any            `yaml:"source,omitempty" json:"source,omitempty"` // string or []string
	Template string         `yaml:"template,omitempty" json:"template,omitempty"`
	Name     string         `yaml:"name,omitempty" json:"name,omitempty"`
	Value    any            `yaml:"value,omitempty" json:"value,omitempty"`
	Pattern  string         `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	As       string         `yaml:"as,omitempty" json:"as,omitempty"`
	Prompt   string         `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	OutputAs string         `yaml:"output_as,omitempty" json:"output_as,omitempty"`
	URL      string         `yaml:"url,omitempty" json:"url,omitempty"`
	Event    string         `yaml:"event,omitempty" json:"event,omitempty"`
	Server   string         `yaml:"server,omitempty" json:"server,omitempty"`
	Tool     string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Args     map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Status   string         `yaml:"status,omitempty" json:"status,omitempty"`
}

// Sources recovers the one-or-many form of inject_context's source field.
func (a *ActionSpec) Sources() []string {
	switch v := a.Source.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// PhaseList returns phases or steps, whichever the definition uses.
func (d *Definition) PhaseList() []Phase {
	if len(d.Phases) > 0 {
		return d.Phases
	}
	return d.Steps
}

// FindPhase returns the named phase, or nil.
func (d *Definition) FindPhase(name string) *Phase {
	phases := d.PhaseList()
	for i := range phases {
		if phases[i].Name == name {
			return &phases[i]
		}
	}
	return nil
}

// NextPhase returns the phase after name in declaration order, or "" when
// name is last.
func (d *Definition) NextPhase(name string) string {
	phases := d.PhaseList()
	for i := range phases {
		if phases[i].Name == name && i+1 < len(phases) {
			return phases[i+1].Name
		}
	}
	return ""
}

// Snapshot serializes the definition for freezing into a WorkflowState row.
func (d *Definition) Snapshot() (string, error) {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseSnapshot restores a frozen definition.
func ParseSnapshot(snapshot string) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal([]byte(snapshot), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

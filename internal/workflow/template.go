package workflow

import (
	"fmt"
	"strings"
	"text/template"

	"gobby/internal/logging"
)

// Renderer renders action templates against the same restricted namespace
// rule expressions see, plus artifacts and explicitly passed variables.
// Missing keys render as empty and are logged rather than failing the action.
type Renderer struct {
	logger logging.Logger
}

// NewRenderer builds a renderer.
func NewRenderer(logger logging.Logger) *Renderer {
	return &Renderer{logger: logging.OrNop(logger)}
}

var templateFuncs = template.FuncMap{
	"upper":   strings.ToUpper,
	"lower":   strings.ToLower,
	"trim":    strings.TrimSpace,
	"join":    func(sep string, parts []string) string { return strings.Join(parts, sep) },
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}
		return value
	},
}

// Render executes tmpl with ns. Jinja-style {{ var }} references work
// because the namespace keys are exposed as top-level fields.
func (r *Renderer) Render(tmpl string, ns Namespace) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	t, err := template.New("action").Funcs(templateFuncs).Option("missingkey=zero").Parse(rewriteJinjaRefs(tmpl))
	if err != nil {
		r.logger.Warn("template parse failed, using raw text: %v", err)
		return tmpl
	}
	var out strings.Builder
	if err := t.Execute(&out, map[string]any(ns)); err != nil {
		r.logger.Warn("template execute failed, using raw text: %v", err)
		return tmpl
	}
	return strings.ReplaceAll(out.String(), "<no value>", "")
}

// rewriteJinjaRefs turns bare {{ name }} and {{ a.b }} references into
// field lookups. Pipelines and function calls pass through untouched.
func rewriteJinjaRefs(tmpl string) string {
	var out strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			out.WriteString(rest)
			break
		}
		end += start
		out.WriteString(rest[:start])
		inner := strings.TrimSpace(rest[start+2 : end])
		if isBareRef(inner) {
			out.WriteString(fmt.Sprintf("{{.%s}}", inner))
		} else {
			out.WriteString(rest[start : end+2])
		}
		rest = rest[end+2:]
	}
	return out.String()
}

func isBareRef(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.ContainsAny(s, " |()\"'") {
		return false
	}
	for _, r := range s {
		if !isIdentRune(r) && r != '.' {
			return false
		}
	}
	return true
}

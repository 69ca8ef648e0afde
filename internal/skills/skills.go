// Package skills loads reusable instruction playbooks from Markdown files
// with YAML front matter. Skills are discovered progressively: listings
// carry only name and description, the full body is fetched on demand.
package skills

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"gobby/internal/gerrors"
)

// Skill scopes.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
)

// Skill is one playbook.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Title       string `json:"title,omitempty"`
	Category    string `json:"category,omitempty"`
	Body        string `json:"body,omitempty"`
	AlwaysApply bool   `json:"always_apply,omitempty"`
	// Micro marks short remediation guides that fit inside a block message.
	Micro      bool   `json:"micro,omitempty"`
	Scope      string `json:"scope"`
	SourcePath string `json:"-"`
}

// Meta is the lightweight listing row.
type Meta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Scope       string `json:"scope"`
}

// Library is a loaded skill collection; project skills shadow global ones
// of the same name.
type Library struct {
	skills []Skill
	byName map[string]Skill
}

// Load reads skills from the global and project directories. Missing
// directories are fine; malformed files are a load error so broken skills
// never silently disappear.
func Load(globalDir, projectDir string) (*Library, error) {
	byName := make(map[string]Skill)
	for _, src := range []struct{ dir, scope string }{
		{globalDir, ScopeGlobal},
		{projectDir, ScopeProject},
	} {
		if src.dir == "" {
			continue
		}
		loaded, err := loadDir(src.dir, src.scope)
		if err != nil {
			return nil, err
		}
		for _, s := range loaded {
			byName[NormalizeName(s.Name)] = s
		}
	}

	skills := make([]Skill, 0, len(byName))
	for _, s := range byName {
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return &Library{skills: skills, byName: byName}, nil
}

// List returns lightweight metadata for every skill.
func (l *Library) List() []Meta {
	out := make([]Meta, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, Meta{Name: s.Name, Description: s.Description, Category: s.Category, Scope: s.Scope})
	}
	return out
}

// Get returns the full skill by name.
func (l *Library) Get(name string) (*Skill, error) {
	s, ok := l.byName[NormalizeName(name)]
	if !ok {
		return nil, gerrors.NotFound("skill %q", name)
	}
	return &s, nil
}

// AlwaysApply returns the skills injected into every new session.
func (l *Library) AlwaysApply() []Skill {
	var out []Skill
	for _, s := range l.skills {
		if s.AlwaysApply {
			out = append(out, s)
		}
	}
	return out
}

// Micro returns a micro-skill body suitable for a block message, or ""
// when the skill is absent or not marked micro.
func (l *Library) Micro(name string) string {
	s, err := l.Get(name)
	if err != nil || !s.Micro {
		return ""
	}
	return s.Body
}

// Search ranks skills by how many query terms hit their name, description,
// category, or body.
func (l *Library) Search(query string, limit int) []Meta {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	type scored struct {
		meta  Meta
		score int
	}
	var hits []scored
	for _, s := range l.skills {
		hay := strings.ToLower(strings.Join([]string{s.Name, s.Description, s.Category, s.Body}, " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(hay, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{
				meta:  Meta{Name: s.Name, Description: s.Description, Category: s.Category, Scope: s.Scope},
				score: score,
			})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Meta, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.meta)
	}
	return out
}

func loadDir(root, scope string) ([]Skill, error) {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "stat skills dir")
	}
	if !info.IsDir() {
		return nil, gerrors.ConstraintViolation("skills path %s is not a directory", root)
	}

	paths, err := discover(root)
	if err != nil {
		return nil, err
	}
	skills := make([]Skill, 0, len(paths))
	for _, path := range paths {
		s, err := parseFile(path, scope)
		if err != nil {
			return nil, err
		}
		skills = append(skills, s)
	}
	return skills, nil
}

// discover finds top-level markdown files plus <name>/SKILL.md bundles.
func discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "read skills dir")
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			path := filepath.Join(root, name, "SKILL.md")
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				paths = append(paths, path)
			}
			continue
		}
		if strings.HasSuffix(strings.ToLower(name), ".md") {
			paths = append(paths, filepath.Join(root, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	AlwaysApply bool   `yaml:"always_apply"`
	Micro       bool   `yaml:"micro"`
}

func parseFile(path, scope string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, gerrors.Wrap(gerrors.KindIntegrity, err, "read skill "+path)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	metaText, bodyText, ok := splitFrontMatter(content)
	var meta frontMatter
	if ok {
		if err := yaml.Unmarshal([]byte(metaText), &meta); err != nil {
			return Skill{}, gerrors.Wrap(gerrors.KindConstraintViolation, err, "skill front matter "+path)
		}
	}
	if meta.Name == "" {
		meta.Name = strings.TrimSuffix(filepath.Base(path), ".md")
		if meta.Name == "SKILL" {
			meta.Name = filepath.Base(filepath.Dir(path))
		}
	}
	if meta.Description == "" {
		return Skill{}, gerrors.ConstraintViolation("skill %s missing description front matter", path)
	}

	body := strings.TrimSpace(bodyText)
	title := markdownTitle(body)
	if title == "" {
		title = meta.Name
	}
	return Skill{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Title:       title,
		Category:    meta.Category,
		Body:        body,
		AlwaysApply: meta.AlwaysApply,
		Micro:       meta.Micro,
		Scope:       scope,
		SourcePath:  path,
	}, nil
}

func splitFrontMatter(content string) (meta, body string, ok bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", content, false
}

func markdownTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		break
	}
	return ""
}

// NormalizeName lowercases and underscores a skill name for lookups.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(name)), " ", "_")
}

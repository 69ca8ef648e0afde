// Package memory stores durable notes agents and users pin across
// sessions. Records live in a JSON file per scope (project id or "global");
// a chromem-go collection indexes them for similarity search when an
// embedder is configured, with substring matching as the fallback.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
	"gobby/internal/store"
)

// GlobalScope holds memories shared by every project.
const GlobalScope = "global"

const defaultSearchLimit = 5

// Memory is one stored note.
type Memory struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
	AlwaysApply bool      `json:"always_apply,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Result is a search hit.
type Result struct {
	Memory     Memory  `json:"memory"`
	Similarity float32 `json:"similarity"`
}

// Store manages per-scope memory files and the optional vector index.
type Store struct {
	dir    string
	embed  chromem.EmbeddingFunc
	db     *chromem.DB
	logger logging.Logger

	mu     sync.Mutex
	scopes map[string][]Memory
}

// New opens the store rooted at dir. embed may be nil; similarity search
// then degrades to substring matching.
func New(dir string, embed chromem.EmbeddingFunc, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "create memory dir")
	}
	s := &Store{
		dir:    dir,
		embed:  embed,
		logger: logging.OrNop(logger),
		scopes: make(map[string][]Memory),
	}
	if embed != nil {
		db, err := chromem.NewPersistentDB(filepath.Join(dir, "chromem.gob"), false)
		if err != nil {
			return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "open memory index")
		}
		s.db = db
	}
	return s, nil
}

// Add stores a memory under scope and indexes it.
func (s *Store) Add(ctx context.Context, scope, content string, tags []string, alwaysApply bool) (*Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, gerrors.ConstraintViolation("memory content is empty")
	}
	if scope == "" {
		scope = GlobalScope
	}
	mem := Memory{
		ID:          store.NewUUID(),
		Scope:       scope,
		Content:     strings.TrimSpace(content),
		Tags:        tags,
		AlwaysApply: alwaysApply,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.loadLocked(scope)
	if err != nil {
		return nil, err
	}
	list = append(list, mem)
	if err := s.saveLocked(scope, list); err != nil {
		return nil, err
	}

	if s.db != nil {
		col, err := s.collection(scope)
		if err == nil {
			err = col.AddDocument(ctx, chromem.Document{
				ID:       mem.ID,
				Content:  mem.Content,
				Metadata: map[string]string{"scope": scope},
			})
		}
		if err != nil {
			s.logger.Warn("index memory %s: %v", mem.ID, err)
		}
	}
	return &mem, nil
}

// Delete removes a memory from its scope file and the index.
func (s *Store) Delete(ctx context.Context, scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.loadLocked(scope)
	if err != nil {
		return err
	}
	kept := list[:0]
	found := false
	for _, m := range list {
		if m.ID == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return gerrors.NotFound("memory %s in scope %s", id, scope)
	}
	if err := s.saveLocked(scope, kept); err != nil {
		return err
	}
	if s.db != nil {
		if col, err := s.collection(scope); err == nil {
			if err := col.Delete(ctx, nil, nil, id); err != nil {
				s.logger.Warn("unindex memory %s: %v", id, err)
			}
		}
	}
	return nil
}

// List returns every memory in a scope, newest first.
func (s *Store) List(scope string) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.loadLocked(scope)
	if err != nil {
		return nil, err
	}
	out := append([]Memory(nil), list...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AlwaysApply returns the pinned memories for a scope plus the global set.
// Workflow actions inject these at session start.
func (s *Store) AlwaysApply(scope string) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, sc := range scopeChain(scope) {
		list, err := s.loadLocked(sc)
		if err != nil {
			return nil, err
		}
		for _, m := range list {
			if m.AlwaysApply {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// Search finds memories relevant to query across the scope and global sets.
func (s *Store) Search(ctx context.Context, scope, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if s.db != nil {
		results, err := s.searchIndexed(ctx, scope, query, limit)
		if err == nil {
			return results, nil
		}
		s.logger.Warn("memory similarity search: %v, falling back to substring", err)
	}
	return s.searchSubstring(scope, query, limit)
}

func (s *Store) searchIndexed(ctx context.Context, scope, query string, limit int) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Result
	for _, sc := range scopeChain(scope) {
		list, err := s.loadLocked(sc)
		if err != nil {
			return nil, err
		}
		col, err := s.collection(sc)
		if err != nil {
			return nil, err
		}
		n := limit
		if c := col.Count(); c < n {
			n = c
		}
		if n == 0 {
			continue
		}
		hits, err := col.Query(ctx, query, n, nil, nil)
		if err != nil {
			return nil, err
		}
		byID := indexByID(list)
		for _, h := range hits {
			if m, ok := byID[h.ID]; ok {
				out = append(out, Result{Memory: m, Similarity: h.Similarity})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) searchSubstring(scope, query string, limit int) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []Result
	for _, sc := range scopeChain(scope) {
		list, err := s.loadLocked(sc)
		if err != nil {
			return nil, err
		}
		for _, m := range list {
			hay := strings.ToLower(m.Content + " " + strings.Join(m.Tags, " "))
			matched := 0
			for _, term := range terms {
				if strings.Contains(hay, term) {
					matched++
				}
			}
			if matched == 0 {
				continue
			}
			out = append(out, Result{Memory: m, Similarity: float32(matched) / float32(len(terms))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func scopeChain(scope string) []string {
	if scope == "" || scope == GlobalScope {
		return []string{GlobalScope}
	}
	return []string{scope, GlobalScope}
}

func indexByID(list []Memory) map[string]Memory {
	out := make(map[string]Memory, len(list))
	for _, m := range list {
		out[m.ID] = m
	}
	return out
}

func (s *Store) collection(scope string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection("memory-"+scope, nil, s.embed)
}

func (s *Store) scopePath(scope string) string {
	return filepath.Join(s.dir, scope+".json")
}

func (s *Store) loadLocked(scope string) ([]Memory, error) {
	if list, ok := s.scopes[scope]; ok {
		return list, nil
	}
	data, err := os.ReadFile(s.scopePath(scope))
	if os.IsNotExist(err) {
		s.scopes[scope] = nil
		return nil, nil
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "read memory file")
	}
	var list []Memory
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "parse memory file")
	}
	s.scopes[scope] = list
	return list, nil
}

func (s *Store) saveLocked(scope string, list []Memory) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return gerrors.Wrap(gerrors.KindInternal, err, "encode memories")
	}
	tmp := s.scopePath(scope) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "write memory file")
	}
	if err := os.Rename(tmp, s.scopePath(scope)); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "replace memory file")
	}
	s.scopes[scope] = list
	return nil
}

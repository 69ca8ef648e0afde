package agent

import (
	"context"
	"os"
	"sync"
)

// Running is the in-memory record of a live agent.
type Running struct {
	RunID     string
	SessionID string
	Mode      string
	PID       int

	proc   *Process           // headless
	ptyOut *os.File           // embedded master fd
	cancel context.CancelFunc // in_process
}

// PTY returns the embedded agent's master fd for UI attachment, nil for
// other modes.
func (r *Running) PTY() *os.File { return r.ptyOut }

// Registry tracks live agents by run id.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Running
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Running)}
}

// Add registers a live agent.
func (r *Registry) Add(run *Running) {
	r.mu.Lock()
	r.runs[run.RunID] = run
	r.mu.Unlock()
}

// Get returns the live record for a run id.
func (r *Registry) Get(runID string) (*Running, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	return run, ok
}

// Remove drops a run from the registry.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

// List returns the live run ids.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	return out
}

package llm

import (
	"context"
	"sync"

	"gobby/internal/gerrors"
)

// Fake is a scripted provider for tests. Responses are returned in order;
// when the script runs out it keeps returning the last entry.
type Fake struct {
	mu       sync.Mutex
	script   []*Response
	requests []Request
	err      error
	next     int
}

// NewFake builds a fake that plays back the given responses.
func NewFake(script ...*Response) *Fake {
	return &Fake{script: script}
}

// Fail makes every Complete call return err.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Complete(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.script) == 0 {
		return nil, gerrors.Provider("fake: no scripted responses")
	}
	resp := f.script[f.next]
	if f.next < len(f.script)-1 {
		f.next++
	}
	return resp, nil
}

// Requests returns a copy of every request seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

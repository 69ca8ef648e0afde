package llm

import (
	"context"
	"strings"
	"sync"

	"gobby/internal/config"
	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Router resolves "provider" or "provider/model" references against the
// configured providers and caches constructed adapters.
type Router struct {
	cfg    config.LLMConfig
	logger logging.Logger

	// Retry governs backoff for transient provider failures.
	Retry gerrors.RetryConfig

	mu        sync.Mutex
	providers map[string]Provider
}

// NewRouter builds a router from configuration.
func NewRouter(cfg config.LLMConfig, logger logging.Logger) *Router {
	return &Router{
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		Retry:     gerrors.DefaultRetryConfig(),
		providers: make(map[string]Provider),
	}
}

// register pre-seeds a provider, used by tests and by the in-process spawner
// when a caller supplies its own adapter.
func (r *Router) Register(name string, p Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
}

// Resolve returns the provider and model for a reference. Empty ref uses the
// configured defaults. "name" selects a configured provider with its own
// default model; "name/model" overrides the model.
func (r *Router) Resolve(ref string) (Provider, string, error) {
	name := r.cfg.DefaultProvider
	model := ""
	if ref != "" {
		name, model, _ = strings.Cut(ref, "/")
	}
	if name == "" {
		return nil, "", gerrors.ConstraintViolation("no llm provider configured")
	}

	r.mu.Lock()
	p, ok := r.providers[name]
	r.mu.Unlock()
	if ok {
		return p, model, nil
	}

	pc, ok := r.cfg.Providers[name]
	if !ok {
		return nil, "", gerrors.NotFound("llm provider %q is not configured", name)
	}
	defaultModel := pc.Model
	if defaultModel == "" {
		defaultModel = r.cfg.DefaultModel
	}

	var (
		built Provider
		err   error
	)
	switch pc.Type {
	case "anthropic":
		built, err = NewAnthropic(name, pc.APIKey, pc.BaseURL, defaultModel, r.logger)
	case "openai":
		built, err = NewOpenAI(name, pc.APIKey, pc.BaseURL, defaultModel, r.logger)
	default:
		err = gerrors.ConstraintViolation("llm provider %q has unknown type %q", name, pc.Type)
	}
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	r.providers[name] = built
	r.mu.Unlock()
	return built, model, nil
}

// Complete resolves ref and issues the request, retrying transient provider
// failures with backoff.
func (r *Router) Complete(ctx context.Context, ref string, req Request) (*Response, error) {
	p, model, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if model != "" && req.Model == "" {
		req.Model = model
	}
	return gerrors.RetryWithResult(ctx, r.Retry, func(ctx context.Context) (*Response, error) {
		return p.Complete(ctx, req)
	})
}

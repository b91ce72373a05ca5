package provider

import (
	"errors"
	"strings"

	"botforge/internal/logging"
)

// Sentinel errors for selection and fallback exhaustion.
var (
	ErrNoProviders        = errors.New("provider: no backends configured")
	ErrAllProvidersFailed = errors.New("provider: all backends failed")
)

// Router scores configured backends and produces a fallback order.
// Registration order is stable and breaks score ties (accepted
// nondeterminism would otherwise come from map iteration).
type Router struct {
	services []Service
	scorer   ScoringStrategy
}

// NewRouter creates a router with the default weighted scorer.
func NewRouter() *Router {
	return &Router{scorer: WeightedScorer{}}
}

// SetScorer replaces the scoring strategy. Intended for tests and tuning.
func (r *Router) SetScorer(s ScoringStrategy) {
	r.scorer = s
}

// Register appends a backend. Order of registration is the tie-break and
// fallback order.
func (r *Router) Register(s Service) {
	r.services = append(r.services, s)
}

// Services returns the backends in registration order.
func (r *Router) Services() []Service {
	out := make([]Service, len(r.services))
	copy(out, r.services)
	return out
}

// Get returns the named backend, or nil.
func (r *Router) Get(name string) Service {
	for _, s := range r.services {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// SelectBest picks the backend for a request. An explicitly named,
// configured backend is used as-is; otherwise every backend is scored and
// the highest total wins.
func (r *Router) SelectBest(req *Request) (Service, error) {
	if len(r.services) == 0 {
		return nil, ErrNoProviders
	}

	if req.Model != "" {
		if name := ProviderForModel(req.Model); name != "" {
			if svc := r.Get(name); svc != nil {
				logging.ProviderDebug("explicit model %q -> %s", req.Model, name)
				return svc, nil
			}
		}
	}

	sig := ComputeSignals(req)

	best := r.services[0]
	bestScore := r.scorer.Score(best.Capabilities(), sig)
	for _, svc := range r.services[1:] {
		score := r.scorer.Score(svc.Capabilities(), sig)
		logging.ProviderDebug("score %s=%.2f", svc.Name(), score)
		if score > bestScore {
			best, bestScore = svc, score
		}
	}

	logging.Provider("selected %s (score=%.2f est_tokens=%d)", best.Name(), bestScore, sig.EstimatedTokens)
	return best, nil
}

// FallbackOrder returns the selected backend followed by every other
// configured backend in registration order.
func (r *Router) FallbackOrder(selected Service) []Service {
	order := make([]Service, 0, len(r.services))
	order = append(order, selected)
	for _, s := range r.services {
		if s != selected {
			order = append(order, s)
		}
	}
	return order
}

// modelPrefixes maps explicit model-name prefixes to backend names.
var modelPrefixes = []struct {
	prefix string
	name   string
}{
	{"gpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"openai", "openai"},
	{"claude", "anthropic"},
	{"anthropic", "anthropic"},
	{"gemini", "gemini"},
	{"google", "gemini"},
	{"deepseek", "deepseek"},
	{"openrouter", "openrouter"},
}

// ProviderForModel maps an explicit model string to a backend name by
// prefix, or "" when unrecognized.
func ProviderForModel(model string) string {
	lower := strings.ToLower(model)
	for _, p := range modelPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.name
		}
	}
	// OpenRouter-style fully-qualified ids ("vendor/model")
	if strings.Contains(lower, "/") {
		return "openrouter"
	}
	return ""
}

package provider

import (
	"context"
	"fmt"

	"botforge/internal/config"
)

// NewService builds one backend from its config entry.
func NewService(ctx context.Context, cfg config.ProviderConfig) (Service, error) {
	timeout := config.ParseDuration(cfg.Timeout, 0)

	switch cfg.Name {
	case "anthropic":
		c := DefaultAnthropicConfig(cfg.APIKey)
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if timeout > 0 {
			c.Timeout = timeout
		}
		return NewAnthropicServiceWithConfig(c), nil

	case "openai":
		c := DefaultOpenAIConfig(cfg.APIKey)
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if timeout > 0 {
			c.Timeout = timeout
		}
		return NewOpenAIService(c), nil

	case "openrouter":
		c := DefaultOpenRouterConfig(cfg.APIKey)
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if timeout > 0 {
			c.Timeout = timeout
		}
		return NewOpenAIService(c), nil

	case "deepseek":
		c := DefaultDeepSeekConfig(cfg.APIKey)
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if timeout > 0 {
			c.Timeout = timeout
		}
		return NewOpenAIService(c), nil

	case "gemini":
		return NewGeminiService(ctx, GeminiConfig{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		})

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}
}

// NewRouterFromConfig registers every configured backend in order. Backends
// that fail to construct are skipped; an empty result is valid and selection
// reports ErrNoProviders at call time.
func NewRouterFromConfig(ctx context.Context, cfgs []config.ProviderConfig) (*Router, []error) {
	router := NewRouter()
	var errs []error
	for _, cfg := range cfgs {
		svc, err := NewService(ctx, cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", cfg.Name, err))
			continue
		}
		router.Register(svc)
	}
	return router, errs
}

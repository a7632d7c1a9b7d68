package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Provider names accepted in requests and configuration.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// DefaultProvider is used when a request names no provider.
const DefaultProvider = ProviderGemini

// FactoryConfig carries the configured credentials and model choices
// for each provider.
type FactoryConfig struct {
	// DefaultProvider overrides [DefaultProvider] for requests that
	// name no provider.
	DefaultProvider string

	GeminiAPIKey   string
	GeminiModel    string
	AnthropicKey   string
	AnthropicModel string
}

// Factory builds provider clients on demand. A request may override
// the configured API key, in which case the returned client is bound
// to that key alone; the session layer decides how long to keep it.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger
}

// NewFactory creates a client factory.
func NewFactory(cfg FactoryConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}
}

// NormalizeProvider maps an optional request-supplied provider name to
// a canonical one. Unknown names are returned as-is so the caller can
// surface a useful error.
func NormalizeProvider(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultProvider
	}
	return name
}

// Normalize is [NormalizeProvider] with the factory's configured
// default substituted for empty names. Session identity derivation
// must use this so that "no provider" and the configured default
// compare equal.
func (f *Factory) Normalize(name string) string {
	if strings.TrimSpace(name) == "" && f.cfg.DefaultProvider != "" {
		return NormalizeProvider(f.cfg.DefaultProvider)
	}
	return NormalizeProvider(name)
}

// New builds a client for the named provider. apiKey, when non-empty,
// overrides the configured credential. The returned model is the
// configured model for that provider, falling back to the provider
// default.
func (f *Factory) New(ctx context.Context, provider, apiKey string) (Client, string, error) {
	switch f.Normalize(provider) {
	case ProviderGemini:
		key := apiKey
		if key == "" {
			key = f.cfg.GeminiAPIKey
		}
		client, err := NewGeminiClient(ctx, key, f.logger)
		if err != nil {
			return nil, "", err
		}
		model := f.cfg.GeminiModel
		if model == "" {
			model = DefaultGeminiModel
		}
		return client, model, nil

	case ProviderAnthropic:
		key := apiKey
		if key == "" {
			key = f.cfg.AnthropicKey
		}
		if key == "" {
			return nil, "", fmt.Errorf("no API key configured for provider %q", ProviderAnthropic)
		}
		model := f.cfg.AnthropicModel
		if model == "" {
			model = DefaultAnthropicModel
		}
		return NewAnthropicClient(key, f.logger), model, nil

	default:
		return nil, "", fmt.Errorf("unknown model provider %q", provider)
	}
}

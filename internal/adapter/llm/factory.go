package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
	"chatcore/internal/infra/metrics"
)

// Constructor builds a provider from its configuration. It must not perform
// network calls and should fail fast on missing or malformed credentials.
type Constructor func(cfg config.ProviderConfig, logger *slog.Logger) (domain.Provider, error)

// Factory selects a provider implementation by name. Adding a vendor is one
// Register call; Create itself never changes.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	logger       *slog.Logger
}

// NewFactory creates a factory with the built-in adapters registered.
func NewFactory(logger *slog.Logger) *Factory {
	f := NewEmptyFactory(logger)
	f.mustRegister(geminiName, func(cfg config.ProviderConfig, l *slog.Logger) (domain.Provider, error) {
		return NewGeminiProvider(cfg, l)
	})
	f.mustRegister(openaiName, func(cfg config.ProviderConfig, l *slog.Logger) (domain.Provider, error) {
		return NewOpenAIProvider(cfg, l)
	})
	f.mustRegister(bedrockName, func(cfg config.ProviderConfig, l *slog.Logger) (domain.Provider, error) {
		return NewBedrockProvider(cfg, l)
	})
	return f
}

// NewEmptyFactory creates a factory with no adapters registered.
func NewEmptyFactory(logger *slog.Logger) *Factory {
	return &Factory{
		constructors: make(map[string]Constructor),
		logger:       logger,
	}
}

// Register adds a constructor under name (case-insensitive).
// Returns ErrDuplicate if the name is already registered.
func (f *Factory) Register(name string, ctor Constructor) error {
	key := normalizeName(name)
	if key == "" || ctor == nil {
		return domain.NewDomainError("Factory.Register", domain.ErrInvalidInput, "name and constructor are required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.constructors[key]; exists {
		return domain.NewDomainError("Factory.Register", domain.ErrDuplicate, fmt.Sprintf("provider %q already registered", key))
	}
	f.constructors[key] = ctor
	return nil
}

func (f *Factory) mustRegister(name string, ctor Constructor) {
	if err := f.Register(name, ctor); err != nil {
		panic(err)
	}
}

// Create builds the provider named by cfg.Name. An unregistered name fails
// with ErrUnknownProvider and a nil provider.
func (f *Factory) Create(cfg config.ProviderConfig) (domain.Provider, error) {
	key := normalizeName(cfg.Name)

	f.mu.RLock()
	ctor, ok := f.constructors[key]
	f.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError("Factory.Create", domain.ErrUnknownProvider,
			fmt.Sprintf("provider %q (registered: %s)", cfg.Name, strings.Join(f.Names(), ", ")))
	}

	cfg.Name = key
	provider, err := ctor(cfg, f.logger.With("provider", key))
	if err != nil {
		return nil, domain.WrapOp("Factory.Create", err)
	}

	f.logger.Info("llm provider created", "provider", key, "model", describe(provider).Model)
	return provider, nil
}

// Names returns the registered provider names, sorted.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildProvider creates the configured provider and applies the decorators:
// instrumentation when m is non-nil, then the circuit breaker when enabled.
func BuildProvider(f *Factory, cfg config.LLMConfig, m *metrics.Metrics, logger *slog.Logger) (domain.Provider, error) {
	provider, err := f.Create(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if m != nil {
		provider = NewInstrumentedProvider(provider, m)
	}

	if cb := cfg.CircuitBreaker; cb.Enabled {
		provider = NewCircuitBreakerProvider(provider, cb, m, logger)
		logger.Info("llm circuit breaker enabled",
			"max_failures", cb.MaxFailures,
			"timeout", cb.Timeout,
			"interval", cb.Interval,
		)
	}
	return provider, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

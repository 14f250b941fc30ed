package main

import (
	"fmt"
	"log/slog"

	"chatcore/internal/adapter/llm"
	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
	"chatcore/internal/infra/metrics"
)

// initLLM creates the configured provider with its decorators.
// An unknown provider name is fatal for the process.
func initLLM(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (domain.Provider, error) {
	provider, err := llm.BuildProvider(llm.NewFactory(log), cfg.LLM, m, log)
	if err != nil {
		return nil, fmt.Errorf("llm provider %s: %w", cfg.LLM.Provider.Name, err)
	}
	return provider, nil
}

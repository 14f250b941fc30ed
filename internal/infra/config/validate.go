package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
//
// Provider names and credentials are not checked here; the provider factory
// owns those and reports them with their own error kinds.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateLLM(cfg, ve)
	validateChat(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMetrics(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is invalid: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.ReadTimeout < 0 {
		ve.Add("server.read_timeout must be >= 0")
	}
	if cfg.Server.WriteTimeout < 0 {
		ve.Add("server.write_timeout must be >= 0")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	p := cfg.LLM.Provider
	if strings.TrimSpace(p.Name) == "" {
		ve.Add("llm.provider.name must not be empty")
	}
	if p.Timeout <= 0 {
		ve.Add("llm.provider.timeout must be > 0")
	}
	if p.ConnTimeout < 0 {
		ve.Add("llm.provider.conn_timeout must be >= 0")
	}
	if p.RespTimeout < 0 {
		ve.Add("llm.provider.resp_timeout must be >= 0")
	}
	if p.Pool.MaxIdleConns < 0 || p.Pool.MaxIdleConnsPerHost < 0 || p.Pool.MaxConnsPerHost < 0 {
		ve.Add("llm.provider.pool sizes must be >= 0")
	}

	cb := cfg.LLM.CircuitBreaker
	if cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("llm.circuit_breaker.timeout must be > 0 when enabled")
		}
		if cb.Interval < 0 {
			ve.Add("llm.circuit_breaker.interval must be >= 0")
		}
	}
}

func validateChat(cfg *Config, ve *ValidationError) {
	if cfg.Chat.MaxConversations <= 0 {
		ve.Add("chat.max_conversations must be > 0")
	}
	if cfg.Chat.ConversationTTL < 0 {
		ve.Add("chat.conversation_ttl must be >= 0 (0 disables idle reaping)")
	}
	if cfg.Chat.ConversationTTL > 0 && cfg.Chat.ReapInterval <= 0 {
		ve.Add("chat.reap_interval must be > 0 when conversation_ttl is set")
	}
	if cfg.Chat.TitleLength <= 0 {
		ve.Add("chat.title_length must be > 0")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "json", "text":
	default:
		ve.Add("logger.format %q is invalid (want: json, text)", cfg.Logger.Format)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path %q must start with /", cfg.Metrics.Path)
	}
}

package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateServerAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Addr = "not-an-addr"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "server.addr")
}

func TestValidateLLMProviderNameEmpty(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Provider.Name = "  "
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "llm.provider.name must not be empty")
}

func TestValidateUnknownProviderNameLeftToFactory(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Provider.Name = "groq"
	if err := Validate(cfg); err != nil {
		t.Errorf("unknown provider names are reported by the factory, got %v", err)
	}
}

func TestValidateLLMTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Provider.Timeout = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "llm.provider.timeout must be > 0")
}

func TestValidateCircuitBreakerEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.CircuitBreaker.Enabled = true
	cfg.LLM.CircuitBreaker.MaxFailures = 0
	cfg.LLM.CircuitBreaker.Timeout = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "llm.circuit_breaker.max_failures must be > 0")
	assertContains(t, err.Error(), "llm.circuit_breaker.timeout must be > 0")
}

func TestValidateChat(t *testing.T) {
	cfg := Defaults()
	cfg.Chat.MaxConversations = 0
	cfg.Chat.TitleLength = 0
	cfg.Chat.ReapInterval = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "chat.max_conversations must be > 0")
	assertContains(t, err.Error(), "chat.title_length must be > 0")
	assertContains(t, err.Error(), "chat.reap_interval must be > 0")
}

func TestValidateChatTTLDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.Chat.ConversationTTL = 0
	cfg.Chat.ReapInterval = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("zero TTL disables reaping: %v", err)
	}
}

func TestValidateLogger(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "verbose"
	cfg.Logger.Format = "xml"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `logger.level "verbose" is invalid`)
	assertContains(t, err.Error(), `logger.format "xml" is invalid`)
}

func TestValidateTracerExporter(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `tracer.exporter "jaeger" is invalid`)
}

func TestValidateMetricsPath(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Path = "metrics"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "metrics.path")
}

func TestValidationErrorAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Addr = ""
	cfg.Chat.MaxConversations = 0
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("err type = %T, want *ValidationError", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("Errors = %v, want 2 entries", ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

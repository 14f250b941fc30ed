package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"chatcore/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// mockProvider is a scripted domain.Provider.
type mockProvider struct {
	name         string
	generateFunc func(ctx context.Context, conv []domain.Message, params domain.GenerationParams) (*domain.GenerationResult, error)
}

func (m *mockProvider) GenerateResponse(ctx context.Context, conv []domain.Message, params domain.GenerationParams) (*domain.GenerationResult, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, conv, params)
	}
	return &domain.GenerationResult{Text: "ok", Model: "mock"}, nil
}

func (m *mockProvider) Name() string { return m.name }

func userTurn(content string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: content, Timestamp: time.Now()}}
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{400, domain.ErrProviderRejected},
		{401, domain.ErrProviderRejected},
		{403, domain.ErrProviderRejected},
		{404, domain.ErrProviderRejected},
		{408, domain.ErrProviderUnavailable},
		{413, domain.ErrProviderRejected},
		{429, domain.ErrProviderRejected},
		{500, domain.ErrProviderUnavailable},
		{502, domain.ErrProviderUnavailable},
		{503, domain.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		err := mapHTTPError(tt.status, []byte("body"))
		if !errors.Is(err, tt.want) {
			t.Errorf("mapHTTPError(%d) = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestMapHTTPErrorVendorMessage(t *testing.T) {
	err := mapHTTPError(400, []byte(`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`))
	want := "API error 400: INVALID_ARGUMENT: API key not valid"
	if got := err.Error(); got != domain.ErrProviderRejected.Error()+": "+want {
		t.Errorf("err = %q, want suffix %q", got, want)
	}
}

func TestErrorDetailTruncatesLongBody(t *testing.T) {
	body := make([]byte, maxErrorDetail*2)
	for i := range body {
		body[i] = 'x'
	}
	got := errorDetail(body)
	if len(got) != maxErrorDetail+3 {
		t.Errorf("len = %d, want %d", len(got), maxErrorDetail+3)
	}
}

func TestMapTransportErrorKeepsContextError(t *testing.T) {
	err := mapTransportError(context.DeadlineExceeded)
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded in chain", err)
	}
}

func TestDoJSONRequestTransportFailure(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	_, err := doJSONRequest(context.Background(), client, "http://example.invalid", []byte("{}"), nil)
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestSplitSystem(t *testing.T) {
	system, turns := splitSystem([]domain.Message{
		{Role: domain.RoleSystem, Content: "a"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleSystem, Content: "b"},
		{Role: domain.RoleAssistant, Content: "hello"},
	})
	if system != "a\n\nb" {
		t.Errorf("system = %q", system)
	}
	if len(turns) != 2 || turns[0].Role != domain.RoleUser || turns[1].Role != domain.RoleAssistant {
		t.Errorf("turns = %+v", turns)
	}
}

// metricValue reads the current value of a gauge or counter.
func metricValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	}
	t.Fatalf("metric is neither gauge nor counter")
	return 0
}

// seriesCount returns how many label combinations family currently has.
func seriesCount(t *testing.T, reg *prometheus.Registry, family string) int {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == family {
			return len(f.GetMetric())
		}
	}
	return 0
}

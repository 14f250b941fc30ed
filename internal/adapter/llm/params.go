package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"chatcore/internal/domain"
)

// Generation parameter keys understood by the adapters.
const (
	ParamTemperature = "temperature"
	ParamTopP        = "top_p"
	ParamTopK        = "top_k"
	ParamMaxTokens   = "max_tokens"
	ParamStop        = "stop"
)

// generation is the typed form of a validated domain.GenerationParams bag.
// Nil fields were not supplied and are left to the vendor default.
type generation struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
	Stop        []string
}

func (g generation) empty() bool {
	return g.Temperature == nil && g.TopP == nil && g.TopK == nil && g.MaxTokens == nil && len(g.Stop) == 0
}

// parseGeneration validates params against the keys an adapter supports.
// Unknown keys, wrong types and out-of-range values fail with ErrInvalidInput.
func parseGeneration(op string, params domain.GenerationParams, supported ...string) (generation, error) {
	var g generation

	allowed := make(map[string]bool, len(supported))
	for _, k := range supported {
		allowed[k] = true
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !allowed[key] {
			return g, invalidParam(op, "unsupported parameter %q (supported: %s)", key, strings.Join(supported, ", "))
		}
		v := params[key]
		switch key {
		case ParamTemperature:
			f, err := asFloat(op, key, v)
			if err != nil {
				return g, err
			}
			if f < 0 || f > 2 {
				return g, invalidParam(op, "%s must be in [0, 2], got %v", key, f)
			}
			g.Temperature = &f
		case ParamTopP:
			f, err := asFloat(op, key, v)
			if err != nil {
				return g, err
			}
			if f < 0 || f > 1 {
				return g, invalidParam(op, "%s must be in [0, 1], got %v", key, f)
			}
			g.TopP = &f
		case ParamTopK:
			n, err := asInt(op, key, v)
			if err != nil {
				return g, err
			}
			if n < 1 {
				return g, invalidParam(op, "%s must be >= 1, got %d", key, n)
			}
			g.TopK = &n
		case ParamMaxTokens:
			n, err := asInt(op, key, v)
			if err != nil {
				return g, err
			}
			if n < 1 || n > math.MaxInt32 {
				return g, invalidParam(op, "%s must be in [1, %d], got %d", key, math.MaxInt32, n)
			}
			g.MaxTokens = &n
		case ParamStop:
			stop, err := asStrings(op, key, v)
			if err != nil {
				return g, err
			}
			g.Stop = stop
		default:
			return g, invalidParam(op, "unsupported parameter %q", key)
		}
	}
	return g, nil
}

func invalidParam(op, format string, args ...any) error {
	return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func asFloat(op, key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, invalidParam(op, "%s must be a number, got %q", key, n.String())
		}
		return f, nil
	}
	return 0, invalidParam(op, "%s must be a number, got %T", key, v)
}

func asInt(op, key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, invalidParam(op, "%s must be an integer, got %v", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, invalidParam(op, "%s must be an integer, got %q", key, n.String())
		}
		return int(i), nil
	}
	return 0, invalidParam(op, "%s must be an integer, got %T", key, v)
}

func asStrings(op, key string, v any) ([]string, error) {
	switch s := v.(type) {
	case string:
		return []string{s}, nil
	case []string:
		return append([]string(nil), s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for i, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, invalidParam(op, "%s[%d] must be a string, got %T", key, i, item)
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, invalidParam(op, "%s must be a string or list of strings, got %T", key, v)
}

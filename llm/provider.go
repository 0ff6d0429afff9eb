// Package llm abstracts language-model completion backends behind a single
// Provider interface. Backends share one HTTP client; API endpoint URLs are
// variables so tests can point them at httptest servers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrRateLimited marks an upstream throttling response. Callers retry these
// with a longer backoff than other transient failures.
var ErrRateLimited = errors.New("llm: rate limited")

// sharedHTTPClient is used by all providers; the generous timeout covers
// slow model responses on large documents.
var sharedHTTPClient = &http.Client{
	Timeout: 5 * time.Minute,
}

const defaultMaxTokens = 4096

// Request holds the parameters for one completion call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
	// Model overrides the provider's configured model when non-empty.
	Model string
}

// Response holds the result of a completion call.
type Response struct {
	Content string
	Model   string // provider:model actually used, for agent run records
}

// Provider is the interface for completion backends.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// NewProvider parses a "provider:model" string and returns the matching
// backend. The API key is read from the environment and validated here so a
// misconfigured worker fails at startup, not mid-batch.
func NewProvider(providerModel string) (Provider, error) {
	parts := strings.SplitN(providerModel, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("llm: invalid model %q: expected provider:model", providerModel)
	}
	switch parts[0] {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, errors.New("llm: ANTHROPIC_API_KEY not set")
		}
		return &anthropicProvider{model: parts[1], apiKey: apiKey}, nil
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errors.New("llm: OPENAI_API_KEY not set")
		}
		return &openaiProvider{model: parts[1], apiKey: apiKey}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q (anthropic, openai)", parts[0])
	}
}

// rateLimitError wraps an upstream error so errors.Is(err, ErrRateLimited)
// holds while the provider detail is preserved.
func rateLimitError(detail error) error {
	return fmt.Errorf("%w: %v", ErrRateLimited, detail)
}

// truncate limits a string to maxLen runes for error messages.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

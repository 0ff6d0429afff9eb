package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewProvider_UnknownPrefix(t *testing.T) {
	_, err := NewProvider("gemini:gemini-pro")
	if err == nil {
		t.Error("expected error for unknown provider prefix, got nil")
	}
}

func TestNewProvider_InvalidFormat(t *testing.T) {
	_, err := NewProvider("nocolon")
	if err == nil {
		t.Error("expected error for missing colon separator, got nil")
	}
}

func TestNewProvider_MissingKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewProvider("anthropic:claude-sonnet-4-5"); err == nil {
		t.Error("expected error when ANTHROPIC_API_KEY not set")
	}
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewProvider("openai:gpt-4o"); err == nil {
		t.Error("expected error when OPENAI_API_KEY not set")
	}
}

// WHAT: Tests the Anthropic backend against an httptest server, including
// the text-block concatenation.
func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		w.Write([]byte(`{"model":"claude-sonnet-4-5","content":[
			{"type":"text","text":"{\"extractions\":"},
			{"type":"text","text":"[]}"}]}`))
	}))
	defer srv.Close()

	old := anthropicAPIURL
	SetAnthropicAPIURL(srv.URL)
	t.Cleanup(func() { SetAnthropicAPIURL(old) })

	p := &anthropicProvider{model: "claude-sonnet-4-5", apiKey: "sk-test"}
	resp, err := p.Complete(context.Background(), &Request{UserPrompt: "extract"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"extractions":[]}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Model != "anthropic:claude-sonnet-4-5" {
		t.Errorf("model = %q", resp.Model)
	}
}

// WHAT: Tests that HTTP 429 surfaces as ErrRateLimited on both backends.
// WHY: The extractor retries throttling with a longer backoff than other
// failures, so the classification must be reliable.
func TestRateLimitClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	oldA, oldO := anthropicAPIURL, openaiAPIURL
	SetAnthropicAPIURL(srv.URL)
	SetOpenAIAPIURL(srv.URL)
	t.Cleanup(func() { SetAnthropicAPIURL(oldA); SetOpenAIAPIURL(oldO) })

	a := &anthropicProvider{model: "m", apiKey: "k"}
	if _, err := a.Complete(context.Background(), &Request{UserPrompt: "x"}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("anthropic 429: got %v, want ErrRateLimited", err)
	}
	o := &openaiProvider{model: "m", apiKey: "k"}
	if _, err := o.Complete(context.Background(), &Request{UserPrompt: "x"}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("openai 429: got %v, want ErrRateLimited", err)
	}
}

// WHAT: Tests that non-throttling API errors are not classified as rate
// limits.
func TestAPIErrorNotRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	defer srv.Close()

	old := anthropicAPIURL
	SetAnthropicAPIURL(srv.URL)
	t.Cleanup(func() { SetAnthropicAPIURL(old) })

	p := &anthropicProvider{model: "m", apiKey: "k"}
	_, err := p.Complete(context.Background(), &Request{UserPrompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Errorf("400 misclassified as rate limit: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate short string: got %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("truncate long string: got %q", got)
	}
	if got := truncate("héllo", 3); got != "hél..." {
		t.Errorf("truncate multibyte: got %q", got)
	}
}

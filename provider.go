package atoll

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Provider abstracts the LLM backend. One implementation serves every role
// (orchestrator, sub-agent, sentinel); the request's Model field selects the
// underlying model per call.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools
	// is non-empty the response may contain tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "groq").
	Name() string
}

// ParseRetryAfter parses an HTTP Retry-After header value: either delay
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

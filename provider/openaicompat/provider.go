package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	atoll "github.com/helmshore/atoll"
)

// Provider implements atoll.Provider for any OpenAI-compatible API.
// One instance serves every role: each request carries its own model,
// temperature, and response format, and the configured model is only a
// fallback for requests that leave Model empty.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically. model is the
// fallback for requests that do not select one.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req atoll.ChatRequest) (atoll.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := BuildBody(req, model, p.opts...)

	start := time.Now()
	resp, err := p.doRequest(ctx, body, req.APIKey)
	if p.logger != nil {
		p.logger.Debug("chat completed",
			"provider", p.name, "model", model,
			"messages", len(req.Messages), "tools", len(req.Tools),
			"error", err != nil, "duration", time.Since(start))
	}
	return resp, err
}

// doRequest sends the request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest, apiKey string) (atoll.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body, apiKey)
	if err != nil {
		return atoll.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return atoll.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return atoll.ChatResponse{}, &atoll.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp, p.name)
}

// sendHTTP marshals the request body and sends it to the chat completions
// endpoint. A non-empty apiKey overrides the provider key (per-user keys).
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest, apiKey string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &atoll.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &atoll.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := p.apiKey
	if apiKey != "" {
		key = apiKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &atoll.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: atoll.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ atoll.Provider = (*Provider)(nil)

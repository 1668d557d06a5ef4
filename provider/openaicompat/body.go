package openaicompat

import (
	"encoding/json"

	atoll "github.com/helmshore/atoll"
)

// BuildBody converts an atoll.ChatRequest into an OpenAI-format ChatRequest.
// model must already be resolved (the caller picks req.Model or a default).
// Messages carrying content parts become content-block arrays so that
// cache_control markers survive onto the wire; plain messages stay strings.
func BuildBody(req atoll.ChatRequest, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range req.Messages {
		switch {
		case len(m.Parts) > 0:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: buildBlocks(m.Parts),
			})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := Message{
				Role:      "assistant",
				ToolCalls: tcs,
			}
			// Include text content if present alongside tool calls.
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	body := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
	}
	if req.Temperature != nil {
		t := *req.Temperature
		body.Temperature = &t
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}

	// Structured output: enforce JSON response matching the schema.
	if req.ResponseFormat != nil && len(req.ResponseFormat.Schema) > 0 {
		body.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   req.ResponseFormat.Name,
				Schema: req.ResponseFormat.Schema,
				Strict: req.ResponseFormat.Strict,
			},
		}
	}

	for _, opt := range opts {
		opt(&body)
	}

	return body
}

// buildBlocks converts content parts to wire content blocks, translating
// cache markers to the ephemeral cache_control format.
func buildBlocks(parts []atoll.ContentPart) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		b := ContentBlock{Type: "text", Text: p.Text}
		if p.Cache != nil {
			b.Cache = &CacheControl{Type: "ephemeral", TTL: p.Cache.TTL}
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// BuildToolDefs converts atoll ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []atoll.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

package openaicompat

import (
	"encoding/json"

	atoll "github.com/helmshore/atoll"
)

// ParseResponse converts an OpenAI-format ChatResponse to an atoll
// ChatResponse. It extracts content, tool calls, and usage from choices[0].
// A refusal is surfaced as an ErrLLM tagged with the given provider name.
func ParseResponse(resp ChatResponse, provider string) (atoll.ChatResponse, error) {
	var out atoll.ChatResponse
	out.Model = resp.Model

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		if choice.Message.Refusal != "" {
			return out, &atoll.ErrLLM{Provider: provider, Message: "model refused: " + choice.Message.Refusal}
		}
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = atoll.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		}
		if resp.Usage.PromptTokensDetails != nil {
			out.Usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to atoll ToolCalls.
// OpenAI returns function.arguments as a JSON string; we parse it into
// json.RawMessage. Invalid argument JSON degrades to an empty object.
func ParseToolCalls(tcs []ToolCallRequest) []atoll.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]atoll.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, atoll.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

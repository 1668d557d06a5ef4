package atoll

import (
	"context"
	"fmt"
)

// PreProcessor runs before a request is sent to the LLM. Implementations
// may rewrite the request or return an error to halt the turn. Return
// ErrHalt to short-circuit with a canned response. Must be safe for
// concurrent use.
type PreProcessor interface {
	PreLLM(ctx context.Context, req *ChatRequest) error
}

// PostProcessor runs after the LLM responds, before tool processing.
// Return ErrHalt to short-circuit with a canned response. Must be safe
// for concurrent use.
type PostProcessor interface {
	PostLLM(ctx context.Context, resp *ChatResponse) error
}

// PostSkillProcessor runs after a skill handler returns, before the
// result is handed back to the calling agent. Implementations may redact
// or transform the result. Must be safe for concurrent use.
type PostSkillProcessor interface {
	PostSkill(ctx context.Context, skill string, result *SkillResult) error
}

// ErrHalt signals that a processor wants to stop the turn and return a
// specific response to the user. The engine catches ErrHalt and returns
// Response with a nil error.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "processor halted: " + e.Response }

// ProcessorChain holds an ordered list of processors and runs them at
// each hook point. A processor participates only in the phases whose
// interface it implements.
type ProcessorChain struct {
	processors []any
}

// NewProcessorChain creates an empty chain.
func NewProcessorChain() *ProcessorChain {
	return &ProcessorChain{}
}

// Add appends a processor. Panics if p implements none of PreProcessor,
// PostProcessor, or PostSkillProcessor.
func (c *ProcessorChain) Add(p any) {
	_, isPre := p.(PreProcessor)
	_, isPost := p.(PostProcessor)
	_, isSkill := p.(PostSkillProcessor)
	if !isPre && !isPost && !isSkill {
		panic(fmt.Sprintf("atoll: processor %T implements none of PreProcessor, PostProcessor, PostSkillProcessor", p))
	}
	c.processors = append(c.processors, p)
}

// RunPreLLM runs all PreProcessor hooks in registration order. Stops and
// returns the first non-nil error.
func (c *ProcessorChain) RunPreLLM(ctx context.Context, req *ChatRequest) error {
	for _, p := range c.processors {
		if pre, ok := p.(PreProcessor); ok {
			if err := pre.PreLLM(ctx, req); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostLLM runs all PostProcessor hooks in registration order. Stops
// and returns the first non-nil error.
func (c *ProcessorChain) RunPostLLM(ctx context.Context, resp *ChatResponse) error {
	for _, p := range c.processors {
		if post, ok := p.(PostProcessor); ok {
			if err := post.PostLLM(ctx, resp); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostSkill runs all PostSkillProcessor hooks in registration order.
// Stops and returns the first non-nil error.
func (c *ProcessorChain) RunPostSkill(ctx context.Context, skill string, result *SkillResult) error {
	for _, p := range c.processors {
		if ps, ok := p.(PostSkillProcessor); ok {
			if err := ps.PostSkill(ctx, skill, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of registered processors.
func (c *ProcessorChain) Len() int { return len(c.processors) }

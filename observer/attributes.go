package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for atoll observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrTokensCached = attribute.Key("llm.tokens.cached")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrSkillName         = attribute.Key("skill.name")
	AttrSkillStatus       = attribute.Key("skill.status")
	AttrSkillResultLength = attribute.Key("skill.result_length")

	AttrAgentID     = attribute.Key("agent.id")
	AttrAgentStatus = attribute.Key("agent.status")

	AttrSentinelDecision = attribute.Key("sentinel.decision")

	AttrConversationID = attribute.Key("conversation.id")
	AttrChannel        = attribute.Key("conversation.channel")
)

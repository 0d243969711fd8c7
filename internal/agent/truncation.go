package agent

import (
	"encoding/json"

	"github.com/haasonsaas/minibot/internal/providers"
)

// EstimateTokens estimates the token cost of a message sequence from its
// serialized byte length at roughly 3 bytes per token. Deliberately
// pessimistic; overestimating trims history early instead of overflowing the
// provider.
func EstimateTokens(msgs []providers.Message) int {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return 0
	}
	return len(raw) / 3
}

// EstimateToolTokens estimates the cost of the tool-definition blob sent
// alongside the messages.
func EstimateToolTokens(defs []providers.ToolDefinition) int {
	if len(defs) == 0 {
		return 0
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		return 0
	}
	return len(raw) / 3
}

// TruncateToBudget fits a message sequence into a token budget by dropping
// interior history, oldest first. The first message (system prompt) and the
// last (current turn) are always kept; if they alone exceed the budget, all
// history is sacrificed. Kept messages stay in chronological order.
func TruncateToBudget(msgs []providers.Message, budget int) []providers.Message {
	if len(msgs) <= 2 {
		return msgs
	}
	if EstimateTokens(msgs) <= budget {
		return msgs
	}

	system := msgs[0]
	current := msgs[len(msgs)-1]
	history := msgs[1 : len(msgs)-1]

	remaining := budget - EstimateTokens([]providers.Message{system, current})
	if remaining <= 0 {
		return []providers.Message{system, current}
	}

	// Walk newest to oldest, keeping whole messages while they fit.
	kept := make([]providers.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens([]providers.Message{history[i]})
		if remaining-cost < 0 {
			break
		}
		kept = append(kept, history[i])
		remaining -= cost
	}

	out := make([]providers.Message, 0, len(kept)+2)
	out = append(out, system)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	return append(out, current)
}

// Package agent implements the message-processing core: context assembly,
// budget truncation, streaming aggregation, and the iterative tool-execution
// loop that turns one inbound message into one reply.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/minibot/internal/providers"
	"github.com/haasonsaas/minibot/internal/sessions"
)

// ContextBuilder assembles the ordered message sequence sent to the model:
// system prompt first, then prior history, then the newest user turn. It also
// appends assistant and tool turns as the iteration loop progresses.
type ContextBuilder struct {
	workspace string
}

func NewContextBuilder(workspace string) *ContextBuilder {
	return &ContextBuilder{workspace: workspace}
}

// BuildMessages produces the initial sequence for one request. Media
// attachments are referenced by path in the user turn; binary content is not
// inlined.
func (c *ContextBuilder) BuildMessages(history []sessions.Message, current string, media []string, channel, chatID string) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+2)
	msgs = append(msgs, providers.Message{
		Role:    "system",
		Content: c.systemPrompt(channel, chatID),
	})

	for _, h := range history {
		msgs = append(msgs, providers.Message{Role: h.Role, Content: h.Content})
	}

	content := current
	if len(media) > 0 {
		content += "\n[attached: " + strings.Join(media, ", ") + "]"
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: content})
	return msgs
}

// AddAssistantMessage appends the assistant turn that requested tool calls.
// The serialized call descriptors must travel with the turn so the provider
// can pair them with the tool results that follow.
func (c *ContextBuilder) AddAssistantMessage(msgs []providers.Message, content string, toolCalls []providers.ToolCallPayload, reasoning string) []providers.Message {
	return append(msgs, providers.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: toolCalls,
		Reasoning: reasoning,
	})
}

// AddToolResult appends one tool-result turn correlated to its call id.
func (c *ContextBuilder) AddToolResult(msgs []providers.Message, callID, name, result string) []providers.Message {
	return append(msgs, providers.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: callID,
		Name:       name,
	})
}

func (c *ContextBuilder) systemPrompt(channel, chatID string) string {
	var sb strings.Builder
	sb.WriteString("You are minibot, a capable assistant with access to tools for files, shell, web, and messaging.\n\n")
	fmt.Fprintf(&sb, "Workspace: %s\n", c.workspace)
	fmt.Fprintf(&sb, "Current time: %s\n", time.Now().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "Conversation: %s:%s\n", channel, chatID)
	sb.WriteString("\nUse tools when they help. Prefer acting over asking. Keep replies concise.\n")

	// Optional per-workspace persona and standing instructions.
	if extra := readIfPresent(filepath.Join(c.workspace, "AGENTS.md")); extra != "" {
		sb.WriteString("\n")
		sb.WriteString(extra)
	}
	return sb.String()
}

func readIfPresent(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// SendFunc delivers a message to a chat on a channel.
type SendFunc func(channel, chatID, content string) error

// MessageTool sends a message to the conversation the agent is currently
// serving. The channel and chat are bound per inbound message via
// SetContext, so handler code never has to thread routing details into
// tool arguments.
type MessageTool struct {
	send    SendFunc
	channel string
	chatID  string
}

func NewMessageTool(send SendFunc) *MessageTool {
	return &MessageTool{send: send}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the current conversation immediately, before the final reply."
}

func (t *MessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Message text to send."}
		},
		"required": ["content"]
	}`)
}

func (t *MessageTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	content := stringArg(args, "content")
	if content == "" {
		return "", fmt.Errorf("content must not be empty")
	}
	if t.channel == "" || t.chatID == "" {
		return "", fmt.Errorf("no conversation bound for message delivery")
	}
	if err := t.send(t.channel, t.chatID, content); err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return "Message sent.", nil
}

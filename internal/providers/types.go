// Package providers defines the LLM provider abstraction used by the agent
// loop: a streaming chat interface, capability discovery with a TTL cache,
// and the wire-level types exchanged with completion endpoints.
package providers

import (
	"context"
	"encoding/json"
)

// Finish reasons reported by providers on the terminal stream chunk.
const (
	FinishStop            = "stop"
	FinishToolCalls       = "tool_calls"
	FinishContextOverflow = "context_overflow"
	FinishError           = "error"
)

// DefaultContextWindow is the fallback window size when discovery yields
// nothing and no override is configured.
const DefaultContextWindow = 8192

// Message is a single conversation turn in provider wire format.
// Ordering is chronological: index 0 is the system prompt when present,
// the last element is the newest unanswered turn.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Reasoning  string            `json:"reasoning_content,omitempty"`
}

// ToolCallPayload is the serialized descriptor for a tool call carried on an
// assistant message. Arguments are a JSON-encoded string, as the chat
// completion APIs require.
type ToolCallPayload struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names a function and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallRequest is a parsed tool invocation request from the model.
// ID correlates the request with the tool result appended later.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a callable tool in function-definition format.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition carries a tool's name, description, and parameter schema.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// StreamChunk is one increment of a streaming completion.
//
// DeltaContent carries a partial text fragment. ToolCalls stays nil until the
// terminal chunk, which carries the fully materialized list. FinishReason is
// empty until the terminal chunk.
type StreamChunk struct {
	DeltaContent string
	ToolCalls    []ToolCallRequest
	FinishReason string
}

// CompletionResponse is the assembled result of one model call.
type CompletionResponse struct {
	Content      string
	ToolCalls    []ToolCallRequest
	FinishReason string
	Reasoning    string
}

// HasToolCalls reports whether the model requested tool execution.
func (r *CompletionResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ProviderCapabilities is the discovered identity of the active model.
type ProviderCapabilities struct {
	Model         string
	ContextWindow int
}

// ChatRequest contains the parameters for one streaming completion call.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float32
}

// LLMProvider is the contract the agent loop drives.
//
// StreamChat returns a lazy, finite, non-restartable sequence of chunks that
// the caller consumes to exhaustion exactly once. Transport and quota errors
// must be translated into a terminal chunk with FinishReason "error" and a
// diagnostic DeltaContent rather than surfaced as Go errors; the returned
// error covers only request construction failures.
//
// Discover goes through the provider's capability cache and never hard-fails:
// a nil result means capabilities are unknown and the caller should fall back
// to defaults. InvalidateCapabilities forces the next Discover to re-query
// while keeping the last known-good value on re-query failure.
type LLMProvider interface {
	StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	Discover(ctx context.Context) (*ProviderCapabilities, error)
	InvalidateCapabilities()
	DefaultModel() string
}

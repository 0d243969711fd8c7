package agent

import (
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/minibot/internal/providers"
)

// emitFunc publishes one stream event; nil disables emission.
type emitFunc func(event string, data map[string]any)

// aggregateStream consumes a chunk sequence to exhaustion and assembles one
// completion response.
//
// A stream_start event (with a fresh correlation id) precedes consumption;
// each textual delta is appended to the buffer and re-emitted as a
// stream_chunk carrying only that delta; the latest non-nil tool-call list
// and the latest finish reason win. stream_end is emitted unconditionally
// once the channel closes, including after provider-side error chunks.
func aggregateStream(ch <-chan providers.StreamChunk, emit emitFunc) *providers.CompletionResponse {
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	id := newStreamID()
	emit("stream_start", map[string]any{"id": id})

	var content strings.Builder
	var toolCalls []providers.ToolCallRequest
	finish := providers.FinishStop

	for chunk := range ch {
		if chunk.DeltaContent != "" {
			content.WriteString(chunk.DeltaContent)
			emit("stream_chunk", map[string]any{"id": id, "delta": chunk.DeltaContent})
		}
		if chunk.ToolCalls != nil {
			toolCalls = chunk.ToolCalls
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	emit("stream_end", map[string]any{"id": id})

	return &providers.CompletionResponse{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
	}
}

func newStreamID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

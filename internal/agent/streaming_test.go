package agent

import (
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/minibot/internal/providers"
)

func chunkChannel(chunks ...providers.StreamChunk) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

type capturedEvent struct {
	event string
	data  map[string]any
}

func captureEmit(events *[]capturedEvent) emitFunc {
	return func(event string, data map[string]any) {
		*events = append(*events, capturedEvent{event: event, data: data})
	}
}

func TestAggregateAssociativity(t *testing.T) {
	const text = "The answer is forty-two."

	// One chunk vs one chunk per rune must assemble identical content.
	whole := aggregateStream(chunkChannel(
		providers.StreamChunk{DeltaContent: text},
		providers.StreamChunk{FinishReason: providers.FinishStop},
	), nil)

	var split []providers.StreamChunk
	for _, r := range text {
		split = append(split, providers.StreamChunk{DeltaContent: string(r)})
	}
	split = append(split, providers.StreamChunk{FinishReason: providers.FinishStop})
	piecewise := aggregateStream(chunkChannel(split...), nil)

	if whole.Content != text || piecewise.Content != text {
		t.Errorf("content mismatch: whole=%q piecewise=%q", whole.Content, piecewise.Content)
	}
	if whole.FinishReason != piecewise.FinishReason {
		t.Errorf("finish reason mismatch: %q vs %q", whole.FinishReason, piecewise.FinishReason)
	}
}

func TestAggregateDefaultsToStop(t *testing.T) {
	resp := aggregateStream(chunkChannel(providers.StreamChunk{DeltaContent: "hi"}), nil)
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("stream without finish reason should default to stop, got %q", resp.FinishReason)
	}
}

func TestAggregateCapturesTerminalToolCalls(t *testing.T) {
	calls := []providers.ToolCallRequest{
		{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a.txt"}},
		{ID: "c2", Name: "exec", Arguments: map[string]any{"command": "ls"}},
	}
	resp := aggregateStream(chunkChannel(
		providers.StreamChunk{DeltaContent: "let me check"},
		providers.StreamChunk{ToolCalls: calls, FinishReason: providers.FinishToolCalls},
	), nil)

	if !reflect.DeepEqual(resp.ToolCalls, calls) {
		t.Errorf("tool calls not captured verbatim: %+v", resp.ToolCalls)
	}
	if resp.FinishReason != providers.FinishToolCalls {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestAggregateEventSequence(t *testing.T) {
	var events []capturedEvent
	aggregateStream(chunkChannel(
		providers.StreamChunk{DeltaContent: "a"},
		providers.StreamChunk{DeltaContent: "b"},
		providers.StreamChunk{FinishReason: providers.FinishStop},
	), captureEmit(&events))

	want := []string{"stream_start", "stream_chunk", "stream_chunk", "stream_end"}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	id := events[0].data["id"]
	for i, ev := range events {
		if ev.event != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.event, want[i])
		}
		if ev.data["id"] != id {
			t.Errorf("event %d carries id %v, want %v", i, ev.data["id"], id)
		}
	}

	// Chunk events carry deltas, never the accumulated buffer.
	if events[1].data["delta"] != "a" || events[2].data["delta"] != "b" {
		t.Errorf("chunk events should carry raw deltas: %v, %v", events[1].data, events[2].data)
	}
}

func TestAggregateEmitsStreamEndOnErrorChunk(t *testing.T) {
	var events []capturedEvent
	resp := aggregateStream(chunkChannel(
		providers.StreamChunk{DeltaContent: "LLM request failed: boom", FinishReason: providers.FinishError},
	), captureEmit(&events))

	if resp.FinishReason != providers.FinishError {
		t.Errorf("finish reason = %q, want error", resp.FinishReason)
	}
	if !strings.Contains(resp.Content, "boom") {
		t.Errorf("diagnostic content lost: %q", resp.Content)
	}
	last := events[len(events)-1]
	if last.event != "stream_end" {
		t.Errorf("last event = %q, want stream_end even on error", last.event)
	}
}

func TestAggregateEmptyStream(t *testing.T) {
	resp := aggregateStream(chunkChannel(), nil)
	if resp.Content != "" || resp.ToolCalls != nil || resp.FinishReason != providers.FinishStop {
		t.Errorf("empty stream should yield empty stop response, got %+v", resp)
	}
}

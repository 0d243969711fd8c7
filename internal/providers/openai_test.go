package providers

import (
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func intPtr(i int) *int { return &i }

func TestToolCallAccumulator_AppendsWithinIndex(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add(openai.ToolCall{Index: intPtr(0), ID: "call_1", Function: openai.FunctionCall{Name: "echo"}})
	acc.add(openai.ToolCall{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `{"x":`}})
	acc.add(openai.ToolCall{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `"hi"}`}})

	calls := acc.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "echo" {
		t.Errorf("unexpected call identity: %+v", calls[0])
	}
	if calls[0].Arguments["x"] != "hi" {
		t.Errorf("expected appended argument fragments to parse, got %v", calls[0].Arguments)
	}
}

func TestToolCallAccumulator_InterleavedIndices(t *testing.T) {
	// Deltas for different indices interleave; order across indices must not
	// matter, only order within one index.
	acc := newToolCallAccumulator()
	acc.add(openai.ToolCall{Index: intPtr(1), ID: "call_b", Function: openai.FunctionCall{Name: "beta"}})
	acc.add(openai.ToolCall{Index: intPtr(0), ID: "call_a", Function: openai.FunctionCall{Name: "alpha"}})
	acc.add(openai.ToolCall{Index: intPtr(1), Function: openai.FunctionCall{Arguments: `{"n":`}})
	acc.add(openai.ToolCall{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `{"m":1}`}})
	acc.add(openai.ToolCall{Index: intPtr(1), Function: openai.FunctionCall{Arguments: `2}`}})

	calls := acc.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "call_a" || calls[1].ID != "call_b" {
		t.Errorf("expected calls sorted by index, got %s then %s", calls[0].ID, calls[1].ID)
	}
	if calls[0].Arguments["m"] != float64(1) {
		t.Errorf("unexpected args for index 0: %v", calls[0].Arguments)
	}
	if calls[1].Arguments["n"] != float64(2) {
		t.Errorf("unexpected args for index 1: %v", calls[1].Arguments)
	}
}

func TestToolCallAccumulator_EmptyReturnsNil(t *testing.T) {
	if calls := newToolCallAccumulator().calls(); calls != nil {
		t.Errorf("expected nil for no deltas, got %v", calls)
	}
}

func TestErrorChunk_ContextOverflow(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"api code", &openai.APIError{Code: "context_length_exceeded", Message: "too long"}, FinishContextOverflow},
		{"message match", errors.New("this model's maximum context length is 8192 tokens"), FinishContextOverflow},
		{"generic", errors.New("connection refused"), FinishError},
		{"rate limit", errors.New("429 too many requests"), FinishError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunk := errorChunk(tc.err)
			if chunk.FinishReason != tc.want {
				t.Errorf("errorChunk(%v) finish = %q, want %q", tc.err, chunk.FinishReason, tc.want)
			}
			if chunk.DeltaContent == "" {
				t.Error("expected diagnostic content on error chunk")
			}
		})
	}
}

func TestNormalizeFinish(t *testing.T) {
	if got := normalizeFinish(""); got != FinishStop {
		t.Errorf("empty finish = %q, want stop", got)
	}
	if got := normalizeFinish("function_call"); got != FinishToolCalls {
		t.Errorf("function_call = %q, want tool_calls", got)
	}
	if got := normalizeFinish("length"); got != "length" {
		t.Errorf("length = %q, want passthrough", got)
	}
}

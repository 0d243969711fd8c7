package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/minibot/internal/bus"
	"github.com/haasonsaas/minibot/internal/observability"
	"github.com/haasonsaas/minibot/internal/providers"
	"github.com/haasonsaas/minibot/internal/sessions"
)

// scriptedProvider replays a fixed sequence of chunk streams, one per
// StreamChat call. The last entry repeats once the script is exhausted.
type scriptedProvider struct {
	mu            sync.Mutex
	script        [][]providers.StreamChunk
	calls         int
	discoverCalls int
	invalidations int
	caps          *providers.ProviderCapabilities
}

func (p *scriptedProvider) StreamChat(_ context.Context, _ *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	p.mu.Lock()
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	chunks := p.script[idx]
	p.calls++
	p.mu.Unlock()

	ch := make(chan providers.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Discover(context.Context) (*providers.ProviderCapabilities, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverCalls++
	return p.caps, nil
}

func (p *scriptedProvider) InvalidateCapabilities() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidations++
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }

// echoTool returns its "x" argument; failTool always errors.
type echoTool struct{}

func (echoTool) Name() string             { return "echo" }
func (echoTool) Description() string      { return "echo back x" }
func (echoTool) Schema() json.RawMessage  { return json.RawMessage(`{"type": "object"}`) }
func (echoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	if v, ok := args["x"].(string); ok {
		return v, nil
	}
	return "", nil
}

type failTool struct{}

func (failTool) Name() string            { return "boom" }
func (failTool) Description() string     { return "always fails" }
func (failTool) Schema() json.RawMessage { return json.RawMessage(`{"type": "object"}`) }
func (failTool) Execute(context.Context, map[string]any) (string, error) {
	return "", errors.New("deliberate failure")
}

type testHarness struct {
	loop     *AgentLoop
	bus      *bus.MessageBus
	provider *scriptedProvider
	sessions *sessions.Manager
	events   *[]bus.AgentEvent
}

func newHarness(t *testing.T, script [][]providers.StreamChunk) *testHarness {
	t.Helper()

	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	sess, err := sessions.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Close() })

	events := &[]bus.AgentEvent{}
	eventBus := bus.NewEventBus(logger)
	eventBus.Subscribe(func(ev bus.AgentEvent) { *events = append(*events, ev) })

	mbus := bus.NewMessageBus()
	provider := &scriptedProvider{script: script}

	cfg := Config{
		Workspace:     t.TempDir(),
		Model:         "test-model",
		ContextWindow: 100000,
		MaxIterations: 20,
		MaxTokens:     1024,
		ExecTimeout:   5 * time.Second,
	}
	loop := NewAgentLoop(cfg, mbus, provider, sess, eventBus, logger, nil)

	return &testHarness{loop: loop, bus: mbus, provider: provider, sessions: sess, events: events}
}

func (h *testHarness) agentEvents(name string) []bus.AgentEvent {
	var out []bus.AgentEvent
	for _, ev := range *h.events {
		if ev.Category == "agent" && ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func textResponse(text string) []providers.StreamChunk {
	return []providers.StreamChunk{
		{DeltaContent: text},
		{FinishReason: providers.FinishStop},
	}
}

func toolCallResponse(id, name string, args map[string]any) []providers.StreamChunk {
	return []providers.StreamChunk{
		{
			ToolCalls:    []providers.ToolCallRequest{{ID: id, Name: name, Arguments: args}},
			FinishReason: providers.FinishToolCalls,
		},
	}
}

func TestProcessSimpleAnswer(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{textResponse("4")})
	ctx := context.Background()

	out, err := h.loop.Process(ctx, &bus.InboundMessage{
		Channel: "cli", SenderID: "user", ChatID: "direct", Content: "What's 2+2?",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || out.Content != "4" {
		t.Fatalf("got reply %+v, want content %q", out, "4")
	}

	session, err := h.sessions.GetOrCreate(ctx, "cli:direct")
	if err != nil {
		t.Fatal(err)
	}
	hist := session.History()
	if len(hist) != 2 {
		t.Fatalf("session has %d turns, want 2", len(hist))
	}
	if hist[0].Role != "user" || hist[0].Content != "What's 2+2?" {
		t.Errorf("first turn = %+v", hist[0])
	}
	if hist[1].Role != "assistant" || hist[1].Content != "4" {
		t.Errorf("second turn = %+v", hist[1])
	}
}

func TestProcessToolCallFlow(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{
		toolCallResponse("c1", "echo", map[string]any{"x": "hi"}),
		textResponse("done"),
	})
	h.loop.RegisterTool(echoTool{})

	out, err := h.loop.Process(context.Background(), &bus.InboundMessage{
		Channel: "cli", SenderID: "user", ChatID: "direct", Content: "run the tool",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "done" {
		t.Errorf("final content = %q, want done", out.Content)
	}

	calls := h.agentEvents("tool_call")
	results := h.agentEvents("tool_result")
	if len(calls) != 1 || len(results) != 1 {
		t.Fatalf("got %d tool_call and %d tool_result events, want exactly 1 each", len(calls), len(results))
	}
	if calls[0].Data["name"] != "echo" {
		t.Errorf("tool_call names %v", calls[0].Data["name"])
	}
	if results[0].Data["result_preview"] != "hi" {
		t.Errorf("tool_result preview = %v", results[0].Data["result_preview"])
	}
}

func TestIterationCeilingProducesFallback(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{
		toolCallResponse("c1", "echo", map[string]any{"x": "again"}),
	})
	h.loop.cfg.MaxIterations = 3
	h.loop.RegisterTool(echoTool{})

	out, err := h.loop.Process(context.Background(), &bus.InboundMessage{
		Channel: "cli", SenderID: "user", ChatID: "direct", Content: "loop forever",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != noResponseReply {
		t.Errorf("final content = %q, want the no-response fallback", out.Content)
	}

	if got := len(h.agentEvents("tool_call")); got != 3 {
		t.Errorf("got %d tool_call events, want exactly 3", got)
	}
	if got := len(h.agentEvents("thinking_started")); got != 3 {
		t.Errorf("got %d thinking_started events, want 3", got)
	}
}

func TestDoubleOverflowYieldsApology(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{
		{{DeltaContent: "context length exceeded", FinishReason: providers.FinishContextOverflow}},
	})

	out, err := h.loop.Process(context.Background(), &bus.InboundMessage{
		Channel: "cli", SenderID: "user", ChatID: "direct", Content: "huge prompt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != overflowReply {
		t.Errorf("final content = %q, want the overflow apology", out.Content)
	}
	if h.provider.invalidations != 1 {
		t.Errorf("got %d invalidations, want exactly 1 retry cycle", h.provider.invalidations)
	}
	if h.provider.calls != 2 {
		t.Errorf("got %d model calls, want exactly 2 (original + one retry)", h.provider.calls)
	}
}

func TestToolFailureContinuesProcessing(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{
		toolCallResponse("c1", "boom", nil),
		textResponse("recovered"),
	})
	h.loop.RegisterTool(failTool{})

	out, err := h.loop.Process(context.Background(), &bus.InboundMessage{
		Channel: "cli", SenderID: "user", ChatID: "direct", Content: "try it",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "recovered" {
		t.Errorf("final content = %q, want recovered", out.Content)
	}

	results := h.agentEvents("tool_result")
	if len(results) != 1 {
		t.Fatalf("got %d tool_result events, want exactly 1", len(results))
	}
	previewVal, _ := results[0].Data["result_preview"].(string)
	if !strings.Contains(previewVal, "Error") || !strings.Contains(previewVal, "deliberate failure") {
		t.Errorf("failure should surface as error text, got %q", previewVal)
	}
}

func TestProcessSystemMessageRoutesToOrigin(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{textResponse("noted")})
	ctx := context.Background()

	out, err := h.loop.Process(ctx, &bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "subagent:ab12",
		ChatID:   "telegram:42",
		Content:  "Background task ab12 finished.",
		Origin:   &bus.Origin{Channel: "telegram", ChatID: "42"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Errorf("reply routed to %s:%s, want telegram:42", out.Channel, out.ChatID)
	}
	if out.Content != "noted" {
		t.Errorf("content = %q", out.Content)
	}

	session, err := h.sessions.GetOrCreate(ctx, "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	hist := session.History()
	if len(hist) != 2 {
		t.Fatalf("session has %d turns, want 2", len(hist))
	}
	if !strings.HasPrefix(hist[0].Content, "[System: subagent:ab12]") {
		t.Errorf("system turn not marked: %q", hist[0].Content)
	}
}

func TestProcessSystemMessageLegacyKeyFallback(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{textResponse("ok")})

	out, err := h.loop.Process(context.Background(), &bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "cron:job1",
		ChatID:   "slack:C123",
		Content:  "timer fired",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != "slack" || out.ChatID != "C123" {
		t.Errorf("legacy composite key not parsed: %s:%s", out.Channel, out.ChatID)
	}
}

func TestHandleErrorProducesApologyReply(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{textResponse("unused")})
	h.sessions.Close() // force session lookup failure

	h.loop.handle(context.Background(), &bus.InboundMessage{
		Channel: "cli", SenderID: "user", ChatID: "direct", Content: "hello",
	})

	select {
	case out := <-h.bus.Outbound():
		if !strings.HasPrefix(out.Content, "Sorry, I encountered an error:") {
			t.Errorf("reply = %q, want apology prefix", out.Content)
		}
	default:
		t.Fatal("no reply published after processing error")
	}
}

func TestProcessDirectDefaults(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{textResponse("hi there")})
	ctx := context.Background()

	reply, err := h.loop.ProcessDirect(ctx, "hello", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hi there" {
		t.Errorf("reply = %q", reply)
	}

	session, err := h.sessions.GetOrCreate(ctx, "cli:direct")
	if err != nil {
		t.Fatal(err)
	}
	if len(session.History()) != 2 {
		t.Errorf("direct processing should record under cli:direct, got %d turns", len(session.History()))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, [][]providers.StreamChunk{textResponse("pong")})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	if err := h.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel: "cli", SenderID: "user", ChatID: "direct", Content: "ping",
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case out := <-h.bus.Outbound():
		if out.Content != "pong" {
			t.Errorf("reply = %q", out.Content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply within timeout")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

// gateTool blocks its single execution until released, holding the request
// it belongs to mid-iteration.
type gateTool struct {
	entered chan struct{}
	release chan struct{}
}

func (gateTool) Name() string            { return "gate" }
func (gateTool) Description() string     { return "waits until released" }
func (gateTool) Schema() json.RawMessage { return json.RawMessage(`{"type": "object"}`) }
func (g gateTool) Execute(context.Context, map[string]any) (string, error) {
	close(g.entered)
	<-g.release
	return "released", nil
}

func TestConcurrentRequestsKeepToolRouting(t *testing.T) {
	// First request stalls on the gate mid-iteration while a second request
	// arrives. Each request's message-tool send must still land in its own
	// conversation.
	h := newHarness(t, [][]providers.StreamChunk{
		{
			{
				ToolCalls: []providers.ToolCallRequest{
					{ID: "c1", Name: "gate", Arguments: map[string]any{}},
					{ID: "c2", Name: "message", Arguments: map[string]any{"content": "for telegram"}},
				},
				FinishReason: providers.FinishToolCalls,
			},
		},
		textResponse("first done"),
		toolCallResponse("c3", "message", map[string]any{"content": "for slack"}),
		textResponse("second done"),
	})
	gate := gateTool{entered: make(chan struct{}), release: make(chan struct{})}
	h.loop.RegisterTool(gate)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := h.loop.ProcessDirect(ctx, "send an update", "", "telegram", "42"); err != nil {
			t.Errorf("first request failed: %v", err)
		}
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the gate")
	}

	go func() {
		defer wg.Done()
		if _, err := h.loop.ProcessDirect(ctx, "send an update", "", "slack", "C7"); err != nil {
			t.Errorf("second request failed: %v", err)
		}
	}()
	close(gate.release)
	wg.Wait()

	sends := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case out := <-h.bus.Outbound():
			sends[out.Channel+":"+out.ChatID] = out.Content
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d message sends arrived", i)
		}
	}
	if sends["telegram:42"] != "for telegram" {
		t.Errorf("telegram conversation got %q, want %q", sends["telegram:42"], "for telegram")
	}
	if sends["slack:C7"] != "for slack" {
		t.Errorf("slack conversation got %q, want %q", sends["slack:C7"], "for slack")
	}
}

func TestPreviewKeepsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("é", 120) // two bytes per rune
	got := preview(s, 5)
	if !utf8.ValidString(got) {
		t.Errorf("preview produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("é", 2)+"..." {
		t.Errorf("preview = %q", got)
	}

	if got := preview("short", 200); got != "short" {
		t.Errorf("preview of fitting string = %q", got)
	}
	if got := preview("plain ascii text", 5); got != "plain..." {
		t.Errorf("preview = %q", got)
	}
}

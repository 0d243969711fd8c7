package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/minibot/internal/bus"
	"github.com/haasonsaas/minibot/internal/observability"
	"github.com/haasonsaas/minibot/internal/providers"
	"github.com/haasonsaas/minibot/internal/sessions"
	"github.com/haasonsaas/minibot/internal/tools"
)

// User-facing replies for conditions the model cannot answer through.
const (
	overflowReply       = "I'm sorry, the message is too long for my context window. Please try a shorter message or start a new session."
	noResponseReply     = "I've completed processing but have no response to give."
	systemOverflowReply = "Background task could not complete — context window exceeded."
	systemDoneReply     = "Background task completed."
)

const (
	consumeWait      = time.Second
	resultPreviewMax = 200
)

// Config carries the tunables for one agent loop instance.
type Config struct {
	Workspace string

	// Model overrides discovery when non-empty.
	Model string

	// ContextWindow overrides discovery when positive.
	ContextWindow int

	MaxIterations int
	MaxTokens     int
	Temperature   float32

	BraveAPIKey         string
	ExecTimeout         time.Duration
	RestrictToWorkspace bool
}

// AgentLoop is the message-processing core. It consumes inbound messages one
// at a time and drives each to a single reply through the model-call /
// tool-execution iteration loop.
type AgentLoop struct {
	cfg      Config
	bus      *bus.MessageBus
	provider providers.LLMProvider
	context  *ContextBuilder
	sessions *sessions.Manager
	tools    *tools.Registry
	spawner  *SpawnManager
	events   *bus.EventBus
	logger   *observability.Logger
	metrics  *observability.Metrics

	// procMu serializes request processing. Tool context binds registry-wide
	// per request, so a second in-flight request would re-route the first
	// one's side-effecting tools.
	procMu sync.Mutex
}

// NewAgentLoop wires the loop and registers the default tool set. events and
// metrics may be nil.
func NewAgentLoop(
	cfg Config,
	mbus *bus.MessageBus,
	provider providers.LLMProvider,
	sess *sessions.Manager,
	events *bus.EventBus,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *AgentLoop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	l := &AgentLoop{
		cfg:      cfg,
		bus:      mbus,
		provider: provider,
		context:  NewContextBuilder(cfg.Workspace),
		sessions: sess,
		tools:    tools.NewRegistry(),
		events:   events,
		logger:   logger,
		metrics:  metrics,
	}
	l.spawner = NewSpawnManager(provider, mbus, cfg, logger)
	l.registerDefaultTools()
	return l
}

func (l *AgentLoop) registerDefaultTools() {
	allowedRoot := ""
	if l.cfg.RestrictToWorkspace {
		allowedRoot = l.cfg.Workspace
	}
	l.tools.Register(&tools.ReadFileTool{AllowedRoot: allowedRoot})
	l.tools.Register(&tools.WriteFileTool{AllowedRoot: allowedRoot})
	l.tools.Register(&tools.EditFileTool{AllowedRoot: allowedRoot})
	l.tools.Register(&tools.ListDirTool{AllowedRoot: allowedRoot})
	l.tools.Register(&tools.ExecTool{WorkingDir: l.cfg.Workspace, Timeout: l.cfg.ExecTimeout})
	l.tools.Register(&tools.WebSearchTool{APIKey: l.cfg.BraveAPIKey})
	l.tools.Register(&tools.WebFetchTool{})
	l.tools.Register(tools.NewMessageTool(func(channel, chatID, content string) error {
		return l.bus.PublishOutbound(context.Background(), bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
		})
	}))
	l.tools.Register(NewSpawnTool(l.spawner))
}

// RegisterTool adds a tool beyond the default set (e.g. the cron scheduler's
// tool, wired at startup).
func (l *AgentLoop) RegisterTool(t tools.Tool) {
	l.tools.Register(t)
}

// Run consumes inbound messages until ctx is cancelled or the bus closes.
// Each message runs to completion; cancellation takes effect between
// messages. A failing message produces an apologetic reply and never stops
// the loop.
func (l *AgentLoop) Run(ctx context.Context) error {
	l.logger.Info(ctx, "agent loop started")
	for {
		msg, err := l.bus.ConsumeInbound(ctx, consumeWait)
		switch {
		case errors.Is(err, bus.ErrNoMessage):
			if ctx.Err() != nil {
				l.logger.Info(ctx, "agent loop stopping")
				return nil
			}
			continue
		case errors.Is(err, bus.ErrBusClosed):
			l.logger.Info(ctx, "agent loop stopping", "reason", "bus closed")
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		l.handle(ctx, msg)
	}
}

// Process runs one inbound message through the iteration loop and returns
// the reply, or nil when no reply is warranted. Concurrent callers are
// serialized; one message is in flight at a time.
func (l *AgentLoop) Process(ctx context.Context, msg *bus.InboundMessage) (*bus.OutboundMessage, error) {
	l.procMu.Lock()
	defer l.procMu.Unlock()

	if msg.Channel == bus.SystemChannel {
		return l.processSystem(ctx, msg)
	}
	return l.processUser(ctx, msg)
}

// ProcessDirect is the synchronous entry point for non-channel callers (CLI,
// scheduled jobs).
func (l *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	if channel == "" {
		channel = "cli"
	}
	if chatID == "" {
		chatID = "direct"
	}
	// A session key that disagrees with channel/chat wins: it names the
	// conversation the caller wants this turn recorded under.
	if sessionKey != "" && sessionKey != channel+":"+chatID {
		origin := bus.ParseOrigin(sessionKey)
		channel, chatID = origin.Channel, origin.ChatID
	}

	out, err := l.Process(ctx, &bus.InboundMessage{
		Channel:  channel,
		SenderID: "user",
		ChatID:   chatID,
		Content:  content,
	})
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}

func (l *AgentLoop) handle(ctx context.Context, msg *bus.InboundMessage) {
	out, err := l.safeProcess(ctx, msg)
	status := "ok"
	if err != nil {
		status = "error"
		l.logger.Error(ctx, "message processing failed", "channel", msg.Channel, "error", err)
		out = &bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  fmt.Sprintf("Sorry, I encountered an error: %v", err),
			Metadata: msg.Metadata,
		}
	}
	if l.metrics != nil {
		l.metrics.MessagesProcessed.WithLabelValues(msg.Channel, status).Inc()
	}
	if out != nil {
		if pubErr := l.bus.PublishOutbound(ctx, *out); pubErr != nil {
			l.logger.Error(ctx, "failed to publish reply", "error", pubErr)
		}
	}
}

// safeProcess converts panics from collaborators into errors so one bad
// request cannot kill the consume loop.
func (l *AgentLoop) safeProcess(ctx context.Context, msg *bus.InboundMessage) (out *bus.OutboundMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return l.Process(ctx, msg)
}

func (l *AgentLoop) processUser(ctx context.Context, msg *bus.InboundMessage) (*bus.OutboundMessage, error) {
	l.logger.Info(ctx, "processing message",
		"channel", msg.Channel, "sender", msg.SenderID, "preview", preview(msg.Content, 80))

	session, err := l.sessions.GetOrCreate(ctx, msg.SessionKey())
	if err != nil {
		return nil, err
	}

	l.tools.BindContext(msg.Channel, msg.ChatID)

	msgs := l.context.BuildMessages(session.History(), msg.Content, msg.Media, msg.Channel, msg.ChatID)
	toolDefs := l.tools.Definitions()
	model, msgs := l.prepareContext(ctx, msgs, toolDefs)

	final := l.converge(ctx, msgs, toolDefs, model, overflowReply, noResponseReply)

	session.AddMessage("user", msg.Content)
	session.AddMessage("assistant", final)
	if err := l.sessions.Save(ctx, session); err != nil {
		l.logger.Error(ctx, "failed to save session", "key", session.Key, "error", err)
	}

	return &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  final,
		Metadata: msg.Metadata,
	}, nil
}

// processSystem handles runtime-originated messages (sub-agent completion
// announcements, cron firings). The reply routes to the conversation named
// by the message's origin envelope.
func (l *AgentLoop) processSystem(ctx context.Context, msg *bus.InboundMessage) (*bus.OutboundMessage, error) {
	origin := msg.ResolveOrigin()
	l.logger.Info(ctx, "processing system message", "sender", msg.SenderID, "origin", origin.SessionKey())

	session, err := l.sessions.GetOrCreate(ctx, origin.SessionKey())
	if err != nil {
		return nil, err
	}

	l.tools.BindContext(origin.Channel, origin.ChatID)

	msgs := l.context.BuildMessages(session.History(), msg.Content, nil, origin.Channel, origin.ChatID)
	toolDefs := l.tools.Definitions()
	model, msgs := l.prepareContext(ctx, msgs, toolDefs)

	final := l.converge(ctx, msgs, toolDefs, model, systemOverflowReply, systemDoneReply)

	session.AddMessage("user", fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content))
	session.AddMessage("assistant", final)
	if err := l.sessions.Save(ctx, session); err != nil {
		l.logger.Error(ctx, "failed to save session", "key", session.Key, "error", err)
	}

	return &bus.OutboundMessage{
		Channel: origin.Channel,
		ChatID:  origin.ChatID,
		Content: final,
	}, nil
}

// converge is the per-request iteration loop: alternate model calls and tool
// executions until the model stops requesting tools, the iteration ceiling is
// reached, or the context overflows twice.
func (l *AgentLoop) converge(ctx context.Context, msgs []providers.Message, toolDefs []providers.ToolDefinition, model, overflowMsg, fallbackMsg string) string {
	var final string
	answered := false
	iteration := 0

	for iteration < l.cfg.MaxIterations {
		iteration++
		l.emit("thinking_started", map[string]any{"iteration": iteration})

		resp := l.streamOnce(ctx, msgs, toolDefs, model)

		// Invalidate capabilities, re-fit the context against the refreshed
		// window, and retry exactly once. A second overflow is terminal.
		if resp.FinishReason == providers.FinishContextOverflow {
			l.logger.Warn(ctx, "context overflow, re-discovering capabilities and retrying")
			l.provider.InvalidateCapabilities()
			model, msgs = l.prepareContext(ctx, msgs, toolDefs)
			resp = l.streamOnce(ctx, msgs, toolDefs, model)
		}
		if resp.FinishReason == providers.FinishContextOverflow {
			final = overflowMsg
			answered = true
			break
		}

		if resp.HasToolCalls() {
			msgs = l.context.AddAssistantMessage(msgs, resp.Content, serializeToolCalls(resp.ToolCalls), resp.Reasoning)

			// Sequential, in request order: later calls may depend on
			// earlier side effects.
			for _, call := range resp.ToolCalls {
				l.emit("tool_call", map[string]any{
					"name":      call.Name,
					"args":      call.Arguments,
					"iteration": iteration,
				})

				start := time.Now()
				result := l.tools.Execute(ctx, call.Name, call.Arguments)
				elapsed := time.Since(start)

				if l.metrics != nil {
					l.metrics.ToolExecutions.WithLabelValues(call.Name, toolStatus(result)).Inc()
					l.metrics.ToolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
				}
				l.emit("tool_result", map[string]any{
					"name":           call.Name,
					"result_preview": preview(result, resultPreviewMax),
					"duration_ms":    elapsed.Milliseconds(),
				})

				msgs = l.context.AddToolResult(msgs, call.ID, call.Name, result)
			}
			continue
		}

		final = resp.Content
		answered = true
		l.emit("thinking_finished", map[string]any{"iterations": iteration})
		break
	}

	if !answered {
		final = fallbackMsg
		l.emit("thinking_finished", map[string]any{"iterations": iteration})
	}
	if l.metrics != nil {
		l.metrics.Iterations.Observe(float64(iteration))
	}
	return final
}

// streamOnce performs one streaming model call, emitting stream events as
// chunks arrive. Provider-side failures come back as data (finish reason
// "error" with diagnostic content), never as a Go error.
func (l *AgentLoop) streamOnce(ctx context.Context, msgs []providers.Message, toolDefs []providers.ToolDefinition, model string) *providers.CompletionResponse {
	start := time.Now()
	ch, err := l.provider.StreamChat(ctx, &providers.ChatRequest{
		Messages:    msgs,
		Tools:       toolDefs,
		Model:       model,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
	})
	if err != nil {
		// Request construction failure; treat like any provider error.
		return &providers.CompletionResponse{
			Content:      "LLM request failed: " + err.Error(),
			FinishReason: providers.FinishError,
		}
	}

	resp := aggregateStream(ch, l.emitStream)
	if l.metrics != nil {
		l.metrics.LLMRequests.WithLabelValues(model, resp.FinishReason).Inc()
		l.metrics.LLMDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}
	return resp
}

// prepareContext resolves the effective model and window, computes the input
// budget, and truncates the sequence to fit.
func (l *AgentLoop) prepareContext(ctx context.Context, msgs []providers.Message, toolDefs []providers.ToolDefinition) (string, []providers.Message) {
	model := l.resolveModel(ctx)
	window := l.resolveContextWindow(ctx)

	budget := window - l.cfg.MaxTokens - EstimateToolTokens(toolDefs)
	if budget <= 0 {
		l.logger.Warn(ctx, "input budget is non-positive",
			"window", window, "max_tokens", l.cfg.MaxTokens)
	}
	return model, TruncateToBudget(msgs, budget)
}

// resolveModel: static override, then discovery, then the provider default.
func (l *AgentLoop) resolveModel(ctx context.Context) string {
	if l.cfg.Model != "" {
		return l.cfg.Model
	}
	if caps, err := l.provider.Discover(ctx); err == nil && caps != nil {
		return caps.Model
	}
	return l.provider.DefaultModel()
}

// resolveContextWindow: static override, then discovery, then the fallback.
func (l *AgentLoop) resolveContextWindow(ctx context.Context) int {
	if l.cfg.ContextWindow > 0 {
		return l.cfg.ContextWindow
	}
	if caps, err := l.provider.Discover(ctx); err == nil && caps != nil && caps.ContextWindow > 0 {
		return caps.ContextWindow
	}
	return providers.DefaultContextWindow
}

func (l *AgentLoop) emit(event string, data map[string]any) {
	if l.events != nil {
		l.events.Publish(bus.NewAgentEvent("agent", event, data))
	}
}

func (l *AgentLoop) emitStream(event string, data map[string]any) {
	if l.events != nil {
		l.events.Publish(bus.NewAgentEvent("stream", event, data))
	}
}

// serializeToolCalls converts parsed tool-call requests back to the wire
// descriptors carried on the assistant turn. Arguments must be a JSON string
// there.
func serializeToolCalls(calls []providers.ToolCallRequest) []providers.ToolCallPayload {
	out := make([]providers.ToolCallPayload, 0, len(calls))
	for _, call := range calls {
		args, err := json.Marshal(call.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out = append(out, providers.ToolCallPayload{
			ID:   call.ID,
			Type: "function",
			Function: providers.FunctionCall{
				Name:      call.Name,
				Arguments: string(args),
			},
		})
	}
	return out
}

func toolStatus(result string) string {
	if len(result) >= 6 && result[:6] == "Error:" {
		return "error"
	}
	return "ok"
}

// preview truncates s to at most max bytes, backing up so the cut never
// splits a multibyte rune.
func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

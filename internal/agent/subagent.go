package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/minibot/internal/bus"
	"github.com/haasonsaas/minibot/internal/observability"
	"github.com/haasonsaas/minibot/internal/providers"
	"github.com/haasonsaas/minibot/internal/tools"
)

const subagentMaxIterations = 10

// SpawnManager runs background sub-agent tasks. Each task gets its own
// message sequence and a restricted tool set (no messaging, no further
// spawning), runs to convergence off the main loop, and announces its result
// as a system message routed back to the originating conversation.
type SpawnManager struct {
	provider providers.LLMProvider
	bus      *bus.MessageBus
	cfg      Config
	context  *ContextBuilder
	tools    *tools.Registry
	logger   *observability.Logger

	mu      sync.Mutex
	running map[string]string
	wg      sync.WaitGroup
}

func NewSpawnManager(provider providers.LLMProvider, mbus *bus.MessageBus, cfg Config, logger *observability.Logger) *SpawnManager {
	reg := tools.NewRegistry()
	allowedRoot := ""
	if cfg.RestrictToWorkspace {
		allowedRoot = cfg.Workspace
	}
	reg.Register(&tools.ReadFileTool{AllowedRoot: allowedRoot})
	reg.Register(&tools.WriteFileTool{AllowedRoot: allowedRoot})
	reg.Register(&tools.EditFileTool{AllowedRoot: allowedRoot})
	reg.Register(&tools.ListDirTool{AllowedRoot: allowedRoot})
	reg.Register(&tools.ExecTool{WorkingDir: cfg.Workspace, Timeout: cfg.ExecTimeout})
	reg.Register(&tools.WebSearchTool{APIKey: cfg.BraveAPIKey})
	reg.Register(&tools.WebFetchTool{})

	return &SpawnManager{
		provider: provider,
		bus:      mbus,
		cfg:      cfg,
		context:  NewContextBuilder(cfg.Workspace),
		tools:    reg,
		logger:   logger,
		running:  make(map[string]string),
	}
}

// Spawn starts a background task and returns its id immediately.
func (m *SpawnManager) Spawn(task string, origin bus.Origin) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	m.mu.Lock()
	m.running[id] = task
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, id)
			m.mu.Unlock()
		}()
		m.run(id, task, origin)
	}()
	return id
}

// Running returns a snapshot of in-flight task ids and descriptions.
func (m *SpawnManager) Running() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.running))
	for k, v := range m.running {
		out[k] = v
	}
	return out
}

// Wait blocks until all in-flight tasks finish.
func (m *SpawnManager) Wait() {
	m.wg.Wait()
}

func (m *SpawnManager) run(id, task string, origin bus.Origin) {
	ctx := context.Background()
	m.logger.Info(ctx, "subagent started", "id", id, "task", preview(task, 80))

	result := m.converge(ctx, task, origin)

	announcement := fmt.Sprintf("Background task %s finished.\nTask: %s\nResult: %s", id, task, result)
	err := m.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "subagent:" + id,
		ChatID:   origin.SessionKey(),
		Content:  announcement,
		Origin:   &origin,
	})
	if err != nil {
		m.logger.Error(ctx, "subagent failed to announce", "id", id, "error", err)
	}
}

// converge is a compact variant of the main iteration loop: no stream events,
// no session, single overflow attempt, tighter ceiling.
func (m *SpawnManager) converge(ctx context.Context, task string, origin bus.Origin) string {
	msgs := []providers.Message{
		{Role: "system", Content: m.subagentPrompt()},
		{Role: "user", Content: task},
	}
	toolDefs := m.tools.Definitions()
	model := m.cfg.Model
	if model == "" {
		if caps, err := m.provider.Discover(ctx); err == nil && caps != nil {
			model = caps.Model
		} else {
			model = m.provider.DefaultModel()
		}
	}

	for iteration := 0; iteration < subagentMaxIterations; iteration++ {
		ch, err := m.provider.StreamChat(ctx, &providers.ChatRequest{
			Messages:    msgs,
			Tools:       toolDefs,
			Model:       model,
			MaxTokens:   m.cfg.MaxTokens,
			Temperature: m.cfg.Temperature,
		})
		if err != nil {
			return "task failed: " + err.Error()
		}
		resp := aggregateStream(ch, nil)

		if resp.FinishReason == providers.FinishContextOverflow {
			return "task failed: context window exceeded"
		}
		if !resp.HasToolCalls() {
			return resp.Content
		}

		msgs = append(msgs, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: serializeToolCalls(resp.ToolCalls),
		})
		for _, call := range resp.ToolCalls {
			result := m.tools.Execute(ctx, call.Name, call.Arguments)
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
	return "task did not converge within the iteration limit"
}

func (m *SpawnManager) subagentPrompt() string {
	return fmt.Sprintf(
		"You are a background task runner. Complete the given task using your tools, then reply with a concise summary of what you did and found. Workspace: %s. Current time: %s.",
		m.cfg.Workspace, time.Now().Format("2006-01-02 15:04 MST"))
}

// SpawnTool lets the model start background tasks. The originating
// conversation is bound per request so the completion announcement routes
// back correctly.
type SpawnTool struct {
	manager *SpawnManager
	channel string
	chatID  string
}

func NewSpawnTool(manager *SpawnManager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Description() string {
	return "Start a background task that runs independently and reports back when finished. Use for long-running work."
}

func (t *SpawnTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "Complete description of the task to perform."}
		},
		"required": ["task"]
	}`)
}

func (t *SpawnTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("task must not be empty")
	}
	origin := bus.Origin{Channel: t.channel, ChatID: t.chatID}
	if origin.Channel == "" {
		origin = bus.Origin{Channel: bus.DefaultChannel, ChatID: "direct"}
	}
	id := t.manager.Spawn(task, origin)
	return fmt.Sprintf("Spawned background task %s. It will report back when finished.", id), nil
}

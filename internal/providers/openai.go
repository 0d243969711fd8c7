package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements LLMProvider against any OpenAI-compatible chat
// completion endpoint (OpenAI, OpenRouter, vLLM, Ollama, LM Studio).
//
// The provider normalizes whatever the underlying API returns into the
// StreamChunk contract: text deltas are forwarded as they arrive, tool call
// fragments are accumulated by index across chunks, and the fully
// materialized tool-call list is delivered only on the terminal chunk
// together with the finish reason. Transport, quota, and overflow errors are
// encoded as terminal chunks instead of Go errors, so consuming the stream
// never raises for provider-side failures.
type OpenAIProvider struct {
	client       *openai.Client
	httpClient   *http.Client
	apiKey       string
	apiBase      string
	defaultModel string
	caps         *CapabilityCache
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	DefaultModel string

	// DiscoveryTTL overrides the capability cache TTL (default 5m).
	DiscoveryTTL time.Duration
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	}

	p := &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		apiKey:       cfg.APIKey,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		defaultModel: cfg.DefaultModel,
	}
	p.caps = NewCapabilityCache(cfg.DiscoveryTTL, p.queryCapabilities)
	return p
}

// DefaultModel returns the configured fallback model name.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// Discover returns cached capabilities, querying the endpoint when the cache
// is stale. A nil result means the endpoint exposes no model listing.
func (p *OpenAIProvider) Discover(ctx context.Context) (*ProviderCapabilities, error) {
	return p.caps.Get(ctx), nil
}

// InvalidateCapabilities forces the next Discover to re-query the endpoint.
func (p *OpenAIProvider) InvalidateCapabilities() {
	p.caps.Invalidate()
}

// modelsResponse is the subset of the /models listing we care about.
// Self-hosted servers expose the context window under various names.
type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		MaxModelLen   int    `json:"max_model_len"`
		ContextLength int    `json:"context_length"`
		ContextWindow int    `json:"context_window"`
	} `json:"data"`
}

func (p *OpenAIProvider) queryCapabilities(ctx context.Context) (*ProviderCapabilities, error) {
	if p.apiBase == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/models", nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}

	var body modelsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}

	entry := body.Data[0]
	window := entry.MaxModelLen
	if window == 0 {
		window = entry.ContextLength
	}
	if window == 0 {
		window = entry.ContextWindow
	}
	if window <= 0 {
		window = DefaultContextWindow
	}
	return &ProviderCapabilities{Model: entry.ID, ContextWindow: window}, nil
}

// StreamChat starts a streaming completion and returns the chunk sequence.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 16)

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		// Provider-side failure: surface as data, not as an error.
		go func() {
			defer close(chunks)
			chunks <- errorChunk(err)
		}()
		return chunks, nil
	}

	go p.consumeStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *ChatRequest) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Stream:      true,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, def := range req.Tools {
		var params map[string]any
		if len(def.Function.Parameters) > 0 {
			if err := json.Unmarshal(def.Function.Parameters, &params); err != nil {
				return chatReq, fmt.Errorf("tool %s has invalid schema: %w", def.Function.Name, err)
			}
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Function.Name,
				Description: def.Function.Description,
				Parameters:  params,
			},
		})
	}
	return chatReq, nil
}

// consumeStream reads the SDK stream and emits normalized chunks. Tool call
// fragments are accumulated by index; the materialized list and the finish
// reason ride only on the terminal chunk.
func (p *OpenAIProvider) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	acc := newToolCallAccumulator()
	finish := ""

	for {
		select {
		case <-ctx.Done():
			chunks <- StreamChunk{
				DeltaContent: "request cancelled: " + ctx.Err().Error(),
				FinishReason: FinishError,
			}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- StreamChunk{ToolCalls: acc.calls(), FinishReason: normalizeFinish(finish)}
				return
			}
			chunks <- errorChunk(err)
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- StreamChunk{DeltaContent: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}
}

// errorChunk encodes a provider failure as a terminal stream chunk. Context
// overflow is distinguished so the loop can run its invalidate-and-retry
// cycle.
func errorChunk(err error) StreamChunk {
	msg := err.Error()
	if isContextOverflow(err) {
		return StreamChunk{DeltaContent: msg, FinishReason: FinishContextOverflow}
	}
	return StreamChunk{DeltaContent: "LLM request failed: " + msg, FinishReason: FinishError}
}

func isContextOverflow(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "too many tokens")
}

func normalizeFinish(reason string) string {
	switch reason {
	case "":
		return FinishStop
	case "function_call":
		return FinishToolCalls
	default:
		return reason
	}
}

// toolCallAccumulator assembles tool calls from incremental deltas. The API
// streams each call's id and name once and its arguments as JSON fragments;
// fragments for the same index append, fragments for different indices are
// independent.
type toolCallAccumulator struct {
	byIndex map[int]*toolCallPartial
}

type toolCallPartial struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*toolCallPartial)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	partial, ok := a.byIndex[index]
	if !ok {
		partial = &toolCallPartial{}
		a.byIndex[index] = partial
	}
	if tc.ID != "" {
		partial.id = tc.ID
	}
	if tc.Function.Name != "" {
		partial.name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		partial.args.WriteString(tc.Function.Arguments)
	}
}

// calls returns the materialized tool calls in index order, or nil when no
// tool call deltas were seen.
func (a *toolCallAccumulator) calls() []ToolCallRequest {
	if len(a.byIndex) == 0 {
		return nil
	}
	indices := make([]int, 0, len(a.byIndex))
	for idx := range a.byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]ToolCallRequest, 0, len(indices))
	for _, idx := range indices {
		partial := a.byIndex[idx]
		if partial.id == "" && partial.name == "" {
			continue
		}
		args := map[string]any{}
		if raw := partial.args.String(); raw != "" {
			// Malformed argument JSON becomes an empty map; the tool layer
			// reports the validation failure back to the model.
			_ = json.Unmarshal([]byte(raw), &args)
		}
		out = append(out, ToolCallRequest{ID: partial.id, Name: partial.name, Arguments: args})
	}
	return out
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	braveSearchURL    = "https://api.search.brave.com/res/v1/web/search"
	maxFetchBodyBytes = 512 * 1024
	maxFetchTextRunes = 20000
)

// WebSearchTool queries the Brave Search API.
type WebSearchTool struct {
	APIKey string
	Client *http.Client
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web and return titles, URLs, and snippets." }

func (t *WebSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query."},
			"count": {"type": "integer", "description": "Number of results (default 5, max 10)."}
		},
		"required": ["query"]
	}`)
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.APIKey == "" {
		return "", fmt.Errorf("web search is not configured (missing Brave API key)")
	}

	query := stringArg(args, "query")
	count := intArg(args, "count", 5)
	if count < 1 || count > 10 {
		count = 5
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s?q=%s&count=%d", braveSearchURL, url.QueryEscape(query), count), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Subscription-Token", t.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var body braveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFetchBodyBytes)).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(body.Web.Results) == 0 {
		return "No results found for: " + query, nil
	}

	var sb strings.Builder
	for i, r := range body.Web.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return sb.String(), nil
}

func (t *WebSearchTool) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// WebFetchTool retrieves a URL and returns its text content with markup
// stripped.
type WebFetchTool struct {
	Client *http.Client
}

func (t *WebFetchTool) Name() string        { return "web_fetch" }
func (t *WebFetchTool) Description() string { return "Fetch a URL and return its textual content." }

func (t *WebFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "URL to fetch (http or https)."}
		},
		"required": ["url"]
	}`)
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw := stringArg(args, "url")
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %s", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "minibot/1.0")

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return "", err
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text = stripHTML(text)
	}
	runes := []rune(text)
	if len(runes) > maxFetchTextRunes {
		text = string(runes[:maxFetchTextRunes]) + "\n... (truncated)"
	}
	return text, nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// stripHTML is a crude tag stripper; good enough for giving the model
// readable page text without pulling in a full HTML parser.
func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRe.ReplaceAllString(s, "\n\n"))
}

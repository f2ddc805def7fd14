// Package gemini implements the llm.Client interface using the Google
// Gemini API.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/agentciv/agentciv/pkg/llm"
)

// LevelTrace is a custom log level for detailed HTTP traffic.
const LevelTrace = slog.Level(-8)

// Client implements llm.Client using the Google Gemini API.
type Client struct {
	client    *genai.Client
	modelName string
}

var _ llm.Client = (*Client)(nil)

// New creates a Gemini-backed client bound to one model.
func New(ctx context.Context, apiKey, modelName string) (*Client, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			apiKey: apiKey,
		},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Client{client: client, modelName: modelName}, nil
}

// Close releases resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// ListModels returns the names of available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	iter := c.client.ListModels(ctx)
	var names []string
	for {
		model, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, model.Name)
	}
	return names, nil
}

// CreateMessage sends the conversation to Gemini and aggregates the
// reply into content blocks.
func (c *Client) CreateMessage(ctx context.Context, req llm.Request) (*llm.Response, error) {
	slog.Debug("Gemini.CreateMessage", "model", c.modelName,
		"messageCount", len(req.Messages), "toolCount", len(req.Tools))

	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request contains no messages")
	}

	gm := c.client.GenerativeModel(c.modelName)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaFromMap(t.InputSchema),
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	// Tool results reference their tool_use by id; Gemini wants the
	// function name back, so track the mapping while converting.
	callNames := map[string]string{}
	history := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		parts := convertParts(msg.Content, callNames)
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: parts})
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("request contains no sendable content")
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	last := history[len(history)-1]

	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini send: %w", err)
	}

	var fullText strings.Builder
	var toolCalls []llm.Content
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				fullText.WriteString(string(p))
			case genai.FunctionCall:
				toolCalls = append(toolCalls, llm.Content{
					Type: llm.ContentTypeToolUse,
					ToolUse: &llm.ToolUseContent{
						ID:    "call-" + uuid.New().String(),
						Name:  p.Name,
						Input: p.Args,
					},
				})
			}
		}
	}

	var content []llm.Content
	if fullText.Len() > 0 {
		content = append(content, llm.TextBlock(fullText.String()))
	}
	content = append(content, toolCalls...)

	stopReason := llm.StopReasonEndTurn
	if len(toolCalls) > 0 {
		stopReason = llm.StopReasonToolUse
	}

	out := &llm.Response{Content: content, StopReason: stopReason}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// convertParts maps content blocks to genai parts, recording tool call
// ids so later tool results can be attributed to the right function.
func convertParts(content []llm.Content, callNames map[string]string) []genai.Part {
	var parts []genai.Part
	for _, c := range content {
		switch c.Type {
		case llm.ContentTypeText:
			if c.Text != nil && c.Text.Content != "" {
				parts = append(parts, genai.Text(c.Text.Content))
			}
		case llm.ContentTypeToolUse:
			if c.ToolUse != nil {
				callNames[c.ToolUse.ID] = c.ToolUse.Name
				parts = append(parts, genai.FunctionCall{
					Name: c.ToolUse.Name,
					Args: c.ToolUse.Input,
				})
			}
		case llm.ContentTypeToolResult:
			if c.ToolResult != nil {
				parts = append(parts, genai.FunctionResponse{
					Name: callNames[c.ToolResult.ToolUseID],
					Response: map[string]any{
						"result":   c.ToolResult.Content,
						"is_error": c.ToolResult.IsError,
					},
				})
			}
		}
	}
	return parts
}

// schemaFromMap converts a JSON-schema-shaped map to a genai.Schema.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	s := &genai.Schema{}
	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeUnspecified
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = schemaFromMap(items)
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if req, ok := m["required"].([]string); ok {
		s.Required = append(s.Required, req...)
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

type loggingTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Passing a custom http.Client bypasses the library's automatic API
	// key injection, so add it here if missing.
	if t.apiKey != "" && req.Header.Get("x-goog-api-key") == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-goog-api-key", t.apiKey)
	}

	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Debug("Gemini REST Request", "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")
	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Debug("Gemini REST Response", "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

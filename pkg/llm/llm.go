// Package llm defines the contract between the civilization and the
// inference service: a block-based message model, tool schemas, and the
// Client interface every provider implements.
package llm

import "context"

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType defines the kind of message content.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// Content is a single component of a message. Only the field matching
// Type is non-nil.
type Content struct {
	Type ContentType `json:"type"`

	Text       *TextContent       `json:"text,omitempty"`
	ToolUse    *ToolUseContent    `json:"tool_use,omitempty"`
	ToolResult *ToolResultContent `json:"tool_result,omitempty"`
}

// TextContent contains literal text.
type TextContent struct {
	Content string `json:"content"`
}

// ToolUseContent represents a call to a tool requested by the model.
type ToolUseContent struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultContent carries the outcome of a tool call back to the model.
type ToolResultContent struct {
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error,omitempty"`
	Content   string `json:"content"`
}

// Message is one turn of a conversation.
type Message struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`
}

// TextBlock builds a text content block.
func TextBlock(s string) Content {
	return Content{Type: ContentTypeText, Text: &TextContent{Content: s}}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) Content {
	return Content{
		Type: ContentTypeToolResult,
		ToolResult: &ToolResultContent{
			ToolUseID: toolUseID,
			IsError:   isError,
			Content:   content,
		},
	}
}

// JoinText extracts and joins all text blocks with newlines.
func JoinText(content []Content) string {
	var out string
	for _, c := range content {
		if c.Type == ContentTypeText && c.Text != nil && c.Text.Content != "" {
			if out != "" {
				out += "\n"
			}
			out += c.Text.Content
		}
	}
	return out
}

// ToolCalls returns the tool_use blocks of a message in order.
func ToolCalls(content []Content) []Content {
	var calls []Content
	for _, c := range content {
		if c.Type == ContentTypeToolUse && c.ToolUse != nil {
			calls = append(calls, c)
		}
	}
	return calls
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage reports token consumption for a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stop reasons reported in a Response.
const (
	StopReasonEndTurn = "end_turn"
	StopReasonToolUse = "tool_use"
)

// Request is a single call to the inference service.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Response is the model's reply: content blocks, why it stopped, and
// what the call cost in tokens.
type Response struct {
	Content    []Content
	StopReason string
	Usage      Usage
}

// Client is implemented by inference providers (e.g. Gemini). The
// agentic loop (calling repeatedly until the model stops requesting
// tools) lives in the agent, not here.
type Client interface {
	CreateMessage(ctx context.Context, req Request) (*Response, error)
}

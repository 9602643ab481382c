// Package llm provides chat completion backends used by the model-based
// intent resolver.
package llm

import "context"

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec declares a callable function. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a function call requested by the model. Arguments is the raw
// JSON object text as the model produced it.
type ToolCall struct {
	Name      string
	Arguments string
}

type Request struct {
	Messages []Message
	Tools    []ToolSpec
	// JSON asks the backend to constrain content to a single JSON object.
	JSON bool
}

type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Completer produces one completion for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

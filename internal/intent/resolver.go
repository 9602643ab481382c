// Package intent maps a chat message plus conversation history to a reply
// and the tool calls, if any, that should run for it.
package intent

import (
	"context"
	"errors"
)

// ErrResolverUnavailable wraps failures to reach the completion backend.
var ErrResolverUnavailable = errors.New("resolver unavailable")

// Apology is the reply used when the resolver cannot produce a usable answer.
const Apology = "Sorry, something went wrong on my side. Please try again."

// Message is one prior turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type Output struct {
	Reply     string     `json:"reply"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// Resolver decides how to answer message given the chronological history
// that preceded it.
type Resolver interface {
	Resolve(ctx context.Context, message string, history []Message) (Output, error)
}

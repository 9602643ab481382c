package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/tasktalk/internal/llm"
	"github.com/kalambet/tasktalk/internal/tools"
)

// DefaultModelTimeout bounds one completion call.
const DefaultModelTimeout = 30 * time.Second

// ModelResolver asks a language model for a structured decision.
type ModelResolver struct {
	completer llm.Completer
	registry  *tools.Registry
	timeout   time.Duration
}

func NewModelResolver(completer llm.Completer, registry *tools.Registry, timeout time.Duration) *ModelResolver {
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	return &ModelResolver{completer: completer, registry: registry, timeout: timeout}
}

// Resolve returns an error wrapping ErrResolverUnavailable only when the
// backend could not be reached. An unparseable answer yields Apology with no
// tool calls and a nil error.
func (r *ModelResolver) Resolve(ctx context.Context, message string, history []Message) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	registered := r.registry.List()
	comp, err := r.completer.Complete(ctx, llm.Request{
		Messages: BuildPrompt(registered, history, message),
		Tools:    ToolSpecs(registered),
		JSON:     true,
	})
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrResolverUnavailable, err)
	}

	out, err := parseCompletion(comp)
	if err != nil {
		slog.Warn("unparseable resolver response", "error", err, "content", comp.Content)
		return Output{Reply: Apology}, nil
	}
	return out, nil
}

// modelReply is the JSON content shape. action/tool_input is the older
// single-call form some prompts still produce.
type modelReply struct {
	Reply     string          `json:"reply"`
	Response  string          `json:"response"`
	ToolCalls []modelToolCall `json:"tool_calls"`
	Action    string          `json:"action"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type modelToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func parseCompletion(comp llm.Completion) (Output, error) {
	var out Output

	content := stripFences(comp.Content)
	var reply modelReply
	contentParsed := false
	if content != "" {
		if err := json.Unmarshal([]byte(content), &reply); err == nil {
			contentParsed = true
		} else if len(comp.ToolCalls) == 0 {
			return Output{}, fmt.Errorf("decoding content: %w", err)
		}
	}

	switch {
	case contentParsed && reply.Reply != "":
		out.Reply = reply.Reply
	case contentParsed:
		out.Reply = reply.Response
	default:
		// Plain text alongside native tool calls.
		out.Reply = strings.TrimSpace(comp.Content)
	}

	if len(comp.ToolCalls) > 0 {
		for _, tc := range comp.ToolCalls {
			args, err := decodeArguments(json.RawMessage(tc.Arguments))
			if err != nil {
				return Output{}, fmt.Errorf("tool %s arguments: %w", tc.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{Name: tc.Name, Arguments: args})
		}
		return out, nil
	}

	if !contentParsed {
		return Output{}, fmt.Errorf("empty response")
	}
	for _, tc := range reply.ToolCalls {
		if tc.Name == "" {
			continue
		}
		args, err := decodeArguments(tc.Arguments)
		if err != nil {
			return Output{}, fmt.Errorf("tool %s arguments: %w", tc.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{Name: tc.Name, Arguments: args})
	}
	if action := strings.TrimSpace(reply.Action); action != "" && action != "none" && len(out.ToolCalls) == 0 {
		args, err := decodeArguments(reply.ToolInput)
		if err != nil {
			return Output{}, fmt.Errorf("tool %s input: %w", action, err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{Name: action, Arguments: args})
	}
	if out.Reply == "" && len(out.ToolCalls) == 0 {
		return Output{}, fmt.Errorf("response has neither reply nor tool calls")
	}
	return out, nil
}

// decodeArguments accepts a JSON object or a JSON string holding one.
// Missing arguments decode to an empty map.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		raw = json.RawMessage(inner)
		if strings.TrimSpace(inner) == "" {
			return map[string]any{}, nil
		}
	}
	args := map[string]any{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/tasktalk/internal/llm"
	"github.com/kalambet/tasktalk/internal/tools"
)

const systemPromptTemplate = `You are a helpful todo assistant. You manage the user's tasks by calling tools, and only when the user asks for a task operation.

Rules:
- Call at most the tools needed for the latest user message. Never invent task IDs; if the user did not give one and it matters, ask.
- If the request is unclear, ask a short clarifying question and call no tool.
- Always answer in friendly, short language.
- Respond with ONLY a single JSON object: {"reply": "<text for the user>", "tool_calls": [{"name": "<tool>", "arguments": {...}}]}. Use an empty tool_calls array when no tool is needed.

Available tools:`

// BuildPrompt assembles the chat messages for one resolution: the system
// instructions listing the registered tools, the prior turns, then the
// current message.
func BuildPrompt(registered []tools.Tool, history []Message, message string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)
	for _, t := range registered {
		fmt.Fprintf(&sb, "\n- %s: %s", t.Name, t.Description)
		for _, p := range t.Schema {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&sb, "\n    %s (%s, %s)", p.Name, p.Type, req)
		}
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sb.String()})
	for _, h := range history {
		msgs = append(msgs, llm.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
	return msgs
}

// ToolSpecs converts registered tools to function declarations.
func ToolSpecs(registered []tools.Tool) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(registered))
	for _, t := range registered {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Schema.JSONSchema()})
	}
	return specs
}

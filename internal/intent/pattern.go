package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	addLeadIn     = regexp.MustCompile(`(?i)\b(?:add|create|make)\s+(?:a\s+)?task(?:\s*[:\-]\s*|\s+)(.+)`)
	addStopWords  = regexp.MustCompile(`(?i)\b(?:add|task|a|an|the)\b`)
	whitespace    = regexp.MustCompile(`\s+`)
	firstInteger  = regexp.MustCompile(`\b(\d+)\b`)
	quotedTitle   = regexp.MustCompile(`(?i)\b(?:to|with title|title is)\s+['"]([^'"]+)['"]`)
	quotedDescrip = regexp.MustCompile(`(?i)\b(?:description|desc)\s+(?:to|is)\s+['"]([^'"]+)['"]`)
)

const untitledTask = "Untitled task"

// PatternResolver classifies messages by keyword. It needs no network and
// is deterministic.
type PatternResolver struct{}

func NewPatternResolver() *PatternResolver {
	return &PatternResolver{}
}

// Resolve tests categories in the fixed order add, list, complete, delete,
// update; the first match wins. History is not consulted.
func (p *PatternResolver) Resolve(_ context.Context, message string, _ []Message) (Output, error) {
	lower := strings.ToLower(strings.TrimSpace(message))
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}

	switch {
	case has("add") && has("task"):
		title := extractTitle(message)
		return call(fmt.Sprintf("Adding %q to your list.", title), "add_task", map[string]any{"title": title}), nil

	case has("list", "show", "my") && has("task"):
		return call("Here are your tasks.", "list_tasks", map[string]any{}), nil

	case has("complete", "done", "finish"):
		id, ok := extractID(message)
		if !ok {
			return Output{Reply: "I can mark a task as complete. Which task ID should I mark?"}, nil
		}
		return call(fmt.Sprintf("Marking task %d as completed.", id), "complete_task", map[string]any{"task_id": id}), nil

	case has("delete", "remove"):
		id, ok := extractID(message)
		if !ok {
			return Output{Reply: "I can delete a task. Which task ID should I delete?"}, nil
		}
		return call(fmt.Sprintf("Deleting task %d.", id), "delete_task", map[string]any{"task_id": id}), nil

	case has("update", "change", "modify"):
		id, ok := extractID(message)
		if !ok {
			return Output{Reply: "I can update a task. Tell me the task ID and the new title or description, e.g. update task 3 to \"New title\"."}, nil
		}
		args := map[string]any{"task_id": id}
		rest := message
		if m := quotedDescrip.FindStringSubmatchIndex(message); m != nil {
			args["description"] = message[m[2]:m[3]]
			rest = message[:m[0]] + message[m[1]:]
		}
		if m := quotedTitle.FindStringSubmatch(rest); m != nil {
			args["title"] = m[1]
		}
		if len(args) == 1 {
			return Output{Reply: fmt.Sprintf("I can update task %d. What should change, the title or the description?", id)}, nil
		}
		return call(fmt.Sprintf("Updating task %d.", id), "update_task", args), nil
	}

	return Output{Reply: fmt.Sprintf(
		"You said: %q. I can manage your tasks with messages like \"add task Buy milk\", \"list my tasks\", \"complete task 3\", \"delete task 3\" or \"update task 3 to 'New title'\".",
		strings.TrimSpace(message))}, nil
}

func call(reply, name string, args map[string]any) Output {
	return Output{Reply: reply, ToolCalls: []ToolCall{{Name: name, Arguments: args}}}
}

// extractTitle keeps the user's casing. It prefers the text after an
// "add task" style lead-in and otherwise strips stop words.
func extractTitle(message string) string {
	var title string
	if m := addLeadIn.FindStringSubmatch(message); m != nil {
		title = strings.TrimSpace(m[1])
	}
	if title == "" {
		title = addStopWords.ReplaceAllString(message, "")
		title = strings.TrimSpace(whitespace.ReplaceAllString(title, " "))
	}
	if title == "" {
		return untitledTask
	}
	return title
}

func extractID(message string) (int64, bool) {
	m := firstInteger.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

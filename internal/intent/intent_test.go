package intent

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/tasktalk/internal/llm"
	"github.com/kalambet/tasktalk/internal/tools"
)

func TestPatternResolverScenarios(t *testing.T) {
	tests := []struct {
		message  string
		wantTool string
		wantArgs map[string]any
	}{
		{"Add task Buy groceries", "add_task", map[string]any{"title": "Buy groceries"}},
		{"please add a task Call mom tonight", "add_task", map[string]any{"title": "Call mom tonight"}},
		{"add a task: Buy milk", "add_task", map[string]any{"title": "Buy milk"}},
		{"Create task - File taxes", "add_task", map[string]any{"title": "File taxes"}},
		{"add the task", "add_task", map[string]any{"title": "Untitled task"}},
		{"I need to add milk to my task list", "add_task", map[string]any{"title": "I need to milk to my list"}},
		{"Add task and list tasks", "add_task", map[string]any{"title": "and list tasks"}},
		{"list tasks", "list_tasks", map[string]any{}},
		{"Show me my tasks", "list_tasks", map[string]any{}},
		{"Complete task 5", "complete_task", map[string]any{"task_id": int64(5)}},
		{"I'm done with 12", "complete_task", map[string]any{"task_id": int64(12)}},
		{"Delete task 7", "delete_task", map[string]any{"task_id": int64(7)}},
		{"remove 3 please", "delete_task", map[string]any{"task_id": int64(3)}},
		{`update task 4 to "Read a book"`, "update_task", map[string]any{"task_id": int64(4), "title": "Read a book"}},
		{`change task 4 description to 'chapters 1-3'`, "update_task", map[string]any{"task_id": int64(4), "description": "chapters 1-3"}},
		{`modify 9 title is "A" desc is "B"`, "update_task", map[string]any{"task_id": int64(9), "title": "A", "description": "B"}},
	}

	r := NewPatternResolver()
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			out, err := r.Resolve(context.Background(), tt.message, nil)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if len(out.ToolCalls) != 1 {
				t.Fatalf("got %d tool calls, want 1 (reply %q)", len(out.ToolCalls), out.Reply)
			}
			got := out.ToolCalls[0]
			if got.Name != tt.wantTool {
				t.Errorf("tool = %q, want %q", got.Name, tt.wantTool)
			}
			if !reflect.DeepEqual(got.Arguments, tt.wantArgs) {
				t.Errorf("arguments = %v, want %v", got.Arguments, tt.wantArgs)
			}
			if out.Reply == "" {
				t.Error("reply is empty")
			}
		})
	}
}

func TestPatternResolverNoToolCall(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"Hello there", "You said"},
		{"complete", "Which task ID"},
		{"delete it", "Which task ID"},
		{"update something", "task ID"},
		{"update task 2 please", "title or the description"},
	}

	r := NewPatternResolver()
	for _, tt := range tests {
		out, err := r.Resolve(context.Background(), tt.message, nil)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.message, err)
		}
		if len(out.ToolCalls) != 0 {
			t.Errorf("Resolve(%q) produced tool calls %v", tt.message, out.ToolCalls)
		}
		if !strings.Contains(out.Reply, tt.want) {
			t.Errorf("Resolve(%q) reply = %q, want it to contain %q", tt.message, out.Reply, tt.want)
		}
	}
}

// mockCompleter implements llm.Completer for testing.
type mockCompleter struct {
	completion llm.Completion
	err        error
	delay      time.Duration
	got        llm.Request
}

func (m *mockCompleter) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	m.got = req
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return llm.Completion{}, ctx.Err()
		}
	}
	return m.completion, m.err
}

func testRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	tools.RegisterTaskTools(reg, nil)
	return reg
}

func TestModelResolverNativeToolCalls(t *testing.T) {
	mock := &mockCompleter{completion: llm.Completion{
		Content:   `{"reply":"Done!"}`,
		ToolCalls: []llm.ToolCall{{Name: "complete_task", Arguments: `{"task_id": 5}`}},
	}}
	r := NewModelResolver(mock, testRegistry(), time.Second)

	history := []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	out, err := r.Resolve(context.Background(), "finish 5", history)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := Output{Reply: "Done!", ToolCalls: []ToolCall{{Name: "complete_task", Arguments: map[string]any{"task_id": float64(5)}}}}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("Resolve() = %+v, want %+v", out, want)
	}

	if !mock.got.JSON || len(mock.got.Tools) != 5 {
		t.Errorf("request JSON=%v tools=%d, want JSON and 5 tools", mock.got.JSON, len(mock.got.Tools))
	}
	msgs := mock.got.Messages
	if len(msgs) != 4 || msgs[0].Role != llm.RoleSystem || msgs[3].Content != "finish 5" {
		t.Errorf("unexpected prompt messages: %+v", msgs)
	}
}

func TestModelResolverJSONToolCalls(t *testing.T) {
	mock := &mockCompleter{completion: llm.Completion{
		Content: "```json\n{\"reply\":\"Adding it.\",\"tool_calls\":[{\"name\":\"add_task\",\"arguments\":{\"title\":\"Milk\"}}]}\n```",
	}}
	out, err := NewModelResolver(mock, testRegistry(), time.Second).Resolve(context.Background(), "add milk", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Output{Reply: "Adding it.", ToolCalls: []ToolCall{{Name: "add_task", Arguments: map[string]any{"title": "Milk"}}}}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("Resolve() = %+v, want %+v", out, want)
	}
}

func TestModelResolverActionShape(t *testing.T) {
	mock := &mockCompleter{completion: llm.Completion{
		Content: `{"thought":"user wants deletion","action":"delete_task","tool_input":"{\"task_id\": 7}","reply":"Deleting task 7."}`,
	}}
	out, err := NewModelResolver(mock, testRegistry(), time.Second).Resolve(context.Background(), "delete 7", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "delete_task" || out.ToolCalls[0].Arguments["task_id"] != float64(7) {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}
}

func TestModelResolverMalformedJSON(t *testing.T) {
	for _, content := range []string{`not valid json {{{`, `{}`, ``} {
		mock := &mockCompleter{completion: llm.Completion{Content: content}}
		out, err := NewModelResolver(mock, testRegistry(), time.Second).Resolve(context.Background(), "hi", nil)
		if err != nil {
			t.Fatalf("content %q: unexpected error %v", content, err)
		}
		if out.Reply != Apology || len(out.ToolCalls) != 0 {
			t.Errorf("content %q: Resolve() = %+v, want apology", content, out)
		}
	}
}

func TestModelResolverBadToolArguments(t *testing.T) {
	mock := &mockCompleter{completion: llm.Completion{
		ToolCalls: []llm.ToolCall{{Name: "add_task", Arguments: `{"title":`}},
	}}
	out, err := NewModelResolver(mock, testRegistry(), time.Second).Resolve(context.Background(), "add", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Reply != Apology || len(out.ToolCalls) != 0 {
		t.Errorf("Resolve() = %+v, want apology", out)
	}
}

func TestModelResolverUnavailable(t *testing.T) {
	mock := &mockCompleter{err: errors.New("connection refused")}
	_, err := NewModelResolver(mock, testRegistry(), time.Second).Resolve(context.Background(), "hi", nil)
	if !errors.Is(err, ErrResolverUnavailable) {
		t.Errorf("error = %v, want ErrResolverUnavailable", err)
	}
}

func TestModelResolverTimeout(t *testing.T) {
	mock := &mockCompleter{delay: time.Second}
	start := time.Now()
	_, err := NewModelResolver(mock, testRegistry(), 20*time.Millisecond).Resolve(context.Background(), "hi", nil)
	if !errors.Is(err, ErrResolverUnavailable) {
		t.Errorf("error = %v, want ErrResolverUnavailable", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Resolve took %v, want it bounded by the timeout", time.Since(start))
	}
}

func TestBuildPromptListsTools(t *testing.T) {
	msgs := BuildPrompt(testRegistry().List(), nil, "query")
	system := msgs[0].Content
	for _, name := range []string{"add_task", "list_tasks", "complete_task", "delete_task", "update_task", "task_id (integer, required)"} {
		if !strings.Contains(system, name) {
			t.Errorf("system prompt does not mention %q", name)
		}
	}
	if msgs[len(msgs)-1].Role != llm.RoleUser || msgs[len(msgs)-1].Content != "query" {
		t.Errorf("last message = %+v, want the user query", msgs[len(msgs)-1])
	}
}

func TestToolSpecs(t *testing.T) {
	specs := ToolSpecs(testRegistry().List())
	if len(specs) != 5 {
		t.Fatalf("got %d specs, want 5", len(specs))
	}
	if specs[0].Parameters["type"] != "object" {
		t.Errorf("parameters = %v, want a JSON schema object", specs[0].Parameters)
	}
}

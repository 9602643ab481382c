package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tagsJSON(names ...string) []byte {
	var r tagsResponse
	for _, n := range names {
		r.Models = append(r.Models, struct {
			Name string `json:"name"`
		}{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestOllamaIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	c := NewOllama(srv.URL, "llama3.2")
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	srv.Close()
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() after close = true, want false")
	}
}

func TestOllamaHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "qwen2.5:7b"))
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "llama3.2")
	if !c.HasModel(context.Background(), "llama3.2") {
		t.Error("HasModel(llama3.2) = false, want true")
	}
	if c.HasModel(context.Background(), "mistral") {
		t.Error("HasModel(mistral) = true, want false")
	}
}

func TestOllamaEnsureModelPulls(t *testing.T) {
	pulled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON())
		case "/api/pull":
			pulled = true
			w.Write([]byte(`{"status":"downloading","total":10,"completed":5}` + "\n" + `{"status":"success"}` + "\n"))
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := NewOllama(srv.URL, "llama3.2").EnsureModel(context.Background(), &out); err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	if !pulled {
		t.Error("missing model was not pulled")
	}
	if !strings.Contains(out.String(), "50%") {
		t.Errorf("progress output = %q, want a 50%% line", out.String())
	}
}

func TestOllamaComplete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"add_task","arguments":{"title":"milk"}}}]}}`))
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "llama3.2")
	out, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "add task milk"}},
		Tools:    []ToolSpec{{Name: "add_task", Parameters: map[string]any{"type": "object"}}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got.Model != "llama3.2" || got.Stream || got.Format != "json" || len(got.Tools) != 1 {
		t.Errorf("unexpected request: %+v", got)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "add_task" {
		t.Fatalf("tool calls = %+v", out.ToolCalls)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(out.ToolCalls[0].Arguments), &args); err != nil || args["title"] != "milk" {
		t.Errorf("arguments = %s (%v)", out.ToolCalls[0].Arguments, err)
	}
}

func TestOllamaCompleteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewOllama(srv.URL, "m").Complete(context.Background(), Request{}); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestOpenAIComplete(t *testing.T) {
	var body map[string]any
	var title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		title = r.Header.Get("X-Title")
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "On it.",
				"tool_calls": [{"id": "t1", "type": "function", "function": {"name": "complete_task", "arguments": "{\"task_id\": 5}"}}]
			}}]
		}`))
	}))
	defer srv.Close()

	c := NewOpenAI("sk-test", srv.URL, "gpt-4o-mini", "tasktalk")
	out, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "complete task 5"}},
		Tools:    []ToolSpec{{Name: "complete_task", Description: "done", Parameters: map[string]any{"type": "object"}}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if title != "tasktalk" {
		t.Errorf("X-Title = %q, want tasktalk", title)
	}
	if body["model"] != "gpt-4o-mini" || body["tool_choice"] != "auto" {
		t.Errorf("unexpected request body: %v", body)
	}
	if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", body["response_format"])
	}
	if out.Content != "On it." || len(out.ToolCalls) != 1 || out.ToolCalls[0].Arguments != `{"task_id": 5}` {
		t.Errorf("completion = %+v", out)
	}
}

func TestOpenAICompleteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	if _, err := NewOpenAI("bad", srv.URL, "m", "").Complete(context.Background(), Request{}); err == nil {
		t.Error("expected error for 401 response")
	}
}

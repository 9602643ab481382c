package tools

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/tasktalk/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestExecutor(t *testing.T) (*Executor, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := NewRegistry()
	RegisterTaskTools(reg, store)
	return NewExecutor(reg, time.Second), store
}

func TestRegistryLastWriteWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{Name: "a", Description: "first"})
	reg.Register(Tool{Name: "b"})
	reg.Register(Tool{Name: "a", Description: "second"})

	got, ok := reg.Lookup("a")
	require.True(t, ok)
	require.Equal(t, "second", got.Description)

	var names []string
	for _, tool := range reg.List() {
		names = append(names, tool.Name)
	}
	require.Equal(t, []string{"a", "b"}, names)
}

func TestRegisterTaskToolsNames(t *testing.T) {
	exec, _ := newTestExecutor(t)
	var names []string
	for _, tool := range exec.Registry().List() {
		names = append(names, tool.Name)
	}
	want := []string{"add_task", "list_tasks", "complete_task", "delete_task", "update_task"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("registered tools mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaValidate(t *testing.T) {
	s := Schema{
		{Name: "task_id", Type: TypeInteger, Required: true},
		{Name: "title", Type: TypeString},
		{Name: "status", Type: TypeString, Enum: []string{"all", "pending"}},
		{Name: "flag", Type: TypeBoolean},
	}

	tests := []struct {
		name    string
		raw     map[string]any
		want    Args
		wantErr bool
	}{
		{"float id", map[string]any{"task_id": float64(5)}, Args{"task_id": int64(5)}, false},
		{"string id", map[string]any{"task_id": " 7 "}, Args{"task_id": int64(7)}, false},
		{"fractional id", map[string]any{"task_id": 1.5}, nil, true},
		{"missing id", map[string]any{"title": "x"}, nil, true},
		{"null id", map[string]any{"task_id": nil}, nil, true},
		{"wrong title type", map[string]any{"task_id": 1, "title": 3}, nil, true},
		{"enum ok", map[string]any{"task_id": 1, "status": "pending"}, Args{"task_id": int64(1), "status": "pending"}, false},
		{"enum bad", map[string]any{"task_id": 1, "status": "later"}, nil, true},
		{"bool string", map[string]any{"task_id": 1, "flag": "true"}, Args{"task_id": int64(1), "flag": true}, false},
		{"unknown dropped", map[string]any{"task_id": 2, "extra": "x"}, Args{"task_id": int64(2)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Validate(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Validate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSchemaJSONSchema(t *testing.T) {
	s := Schema{
		{Name: "task_id", Type: TypeInteger, Description: "id", Required: true},
		{Name: "status", Type: TypeString, Enum: []string{"all"}},
	}
	want := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]any{"type": "integer", "description": "id"},
			"status":  map[string]any{"type": "string", "enum": []string{"all"}},
		},
		"required": []string{"task_id"},
	}
	if diff := cmp.Diff(want, s.JSONSchema()); diff != "" {
		t.Errorf("JSONSchema mismatch (-want +got):\n%s", diff)
	}
}

func TestAddThenList(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	for _, title := range []string{"Buy groceries", "x", "Éclair recipe"} {
		inv := exec.Execute(ctx, "u1", "add_task", map[string]any{"title": title})
		require.True(t, inv.Success, "add_task(%q): %+v", title, inv.Error)
	}

	inv := exec.Execute(ctx, "u1", "list_tasks", nil)
	require.True(t, inv.Success)
	res := inv.Result.Result.(map[string]any)
	tasks := res["tasks"].([]storage.Task)
	require.Len(t, tasks, 3)
	require.Equal(t, "Éclair recipe", tasks[0].Title)
	for _, task := range tasks {
		require.False(t, task.Completed)
		require.Equal(t, "u1", task.OwnerID)
	}
	require.Contains(t, inv.Message(), "You have 3 tasks:")
}

func TestListTasksStatusFilter(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	first := exec.Execute(ctx, "u1", "add_task", map[string]any{"title": "a"})
	require.True(t, first.Success)
	require.True(t, exec.Execute(ctx, "u1", "add_task", map[string]any{"title": "b"}).Success)
	id := first.Result.Result.(map[string]any)["task_id"]
	require.True(t, exec.Execute(ctx, "u1", "complete_task", map[string]any{"task_id": id}).Success)

	tests := []struct {
		filter string
		want   []string
	}{
		{"pending", []string{"b"}},
		{"completed", []string{"a"}},
		{"all", []string{"b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			inv := exec.Execute(ctx, "u1", "list_tasks", map[string]any{"status_filter": tt.filter})
			require.True(t, inv.Success, "%+v", inv.Error)
			var titles []string
			for _, task := range inv.Result.Result.(map[string]any)["tasks"].([]storage.Task) {
				titles = append(titles, task.Title)
			}
			require.Equal(t, tt.want, titles)
		})
	}

	inv := exec.Execute(ctx, "u1", "list_tasks", map[string]any{"status_filter": "later"})
	require.False(t, inv.Success)
	require.Equal(t, KindInvalidInput, inv.Error.Kind)
}

func TestAddTaskValidation(t *testing.T) {
	exec, store := newTestExecutor(t)
	ctx := context.Background()

	cases := []map[string]any{
		{"title": "   "},
		{"title": string(make([]rune, 256))},
		{"title": "ok", "description": string(make([]byte, MaxToolDescriptionLen+1))},
		{},
	}
	for _, args := range cases {
		inv := exec.Execute(ctx, "u1", "add_task", args)
		require.False(t, inv.Success)
		require.Equal(t, KindInvalidInput, inv.Error.Kind)
	}

	tasks, err := store.ListTasks("u1", storage.StatusAll)
	require.NoError(t, err)
	require.Empty(t, tasks, "invalid input must not reach the store")
}

func TestOwnerIsolation(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	inv := exec.Execute(ctx, "alice", "add_task", map[string]any{"title": "alice only"})
	require.True(t, inv.Success)
	id := inv.Result.Result.(map[string]any)["task_id"].(int64)

	list := exec.Execute(ctx, "bob", "list_tasks", nil)
	require.Equal(t, 0, list.Result.Result.(map[string]any)["count"])

	for _, call := range []struct {
		name string
		args map[string]any
	}{
		{"complete_task", map[string]any{"task_id": id}},
		{"delete_task", map[string]any{"task_id": id}},
		{"update_task", map[string]any{"task_id": id, "title": "stolen"}},
	} {
		inv := exec.Execute(ctx, "bob", call.name, call.args)
		require.False(t, inv.Success, call.name)
		require.Equal(t, KindNotFound, inv.Error.Kind, call.name)
	}
}

func TestIdentityArgumentsIgnored(t *testing.T) {
	exec, store := newTestExecutor(t)

	inv := exec.Execute(context.Background(), "real", "add_task",
		map[string]any{"title": "mine", "user_id": "spoofed", "owner_id": "spoofed"})
	require.True(t, inv.Success)
	require.NotContains(t, inv.Arguments, "user_id")
	require.NotContains(t, inv.Arguments, "owner_id")

	spoofed, err := store.ListTasks("spoofed", storage.StatusAll)
	require.NoError(t, err)
	require.Empty(t, spoofed)
	owned, err := store.ListTasks("real", storage.StatusAll)
	require.NoError(t, err)
	require.Len(t, owned, 1)
}

func TestCompleteTaskIdempotent(t *testing.T) {
	exec, store := newTestExecutor(t)
	ctx := context.Background()

	task, err := store.CreateTask("u1", "walk", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		inv := exec.Execute(ctx, "u1", "complete_task", map[string]any{"task_id": float64(task.ID)})
		require.True(t, inv.Success, "attempt %d: %+v", i, inv.Error)
	}
	got, err := store.GetTask("u1", task.ID)
	require.NoError(t, err)
	require.True(t, got.Completed)
}

func TestUpdateTaskRoundTrip(t *testing.T) {
	exec, store := newTestExecutor(t)
	ctx := context.Background()

	task, err := store.CreateTask("u1", "old", "keep me")
	require.NoError(t, err)

	inv := exec.Execute(ctx, "u1", "update_task", map[string]any{"task_id": task.ID, "title": "new"})
	require.True(t, inv.Success)

	got, err := store.GetTask("u1", task.ID)
	require.NoError(t, err)
	require.Equal(t, "new", got.Title)
	require.Equal(t, "keep me", got.Description)
	require.False(t, got.Completed)

	inv = exec.Execute(ctx, "u1", "update_task", map[string]any{"task_id": task.ID})
	require.False(t, inv.Success)
	require.Equal(t, KindInvalidInput, inv.Error.Kind)
}

func TestDeleteTask(t *testing.T) {
	exec, store := newTestExecutor(t)
	ctx := context.Background()

	task, err := store.CreateTask("u1", "gone soon", "")
	require.NoError(t, err)

	inv := exec.Execute(ctx, "u1", "delete_task", map[string]any{"task_id": task.ID})
	require.True(t, inv.Success)

	inv = exec.Execute(ctx, "u1", "delete_task", map[string]any{"task_id": task.ID})
	require.Equal(t, KindNotFound, inv.Error.Kind)
}

func TestExecuteUnknownTool(t *testing.T) {
	exec, _ := newTestExecutor(t)
	inv := exec.Execute(context.Background(), "u1", "launch_rockets", nil)
	require.False(t, inv.Success)
	require.Equal(t, KindUnknownTool, inv.Error.Kind)
}

func TestExecuteMissingArgumentSkipsHandler(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(Tool{
		Name:   "needs_id",
		Schema: Schema{{Name: "task_id", Type: TypeInteger, Required: true}},
		Handler: func(context.Context, string, Args) Result {
			called = true
			return OK(nil)
		},
	})
	inv := NewExecutor(reg, time.Second).Execute(context.Background(), "u1", "needs_id", map[string]any{})
	require.Equal(t, KindInvalidInput, inv.Error.Kind)
	require.False(t, called)
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	reg := NewRegistry()
	reg.Register(Tool{
		Name: "slow",
		Handler: func(context.Context, string, Args) Result {
			<-release
			return OK(nil)
		},
	})

	start := time.Now()
	inv := NewExecutor(reg, 50*time.Millisecond).Execute(context.Background(), "u1", "slow", nil)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, inv.Success)
	require.Equal(t, KindTimeout, inv.Error.Kind)
}

func TestExecuteRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name: "boom",
		Handler: func(context.Context, string, Args) Result {
			panic("kaboom")
		},
	})
	inv := NewExecutor(reg, time.Second).Execute(context.Background(), "u1", "boom", nil)
	require.False(t, inv.Success)
	require.Equal(t, KindInternal, inv.Error.Kind)
}

func TestExecuteEmptyFailureBecomesInternal(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name: "noop",
		Handler: func(context.Context, string, Args) Result {
			return Result{}
		},
	})
	inv := NewExecutor(reg, time.Second).Execute(context.Background(), "u1", "noop", nil)
	require.False(t, inv.Success)
	require.NotNil(t, inv.Error)
	require.Equal(t, KindInternal, inv.Error.Kind)
}

func TestHandlerContextSurvivesCancellation(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name: "ctx",
		Handler: func(ctx context.Context, _ string, _ Args) Result {
			if ctx.Err() != nil {
				return Fail(KindInternal, "context already cancelled")
			}
			return OK(nil)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either branch may win the select; the handler itself must not see
	// the cancellation.
	inv := NewExecutor(reg, time.Second).Execute(ctx, "u1", "ctx", nil)
	if !inv.Success {
		require.Equal(t, KindTimeout, inv.Error.Kind)
	}
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/tasktalk/internal/storage"
)

const (
	MaxTitleLen = 255
	// MaxToolDescriptionLen bounds descriptions written through tools. The
	// REST API applies its own, tighter bound.
	MaxToolDescriptionLen = 10000
)

// TaskStore is the owner-scoped task persistence the task tools need.
type TaskStore interface {
	CreateTask(ownerID, title, description string) (storage.Task, error)
	ListTasks(ownerID string, filter storage.StatusFilter) ([]storage.Task, error)
	UpdateTask(ownerID string, id int64, upd storage.TaskUpdate) (storage.Task, error)
	DeleteTask(ownerID string, id int64) error
	SetTaskCompleted(ownerID string, id int64, completed bool) (storage.Task, error)
}

// NormalizeTitle trims title and checks its length.
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errors.New("title is required and must not be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return "", fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	return title, nil
}

// CheckDescription reports whether description fits within max characters.
func CheckDescription(description string, max int) error {
	if utf8.RuneCountInString(description) > max {
		return fmt.Errorf("description exceeds maximum length of %d characters", max)
	}
	return nil
}

var taskIDParam = Param{Name: "task_id", Type: TypeInteger, Description: "ID of the task", Required: true}

// RegisterTaskTools registers add_task, list_tasks, complete_task,
// delete_task and update_task backed by store.
func RegisterTaskTools(reg *Registry, store TaskStore) {
	reg.Register(Tool{
		Name:        "add_task",
		Description: "Create a new task for the user.",
		Schema: Schema{
			{Name: "title", Type: TypeString, Description: "Short title of the task", Required: true},
			{Name: "description", Type: TypeString, Description: "Optional details"},
		},
		Handler: addTask(store),
	})
	reg.Register(Tool{
		Name:        "list_tasks",
		Description: "List the user's tasks, newest first.",
		Schema: Schema{
			{Name: "status_filter", Type: TypeString, Description: "Which tasks to include (default all)",
				Enum: []string{string(storage.StatusAll), string(storage.StatusPending), string(storage.StatusCompleted)}},
		},
		Handler: listTasks(store),
	})
	reg.Register(Tool{
		Name:        "complete_task",
		Description: "Mark a task as completed.",
		Schema:      Schema{taskIDParam},
		Handler:     completeTask(store),
	})
	reg.Register(Tool{
		Name:        "delete_task",
		Description: "Delete a task permanently.",
		Schema:      Schema{taskIDParam},
		Handler:     deleteTask(store),
	})
	reg.Register(Tool{
		Name:        "update_task",
		Description: "Change the title and/or description of a task.",
		Schema: Schema{
			taskIDParam,
			{Name: "title", Type: TypeString, Description: "New title"},
			{Name: "description", Type: TypeString, Description: "New description"},
		},
		Handler: updateTask(store),
	})
}

// storeResult maps a store error to the envelope.
func storeResult(tool string, taskID int64, err error) Result {
	if errors.Is(err, storage.ErrNotFound) {
		return Fail(KindNotFound, "task %d not found", taskID)
	}
	slog.Error("task store call failed", "tool", tool, "error", err)
	return Fail(KindStoreFailure, "could not reach the task store")
}

func addTask(store TaskStore) Handler {
	return func(_ context.Context, ownerID string, args Args) Result {
		raw, _ := args.String("title")
		title, err := NormalizeTitle(raw)
		if err != nil {
			return Fail(KindInvalidInput, "%v", err)
		}
		desc, _ := args.String("description")
		if err := CheckDescription(desc, MaxToolDescriptionLen); err != nil {
			return Fail(KindInvalidInput, "%v", err)
		}

		task, err := store.CreateTask(ownerID, title, desc)
		if err != nil {
			return storeResult("add_task", 0, err)
		}
		return OK(map[string]any{
			"task_id": task.ID,
			"title":   task.Title,
			"message": fmt.Sprintf("Task %q created (#%d).", task.Title, task.ID),
		})
	}
}

func listTasks(store TaskStore) Handler {
	return func(_ context.Context, ownerID string, args Args) Result {
		raw, _ := args.String("status_filter")
		filter, err := storage.ParseStatusFilter(raw)
		if err != nil {
			return Fail(KindInvalidInput, "%v", err)
		}

		tasks, err := store.ListTasks(ownerID, filter)
		if err != nil {
			return storeResult("list_tasks", 0, err)
		}
		return OK(map[string]any{
			"tasks":   tasks,
			"count":   len(tasks),
			"message": formatTaskList(tasks, filter),
		})
	}
}

func formatTaskList(tasks []storage.Task, filter storage.StatusFilter) string {
	qualifier := ""
	if filter != storage.StatusAll {
		qualifier = string(filter) + " "
	}
	if len(tasks) == 0 {
		return fmt.Sprintf("You have no %stasks.", qualifier)
	}

	var b strings.Builder
	noun := "tasks"
	if len(tasks) == 1 {
		noun = "task"
	}
	fmt.Fprintf(&b, "You have %d %s%s:", len(tasks), qualifier, noun)
	for _, t := range tasks {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "\n- [%s] #%d %s", mark, t.ID, t.Title)
	}
	return b.String()
}

func completeTask(store TaskStore) Handler {
	return func(_ context.Context, ownerID string, args Args) Result {
		id, _ := args.Int("task_id")
		task, err := store.SetTaskCompleted(ownerID, id, true)
		if err != nil {
			return storeResult("complete_task", id, err)
		}
		return OK(map[string]any{
			"task_id": task.ID,
			"message": fmt.Sprintf("Task #%d %q marked as completed.", task.ID, task.Title),
		})
	}
}

func deleteTask(store TaskStore) Handler {
	return func(_ context.Context, ownerID string, args Args) Result {
		id, _ := args.Int("task_id")
		if err := store.DeleteTask(ownerID, id); err != nil {
			return storeResult("delete_task", id, err)
		}
		return OK(map[string]any{
			"task_id": id,
			"message": fmt.Sprintf("Task #%d deleted.", id),
		})
	}
}

func updateTask(store TaskStore) Handler {
	return func(_ context.Context, ownerID string, args Args) Result {
		id, _ := args.Int("task_id")
		var upd storage.TaskUpdate
		if raw, ok := args.String("title"); ok {
			title, err := NormalizeTitle(raw)
			if err != nil {
				return Fail(KindInvalidInput, "%v", err)
			}
			upd.Title = &title
		}
		if desc, ok := args.String("description"); ok {
			if err := CheckDescription(desc, MaxToolDescriptionLen); err != nil {
				return Fail(KindInvalidInput, "%v", err)
			}
			upd.Description = &desc
		}
		if upd.Title == nil && upd.Description == nil {
			return Fail(KindInvalidInput, "nothing to update: provide a title or a description")
		}

		task, err := store.UpdateTask(ownerID, id, upd)
		if err != nil {
			return storeResult("update_task", id, err)
		}
		return OK(map[string]any{
			"task_id": task.ID,
			"title":   task.Title,
			"message": fmt.Sprintf("Task #%d updated.", task.ID),
		})
	}
}

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tasktalk/internal/storage"
	"github.com/kalambet/tasktalk/internal/tools"
)

// MaxDescriptionLen bounds task descriptions submitted over REST.
const MaxDescriptionLen = 2000

type taskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// validate normalizes the request in place. requireTitle is set for
// creation.
func (req *taskRequest) validate(requireTitle bool) error {
	if req.Title != nil || requireTitle {
		var raw string
		if req.Title != nil {
			raw = *req.Title
		}
		title, err := tools.NormalizeTitle(raw)
		if err != nil {
			return err
		}
		req.Title = &title
	}
	if req.Description != nil {
		if err := tools.CheckDescription(*req.Description, MaxDescriptionLen); err != nil {
			return err
		}
	}
	if req.Title == nil && req.Description == nil {
		return errors.New("at least one of title or description is required")
	}
	return nil
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := storage.ParseStatusFilter(r.URL.Query().Get("status"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		tasks, err := deps.Store.ListTasks(ownerID(r), filter)
		if err != nil {
			storeError(w, "listing tasks", err)
			return
		}
		if tasks == nil {
			tasks = []storage.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)
	}
}

func handleCreateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := req.validate(true); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		var desc string
		if req.Description != nil {
			desc = *req.Description
		}
		task, err := deps.Store.CreateTask(ownerID(r), *req.Title, desc)
		if err != nil {
			storeError(w, "creating task", err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		task, err := deps.Store.GetTask(ownerID(r), id)
		if err != nil {
			storeError(w, "loading task", err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func handleUpdateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		var req taskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := req.validate(false); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		task, err := deps.Store.UpdateTask(ownerID(r), id, storage.TaskUpdate{Title: req.Title, Description: req.Description})
		if err != nil {
			storeError(w, "updating task", err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func handleDeleteTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		if err := deps.Store.DeleteTask(ownerID(r), id); err != nil {
			storeError(w, "deleting task", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleCompleteTask sets the completion flag; an empty body marks the task
// completed.
func handleCompleteTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		req := struct {
			Completed *bool `json:"completed"`
		}{}
		if r.ContentLength != 0 {
			if !decodeBody(w, r, &req) {
				return
			}
		}
		completed := req.Completed == nil || *req.Completed
		task, err := deps.Store.SetTaskCompleted(ownerID(r), id, completed)
		if err != nil {
			storeError(w, "completing task", err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid task id %q", chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}

// storeError maps storage failures. Foreign and missing rows are both 404.
func storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "task not found")
		return
	}
	slog.Error("store operation failed", "op", op, "error", err)
	httpError(w, http.StatusInternalServerError, "api_error", "%s failed", op)
}

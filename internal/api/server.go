// Package api exposes tasks, conversations and the tool registry over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tasktalk/internal/auth"
	"github.com/kalambet/tasktalk/internal/chat"
	"github.com/kalambet/tasktalk/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// RateLimiter gates chat turns per owner.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type Deps struct {
	Store storage.Backend
	Auth  *auth.Service
	Chat  *chat.Orchestrator
	// MCP is served at /mcp when set.
	MCP *server.MCPServer
	// Limiter is optional; nil disables chat rate limiting.
	Limiter     RateLimiter
	CORSOrigins []string
}

// NewHandler returns the HTTP handler for the whole service.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors(deps.CORSOrigins))

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/sign-up/email", handleSignUp(deps))
		r.Post("/auth/sign-in/email", handleSignIn(deps))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Auth.Tokens()))

			r.Get("/auth/me", handleMe(deps))

			r.Get("/tasks", handleListTasks(deps))
			r.Post("/tasks", handleCreateTask(deps))
			r.Get("/tasks/{id}", handleGetTask(deps))
			r.Put("/tasks/{id}", handleUpdateTask(deps))
			r.Delete("/tasks/{id}", handleDeleteTask(deps))
			r.Patch("/tasks/{id}/complete", handleCompleteTask(deps))

			r.Post("/chat", handleChat(deps))
			r.Get("/conversations", handleListConversations(deps))
			r.Get("/conversations/{id}/messages", handleListMessages(deps))
		})
	})

	if deps.MCP != nil {
		r.With(BearerAuth(deps.Auth.Tokens())).Handle("/mcp", NewMCPHTTPHandler(deps.MCP))
	}

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(); err != nil {
			slog.Warn("health check: store unavailable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		slog.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// cors allows the listed origins, or any origin when the list is empty or
// contains "*".
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	wildcard := len(allowed) == 0 || allowed["*"]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || allowed[origin]) {
				if wildcard {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// queryLimit parses ?limit=, returning def when it is absent.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

func ownerID(r *http.Request) string {
	id, _ := auth.OwnerFromContext(r.Context())
	return id
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tasktalk/internal/chat"
	"github.com/kalambet/tasktalk/internal/storage"
)

const defaultConversationLimit = 50

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if deps.Limiter != nil && !deps.Limiter.Allow(r.Context(), owner) {
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many chat requests, try again in a minute")
			return
		}

		var req chatRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := deps.Chat.ProcessTurn(r.Context(), owner, req.Message, req.ConversationID)
		if err != nil {
			chatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r, defaultConversationLimit)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		convs, err := deps.Chat.ListConversations(ownerID(r), limit)
		if err != nil {
			chatError(w, err)
			return
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r, 0)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		msgs, err := deps.Chat.Messages(ownerID(r), chi.URLParam(r, "id"), limit)
		if err != nil {
			chatError(w, err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, chat.ErrConversationNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	default:
		slog.Error("chat request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "the conversation could not be saved, please retry")
	}
}

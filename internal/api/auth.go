package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/tasktalk/internal/auth"
	"github.com/kalambet/tasktalk/internal/storage"
)

// BearerAuth verifies the access token and stores its subject as the
// request's owner id.
func BearerAuth(tokens *auth.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			claims, err := tokens.Verify(header[len(prefix):])
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithOwner(r.Context(), claims.Subject)))
		})
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type sessionResponse struct {
	User    storage.User `json:"user"`
	Session auth.Session `json:"session"`
}

func handleSignUp(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		u, sess, err := deps.Auth.SignUp(req.Email, req.Password, req.Name)
		switch {
		case errors.Is(err, auth.ErrEmailTaken), errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			slog.Error("sign-up failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "sign-up failed")
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse{User: u, Session: sess})
	}
}

func handleSignIn(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		u, sess, err := deps.Auth.SignIn(req.Email, req.Password)
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			httpError(w, http.StatusUnauthorized, "authentication_error", "%v", err)
			return
		case err != nil:
			slog.Error("sign-in failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "sign-in failed")
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{User: u, Session: sess})
	}
}

func handleMe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Auth.Me(ownerID(r))
		if errors.Is(err, auth.ErrInvalidToken) {
			httpError(w, http.StatusUnauthorized, "authentication_error", "user no longer exists")
			return
		}
		if err != nil {
			slog.Error("loading current user", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load user")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	}
}

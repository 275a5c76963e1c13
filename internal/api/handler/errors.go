package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/tryonhub/internal/api/middleware"
	"github.com/kiranshivaraju/tryonhub/internal/api/response"
	"github.com/kiranshivaraju/tryonhub/internal/jobs"
	"github.com/kiranshivaraju/tryonhub/internal/ratelimit"
	"github.com/kiranshivaraju/tryonhub/internal/store"
)

// writeError maps a service error onto the HTTP error taxonomy. Anything
// unrecognised is logged and reported as INTERNAL_ERROR without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *jobs.ValidationError
	var exceeded *ratelimit.ExceededError

	switch {
	case errors.As(err, &validation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", validation.Message,
			map[string]string{"field": validation.Field})
	case errors.Is(err, ratelimit.ErrEmptyPrincipal):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.As(err, &exceeded):
		mw.SetRateLimitHeaders(w, exceeded.Decision)
		response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
			"Rate limit exceeded", exceeded.Decision.Details())
	case errors.Is(err, ratelimit.ErrNotConfigured):
		response.Error(w, http.StatusForbidden, "RATE_LIMIT_NOT_CONFIGURED",
			"No rate limit account is configured for this user", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "CONFLICT", "Resource already exists", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
	}
	return userID, ok
}

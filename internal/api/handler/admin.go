package handler

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
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tryonhub/internal/api/middleware"
	"github.com/kiranshivaraju/tryonhub/internal/api/response"
	"github.com/kiranshivaraju/tryonhub/internal/ratelimit"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// rawKeyPrefix marks tryonhub API keys. Together with the first random
// characters it forms the stored lookup prefix.
const rawKeyPrefix = "thk_"

var defaultKeyScopes = []string{"user"}

// AccountStore is the provisioning part of the store.
type AccountStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	UpsertRateLimitAccount(ctx context.Context, userID int64, quota int) (*models.RateLimitAccount, error)
}

// Admin serves operator endpoints: window and quota inspection, user and
// key provisioning.
type Admin struct {
	store   AccountStore
	windows ratelimit.Limiter
	quotas  ratelimit.Limiter
}

func NewAdmin(s AccountStore, windows, quotas ratelimit.Limiter) *Admin {
	return &Admin{store: s, windows: windows, quotas: quotas}
}

type limitStatus struct {
	Policy    string         `json:"policy"`
	Principal string         `json:"principal"`
	Allowed   bool           `json:"allowed"`
	Usage     map[string]any `json:"usage"`
}

// audit logs a mutating admin call with the prefix of the key that made it.
func audit(r *http.Request, action string, args ...any) {
	prefix, _ := mw.GetKeyPrefix(r)
	slog.Info("admin action", append([]any{"action", action, "key_prefix", prefix}, args...)...)
}

func statusView(d *ratelimit.Decision) limitStatus {
	return limitStatus{Policy: d.Policy, Principal: d.Principal, Allowed: d.Allowed, Usage: d.Details()}
}

// WindowStatus handles GET /api/v1/admin/ratelimit/{principal}.
func (h *Admin) WindowStatus(w http.ResponseWriter, r *http.Request) {
	d, err := h.windows.GetStatus(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, statusView(d))
}

// WindowReset handles DELETE /api/v1/admin/ratelimit/{principal}.
func (h *Admin) WindowReset(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	if err := h.windows.Reset(r.Context(), principal); err != nil {
		writeError(w, r, err)
		return
	}
	audit(r, "window_reset", "principal", principal)
	response.JSON(w, map[string]any{"principal": principal, "reset": true})
}

// QuotaStatus handles GET /api/v1/admin/quotas/{userID}.
func (h *Admin) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "userID must be a positive integer", nil)
		return
	}
	d, err := h.quotas.GetStatus(r.Context(), strconv.FormatInt(userID, 10))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, statusView(d))
}

// QuotaSet handles PUT /api/v1/admin/quotas/{userID}. The used count of an
// existing account is kept.
func (h *Admin) QuotaSet(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "userID must be a positive integer", nil)
		return
	}
	var body struct {
		Quota *int `json:"quota"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if body.Quota == nil || *body.Quota < 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "quota must be 0 (unlimited) or a positive integer", nil)
		return
	}

	if _, err := h.store.GetUser(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}
	acct, err := h.store.UpsertRateLimitAccount(r.Context(), userID, *body.Quota)
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit(r, "quota_set", "user_id", userID, "quota", *body.Quota)
	response.JSON(w, acct)
}

// QuotaReset handles DELETE /api/v1/admin/quotas/{userID}.
func (h *Admin) QuotaReset(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "userID must be a positive integer", nil)
		return
	}
	if err := h.quotas.Reset(r.Context(), strconv.FormatInt(userID, 10)); err != nil {
		writeError(w, r, err)
		return
	}
	audit(r, "quota_reset", "user_id", userID)
	response.JSON(w, map[string]any{"user_id": userID, "reset": true})
}

// CreateUser handles POST /api/v1/admin/users.
func (h *Admin) CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "username is required", nil)
		return
	}

	user := &models.User{Username: username}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}
	audit(r, "user_created", "user_id", user.ID)
	response.Created(w, user)
}

// CreateKey handles POST /api/v1/admin/keys. The raw key is only ever
// returned here.
func (h *Admin) CreateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID int64    `json:"user_id"`
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	name := strings.TrimSpace(body.Name)
	if body.UserID <= 0 || name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id and name are required", nil)
		return
	}
	if _, err := h.store.GetUser(r.Context(), body.UserID); err != nil {
		writeError(w, r, err)
		return
	}

	scopes := body.Scopes
	if len(scopes) == 0 {
		scopes = defaultKeyScopes
	}

	rawKey := rawKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, fmt.Errorf("hash api key: %w", err))
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    body.UserID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:8],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}

	audit(r, "key_created", "user_id", key.UserID, "new_key_prefix", key.KeyPrefix)
	response.Created(w, map[string]any{
		"id":         key.ID.String(),
		"user_id":    key.UserID,
		"name":       key.Name,
		"key":        rawKey,
		"key_prefix": key.KeyPrefix,
		"scopes":     key.Scopes,
		"created_at": key.CreatedAt,
	})
}

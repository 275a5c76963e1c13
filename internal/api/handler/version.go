package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mw "github.com/kiranshivaraju/tryonhub/internal/api/middleware"
	"github.com/kiranshivaraju/tryonhub/internal/api/response"
	"github.com/kiranshivaraju/tryonhub/internal/appversion"
	"github.com/kiranshivaraju/tryonhub/internal/store"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

type VersionStore interface {
	CreateAppVersion(ctx context.Context, v *models.AppVersion) error
	CurrentAppVersion(ctx context.Context) (*models.AppVersion, error)
}

// Versions serves the client version check and its admin publishing side.
type Versions struct {
	store VersionStore
}

func NewVersions(s VersionStore) *Versions {
	return &Versions{store: s}
}

// Check handles GET /api/v1/version?app_version=.
func (h *Versions) Check(w http.ResponseWriter, r *http.Request) {
	current, err := h.store.CurrentAppVersion(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		current = appversion.Default()
	} else if err != nil {
		writeError(w, r, err)
		return
	}

	appVersion := strings.TrimSpace(r.URL.Query().Get("app_version"))
	res := appversion.Check(current, appVersion)
	if appVersion != "" {
		slog.Info("app version checked", "app_version", appVersion, "client_ip", mw.ClientIP(r),
			"is_valid", res.IsValid, "is_blocked", res.IsBlocked)
	}
	response.JSON(w, res)
}

// Publish handles POST /api/v1/admin/app-versions.
func (h *Versions) Publish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VersionNumber          string     `json:"version_number"`
		MinimumRequiredVersion string     `json:"minimum_required_version"`
		ForceUpdate            bool       `json:"force_update"`
		IsActive               *bool      `json:"is_active"`
		ReleaseDate            *time.Time `json:"release_date"`
		ReleaseNotes           string     `json:"release_notes"`
		UpdateURL              string     `json:"update_url"`
		UpdateMessage          *string    `json:"update_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	v := &models.AppVersion{
		VersionNumber:          strings.TrimSpace(body.VersionNumber),
		MinimumRequiredVersion: strings.TrimSpace(body.MinimumRequiredVersion),
		ForceUpdate:            body.ForceUpdate,
		IsActive:               body.IsActive == nil || *body.IsActive,
		ReleaseNotes:           body.ReleaseNotes,
		UpdateURL:              strings.TrimSpace(body.UpdateURL),
		UpdateMessage:          appversion.DefaultUpdateMessage,
	}
	if body.ReleaseDate != nil {
		v.ReleaseDate = body.ReleaseDate.UTC()
	}
	if body.UpdateMessage != nil {
		v.UpdateMessage = *body.UpdateMessage
	}
	if err := appversion.Validate(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if v.UpdateURL != "" && !strings.HasPrefix(v.UpdateURL, "http://") && !strings.HasPrefix(v.UpdateURL, "https://") {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "update_url must be an http or https URL", nil)
		return
	}

	if err := h.store.CreateAppVersion(r.Context(), v); err != nil {
		writeError(w, r, err)
		return
	}
	audit(r, "app_version_published", "version", v.VersionNumber, "minimum", v.MinimumRequiredVersion,
		"force_update", v.ForceUpdate)
	response.Created(w, v)
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kiranshivaraju/tryonhub/internal/api/response"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

type SceneService interface {
	CreateSceneTemplate(ctx context.Context, userID int64, name, prompt, sampleImageURL string) (*models.SceneTemplate, error)
	GetSceneTemplate(ctx context.Context, userID, id int64) (*models.SceneTemplate, error)
	ListSceneTemplates(ctx context.Context, userID int64) ([]*models.SceneTemplate, error)
}

type Scenes struct {
	svc SceneService
}

func NewScenes(svc SceneService) *Scenes {
	return &Scenes{svc: svc}
}

// Create handles POST /api/v1/scene-templates.
func (h *Scenes) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		Name           string `json:"name"`
		Prompt         string `json:"prompt"`
		SampleImageURL string `json:"sample_image_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	tmpl, err := h.svc.CreateSceneTemplate(r.Context(), userID, body.Name, body.Prompt, body.SampleImageURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, tmpl)
}

// List handles GET /api/v1/scene-templates.
func (h *Scenes) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	tmpls, err := h.svc.ListSceneTemplates(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tmpls == nil {
		tmpls = []*models.SceneTemplate{}
	}
	response.List(w, tmpls, len(tmpls))
}

// Get handles GET /api/v1/scene-templates/{templateID}.
func (h *Scenes) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(r, "templateID")
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "templateID must be a positive integer", nil)
		return
	}

	tmpl, err := h.svc.GetSceneTemplate(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, tmpl)
}

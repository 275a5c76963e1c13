package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	mw "github.com/kiranshivaraju/tryonhub/internal/api/middleware"
	"github.com/kiranshivaraju/tryonhub/internal/api/response"
	"github.com/kiranshivaraju/tryonhub/internal/jobs"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// MaxUploadBytes bounds a multipart try-on submission.
const MaxUploadBytes = 32 << 20

// JobService defines the admission interface the job handlers depend on.
type JobService interface {
	SubmitTryon(ctx context.Context, req jobs.TryonRequest) (*jobs.Submission, error)
	SubmitPose(ctx context.Context, req jobs.PoseRequest) (*jobs.Submission, error)
	Status(ctx context.Context, userID, jobID int64, taskToken string) (*models.Job, error)
}

type Jobs struct {
	svc       JobService
	principal *mw.Principal
}

func NewJobs(svc JobService, principal *mw.Principal) *Jobs {
	return &Jobs{svc: svc, principal: principal}
}

type admissionResponse struct {
	JobID                      int64          `json:"job_id"`
	TaskToken                  string         `json:"task_token"`
	Status                     string         `json:"status"`
	Kind                       models.JobKind `json:"kind"`
	EstimatedCompletionSeconds int            `json:"estimated_completion_seconds"`
	RateLimit                  map[string]any `json:"rate_limit,omitempty"`
}

// SubmitTryon handles POST /api/v1/tryon. Images arrive either as
// multipart files (person_image, garment_image) or as URLs.
func (h *Jobs) SubmitTryon(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	req, err := parseTryon(w, r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	req.UserID = userID
	req.Principal = h.principal.Resolve(r, userID, req.DeviceID)

	sub, err := h.svc.SubmitTryon(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeAdmission(w, sub)
}

// SubmitPose handles POST /api/v1/poses.
func (h *Jobs) SubmitPose(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		TryonJobID      int64  `json:"tryon_job_id"`
		SceneTemplateID int64  `json:"scene_template_id"`
		DeviceID        string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	sub, err := h.svc.SubmitPose(r.Context(), jobs.PoseRequest{
		Admission: jobs.Admission{
			UserID:    userID,
			DeviceID:  body.DeviceID,
			Principal: h.principal.Resolve(r, userID, body.DeviceID),
		},
		TryonJobID:      body.TryonJobID,
		SceneTemplateID: body.SceneTemplateID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeAdmission(w, sub)
}

// GetJob handles GET /api/v1/jobs/{jobID}.
func (h *Jobs) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(r, "jobID")
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a positive integer", nil)
		return
	}

	job, err := h.svc.Status(r.Context(), userID, jobID, r.URL.Query().Get("task_token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

func writeAdmission(w http.ResponseWriter, sub *jobs.Submission) {
	resp := admissionResponse{
		JobID:                      sub.Job.ID,
		TaskToken:                  sub.TaskToken,
		Status:                     models.JobStatusProcessing,
		Kind:                       sub.Job.Kind,
		EstimatedCompletionSeconds: sub.EstimatedSeconds,
	}
	if sub.Decision != nil {
		mw.SetRateLimitHeaders(w, sub.Decision)
		resp.RateLimit = sub.Decision.Details()
	}
	response.Accepted(w, resp)
}

func parseTryon(w http.ResponseWriter, r *http.Request) (jobs.TryonRequest, error) {
	var req jobs.TryonRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			PersonImageURL  string `json:"person_image_url"`
			GarmentImageURL string `json:"garment_image_url"`
			DeviceID        string `json:"device_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return req, errors.New("invalid JSON body")
		}
		req.Person.URL = body.PersonImageURL
		req.Garment.URL = body.GarmentImageURL
		req.DeviceID = body.DeviceID
		return req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		return req, fmt.Errorf("invalid multipart body: %v", err)
	}

	var err error
	if req.Person.File, err = formFile(r, "person_image"); err != nil {
		return req, err
	}
	if req.Garment.File, err = formFile(r, "garment_image"); err != nil {
		return req, err
	}
	req.Person.URL = r.FormValue("person_image_url")
	req.Garment.URL = r.FormValue("garment_image_url")
	req.DeviceID = r.FormValue("device_id")
	return req, nil
}

// formFile reads an optional uploaded file. A missing field is not an error.
func formFile(r *http.Request, field string) (*jobs.Upload, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %v", field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v", field, err)
	}
	contentType := hdr.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return &jobs.Upload{Filename: hdr.Filename, ContentType: contentType, Data: data}, nil
}

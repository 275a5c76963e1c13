// Package jobs is the admission side of the job lifecycle: it validates
// submissions, applies the rate limiter, records the job and hands it to the
// worker queue. It also answers status queries and reconciles jobs whose
// worker reported failure without updating the row.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tryonhub/internal/cache"
	"github.com/kiranshivaraju/tryonhub/internal/notify"
	"github.com/kiranshivaraju/tryonhub/internal/ratelimit"
	"github.com/kiranshivaraju/tryonhub/internal/storage"
	"github.com/kiranshivaraju/tryonhub/internal/store"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// TaskStateTTL bounds how long the task-state registry remembers a job.
const TaskStateTTL = 24 * time.Hour

// ReconciledErrorMessage is stored on jobs force-failed by a status query.
const ReconciledErrorMessage = "generation task failed before the job record was updated"

// Estimated completion reported to clients, in seconds.
var estimatedSeconds = map[models.JobKind]int{
	models.JobKindTryon: 60,
	models.JobKindPose:  45,
}

// Store is the subset of store.Store the service needs.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJobForUser(ctx context.Context, id int64, userID int64) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status string, opts ...store.JobUpdateOption) error

	CreateSceneTemplate(ctx context.Context, tmpl *models.SceneTemplate) error
	GetSceneTemplate(ctx context.Context, id int64, userID int64) (*models.SceneTemplate, error)
	ListSceneTemplates(ctx context.Context, userID int64) ([]*models.SceneTemplate, error)
}

// TaskStates is the task-state registry written by the worker.
type TaskStates interface {
	SetTaskState(ctx context.Context, token string, state string, ttl time.Duration) error
	GetTaskState(ctx context.Context, token string) (string, bool, error)
}

// Enqueuer hands a job id to the worker tier.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID int64) error
}

type Service struct {
	store    Store
	limiter  ratelimit.Limiter
	queue    Enqueuer
	tasks    TaskStates
	uploader storage.Uploader
	notifier notify.Notifier
	newToken func() string
	logger   *slog.Logger
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, int64, notify.Event) {}

type Option func(*Service)

// WithTokenFunc replaces the task token generator.
func WithTokenFunc(f func() string) Option {
	return func(s *Service) { s.newToken = f }
}

// WithNotifier pushes an event when a status query reconciles a job.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(st Store, limiter ratelimit.Limiter, q Enqueuer, tasks TaskStates, uploader storage.Uploader, opts ...Option) *Service {
	s := &Service{
		store:    st,
		limiter:  limiter,
		queue:    q,
		tasks:    tasks,
		uploader: uploader,
		notifier: nopNotifier{},
		newToken: uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limiter returns the admission limiter.
func (s *Service) Limiter() ratelimit.Limiter { return s.limiter }

// Upload is a file submitted with a request.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ImageInput is either an uploaded file or an existing remote URL.
type ImageInput struct {
	File *Upload
	URL  string
}

func (in ImageInput) empty() bool {
	return (in.File == nil || len(in.File.Data) == 0) && strings.TrimSpace(in.URL) == ""
}

// Admission carries the identity fields common to every submission.
type Admission struct {
	UserID    int64
	DeviceID  string
	Principal string
}

type TryonRequest struct {
	Admission
	Person  ImageInput
	Garment ImageInput
}

type PoseRequest struct {
	Admission
	TryonJobID      int64
	SceneTemplateID int64
}

// Submission is the accepted result of a submit call.
type Submission struct {
	Job              *models.Job
	TaskToken        string
	EstimatedSeconds int
	Decision         *ratelimit.Decision
}

// SubmitTryon admits a try-on job.
func (s *Service) SubmitTryon(ctx context.Context, req TryonRequest) (*Submission, error) {
	if req.Person.empty() {
		return nil, invalid("person_image", "person_image is required")
	}
	if req.Garment.empty() {
		return nil, invalid("garment_image", "garment_image is required")
	}
	for field, in := range map[string]ImageInput{"person_image_url": req.Person, "garment_image_url": req.Garment} {
		if in.File == nil && !isHTTPURL(in.URL) {
			return nil, invalid(field, field+" must be an http or https URL")
		}
	}

	decision, err := s.admit(ctx, req.Admission)
	if err != nil {
		return nil, err
	}

	personURL, err := s.resolveInput(ctx, storage.RolePerson, req.Person)
	if err != nil {
		return nil, err
	}
	garmentURL, err := s.resolveInput(ctx, storage.RoleGarment, req.Garment)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		UserID:     req.UserID,
		DeviceID:   optional(req.DeviceID),
		Kind:       models.JobKindTryon,
		SourceURLs: []string{personURL, garmentURL},
	}
	return s.dispatch(ctx, job, decision)
}

// SubmitPose admits a scene generation job built on a completed try-on.
func (s *Service) SubmitPose(ctx context.Context, req PoseRequest) (*Submission, error) {
	if req.TryonJobID <= 0 {
		return nil, invalid("tryon_job_id", "tryon_job_id is required")
	}
	if req.SceneTemplateID <= 0 {
		return nil, invalid("scene_template_id", "scene_template_id is required")
	}

	tmpl, err := s.store.GetSceneTemplate(ctx, req.SceneTemplateID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("scene template %d: %w", req.SceneTemplateID, err)
	}
	source, err := s.store.GetJobForUser(ctx, req.TryonJobID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("try-on job %d: %w", req.TryonJobID, err)
	}
	if source.Kind != models.JobKindTryon {
		return nil, invalid("tryon_job_id", "tryon_job_id must reference a try-on job")
	}
	if source.Status != models.JobStatusCompleted || source.OutputURL == nil {
		return nil, invalid("tryon_job_id", "try-on job does not have a generated image yet")
	}

	decision, err := s.admit(ctx, req.Admission)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		UserID:          req.UserID,
		DeviceID:        optional(req.DeviceID),
		Kind:            models.JobKindPose,
		SourceURLs:      []string{*source.OutputURL},
		Prompt:          tmpl.Prompt,
		SourceJobID:     &source.ID,
		SceneTemplateID: &tmpl.ID,
	}
	return s.dispatch(ctx, job, decision)
}

// admit runs Check then Increment. The pair is not atomic.
func (s *Service) admit(ctx context.Context, a Admission) (*ratelimit.Decision, error) {
	if strings.TrimSpace(a.Principal) == "" {
		return nil, invalid("principal", "unable to identify the client for rate limiting")
	}

	decision, err := s.limiter.Check(ctx, a.Principal)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		s.logger.Info("rate limit exceeded",
			"policy", decision.Policy, "principal", a.Principal, "exceeded", decision.Exceeded())
		return nil, &ratelimit.ExceededError{Decision: decision}
	}

	after, err := s.limiter.Increment(ctx, a.Principal)
	if err != nil {
		return nil, fmt.Errorf("rate limit increment: %w", err)
	}
	return after, nil
}

func (s *Service) resolveInput(ctx context.Context, role string, in ImageInput) (string, error) {
	if in.File == nil {
		return strings.TrimSpace(in.URL), nil
	}
	url, err := s.uploader.Upload(ctx, storage.InputPath(role, in.File.Filename), in.File.Data, in.File.ContentType)
	if err != nil {
		return "", fmt.Errorf("store %s: %w", role, err)
	}
	return url, nil
}

// dispatch records the job with its task token, marks the task pending and
// only then queues it, so a worker never sees a job without a token.
func (s *Service) dispatch(ctx context.Context, job *models.Job, decision *ratelimit.Decision) (*Submission, error) {
	token := s.newToken()
	job.TaskToken = &token
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	if err := s.tasks.SetTaskState(ctx, token, cache.TaskStatePending, TaskStateTTL); err != nil {
		s.logger.Warn("record task state failed", "job_id", job.ID, "error", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue job %d: %w", job.ID, err)
	}

	s.logger.Info("job admitted", "job_id", job.ID, "kind", job.Kind, "user_id", job.UserID)
	return &Submission{
		Job:              job,
		TaskToken:        token,
		EstimatedSeconds: estimatedSeconds[job.Kind],
		Decision:         decision,
	}, nil
}

// Status returns a user's job. A job still processing whose task state
// reports failure is force-failed first. A non-empty taskToken must match.
func (s *Service) Status(ctx context.Context, userID, jobID int64, taskToken string) (*models.Job, error) {
	job, err := s.store.GetJobForUser(ctx, jobID, userID)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", jobID, err)
	}
	if taskToken != "" && (job.TaskToken == nil || *job.TaskToken != taskToken) {
		return nil, fmt.Errorf("job %d with task token: %w", jobID, store.ErrNotFound)
	}

	if job.Status != models.JobStatusProcessing || job.TaskToken == nil {
		return job, nil
	}

	state, ok, err := s.tasks.GetTaskState(ctx, *job.TaskToken)
	if err != nil {
		s.logger.Warn("read task state failed", "job_id", job.ID, "error", err)
		return job, nil
	}
	if !ok || state != cache.TaskStateFailure {
		return job, nil
	}

	err = s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(ReconciledErrorMessage))
	if errors.Is(err, store.ErrInvalidTransition) {
		return s.store.GetJobForUser(ctx, jobID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile job %d: %w", job.ID, err)
	}
	s.logger.Warn("job reconciled to failed from task state", "job_id", job.ID, "user_id", userID)

	job, err = s.store.GetJobForUser(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, job.UserID, notify.JobEvent(job, time.Now()))
	return job, nil
}

// CreateSceneTemplate stores a named scene prompt for a user.
func (s *Service) CreateSceneTemplate(ctx context.Context, userID int64, name, prompt, sampleImageURL string) (*models.SceneTemplate, error) {
	name = strings.TrimSpace(name)
	prompt = strings.TrimSpace(prompt)
	if name == "" {
		return nil, invalid("name", "name is required")
	}
	if len(name) > 255 {
		return nil, invalid("name", "name must be at most 255 characters")
	}
	if prompt == "" {
		return nil, invalid("prompt", "prompt is required")
	}
	if sampleImageURL != "" && !isHTTPURL(sampleImageURL) {
		return nil, invalid("sample_image_url", "sample_image_url must be an http or https URL")
	}

	tmpl := &models.SceneTemplate{
		UserID:         userID,
		Name:           name,
		Prompt:         prompt,
		SampleImageURL: optional(sampleImageURL),
	}
	if err := s.store.CreateSceneTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("creating scene template: %w", err)
	}
	return tmpl, nil
}

func (s *Service) GetSceneTemplate(ctx context.Context, userID, id int64) (*models.SceneTemplate, error) {
	return s.store.GetSceneTemplate(ctx, id, userID)
}

func (s *Service) ListSceneTemplates(ctx context.Context, userID int64) ([]*models.SceneTemplate, error) {
	return s.store.ListSceneTemplates(ctx, userID)
}

func isHTTPURL(u string) bool {
	u = strings.TrimSpace(u)
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

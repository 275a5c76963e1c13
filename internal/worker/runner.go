// Package worker executes queued jobs. Runner drives one job through its
// state machine; Pool claims jobs from the queue and keeps the queue healthy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/ai"
	"github.com/kiranshivaraju/tryonhub/internal/cache"
	"github.com/kiranshivaraju/tryonhub/internal/img"
	"github.com/kiranshivaraju/tryonhub/internal/notify"
	"github.com/kiranshivaraju/tryonhub/internal/storage"
	"github.com/kiranshivaraju/tryonhub/internal/store"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// TaskStateTTL bounds how long task states are kept.
const TaskStateTTL = 24 * time.Hour

// InterruptedErrorMessage is stored on a job found in processing when it is
// claimed again, which only happens after its worker died.
const InterruptedErrorMessage = "job interrupted before completion"

type Store interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status string, opts ...store.JobUpdateOption) error
}

type TaskStates interface {
	SetTaskState(ctx context.Context, token string, state string, ttl time.Duration) error
}

// Scheduler defers a job-level retry.
type Scheduler interface {
	EnqueueDelayed(ctx context.Context, jobID int64, readyAt time.Time) error
}

// Invoker runs one remote generation with call-level retries. *ai.Caller implements it.
type Invoker interface {
	Invoke(ctx context.Context, req models.GenerationRequest) (image.Image, error)
	Name() string
}

// RunnerConfig sets the job-level retry policy.
type RunnerConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

type Runner struct {
	store     Store
	tasks     TaskStates
	scheduler Scheduler
	invokers  map[models.JobKind]Invoker
	fetcher   storage.Fetcher
	uploader  storage.Uploader
	notifier  notify.Notifier
	cfg       RunnerConfig
	now       func() time.Time
	logger    *slog.Logger
}

type RunnerOption func(*Runner)

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Deps groups the collaborators of a Runner.
type Deps struct {
	Store     Store
	Tasks     TaskStates
	Scheduler Scheduler
	Invokers  map[models.JobKind]Invoker
	Fetcher   storage.Fetcher
	Uploader  storage.Uploader
	Notifier  notify.Notifier
}

func NewRunner(deps Deps, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &Runner{
		store:     deps.Store,
		tasks:     deps.Tasks,
		scheduler: deps.Scheduler,
		invokers:  deps.Invokers,
		fetcher:   deps.Fetcher,
		uploader:  deps.Uploader,
		notifier:  deps.Notifier,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process runs one claimed job. A nil return means the queue entry may be
// acknowledged; job failures are recorded on the job and return nil. An
// error means the job could not be started and the entry should stay
// claimed for the reaper.
func (r *Runner) Process(ctx context.Context, jobID int64) error {
	log := r.logger.With("job_id", jobID)

	job, err := r.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("claimed job does not exist, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	log = log.With("kind", job.Kind)

	switch job.Status {
	case models.JobStatusCompleted:
		log.Info("job already completed, dropping duplicate delivery")
		return nil
	case models.JobStatusProcessing:
		log.Warn("job redelivered while processing, previous worker died")
		r.fail(ctx, job, errors.New(InterruptedErrorMessage))
		return nil
	case models.JobStatusFailed:
		if job.Attempts >= r.cfg.MaxAttempts {
			log.Info("job already failed with no attempts left", "attempts", job.Attempts)
			return nil
		}
	}

	// The task state leaves failure before the row re-enters processing.
	r.setTaskState(ctx, job, cache.TaskStateStarted)
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("job moved by another writer, skipping", "error", err)
			return nil
		}
		return fmt.Errorf("mark job %d processing: %w", job.ID, err)
	}
	if job, err = r.store.GetJob(ctx, jobID); err != nil {
		return fmt.Errorf("reload job %d: %w", jobID, err)
	}

	r.notify(ctx, job)
	log.Info("job started", "attempt", job.Attempts, "max_attempts", r.cfg.MaxAttempts)

	start := r.now()
	outputURL, err := r.execute(ctx, job)
	if err != nil {
		log.Error("job attempt failed", "attempt", job.Attempts, "elapsed_s", r.now().Sub(start).Seconds(), "error", err)
		r.fail(ctx, job, err)
		return nil
	}

	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, store.WithOutputURL(outputURL)); err != nil {
		log.Error("persisting job output failed", "output_url", outputURL, "error", err)
		r.fail(ctx, job, fmt.Errorf("persist output: %w", err))
		return nil
	}

	r.setTaskState(ctx, job, cache.TaskStateSuccess)
	job.Status = models.JobStatusCompleted
	job.OutputURL = &outputURL
	r.notify(ctx, job)
	log.Info("job completed", "attempt", job.Attempts, "elapsed_s", r.now().Sub(start).Seconds(), "output_url", outputURL)
	return nil
}

// fail records the failure, notifies and schedules a job-level retry if
// attempts remain. The task state is set to failure only when the row
// cannot be updated, so a status query can reconcile the stuck row.
func (r *Runner) fail(ctx context.Context, job *models.Job, cause error) {
	log := r.logger.With("job_id", job.ID, "kind", job.Kind)
	msg := FailureCategory(cause) + ": " + cause.Error()

	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(msg)); err != nil {
		log.Error("persisting job failure failed", "error", err, "cause", msg)
		r.setTaskState(ctx, job, cache.TaskStateFailure)
		return
	}

	failed, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Error("reload failed job", "error", err)
		return
	}
	r.notify(ctx, failed)

	if failed.Attempts >= r.cfg.MaxAttempts {
		log.Warn("job failed, no attempts left", "attempts", failed.Attempts)
		return
	}
	readyAt := r.now().Add(r.cfg.RetryDelay)
	if err := r.scheduler.EnqueueDelayed(ctx, job.ID, readyAt); err != nil {
		log.Error("scheduling job retry failed", "error", err)
		return
	}
	log.Info("job retry scheduled", "attempt", failed.Attempts, "max_attempts", r.cfg.MaxAttempts, "ready_at", readyAt)
}

// execute downloads the inputs, runs the generator and uploads the result.
func (r *Runner) execute(ctx context.Context, job *models.Job) (string, error) {
	invoker, ok := r.invokers[job.Kind]
	if !ok {
		return "", fmt.Errorf("no generator configured for job kind %q", job.Kind)
	}

	req, cleanup, err := r.buildRequest(ctx, job)
	defer cleanup()
	if err != nil {
		return "", err
	}

	out, err := invoker.Invoke(ctx, req)
	if err != nil {
		return "", err
	}

	data, err := img.EncodePNG(out)
	if err != nil {
		return "", err
	}
	url, err := r.uploader.Upload(ctx, r.outputPath(job), data, "image/png")
	if err != nil {
		return "", err
	}
	return url, nil
}

var expectedSources = map[models.JobKind]int{
	models.JobKindTryon: 2,
	models.JobKindPose:  1,
}

// buildRequest fetches every source asset. The returned cleanup removes all
// temp files fetched so far and is safe to call on any path.
func (r *Runner) buildRequest(ctx context.Context, job *models.Job) (models.GenerationRequest, func(), error) {
	var cleanups []func() error
	cleanup := func() {
		for _, c := range cleanups {
			if err := c(); err != nil {
				r.logger.Warn("temp file cleanup failed", "job_id", job.ID, "error", err)
			}
		}
	}

	var req models.GenerationRequest
	if want := expectedSources[job.Kind]; len(job.SourceURLs) != want {
		return req, cleanup, fmt.Errorf("%s job needs %d source images, has %d", job.Kind, want, len(job.SourceURLs))
	}

	for _, url := range job.SourceURLs {
		path, c, err := r.fetcher.Fetch(ctx, url)
		if err != nil {
			return req, cleanup, fmt.Errorf("fetch source image: %w", err)
		}
		cleanups = append(cleanups, c)

		data, err := img.PrepareInput(path)
		if err != nil {
			return req, cleanup, fmt.Errorf("prepare source image: %w", err)
		}
		req.Images = append(req.Images, models.InputImage{Data: data, MimeType: "image/png"})
	}

	if job.Kind == models.JobKindPose {
		prompt, err := ai.BuildScenePrompt(job.Prompt)
		if err != nil {
			return req, cleanup, err
		}
		req.Prompt = prompt
	}
	return req, cleanup, nil
}

func (r *Runner) outputPath(job *models.Job) string {
	if job.Kind == models.JobKindPose {
		var sceneID, sourceID int64
		if job.SceneTemplateID != nil {
			sceneID = *job.SceneTemplateID
		}
		if job.SourceJobID != nil {
			sourceID = *job.SourceJobID
		}
		return storage.PoseOutputPath(sceneID, sourceID, r.now())
	}
	return storage.TryonOutputPath(job.ID, r.now())
}

// FailureCategory is the generic category prefixed to stored job errors.
func FailureCategory(err error) string {
	var callErr *ai.CallError
	switch {
	case errors.As(err, &callErr):
		return "remote_" + string(callErr.Class)
	case errors.Is(err, storage.ErrUploadFailed):
		return "storage"
	default:
		return "internal"
	}
}

func (r *Runner) setTaskState(ctx context.Context, job *models.Job, state string) {
	if job.TaskToken == nil {
		return
	}
	if err := r.tasks.SetTaskState(ctx, *job.TaskToken, state, TaskStateTTL); err != nil {
		r.logger.Warn("record task state failed", "job_id", job.ID, "state", state, "error", err)
	}
}

func (r *Runner) notify(ctx context.Context, job *models.Job) {
	r.notifier.Notify(ctx, job.UserID, notify.JobEvent(job, r.now()))
}

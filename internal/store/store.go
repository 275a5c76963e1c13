package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	GetRateLimitAccount(ctx context.Context, userID int64) (*models.RateLimitAccount, error)
	UpsertRateLimitAccount(ctx context.Context, userID int64, quota int) (*models.RateLimitAccount, error)
	IncrementRateLimitUsage(ctx context.Context, userID int64) (*models.RateLimitAccount, error)
	ResetRateLimitUsage(ctx context.Context, userID int64) (*models.RateLimitAccount, error)

	CreateSceneTemplate(ctx context.Context, tmpl *models.SceneTemplate) error
	GetSceneTemplate(ctx context.Context, id int64, userID int64) (*models.SceneTemplate, error)
	ListSceneTemplates(ctx context.Context, userID int64) ([]*models.SceneTemplate, error)

	CreateAppVersion(ctx context.Context, v *models.AppVersion) error
	CurrentAppVersion(ctx context.Context) (*models.AppVersion, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	GetJobForUser(ctx context.Context, id int64, userID int64) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) error
}

// JobUpdate carries the optional fields of a status update.
type JobUpdate struct {
	ErrorMessage *string
	OutputURL    *string
}

type JobUpdateOption func(*JobUpdate)

// WithErrorMessage sets the error text stored with a failed transition.
func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// WithOutputURL sets the generated asset reference stored with a completed transition.
func WithOutputURL(url string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.OutputURL = &url
	}
}

// Package storetest provides an in-memory store.Store for tests of the
// packages built on top of it. It follows the Postgres store's job state
// machine and error semantics.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tryonhub/internal/store"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

type MemStore struct {
	mu        sync.Mutex
	nextID    int64
	users     map[int64]*models.User
	keys      map[uuid.UUID]*models.APIKey
	accounts  map[int64]*models.RateLimitAccount
	templates map[int64]*models.SceneTemplate
	jobs      map[int64]*models.Job
	versions  []*models.AppVersion

	// UpdateJobStatusHook, when set, runs before every status update; a
	// non-nil result is returned instead of applying the update.
	UpdateJobStatusHook func(id int64, status string) error
	// PingErr is returned by Ping.
	PingErr error
}

func New() *MemStore {
	return &MemStore{
		users:     map[int64]*models.User{},
		keys:      map[uuid.UUID]*models.APIKey{},
		accounts:  map[int64]*models.RateLimitAccount{},
		templates: map[int64]*models.SceneTemplate{},
		jobs:      map[int64]*models.Job{},
	}
}

var _ store.Store = (*MemStore)(nil)

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemStore) Ping(context.Context) error { return m.PingErr }

func (m *MemStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return store.ErrDuplicateKey
		}
	}
	user.ID = m.id()
	user.CreatedAt = time.Now().UTC()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

func (m *MemStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := m.users[key.UserID]; !ok {
		return fmt.Errorf("create api key: user %d does not exist", key.UserID)
	}
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *MemStore) GetRateLimitAccount(_ context.Context, userID int64) (*models.RateLimitAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) UpsertRateLimitAccount(_ context.Context, userID int64, quota int) (*models.RateLimitAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	a, ok := m.accounts[userID]
	if !ok {
		a = &models.RateLimitAccount{UserID: userID, CreatedAt: now}
		m.accounts[userID] = a
	}
	a.Quota = quota
	a.UpdatedAt = now
	cp := *a
	return &cp, nil
}

func (m *MemStore) IncrementRateLimitUsage(_ context.Context, userID int64) (*models.RateLimitAccount, error) {
	return m.mutateAccount(userID, func(a *models.RateLimitAccount) { a.UsedCount++ })
}

func (m *MemStore) ResetRateLimitUsage(_ context.Context, userID int64) (*models.RateLimitAccount, error) {
	return m.mutateAccount(userID, func(a *models.RateLimitAccount) { a.UsedCount = 0 })
}

func (m *MemStore) mutateAccount(userID int64, f func(*models.RateLimitAccount)) (*models.RateLimitAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	f(a)
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	return &cp, nil
}

func (m *MemStore) CreateSceneTemplate(_ context.Context, tmpl *models.SceneTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	tmpl.ID = m.id()
	tmpl.CreatedAt, tmpl.UpdatedAt = now, now
	cp := *tmpl
	m.templates[tmpl.ID] = &cp
	return nil
}

func (m *MemStore) GetSceneTemplate(_ context.Context, id int64, userID int64) (*models.SceneTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok || t.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) ListSceneTemplates(_ context.Context, userID int64) ([]*models.SceneTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.SceneTemplate{}
	for _, t := range m.templates {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) CreateAppVersion(_ context.Context, v *models.AppVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions {
		if existing.VersionNumber == v.VersionNumber {
			return store.ErrDuplicateKey
		}
	}
	now := time.Now().UTC()
	if v.ReleaseDate.IsZero() {
		v.ReleaseDate = now
	}
	v.ID = m.id()
	v.CreatedAt, v.UpdatedAt = now, now
	cp := *v
	m.versions = append(m.versions, &cp)
	return nil
}

func (m *MemStore) CurrentAppVersion(_ context.Context) (*models.AppVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *models.AppVersion
	for _, v := range m.versions {
		if !v.IsActive {
			continue
		}
		if current == nil || !v.ReleaseDate.Before(current.ReleaseDate) {
			current = v
		}
	}
	if current == nil {
		return nil, store.ErrNotFound
	}
	cp := *current
	return &cp, nil
}

func (m *MemStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if job.TaskToken != nil {
		for _, j := range m.jobs {
			if j.TaskToken != nil && *j.TaskToken == *job.TaskToken {
				return store.ErrDuplicateKey
			}
		}
	}
	job.ID = m.id()
	job.Status = models.JobStatusPending
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	cp.SourceURLs = append([]string(nil), job.SourceURLs...)
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id int64) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemStore) GetJobForUser(ctx context.Context, id int64, userID int64) (*models.Job, error) {
	j, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (m *MemStore) UpdateJobStatus(_ context.Context, id int64, status string, opts ...store.JobUpdateOption) error {
	if m.UpdateJobStatusHook != nil {
		if err := m.UpdateJobStatusHook(id, status); err != nil {
			return err
		}
	}

	var u store.JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	var output, errMsg string
	if u.OutputURL != nil {
		output = *u.OutputURL
	}
	if u.ErrorMessage != nil {
		errMsg = *u.ErrorMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.ValidTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	switch status {
	case models.JobStatusProcessing:
		j.Attempts++
		j.StartedAt = &now
		j.CompletedAt = nil
		j.ErrorMessage = nil
	case models.JobStatusCompleted:
		if output == "" {
			return fmt.Errorf("%w: completed job requires an output url", store.ErrInvalidTransition)
		}
		j.OutputURL = &output
		j.CompletedAt = &now
	case models.JobStatusFailed:
		msg := store.TruncateErrorMessage(errMsg)
		if msg == "" {
			return fmt.Errorf("%w: failed job requires an error message", store.ErrInvalidTransition)
		}
		j.ErrorMessage = &msg
		j.CompletedAt = &now
	}
	j.Status = status
	j.UpdatedAt = now
	return nil
}

// Jobs returns copies of every job, ordered by id.
func (m *MemStore) Jobs() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutJob stores job as is, bypassing the state machine. For seeding fixtures.
func (m *MemStore) PutJob(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == 0 {
		job.ID = m.id()
	} else if job.ID > m.nextID {
		m.nextID = job.ID
	}
	cp := *job
	m.jobs[job.ID] = &cp
}

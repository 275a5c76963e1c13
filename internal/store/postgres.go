package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// MaxErrorMessageLen bounds the error text persisted on a failed job, in bytes.
const MaxErrorMessageLen = 500

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username) VALUES ($1) RETURNING id, created_at`, user.Username,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Rate Limit Accounts ---

const accountColumns = `user_id, quota, used_count, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.RateLimitAccount, error) {
	var a models.RateLimitAccount
	if err := row.Scan(&a.UserID, &a.Quota, &a.UsedCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetRateLimitAccount(ctx context.Context, userID int64) (*models.RateLimitAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM rate_limit_accounts WHERE user_id = $1`, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get rate limit account: %w", err)
	}
	return a, err
}

// UpsertRateLimitAccount creates the account or changes its quota. The used count is kept.
func (s *PostgresStore) UpsertRateLimitAccount(ctx context.Context, userID int64, quota int) (*models.RateLimitAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`INSERT INTO rate_limit_accounts (user_id, quota) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET quota = EXCLUDED.quota, updated_at = NOW()
		 RETURNING `+accountColumns, userID, quota))
	if err != nil {
		return nil, fmt.Errorf("upsert rate limit account: %w", err)
	}
	return a, nil
}

// IncrementRateLimitUsage bumps used_count in a single row-level statement.
func (s *PostgresStore) IncrementRateLimitUsage(ctx context.Context, userID int64) (*models.RateLimitAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`UPDATE rate_limit_accounts SET used_count = used_count + 1, updated_at = NOW()
		 WHERE user_id = $1 RETURNING `+accountColumns, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("increment rate limit usage: %w", err)
	}
	return a, err
}

func (s *PostgresStore) ResetRateLimitUsage(ctx context.Context, userID int64) (*models.RateLimitAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`UPDATE rate_limit_accounts SET used_count = 0, updated_at = NOW()
		 WHERE user_id = $1 RETURNING `+accountColumns, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("reset rate limit usage: %w", err)
	}
	return a, err
}

// --- Scene Templates ---

func (s *PostgresStore) CreateSceneTemplate(ctx context.Context, tmpl *models.SceneTemplate) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO scene_templates (user_id, name, prompt, sample_image_url)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		tmpl.UserID, tmpl.Name, tmpl.Prompt, tmpl.SampleImageURL,
	).Scan(&tmpl.ID, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create scene template: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSceneTemplate(ctx context.Context, id int64, userID int64) (*models.SceneTemplate, error) {
	var t models.SceneTemplate
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, prompt, sample_image_url, created_at, updated_at
		 FROM scene_templates WHERE id = $1 AND user_id = $2`, id, userID,
	).Scan(&t.ID, &t.UserID, &t.Name, &t.Prompt, &t.SampleImageURL, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scene template: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListSceneTemplates(ctx context.Context, userID int64) ([]*models.SceneTemplate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, prompt, sample_image_url, created_at, updated_at
		 FROM scene_templates WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list scene templates: %w", err)
	}
	defer rows.Close()

	templates := []*models.SceneTemplate{}
	for rows.Next() {
		var t models.SceneTemplate
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Prompt, &t.SampleImageURL,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scene template: %w", err)
		}
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}

// --- App versions ---

// CreateAppVersion publishes a client release. A zero ReleaseDate means now.
func (s *PostgresStore) CreateAppVersion(ctx context.Context, v *models.AppVersion) error {
	if v.ReleaseDate.IsZero() {
		v.ReleaseDate = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO app_versions (version_number, minimum_required_version, force_update, is_active,
		 release_date, release_notes, update_url, update_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		v.VersionNumber, v.MinimumRequiredVersion, v.ForceUpdate, v.IsActive,
		v.ReleaseDate, v.ReleaseNotes, v.UpdateURL, v.UpdateMessage,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create app version: %w", err)
	}
	return nil
}

// CurrentAppVersion returns the most recently released active version.
func (s *PostgresStore) CurrentAppVersion(ctx context.Context) (*models.AppVersion, error) {
	var v models.AppVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, version_number, minimum_required_version, force_update, is_active, release_date,
		 release_notes, update_url, update_message, created_at, updated_at
		 FROM app_versions WHERE is_active ORDER BY release_date DESC, id DESC LIMIT 1`,
	).Scan(&v.ID, &v.VersionNumber, &v.MinimumRequiredVersion, &v.ForceUpdate, &v.IsActive, &v.ReleaseDate,
		&v.ReleaseNotes, &v.UpdateURL, &v.UpdateMessage, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("current app version: %w", err)
	}
	return &v, nil
}

// --- Jobs ---

const jobColumns = `id, user_id, device_id, kind, status, source_urls, prompt, source_job_id,
	scene_template_id, output_url, error_message, task_token, attempts, started_at, completed_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.DeviceID, &j.Kind, &j.Status, &j.SourceURLs, &j.Prompt,
		&j.SourceJobID, &j.SceneTemplateID, &j.OutputURL, &j.ErrorMessage, &j.TaskToken, &j.Attempts,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a pending job and fills in its ID and timestamps.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	job.Status = models.JobStatusPending
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (user_id, device_id, kind, status, source_urls, prompt, source_job_id, scene_template_id, task_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		job.UserID, job.DeviceID, job.Kind, job.Status, job.SourceURLs, job.Prompt,
		job.SourceJobID, job.SceneTemplateID, job.TaskToken,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, err
}

func (s *PostgresStore) GetJobForUser(ctx context.Context, id int64, userID int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, err
}

var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusFailed:     {models.JobStatusProcessing},
}

// ValidTransition reports whether a job may move from one status to another.
func ValidTransition(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// TruncateErrorMessage bounds msg to MaxErrorMessageLen bytes.
func TruncateErrorMessage(msg string) string {
	return truncateString(msg, MaxErrorMessageLen)
}

// UpdateJobStatus moves a job along its state machine. Entering processing
// counts an attempt and clears any previous error; completed requires
// WithOutputURL and failed requires WithErrorMessage.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) error {
	params := &JobUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !ValidTransition(currentStatus, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	switch status {
	case models.JobStatusProcessing:
		query += fmt.Sprintf(", started_at = $%d, completed_at = NULL, error_message = NULL, attempts = attempts + 1", argIdx)
		args = append(args, now)
		argIdx++
	case models.JobStatusCompleted:
		if params.OutputURL == nil || *params.OutputURL == "" {
			return fmt.Errorf("%w: completed job requires an output url", ErrInvalidTransition)
		}
		query += fmt.Sprintf(", completed_at = $%d, output_url = $%d", argIdx, argIdx+1)
		args = append(args, now, *params.OutputURL)
		argIdx += 2
	case models.JobStatusFailed:
		msg := ""
		if params.ErrorMessage != nil {
			msg = TruncateErrorMessage(*params.ErrorMessage)
		}
		if msg == "" {
			return fmt.Errorf("%w: failed job requires an error message", ErrInvalidTransition)
		}
		query += fmt.Sprintf(", completed_at = $%d, error_message = $%d", argIdx, argIdx+1)
		args = append(args, now, msg)
		argIdx += 2
	}

	// Guard on the status read above so a concurrent writer cannot be overwritten.
	query += fmt.Sprintf(" WHERE id = $1 AND status = $%d", argIdx)
	args = append(args, currentStatus)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %d changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// truncateString cuts s to at most maxLen bytes without splitting a rune.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Package models contains shared data models used across the tryonhub codebase.
package models

import "time"

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// JobKind tags which generation pipeline a job runs through.
type JobKind string

const (
	JobKindTryon JobKind = "tryon"
	JobKindPose  JobKind = "pose"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobKindTryon || k == JobKindPose
}

// Job is one image-generation request and its outcome. Rows are never deleted.
//
// OutputURL is set only when Status is completed and ErrorMessage only when
// Status is failed. TaskToken is immutable once set.
type Job struct {
	ID              int64      `db:"id"                json:"id"`
	UserID          int64      `db:"user_id"           json:"user_id"`
	DeviceID        *string    `db:"device_id"         json:"device_id,omitempty"`
	Kind            JobKind    `db:"kind"              json:"kind"`
	Status          string     `db:"status"            json:"status"`
	SourceURLs      []string   `db:"source_urls"       json:"source_urls"`
	Prompt          string     `db:"prompt"            json:"prompt,omitempty"`
	SourceJobID     *int64     `db:"source_job_id"     json:"source_job_id,omitempty"`
	SceneTemplateID *int64     `db:"scene_template_id" json:"scene_template_id,omitempty"`
	OutputURL       *string    `db:"output_url"        json:"output_url,omitempty"`
	ErrorMessage    *string    `db:"error_message"     json:"error_message,omitempty"`
	TaskToken       *string    `db:"task_token"        json:"task_token,omitempty"`
	Attempts        int        `db:"attempts"          json:"attempts"`
	StartedAt       *time.Time `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// Terminal reports whether the job is completed or failed.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

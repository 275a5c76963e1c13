package models

import "time"

// SceneTemplate is a named scene description used to build pose prompts.
type SceneTemplate struct {
	ID             int64     `db:"id"               json:"id"`
	UserID         int64     `db:"user_id"          json:"user_id"`
	Name           string    `db:"name"             json:"name"`
	Prompt         string    `db:"prompt"           json:"prompt"`
	SampleImageURL *string   `db:"sample_image_url" json:"sample_image_url,omitempty"`
	CreatedAt      time.Time `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"       json:"updated_at"`
}

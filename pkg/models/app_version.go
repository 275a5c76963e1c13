package models

import "time"

// AppVersion is a published client release and the oldest release still
// allowed to use the service.
type AppVersion struct {
	ID                     int64     `db:"id"                       json:"id"`
	VersionNumber          string    `db:"version_number"           json:"version_number"`
	MinimumRequiredVersion string    `db:"minimum_required_version" json:"minimum_required_version"`
	ForceUpdate            bool      `db:"force_update"             json:"force_update"`
	IsActive               bool      `db:"is_active"                json:"is_active"`
	ReleaseDate            time.Time `db:"release_date"             json:"release_date"`
	ReleaseNotes           string    `db:"release_notes"            json:"release_notes"`
	UpdateURL              string    `db:"update_url"               json:"update_url"`
	UpdateMessage          string    `db:"update_message"           json:"update_message"`
	CreatedAt              time.Time `db:"created_at"               json:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"               json:"updated_at"`
}

package models

import "time"

// RateLimitAccount is the administrative quota of a user. Quota 0 means unlimited.
// UsedCount only goes down through an explicit reset.
type RateLimitAccount struct {
	UserID    int64     `db:"user_id"    json:"user_id"`
	Quota     int       `db:"quota"      json:"quota"`
	UsedCount int       `db:"used_count" json:"used_count"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

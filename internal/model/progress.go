package model

import "time"

// ProgressEvent is pushed to live stream subscribers of a job.
type ProgressEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Stage     string    `json:"stage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// JobHistoryEntry is one applied transition, kept in the analytics store.
type JobHistoryEntry struct {
	JobID      string    `db:"job_id" json:"job_id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	FromStatus string    `db:"from_status" json:"from_status"`
	ToStatus   string    `db:"to_status" json:"to_status"`
	Stage      string    `db:"stage" json:"stage"`
	Percent    int64     `db:"percent" json:"percent"`
	Credits    int64     `db:"credits" json:"credits"`
	ErrorCode  string    `db:"error_code" json:"error_code,omitempty"`
	At         time.Time `db:"at" json:"at"`
}

package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MicrosPerCredit converts a credit amount into the micro-currency unit used for costs.
const MicrosPerCredit int64 = 1_000_000

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRendering JobStatus = "rendering"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRendering, JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further mutation is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// Job is the DB entity persisted in enhancement_jobs table.
type Job struct {
	ID              string     `db:"id" json:"id"`
	TenantID        string     `db:"tenant_id" json:"tenant_id"`
	UserID          string     `db:"user_id" json:"user_id"`
	PhotoID         string     `db:"photo_id" json:"photo_id"`
	EnhancementType string     `db:"enhancement_type" json:"enhancement_type"`
	Provider        string     `db:"provider" json:"provider"`
	Status          JobStatus  `db:"status" json:"status"`
	ProgressStage   string     `db:"progress_stage" json:"progress_stage"`
	ProgressPercent int        `db:"progress_percent" json:"progress_percent"`
	CreditsReserved int64      `db:"credits_reserved" json:"credits_reserved"`
	CostMicros      int64      `db:"cost_micros" json:"cost_micros"`
	OutputURLs      StringList `db:"output_urls" json:"output_urls,omitempty"`
	ErrorCode       string     `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage    string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// StringList is stored as a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal([]string(l))
}

func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("string list: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

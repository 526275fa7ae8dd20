package model

import "time"

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

func (s OutboxStatus) String() string { return string(s) }

// OutboxEvent is one durable intent to dispatch a job to its provider.
type OutboxEvent struct {
	ID             int64        `db:"id"`
	JobID          string       `db:"job_id"`
	Provider       string       `db:"provider"`
	Payload        []byte       `db:"payload"`
	Status         OutboxStatus `db:"status"`
	Attempts       int          `db:"attempts"`
	NextRetryAt    time.Time    `db:"next_retry_at"`
	LockedBy       string       `db:"locked_by"`
	LeaseExpiresAt *time.Time   `db:"lease_expires_at"`
	LastError      string       `db:"last_error"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	ProcessedAt    *time.Time   `db:"processed_at"`
}

// DispatchStats summarizes one pass of the dispatch loop.
type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
	Skipped   int
}

func (s *DispatchStats) Add(o DispatchStats) {
	s.Claimed += o.Claimed
	s.Delivered += o.Delivered
	s.Retried += o.Retried
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

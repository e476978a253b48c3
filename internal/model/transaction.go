package model

import "time"

// UpstreamStatus is the adjudication state of a submitted claim.
type UpstreamStatus string

const (
	StatusPending  UpstreamStatus = "pending"
	StatusAccepted UpstreamStatus = "accepted"
	StatusRejected UpstreamStatus = "rejected"
	StatusError    UpstreamStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s UpstreamStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// TransactionRecord is the durable record of a claim's submission attempts.
// Only the submission gateway writes it.
type TransactionRecord struct {
	CorrelationID   string         `json:"correlation_id"`
	FacilityID      string         `json:"facility_id"`
	ClaimSnapshot   []byte         `json:"claim_snapshot"`
	Digest          []byte         `json:"digest"`
	Status          UpstreamStatus `json:"upstream_status"`
	AttemptCount    int            `json:"attempt_count"`
	LastAttemptAt   *time.Time     `json:"last_attempt_at,omitempty"`
	ResponseCode    int            `json:"response_code,omitempty"`
	ResponsePayload []byte         `json:"response_payload,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

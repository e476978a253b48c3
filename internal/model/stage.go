package model

import "time"

// Stage is a claim's position in the pipeline state machine.
type Stage string

const (
	StageReceived   Stage = "Received"
	StageResolving  Stage = "Resolving"
	StagePricing    Stage = "Pricing"
	StageSigning    Stage = "Signing"
	StageSubmitting Stage = "Submitting"
	StageAccepted   Stage = "Accepted"
	StageRejected   Stage = "Rejected"
	StageFailed     Stage = "Failed"
)

// Terminal reports whether no further automatic processing happens.
func (s Stage) Terminal() bool {
	return s == StageAccepted || s == StageRejected || s == StageFailed
}

// Outcome values recorded on stage transitions.
const (
	OutcomeEntered   = "entered"
	OutcomeCompleted = "completed"
	OutcomeRetryable = "retryable"
	OutcomeFailed    = "failed"
)

// StageTransition is one recorded movement of a claim through the pipeline.
type StageTransition struct {
	CorrelationID string    `json:"correlation_id"`
	Stage         Stage     `json:"stage"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// ClaimState is the orchestration checkpoint for one claim. Intermediate
// results are persisted so a resumed claim never repeats a completed stage.
type ClaimState struct {
	CorrelationID string             `json:"correlation_id"`
	FacilityID    string             `json:"facility_id"`
	Status        Stage              `json:"status"`
	Claim         Claim              `json:"claim"`
	Resolutions   []ResolutionResult `json:"resolutions,omitempty"`
	Priced        *PricedClaim       `json:"priced,omitempty"`
	Signed        *SignedPayload     `json:"signed,omitempty"`
	Transaction   *TransactionRecord `json:"transaction,omitempty"`
	FailedStage   Stage              `json:"failed_stage,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Resumable     bool               `json:"resumable"`
	Transitions   []StageTransition  `json:"transitions,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ClaimStatus is the caller-facing view of a claim.
type ClaimStatus struct {
	CorrelationID string    `json:"correlation_id"`
	Stage         Stage     `json:"stage"`
	Reason        string    `json:"reason,omitempty"`
	Resumable     bool      `json:"resumable"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatusView returns the caller-facing view of the state.
func (s *ClaimState) StatusView() ClaimStatus {
	return ClaimStatus{
		CorrelationID: s.CorrelationID,
		Stage:         s.Status,
		Reason:        s.Reason,
		Resumable:     s.Resumable,
		UpdatedAt:     s.UpdatedAt,
	}
}

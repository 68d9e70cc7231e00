package domain

import "time"

type Outcome string

const (
	OutcomeSynced     Outcome = "synced"
	OutcomeConflicted Outcome = "conflicted"
	OutcomeRejected   Outcome = "rejected"
)

type UploadRequest struct {
	BatchID string    `json:"batch_id" validate:"required,uuid"`
	NodeID  string    `json:"node_id" validate:"required"`
	Records []*Record `json:"records" validate:"required,max=1000"`
}

type RecordOutcome struct {
	GlobalID    string  `json:"global_id"`
	Revision    int64   `json:"revision"`
	Outcome     Outcome `json:"outcome"`
	CanonicalID string  `json:"canonical_id,omitempty"`
	ConflictID  string  `json:"conflict_id,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

type UploadResponse struct {
	BatchID  string          `json:"batch_id"`
	Outcomes []RecordOutcome `json:"outcomes"`
	Complete bool            `json:"complete"`
}

// BatchResult is what a receiver remembers about an upload batch.
type BatchResult struct {
	BatchID    string          `json:"batch_id"`
	NodeID     string          `json:"node_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Complete   bool            `json:"complete"`
	Outcomes   []RecordOutcome `json:"outcomes"`
}

type DownloadResponse struct {
	Scope     string     `json:"scope"`
	Records   []*Record  `json:"records"`
	Resolved  []*Record  `json:"resolved"`
	Redirects []Redirect `json:"redirects"`
	ServedBy  string     `json:"served_by"`
	ServedAt  time.Time  `json:"served_at"`
}

type HealthResponse struct {
	Status  string    `json:"status"`
	Service string    `json:"service"`
	NodeID  string    `json:"node_id"`
	Time    time.Time `json:"time"`
}

type TokenRequest struct {
	NodeID string `json:"node_id" validate:"required,max=64"`
	Secret string `json:"secret" validate:"required"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

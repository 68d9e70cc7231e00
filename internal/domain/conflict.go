package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type ConflictKind string

const (
	// ConflictIdentity: both sides mutated the same global id.
	ConflictIdentity ConflictKind = "identity"
	// ConflictFingerprint: two global ids describe the same real-world event
	// and cannot be merged automatically.
	ConflictFingerprint ConflictKind = "fingerprint"
)

type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

type ResolutionChoice string

const (
	ResolvePickLeft      ResolutionChoice = "pick_left"
	ResolvePickRight     ResolutionChoice = "pick_right"
	ResolveMergedPayload ResolutionChoice = "merged_payload"
)

type IdentityConflict struct {
	GlobalID string  `json:"global_id"`
	Stored   *Record `json:"stored"`
	Incoming *Record `json:"incoming"`
}

type FingerprintConflict struct {
	Fingerprint string  `json:"fingerprint"`
	Existing    *Record `json:"existing"`
	Incoming    *Record `json:"incoming"`
	Reason      string  `json:"reason"`
}

type Resolution struct {
	Choice       ResolutionChoice `json:"choice"`
	WinnerID     string           `json:"winner_id"`
	LoserID      string           `json:"loser_id,omitempty"`
	Revision     int64            `json:"revision"`
	ResolvedBy   string           `json:"resolved_by"`
	ResolvedNode string           `json:"resolved_node"`
	ResolvedAt   time.Time        `json:"resolved_at"`
}

type AuditEntry struct {
	At       time.Time `json:"at"`
	Node     string    `json:"node"`
	Operator string    `json:"operator,omitempty"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail,omitempty"`
}

// Conflict is a tagged variant: exactly one of Identity or Fingerprint is set,
// selected by Kind.
type Conflict struct {
	ID          string               `json:"id"`
	Kind        ConflictKind         `json:"kind"`
	Status      ConflictStatus       `json:"status"`
	Scope       string               `json:"scope"`
	Identity    *IdentityConflict    `json:"identity,omitempty"`
	Fingerprint *FingerprintConflict `json:"fingerprint,omitempty"`
	DetectedBy  string               `json:"detected_by"`
	DetectedAt  time.Time            `json:"detected_at"`
	Resolution  *Resolution          `json:"resolution,omitempty"`
	Audit       []AuditEntry         `json:"audit"`
}

// Sides returns the stored (left) and incoming (right) versions.
func (c *Conflict) Sides() (left, right *Record, err error) {
	switch c.Kind {
	case ConflictIdentity:
		if c.Identity == nil {
			return nil, nil, fmt.Errorf("conflict %s: missing identity detail", c.ID)
		}
		return c.Identity.Stored, c.Identity.Incoming, nil
	case ConflictFingerprint:
		if c.Fingerprint == nil {
			return nil, nil, fmt.Errorf("conflict %s: missing fingerprint detail", c.ID)
		}
		return c.Fingerprint.Existing, c.Fingerprint.Incoming, nil
	default:
		return nil, nil, fmt.Errorf("conflict %s: unknown kind %q", c.ID, c.Kind)
	}
}

// IncomingID is the global id of the version that triggered the conflict.
func (c *Conflict) IncomingID() string {
	_, right, err := c.Sides()
	if err != nil || right == nil {
		return ""
	}
	return right.GlobalID
}

func (c *Conflict) SubjectID() string {
	left, _, err := c.Sides()
	if err != nil || left == nil {
		return ""
	}
	return left.GlobalID
}

type ConflictResolutionRequest struct {
	Choice     ResolutionChoice `json:"choice" validate:"required,oneof=pick_left pick_right merged_payload"`
	Payload    json.RawMessage  `json:"payload,omitempty" validate:"required_if=Choice merged_payload"`
	ResolvedBy string           `json:"resolved_by" validate:"required,max=100"`
}

package domain

import (
	"encoding/json"
	"time"
)

type RecordClass string

const (
	ClassEvent       RecordClass = "event"
	ClassParticipant RecordClass = "participant"
	ClassLocation    RecordClass = "location"
	ClassIncident    RecordClass = "incident"
	ClassObservation RecordClass = "observation"
)

// DataKind separates single-origin reference data from operational data that
// may be created independently on several nodes.
type DataKind string

const (
	KindReference   DataKind = "reference"
	KindOperational DataKind = "operational"
)

func (c RecordClass) Kind() DataKind {
	switch c {
	case ClassIncident, ClassObservation:
		return KindOperational
	default:
		return KindReference
	}
}

// Rank orders classes so that parents are applied before the children that
// reference them.
func (c RecordClass) Rank() int {
	switch c {
	case ClassEvent:
		return 0
	case ClassParticipant, ClassLocation:
		return 1
	case ClassIncident:
		return 2
	case ClassObservation:
		return 3
	default:
		return 4
	}
}

func (c RecordClass) Valid() bool {
	switch c {
	case ClassEvent, ClassParticipant, ClassLocation, ClassIncident, ClassObservation:
		return true
	}
	return false
}

type Record struct {
	GlobalID   string          `json:"global_id" validate:"required,uuid"`
	LocalID    int64           `json:"-"`
	Class      RecordClass     `json:"class" validate:"required,oneof=event participant location incident observation"`
	Scope      string          `json:"scope"`
	OriginNode string          `json:"origin_node" validate:"required,max=64"`
	Revision   int64           `json:"revision" validate:"min=1"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
	MergedInto string          `json:"merged_into,omitempty"`
	Propagate  bool            `json:"propagate,omitempty"`
}

func (r *Record) Kind() DataKind {
	return r.Class.Kind()
}

func (r *Record) IsAlias() bool {
	return r.MergedInto != ""
}

// Clone returns a deep copy so callers can mutate payload bytes freely.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}

type CreateRecordRequest struct {
	Class   RecordClass     `json:"class" validate:"required,oneof=event participant location incident observation"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type UpdateRecordRequest struct {
	Payload          json.RawMessage `json:"payload" validate:"required"`
	ExpectedRevision *int64          `json:"expected_revision"`
}

// Redirect re-points every reference to From at To after From lost a merge.
type Redirect struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// RevisionEntry is one applied revision of a record, kept for stale delivery
// detection.
type RevisionEntry struct {
	GlobalID    string    `json:"global_id"`
	Revision    int64     `json:"revision"`
	PayloadHash string    `json:"payload_hash"`
	NodeID      string    `json:"node_id"`
	CreatedAt   time.Time `json:"created_at"`
}

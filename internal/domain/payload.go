package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Payload is the typed body of a record. Every class has its own schema.
type Payload interface {
	// ScopeID returns the event the record belongs to. self is the record's
	// own global id, which is the scope of an event.
	ScopeID(self string) string
	// References lists the global ids this payload points at.
	References() []string
	// Repoint replaces references to from with to and reports whether
	// anything changed.
	Repoint(from, to string) bool
	normalize()
}

// FingerprintFields is the content an operational record contributes to its
// similarity key.
type FingerprintFields struct {
	Parent    string
	Key       string
	Latitude  float64
	Longitude float64
	At        time.Time
}

// OperationalPayload is implemented by the classes that can be created on
// several nodes at once.
type OperationalPayload interface {
	Payload
	Fingerprint() FingerprintFields
	// Decision is the outcome a human recorded in the payload, if any.
	Decision() string
}

type EventPayload struct {
	Name     string     `json:"name" validate:"required,max=200"`
	StartsAt time.Time  `json:"starts_at" validate:"required"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

func (p *EventPayload) ScopeID(self string) string { return self }
func (p *EventPayload) References() []string     { return nil }
func (p *EventPayload) Repoint(_, _ string) bool { return false }

func (p *EventPayload) normalize() {
	p.StartsAt = p.StartsAt.UTC()
	if p.EndsAt != nil {
		t := p.EndsAt.UTC()
		p.EndsAt = &t
	}
}

type ParticipantPayload struct {
	EventID string `json:"event_id" validate:"required,uuid"`
	Badge   string `json:"badge" validate:"required,max=32"`
	Name    string `json:"name" validate:"required,max=200"`
	Role    string `json:"role,omitempty" validate:"max=64"`
}

func (p *ParticipantPayload) ScopeID(string) string { return p.EventID }
func (p *ParticipantPayload) References() []string  { return []string{p.EventID} }

func (p *ParticipantPayload) Repoint(from, to string) bool {
	return repoint(&p.EventID, from, to)
}

func (p *ParticipantPayload) normalize() {}

type LocationPayload struct {
	EventID   string  `json:"event_id" validate:"required,uuid"`
	Name      string  `json:"name" validate:"required,max=200"`
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
}

func (p *LocationPayload) ScopeID(string) string { return p.EventID }
func (p *LocationPayload) References() []string  { return []string{p.EventID} }

func (p *LocationPayload) Repoint(from, to string) bool {
	return repoint(&p.EventID, from, to)
}

func (p *LocationPayload) normalize() {}

type IncidentPayload struct {
	EventID       string    `json:"event_id" validate:"required,uuid"`
	ParticipantID string    `json:"participant_id,omitempty" validate:"omitempty,uuid"`
	LocationID    string    `json:"location_id,omitempty" validate:"omitempty,uuid"`
	Badge         string    `json:"badge" validate:"required,max=32"`
	Latitude      float64   `json:"latitude" validate:"min=-90,max=90"`
	Longitude     float64   `json:"longitude" validate:"min=-180,max=180"`
	OccurredAt    time.Time `json:"occurred_at" validate:"required"`
	Category      string    `json:"category" validate:"required,max=64"`
	Outcome       string    `json:"outcome,omitempty" validate:"max=64"`
	Notes         string    `json:"notes,omitempty" validate:"max=4000"`
}

func (p *IncidentPayload) ScopeID(string) string { return p.EventID }

func (p *IncidentPayload) References() []string {
	return compact(p.EventID, p.ParticipantID, p.LocationID)
}

func (p *IncidentPayload) Repoint(from, to string) bool {
	a := repoint(&p.EventID, from, to)
	b := repoint(&p.ParticipantID, from, to)
	c := repoint(&p.LocationID, from, to)
	return a || b || c
}

func (p *IncidentPayload) normalize() { p.OccurredAt = p.OccurredAt.UTC() }

func (p *IncidentPayload) Fingerprint() FingerprintFields {
	return FingerprintFields{
		Parent:    p.EventID,
		Key:       p.Badge,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		At:        p.OccurredAt,
	}
}

func (p *IncidentPayload) Decision() string {
	return strings.ToLower(strings.TrimSpace(p.Outcome))
}

type ObservationPayload struct {
	EventID    string    `json:"event_id" validate:"required,uuid"`
	IncidentID string    `json:"incident_id,omitempty" validate:"omitempty,uuid"`
	Badge      string    `json:"badge" validate:"required,max=32"`
	Latitude   float64   `json:"latitude" validate:"min=-90,max=90"`
	Longitude  float64   `json:"longitude" validate:"min=-180,max=180"`
	ObservedAt time.Time `json:"observed_at" validate:"required"`
	Text       string    `json:"text" validate:"required,max=4000"`
}

func (p *ObservationPayload) ScopeID(string) string { return p.EventID }

func (p *ObservationPayload) References() []string {
	return compact(p.EventID, p.IncidentID)
}

func (p *ObservationPayload) Repoint(from, to string) bool {
	a := repoint(&p.EventID, from, to)
	b := repoint(&p.IncidentID, from, to)
	return a || b
}

func (p *ObservationPayload) normalize() { p.ObservedAt = p.ObservedAt.UTC() }

func (p *ObservationPayload) Fingerprint() FingerprintFields {
	return FingerprintFields{
		Parent:    p.EventID,
		Key:       p.Badge,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		At:        p.ObservedAt,
	}
}

func (p *ObservationPayload) Decision() string { return "" }

// NewPayload returns an empty payload value for class.
func NewPayload(class RecordClass) (Payload, error) {
	switch class {
	case ClassEvent:
		return &EventPayload{}, nil
	case ClassParticipant:
		return &ParticipantPayload{}, nil
	case ClassLocation:
		return &LocationPayload{}, nil
	case ClassIncident:
		return &IncidentPayload{}, nil
	case ClassObservation:
		return &ObservationPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown record class %q", class)
	}
}

// DecodePayload strictly decodes raw into the schema of class. Unknown fields
// are a schema violation.
func DecodePayload(class RecordClass, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(class)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", class, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid %s payload: trailing data", class)
	}

	p.normalize()
	return p, nil
}

// EncodePayload produces the canonical bytes of p. Two nodes holding the same
// payload always produce identical bytes.
func EncodePayload(p Payload) (json.RawMessage, error) {
	p.normalize()
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

func repoint(field *string, from, to string) bool {
	if *field != "" && *field == from {
		*field = to
		return true
	}
	return false
}

func compact(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

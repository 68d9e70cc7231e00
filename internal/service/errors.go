package service

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrRecordMerged      = errors.New("record was merged into another record")
	ErrRevisionMismatch  = errors.New("revision mismatch")
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrConflictResolved  = errors.New("conflict already resolved")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrNodeMismatch      = errors.New("batch node does not match the authenticated node")
)

// ValidationError reports a record that fails its class schema.
type ValidationError struct {
	GlobalID string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.GlobalID == "" {
		return fmt.Sprintf("invalid record: %s", e.Reason)
	}
	return fmt.Sprintf("invalid record %s: %s", e.GlobalID, e.Reason)
}

// MergedError carries the canonical id of a record that lost a merge.
type MergedError struct {
	GlobalID  string
	Canonical string
}

func (e *MergedError) Error() string {
	return fmt.Sprintf("record %s was merged into %s", e.GlobalID, e.Canonical)
}

func (e *MergedError) Unwrap() error { return ErrRecordMerged }

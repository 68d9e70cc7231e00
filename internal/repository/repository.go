package repository

import (
	"context"
	"errors"
	"time"

	"fieldsync/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	// ErrStale is returned by compare-and-swap writes when the stored row no
	// longer matches what the caller read.
	ErrStale = errors.New("stale write")
)

type RecordRepository interface {
	Get(ctx context.Context, globalID string) (*domain.Record, error)
	// Insert stores a new record and sets its LocalID.
	Insert(ctx context.Context, rec *domain.Record) error
	// Update replaces every mutable column of an existing record. The global
	// id is the key and never changes.
	Update(ctx context.Context, rec *domain.Record) error
	ListScope(ctx context.Context, scope string, kind domain.DataKind) ([]*domain.Record, error)
	// ListPropagated returns operational records of scope flagged for
	// redistribution after a merge or a resolution.
	ListPropagated(ctx context.Context, scope string) ([]*domain.Record, error)
	ListReferencing(ctx context.Context, globalID string) ([]*domain.Record, error)
}

type RevisionRepository interface {
	Save(ctx context.Context, entry *domain.RevisionEntry) error
	Has(ctx context.Context, globalID string, revision int64, payloadHash string) (bool, error)
}

type FingerprintRepository interface {
	Put(ctx context.Context, key, globalID string) error
	// Lookup returns the global ids indexed under any of keys.
	Lookup(ctx context.Context, keys []string) ([]string, error)
	Remove(ctx context.Context, globalID string) error
}

type QueueRepository interface {
	Get(ctx context.Context, globalID, peer string) (*domain.QueueEntry, error)
	Create(ctx context.Context, entry *domain.QueueEntry) error
	// CompareAndSwap writes entry only if the stored state and revision still
	// match what the caller read.
	CompareAndSwap(ctx context.Context, entry *domain.QueueEntry, expectedState domain.QueueState, expectedRevision int64) error
	// ListDue returns pending entries for peer whose next attempt is due.
	ListDue(ctx context.Context, peer string, now time.Time, limit int) ([]*domain.QueueEntry, error)
	ListByState(ctx context.Context, state domain.QueueState) ([]*domain.QueueEntry, error)
	ListByRecord(ctx context.Context, globalID string) ([]*domain.QueueEntry, error)
	Counts(ctx context.Context) (domain.QueueCounts, error)
}

type ConflictRepository interface {
	Create(ctx context.Context, c *domain.Conflict) error
	Get(ctx context.Context, id string) (*domain.Conflict, error)
	Update(ctx context.Context, c *domain.Conflict) error
	// ListOpen returns open conflicts of scope, or of every scope when scope
	// is empty.
	ListOpen(ctx context.Context, scope string) ([]*domain.Conflict, error)
	FindOpenByIncoming(ctx context.Context, globalID string) ([]*domain.Conflict, error)
}

type RedirectRepository interface {
	// Put records that from now resolves to to. Existing redirects into from
	// are compressed onto to, and any redirect out of to is dropped, so every
	// target is canonical and chains never form.
	Put(ctx context.Context, r *domain.Redirect) error
	// Resolve returns the canonical id for globalID, or globalID itself.
	Resolve(ctx context.Context, globalID string) (string, error)
	ListScope(ctx context.Context, scope string) ([]domain.Redirect, error)
}

type BatchRepository interface {
	// Begin registers a batch. When it already exists the stored result is
	// returned with ErrExists.
	Begin(ctx context.Context, batchID, nodeID string) (*domain.BatchResult, error)
	AppendOutcome(ctx context.Context, batchID string, outcome domain.RecordOutcome) error
	Complete(ctx context.Context, batchID string) error
	Get(ctx context.Context, batchID string) (*domain.BatchResult, error)
}

// Store bundles the repositories of one backend.
type Store interface {
	Records() RecordRepository
	Revisions() RevisionRepository
	Fingerprints() FingerprintRepository
	Queue() QueueRepository
	Conflicts() ConflictRepository
	Redirects() RedirectRepository
	Batches() BatchRepository
	Close() error
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/internal/repository"
)

const maxSwapAttempts = 16

// Backoff computes the delay before the next delivery attempt.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if delay >= float64(b.Max) {
			return b.Max
		}
	}

	result := time.Duration(delay)
	if result > b.Max {
		result = b.Max
	}
	return result
}

// QueueService drives the per-peer delivery state machine:
//
//	pending -> in_transit -> synced | conflicted | failed
//	in_transit -> pending (transport failure, with backoff)
//
// A local mutation re-opens synced, failed and conflicted entries. While an
// entry is in transit a mutation only raises its revision, and the
// acknowledgement of the older revision sends it back to pending.
type QueueService struct {
	repo    repository.QueueRepository
	backoff Backoff
	logger  *slog.Logger
	now     func() time.Time
}

func NewQueueService(repo repository.QueueRepository, backoff Backoff, logger *slog.Logger) *QueueService {
	return &QueueService{
		repo:    repo,
		backoff: backoff,
		logger:  logging.Component(logger, "queue"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// update applies fn to the current entry and stores the result with a
// compare-and-swap, re-reading on contention. fn returns false to leave the
// entry untouched.
func (s *QueueService) update(ctx context.Context, globalID, peer string, fn func(e *domain.QueueEntry) bool) (*domain.QueueEntry, bool, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		current, err := s.repo.Get(ctx, globalID, peer)
		if err != nil {
			return nil, false, err
		}

		next := *current
		if !fn(&next) {
			return current, false, nil
		}
		next.UpdatedAt = s.now()

		err = s.repo.CompareAndSwap(ctx, &next, current.State, current.Revision)
		if errors.Is(err, repository.ErrStale) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return &next, true, nil
	}
	return nil, false, fmt.Errorf("queue entry %s for %s: %w", globalID, peer, repository.ErrStale)
}

// Enqueue schedules revision of a record for delivery to every peer.
func (s *QueueService) Enqueue(ctx context.Context, globalID string, revision int64, peers []string) error {
	for _, peer := range peers {
		if err := s.enqueue(ctx, globalID, revision, peer); err != nil {
			return fmt.Errorf("failed to enqueue %s for %s: %w", globalID, peer, err)
		}
	}
	return nil
}

func (s *QueueService) enqueue(ctx context.Context, globalID string, revision int64, peer string) error {
	now := s.now()
	err := s.repo.Create(ctx, &domain.QueueEntry{
		GlobalID:      globalID,
		Peer:          peer,
		State:         domain.QueuePending,
		Revision:      revision,
		NextAttemptAt: now,
		UpdatedAt:     now,
	})
	if !errors.Is(err, repository.ErrExists) {
		return err
	}

	_, _, err = s.update(ctx, globalID, peer, func(e *domain.QueueEntry) bool {
		if revision <= e.Revision {
			return false
		}
		e.Revision = revision
		switch e.State {
		case domain.QueuePending, domain.QueueInTransit:
		default:
			e.State = domain.QueuePending
			e.Attempts = 0
			e.NextAttemptAt = now
			e.LastError = ""
			e.ConflictID = ""
		}
		return true
	})
	return err
}

// Claim moves up to limit due entries for peer to in_transit. Entries another
// caller claimed first are skipped.
func (s *QueueService) Claim(ctx context.Context, peer string, limit int) ([]*domain.QueueEntry, error) {
	now := s.now()
	due, err := s.repo.ListDue(ctx, peer, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due entries: %w", err)
	}

	claimed := make([]*domain.QueueEntry, 0, len(due))
	for _, d := range due {
		e, ok, err := s.update(ctx, d.GlobalID, peer, func(e *domain.QueueEntry) bool {
			if e.State != domain.QueuePending || e.NextAttemptAt.After(now) {
				return false
			}
			e.State = domain.QueueInTransit
			return true
		})
		if err != nil {
			return claimed, fmt.Errorf("failed to claim %s: %w", d.GlobalID, err)
		}
		if ok {
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

// MarkSynced acknowledges delivery of sentRevision.
func (s *QueueService) MarkSynced(ctx context.Context, globalID, peer string, sentRevision int64) error {
	_, _, err := s.update(ctx, globalID, peer, func(e *domain.QueueEntry) bool {
		if e.State != domain.QueueInTransit {
			return false
		}
		if e.Revision > sentRevision {
			s.reopen(e)
			return true
		}
		e.State = domain.QueueSynced
		e.LastError = ""
		return true
	})
	return err
}

// MarkConflicted retires the entry until the conflict is resolved.
func (s *QueueService) MarkConflicted(ctx context.Context, globalID, peer, conflictID string) error {
	_, _, err := s.update(ctx, globalID, peer, func(e *domain.QueueEntry) bool {
		if e.State != domain.QueueInTransit {
			return false
		}
		e.State = domain.QueueConflicted
		e.ConflictID = conflictID
		return true
	})
	return err
}

// MarkFailed records a receiver rejection. A newer local revision gets
// another chance.
func (s *QueueService) MarkFailed(ctx context.Context, globalID, peer string, sentRevision int64, reason string) error {
	_, _, err := s.update(ctx, globalID, peer, func(e *domain.QueueEntry) bool {
		if e.State != domain.QueueInTransit {
			return false
		}
		if e.Revision > sentRevision {
			s.reopen(e)
			return true
		}
		e.State = domain.QueueFailed
		e.LastError = reason
		return true
	})
	if err == nil {
		s.logger.Warn("record rejected by peer",
			slog.String("global_id", globalID), slog.String("peer", peer), slog.String("reason", reason))
	}
	return err
}

// Release returns an in-transit entry to pending after a transport failure.
// There is no retry cap; the backoff grows up to its maximum.
func (s *QueueService) Release(ctx context.Context, globalID, peer, reason string) error {
	_, _, err := s.update(ctx, globalID, peer, func(e *domain.QueueEntry) bool {
		if e.State != domain.QueueInTransit {
			return false
		}
		e.State = domain.QueuePending
		e.Attempts++
		e.NextAttemptAt = s.now().Add(s.backoff.Delay(e.Attempts))
		e.LastError = reason
		return true
	})
	return err
}

// SettleConflicted marks every conflicted entry of globalID synced. Used
// once a resolution supersedes the conflicting version.
func (s *QueueService) SettleConflicted(ctx context.Context, globalID string) error {
	entries, err := s.repo.ListByRecord(ctx, globalID)
	if err != nil {
		return fmt.Errorf("failed to list queue entries: %w", err)
	}
	for _, entry := range entries {
		if entry.State != domain.QueueConflicted {
			continue
		}
		_, _, err := s.update(ctx, globalID, entry.Peer, func(e *domain.QueueEntry) bool {
			if e.State != domain.QueueConflicted {
				return false
			}
			e.State = domain.QueueSynced
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to settle %s for %s: %w", globalID, entry.Peer, err)
		}
	}
	return nil
}

// HasUnsent reports whether any peer still waits for a local change of
// globalID.
func (s *QueueService) HasUnsent(ctx context.Context, globalID string) (bool, error) {
	entries, err := s.repo.ListByRecord(ctx, globalID)
	if err != nil {
		return false, fmt.Errorf("failed to list queue entries: %w", err)
	}
	for _, e := range entries {
		if e.State == domain.QueuePending || e.State == domain.QueueInTransit {
			return true, nil
		}
	}
	return false, nil
}

// RecoverInTransit reverts entries left in transit by a crash.
func (s *QueueService) RecoverInTransit(ctx context.Context) (int, error) {
	stuck, err := s.repo.ListByState(ctx, domain.QueueInTransit)
	if err != nil {
		return 0, fmt.Errorf("failed to list in-transit entries: %w", err)
	}

	recovered := 0
	for _, entry := range stuck {
		_, ok, err := s.update(ctx, entry.GlobalID, entry.Peer, func(e *domain.QueueEntry) bool {
			if e.State != domain.QueueInTransit {
				return false
			}
			s.reopen(e)
			return true
		})
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Info("recovered in-transit entries", slog.Int("count", recovered))
	}
	return recovered, nil
}

func (s *QueueService) Counts(ctx context.Context) (domain.QueueCounts, error) {
	return s.repo.Counts(ctx)
}

func (s *QueueService) Entries(ctx context.Context, globalID string) ([]*domain.QueueEntry, error) {
	return s.repo.ListByRecord(ctx, globalID)
}

func (s *QueueService) reopen(e *domain.QueueEntry) {
	e.State = domain.QueuePending
	e.Attempts = 0
	e.NextAttemptAt = s.now()
	e.LastError = ""
	e.ConflictID = ""
}

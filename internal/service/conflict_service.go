package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/fingerprint"
	"fieldsync/internal/logging"
	"fieldsync/internal/repository"
)

type ConflictService struct {
	nodeID   string
	store    repository.Store
	queue    *QueueService
	peers    []string
	engine   *fingerprint.Engine
	schema   *SchemaValidator
	locker   *KeyedLocker
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type ConflictServiceOptions struct {
	NodeID   string
	Peers    []string
	Engine   *fingerprint.Engine
	Schema   *SchemaValidator
	Locker   *KeyedLocker
	Notifier Notifier
	Logger   *slog.Logger
}

func NewConflictService(store repository.Store, queue *QueueService, opts ConflictServiceOptions) *ConflictService {
	s := &ConflictService{
		nodeID:   opts.NodeID,
		store:    store,
		queue:    queue,
		peers:    opts.Peers,
		engine:   opts.Engine,
		schema:   opts.Schema,
		locker:   opts.Locker,
		notifier: opts.Notifier,
		logger:   logging.Component(opts.Logger, "conflicts"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.engine == nil {
		s.engine = fingerprint.New(fingerprint.DefaultConfig())
	}
	if s.schema == nil {
		s.schema = NewSchemaValidator()
	}
	if s.locker == nil {
		s.locker = NewKeyedLocker()
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	return s
}

func (s *ConflictService) ListOpen(ctx context.Context, scope string) ([]*domain.Conflict, error) {
	conflicts, err := s.store.Conflicts().ListOpen(ctx, scope)
	if err != nil {
		return nil, err
	}
	if conflicts == nil {
		conflicts = []*domain.Conflict{}
	}
	return conflicts, nil
}

func (s *ConflictService) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	c, err := s.store.Conflicts().Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	return c, err
}

// Resolve applies an operator's decision. Left is the stored or existing
// version, right the incoming one. The winner is written with a revision
// above every side so it supersedes all copies, flagged for propagation and
// re-queued to every peer. For fingerprint conflicts the loser becomes an
// alias of the winner.
func (s *ConflictService) Resolve(ctx context.Context, id string, req *domain.ConflictResolutionRequest) (*domain.Conflict, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	left, right, err := c.Sides()
	if err != nil {
		return nil, err
	}

	unlock := s.locker.Lock("conflict:"+id, left.GlobalID, right.GlobalID)
	defer unlock()

	// Re-read under the lock; a concurrent resolution may have won.
	if c, err = s.Get(ctx, id); err != nil {
		return nil, err
	}
	if c.Status != domain.ConflictOpen {
		return nil, ErrConflictResolved
	}

	winnerSide, loserSide, payload, err := s.choose(c, left, right, req)
	if err != nil {
		return nil, err
	}

	revision, err := s.nextRevision(ctx, left, right)
	if err != nil {
		return nil, err
	}

	winner, err := s.writeWinner(ctx, winnerSide, payload, revision)
	if err != nil {
		return nil, err
	}

	if loserSide != nil {
		if err := s.retireLoser(ctx, loserSide, winner); err != nil {
			return nil, err
		}
	}

	if err := s.queue.Enqueue(ctx, winner.GlobalID, winner.Revision, s.peers); err != nil {
		return nil, err
	}
	if err := s.queue.SettleConflicted(ctx, winner.GlobalID); err != nil {
		return nil, err
	}

	now := s.now()
	res := &domain.Resolution{
		Choice:       req.Choice,
		WinnerID:     winner.GlobalID,
		Revision:     winner.Revision,
		ResolvedBy:   req.ResolvedBy,
		ResolvedNode: s.nodeID,
		ResolvedAt:   now,
	}
	if loserSide != nil {
		res.LoserID = loserSide.GlobalID
	}
	c.Status = domain.ConflictResolved
	c.Resolution = res
	c.Audit = append(c.Audit, domain.AuditEntry{
		At:       now,
		Node:     s.nodeID,
		Operator: req.ResolvedBy,
		Action:   "resolved",
		Detail:   fmt.Sprintf("%s kept %s at revision %d", req.Choice, winner.GlobalID, winner.Revision),
	})
	if err := s.store.Conflicts().Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store resolution: %w", err)
	}

	s.logger.Info("conflict resolved",
		slog.String("conflict_id", c.ID),
		slog.String("choice", string(req.Choice)),
		slog.String("winner", winner.GlobalID),
		slog.String("operator", req.ResolvedBy))
	s.notifier.NotifyScope(c.Scope, "resolution")

	return c, nil
}

// choose maps the operator's choice onto the winning side, the losing side
// (nil for identity conflicts) and the winning payload.
func (s *ConflictService) choose(c *domain.Conflict, left, right *domain.Record, req *domain.ConflictResolutionRequest) (winner, loser *domain.Record, payload []byte, err error) {
	switch req.Choice {
	case domain.ResolvePickLeft:
		winner, loser, payload = left, right, left.Payload
	case domain.ResolvePickRight:
		winner, loser, payload = right, left, right.Payload
	case domain.ResolveMergedPayload:
		if len(req.Payload) == 0 {
			return nil, nil, nil, fmt.Errorf("%w: merged_payload needs a payload", ErrInvalidResolution)
		}
		winner, loser = left, right
		p, err := s.schema.CheckPayload(left.GlobalID, left.Class, req.Payload)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidResolution, err)
		}
		if payload, err = domain.EncodePayload(p); err != nil {
			return nil, nil, nil, err
		}
	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown choice %q", ErrInvalidResolution, req.Choice)
	}

	if c.Kind == domain.ConflictIdentity {
		loser = nil
	}
	return winner, loser, payload, nil
}

// nextRevision is one above every known version of both sides.
func (s *ConflictService) nextRevision(ctx context.Context, sides ...*domain.Record) (int64, error) {
	var highest int64
	for _, side := range sides {
		if side.Revision > highest {
			highest = side.Revision
		}
		stored, err := s.store.Records().Get(ctx, side.GlobalID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if stored.Revision > highest {
			highest = stored.Revision
		}
	}
	return highest + 1, nil
}

func (s *ConflictService) writeWinner(ctx context.Context, side *domain.Record, payload []byte, revision int64) (*domain.Record, error) {
	records := s.store.Records()

	winner := side.Clone()
	stored, err := records.Get(ctx, side.GlobalID)
	exists := err == nil
	switch {
	case exists:
		winner = stored
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	p, err := s.schema.CheckPayload(winner.GlobalID, winner.Class, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResolution, err)
	}
	if _, err := normalizeRefs(ctx, s.store.Redirects(), p); err != nil {
		return nil, err
	}
	if winner.Payload, err = domain.EncodePayload(p); err != nil {
		return nil, err
	}

	winner.Revision = revision
	winner.UpdatedAt = s.now()
	winner.MergedInto = ""
	winner.Propagate = true
	winner.Scope = p.ScopeID(winner.GlobalID)

	if exists {
		err = records.Update(ctx, winner)
	} else {
		winner.LocalID = 0
		err = records.Insert(ctx, winner)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write winner %s: %w", winner.GlobalID, err)
	}

	if err := s.store.Revisions().Save(ctx, &domain.RevisionEntry{
		GlobalID:    winner.GlobalID,
		Revision:    winner.Revision,
		PayloadHash: payloadHash(winner.Payload),
		NodeID:      s.nodeID,
		CreatedAt:   winner.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	if op, ok := p.(domain.OperationalPayload); ok {
		fp := s.engine.Compute(winner.Class, op.Fingerprint())
		if err := s.store.Fingerprints().Remove(ctx, winner.GlobalID); err != nil {
			return nil, err
		}
		if err := s.store.Fingerprints().Put(ctx, fp.Key, winner.GlobalID); err != nil {
			return nil, err
		}
	}
	return winner, nil
}

// retireLoser aliases the losing record to winner, redirects its references
// and settles its conflicted deliveries.
func (s *ConflictService) retireLoser(ctx context.Context, side, winner *domain.Record) error {
	records := s.store.Records()

	loser, err := records.Get(ctx, side.GlobalID)
	switch {
	case err == nil:
		loser.MergedInto = winner.GlobalID
		loser.Propagate = false
		err = records.Update(ctx, loser)
	case errors.Is(err, repository.ErrNotFound):
		// Never stored here, e.g. rejected as contradictory. Keep it as an
		// alias so later re-sends resolve to the winner.
		loser = side.Clone()
		loser.LocalID = 0
		loser.MergedInto = winner.GlobalID
		loser.Propagate = false
		err = records.Insert(ctx, loser)
		if err == nil {
			err = s.store.Revisions().Save(ctx, &domain.RevisionEntry{
				GlobalID:    loser.GlobalID,
				Revision:    loser.Revision,
				PayloadHash: payloadHash(loser.Payload),
				NodeID:      loser.OriginNode,
				CreatedAt:   s.now(),
			})
		}
	}
	if err != nil {
		return fmt.Errorf("failed to alias loser %s: %w", side.GlobalID, err)
	}

	if err := s.store.Fingerprints().Remove(ctx, loser.GlobalID); err != nil {
		return err
	}
	if err := redirect(ctx, s.store, &domain.Redirect{
		From:      loser.GlobalID,
		To:        winner.GlobalID,
		Scope:     winner.Scope,
		CreatedAt: s.now(),
	}); err != nil {
		return err
	}
	return s.queue.SettleConflicted(ctx, loser.GlobalID)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/fingerprint"
	"fieldsync/internal/identity"
	"fieldsync/internal/logging"
	"fieldsync/internal/node"
	"fieldsync/internal/repository"
)

// RecordService handles records created and edited on this node. Every
// change is stored before it is queued, so it survives a restart while the
// node is offline.
type RecordService struct {
	node     *node.Context
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

type RecordServiceOptions struct {
	Peers    []string
	Engine   *fingerprint.Engine
	Schema   *SchemaValidator
	Locker   *KeyedLocker
	Notifier Notifier
	Logger   *slog.Logger
}

func NewRecordService(nc *node.Context, store repository.Store, queue *QueueService, opts RecordServiceOptions) *RecordService {
	s := &RecordService{
		node:     nc,
		store:    store,
		queue:    queue,
		peers:    opts.Peers,
		engine:   opts.Engine,
		schema:   opts.Schema,
		locker:   opts.Locker,
		notifier: opts.Notifier,
		logger:   logging.Component(opts.Logger, "records"),
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

func (s *RecordService) Create(ctx context.Context, req *domain.CreateRecordRequest) (*domain.Record, error) {
	now := s.now()
	rec := &domain.Record{
		GlobalID:   identity.Assign(),
		Class:      req.Class,
		OriginNode: s.node.ID(),
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Payload:    req.Payload,
		// Records born on the hub are distributed to every edge.
		Propagate: s.node.Role() == node.RoleHub,
	}

	p, err := s.prepare(ctx, rec)
	if err != nil {
		return nil, err
	}

	unlock := s.locker.Lock(rec.GlobalID)
	defer unlock()

	if err := s.store.Records().Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	if err := s.track(ctx, rec, p); err != nil {
		return nil, err
	}

	s.logger.Debug("record created",
		slog.String("global_id", rec.GlobalID), slog.String("class", string(rec.Class)))
	return rec, nil
}

func (s *RecordService) Get(ctx context.Context, globalID string) (*domain.Record, error) {
	rec, err := s.store.Records().Get(ctx, globalID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// Update stores a new revision of a local record. Merged aliases are
// read-only; edits belong on the canonical record.
func (s *RecordService) Update(ctx context.Context, globalID string, req *domain.UpdateRecordRequest) (*domain.Record, error) {
	unlock := s.locker.Lock(globalID)
	defer unlock()

	rec, err := s.Get(ctx, globalID)
	if err != nil {
		return nil, err
	}
	if rec.IsAlias() {
		return nil, &MergedError{GlobalID: globalID, Canonical: rec.MergedInto}
	}
	if req.ExpectedRevision != nil && *req.ExpectedRevision != rec.Revision {
		return nil, fmt.Errorf("%w: expected %d, stored %d", ErrRevisionMismatch, *req.ExpectedRevision, rec.Revision)
	}

	previousScope := rec.Scope
	rec.Payload = req.Payload
	rec.Scope = ""
	p, err := s.prepare(ctx, rec)
	if err != nil {
		return nil, err
	}
	if rec.Scope != previousScope {
		return nil, &ValidationError{GlobalID: globalID, Reason: "a record cannot move to another event"}
	}

	rec.Revision++
	rec.UpdatedAt = s.now()
	if s.node.Role() == node.RoleHub {
		rec.Propagate = true
	}
	if err := s.store.Records().Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if err := s.track(ctx, rec, p); err != nil {
		return nil, err
	}

	s.logger.Debug("record updated",
		slog.String("global_id", rec.GlobalID), slog.Int64("revision", rec.Revision))
	return rec, nil
}

// prepare validates rec and re-points references to merged records.
func (s *RecordService) prepare(ctx context.Context, rec *domain.Record) (domain.Payload, error) {
	p, err := s.schema.Check(rec)
	if err != nil {
		return nil, err
	}
	changed, err := normalizeRefs(ctx, s.store.Redirects(), p)
	if err != nil {
		return nil, err
	}
	if changed {
		if rec.Payload, err = domain.EncodePayload(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// track records the revision, indexes the fingerprint and queues the change
// for every peer.
func (s *RecordService) track(ctx context.Context, rec *domain.Record, p domain.Payload) error {
	if err := s.store.Revisions().Save(ctx, &domain.RevisionEntry{
		GlobalID:    rec.GlobalID,
		Revision:    rec.Revision,
		PayloadHash: payloadHash(rec.Payload),
		NodeID:      s.node.ID(),
		CreatedAt:   rec.UpdatedAt,
	}); err != nil {
		return err
	}

	if op, ok := p.(domain.OperationalPayload); ok {
		fp := s.engine.Compute(rec.Class, op.Fingerprint())
		if err := s.store.Fingerprints().Remove(ctx, rec.GlobalID); err != nil {
			return err
		}
		if err := s.store.Fingerprints().Put(ctx, fp.Key, rec.GlobalID); err != nil {
			return err
		}
	}

	if err := s.queue.Enqueue(ctx, rec.GlobalID, rec.Revision, s.peers); err != nil {
		return err
	}
	if rec.Propagate {
		s.notifier.NotifyScope(rec.Scope, "update")
	}
	return nil
}

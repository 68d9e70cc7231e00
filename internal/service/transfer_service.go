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
	"fieldsync/internal/node"
	"fieldsync/internal/repository"

	"github.com/google/uuid"
)

// TransferService implements both ends of the transfer protocol. The hub
// serves DownloadScope, UploadBatch and BatchOutcome; an edge applies
// downloads and turns its queue into upload batches.
type TransferService struct {
	node     *node.Context
	store    repository.Store
	queue    *QueueService
	resolver *Resolver
	engine   *fingerprint.Engine
	schema   *SchemaValidator
	locker   *KeyedLocker
	notifier Notifier
	upstream bool
	logger   *slog.Logger
	now      func() time.Time
}

type TransferServiceOptions struct {
	Engine   *fingerprint.Engine
	Schema   *SchemaValidator
	Locker   *KeyedLocker
	Notifier Notifier
	// Upstream reports whether this node syncs with a hub.
	Upstream bool
	Logger   *slog.Logger
}

func NewTransferService(nc *node.Context, store repository.Store, queue *QueueService, resolver *Resolver, opts TransferServiceOptions) *TransferService {
	s := &TransferService{
		node:     nc,
		store:    store,
		queue:    queue,
		resolver: resolver,
		engine:   opts.Engine,
		schema:   opts.Schema,
		locker:   opts.Locker,
		notifier: opts.Notifier,
		upstream: opts.Upstream,
		logger:   logging.Component(opts.Logger, "transfer"),
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

// DownloadScope returns what a node needs to work on scope offline: its
// reference data in dependency order, the operational records that won a
// merge or a resolution, and every redirect.
func (s *TransferService) DownloadScope(ctx context.Context, scope string) (*domain.DownloadResponse, error) {
	if scope == "" {
		return nil, &ValidationError{Reason: "scope is required"}
	}

	records, err := s.store.Records().ListScope(ctx, scope, domain.KindReference)
	if err != nil {
		return nil, fmt.Errorf("failed to list reference data: %w", err)
	}
	sortForApply(records)

	resolved, err := s.store.Records().ListPropagated(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolved records: %w", err)
	}
	sortForApply(resolved)

	redirects, err := s.store.Redirects().ListScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list redirects: %w", err)
	}

	resp := &domain.DownloadResponse{
		Scope:     scope,
		Records:   nonNil(records),
		Resolved:  nonNil(resolved),
		Redirects: redirects,
		ServedBy:  s.node.ID(),
		ServedAt:  s.now(),
	}
	if resp.Redirects == nil {
		resp.Redirects = []domain.Redirect{}
	}
	return resp, nil
}

// UploadBatch applies records in the order they were sent. Each record gets
// its own outcome, persisted as soon as it is decided, so a batch cut short
// by a failure can be re-queried or re-sent without applying anything twice.
func (s *TransferService) UploadBatch(ctx context.Context, nodeID string, req *domain.UploadRequest) (*domain.UploadResponse, error) {
	if req.NodeID != nodeID {
		return nil, ErrNodeMismatch
	}

	// A resent batch waits for the delivery still applying it.
	unlock := s.locker.Lock("batch:" + req.BatchID)
	defer unlock()

	batches := s.store.Batches()
	result, err := batches.Begin(ctx, req.BatchID, nodeID)
	switch {
	case errors.Is(err, repository.ErrExists):
		if result.NodeID != nodeID {
			return nil, ErrNodeMismatch
		}
		if result.Complete {
			s.logger.Debug("replayed complete batch", slog.String("batch_id", req.BatchID))
			return &domain.UploadResponse{BatchID: req.BatchID, Outcomes: result.Outcomes, Complete: true}, nil
		}
		s.logger.Info("resuming batch",
			slog.String("batch_id", req.BatchID), slog.Int("decided", len(result.Outcomes)))
	case err != nil:
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}

	decided := make(map[string]bool, len(result.Outcomes))
	outcomes := append([]domain.RecordOutcome{}, result.Outcomes...)
	for _, o := range result.Outcomes {
		decided[outcomeKey(o.GlobalID, o.Revision)] = true
	}

	touched := make(map[string]bool)
	for _, rec := range req.Records {
		if rec == nil || decided[outcomeKey(rec.GlobalID, rec.Revision)] {
			continue
		}

		d, err := s.resolver.Apply(ctx, rec)
		if err != nil {
			return &domain.UploadResponse{BatchID: req.BatchID, Outcomes: outcomes},
				fmt.Errorf("failed to apply %s: %w", rec.GlobalID, err)
		}

		o := d.RecordOutcome(rec)
		if err := batches.AppendOutcome(ctx, req.BatchID, o); err != nil {
			return &domain.UploadResponse{BatchID: req.BatchID, Outcomes: outcomes}, err
		}
		outcomes = append(outcomes, o)
		decided[outcomeKey(rec.GlobalID, rec.Revision)] = true

		if d.Outcome == domain.OutcomeSynced && rec.Class.Kind() == domain.KindReference && d.Record != nil {
			touched[d.Record.Scope] = true
		}
	}

	if err := batches.Complete(ctx, req.BatchID); err != nil {
		return &domain.UploadResponse{BatchID: req.BatchID, Outcomes: outcomes}, err
	}

	s.logger.Info("batch applied",
		slog.String("batch_id", req.BatchID),
		slog.String("node_id", nodeID),
		slog.Int("records", len(req.Records)))
	for scope := range touched {
		s.notifier.NotifyScope(scope, "upload")
	}

	return &domain.UploadResponse{BatchID: req.BatchID, Outcomes: outcomes, Complete: true}, nil
}

// BatchOutcome returns what the receiver decided for a batch so far.
func (s *TransferService) BatchOutcome(ctx context.Context, nodeID, batchID string) (*domain.BatchResult, error) {
	result, err := s.store.Batches().Get(ctx, batchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	if result.NodeID != nodeID {
		return nil, ErrBatchNotFound
	}
	return result, nil
}

// DownloadStats summarizes one applied download.
type DownloadStats struct {
	Applied    int
	Skipped    int
	Redirected int
}

// ApplyDownload merges a hub download into the local store. A record with
// local changes still waiting for delivery is never overwritten; the hub
// decides between the two versions once the change arrives.
func (s *TransferService) ApplyDownload(ctx context.Context, resp *domain.DownloadResponse) (DownloadStats, error) {
	var stats DownloadStats

	incoming := make([]*domain.Record, 0, len(resp.Records)+len(resp.Resolved))
	incoming = append(incoming, resp.Records...)
	incoming = append(incoming, resp.Resolved...)
	sortForApply(incoming)

	for _, rec := range incoming {
		applied, err := s.applyDownloaded(ctx, rec)
		if err != nil {
			return stats, err
		}
		if applied {
			stats.Applied++
		} else {
			stats.Skipped++
		}
	}

	for _, rd := range resp.Redirects {
		if err := s.applyRedirect(ctx, rd); err != nil {
			return stats, err
		}
		stats.Redirected++
	}

	s.logger.Debug("download applied",
		slog.String("scope", resp.Scope),
		slog.Int("applied", stats.Applied),
		slog.Int("skipped", stats.Skipped),
		slog.Int("redirects", stats.Redirected))
	return stats, nil
}

func (s *TransferService) applyDownloaded(ctx context.Context, in *domain.Record) (bool, error) {
	rec := in.Clone()
	p, err := s.schema.Check(rec)
	if err != nil {
		s.logger.Warn("skipping invalid record from hub", slog.String("global_id", in.GlobalID), slog.Any("error", err))
		return false, nil
	}

	unlock := s.locker.Lock(rec.GlobalID)
	defer unlock()

	records := s.store.Records()
	existing, err := records.Get(ctx, rec.GlobalID)
	found := err == nil
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}

	if found {
		unsent, err := s.queue.HasUnsent(ctx, rec.GlobalID)
		if err != nil {
			return false, err
		}
		if unsent || rec.Revision <= existing.Revision {
			return false, nil
		}
	}

	rec.MergedInto = ""
	rec.Propagate = false
	if found {
		rec.LocalID = existing.LocalID
		rec.CreatedAt = existing.CreatedAt
		err = records.Update(ctx, rec)
	} else {
		rec.LocalID = 0
		err = records.Insert(ctx, rec)
	}
	if err != nil {
		return false, fmt.Errorf("failed to store %s: %w", rec.GlobalID, err)
	}

	if err := s.store.Revisions().Save(ctx, &domain.RevisionEntry{
		GlobalID:    rec.GlobalID,
		Revision:    rec.Revision,
		PayloadHash: payloadHash(rec.Payload),
		NodeID:      rec.OriginNode,
		CreatedAt:   s.now(),
	}); err != nil {
		return false, err
	}

	if op, ok := p.(domain.OperationalPayload); ok {
		fp := s.engine.Compute(rec.Class, op.Fingerprint())
		if err := s.store.Fingerprints().Remove(ctx, rec.GlobalID); err != nil {
			return false, err
		}
		if err := s.store.Fingerprints().Put(ctx, fp.Key, rec.GlobalID); err != nil {
			return false, err
		}
	}

	// A newer hub version supersedes whatever this node had in conflict.
	if err := s.queue.SettleConflicted(ctx, rec.GlobalID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TransferService) applyRedirect(ctx context.Context, rd domain.Redirect) error {
	unlock := s.locker.Lock(rd.From, rd.To)
	defer unlock()

	records := s.store.Records()
	loser, err := records.Get(ctx, rd.From)
	switch {
	case err == nil:
		if loser.MergedInto != rd.To {
			loser.MergedInto = rd.To
			loser.Propagate = false
			if err := records.Update(ctx, loser); err != nil {
				return fmt.Errorf("failed to alias %s: %w", rd.From, err)
			}
		}
		if err := s.store.Fingerprints().Remove(ctx, rd.From); err != nil {
			return err
		}
	case !errors.Is(err, repository.ErrNotFound):
		return err
	}

	if err := redirect(ctx, s.store, &rd); err != nil {
		return err
	}
	return s.queue.SettleConflicted(ctx, rd.From)
}

// Outbound is an upload batch whose queue entries are claimed.
type Outbound struct {
	Peer    string
	Request *domain.UploadRequest
}

// PrepareUpload claims up to limit due entries for peer and builds the batch
// that delivers them. It returns nil when nothing is due.
func (s *TransferService) PrepareUpload(ctx context.Context, peer string, limit int) (*Outbound, error) {
	claimed, err := s.queue.Claim(ctx, peer, limit)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	records := make([]*domain.Record, 0, len(claimed))
	for _, e := range claimed {
		rec, err := s.store.Records().Get(ctx, e.GlobalID)
		if errors.Is(err, repository.ErrNotFound) {
			if err := s.queue.MarkFailed(ctx, e.GlobalID, peer, e.Revision, "record missing"); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			s.releaseEntries(ctx, peer, claimed, "failed to load records")
			return nil, fmt.Errorf("failed to load %s: %w", e.GlobalID, err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, nil
	}
	sortForApply(records)

	return &Outbound{
		Peer: peer,
		Request: &domain.UploadRequest{
			BatchID: uuid.New().String(),
			NodeID:  s.node.ID(),
			Records: records,
		},
	}, nil
}

// ApplyOutcomes settles the claimed entries of out. Records the receiver
// did not decide go back to pending.
func (s *TransferService) ApplyOutcomes(ctx context.Context, out *Outbound, outcomes []domain.RecordOutcome) error {
	byKey := make(map[string]domain.RecordOutcome, len(outcomes))
	for _, o := range outcomes {
		byKey[outcomeKey(o.GlobalID, o.Revision)] = o
	}

	for _, rec := range out.Request.Records {
		o, ok := byKey[outcomeKey(rec.GlobalID, rec.Revision)]
		var err error
		switch {
		case !ok:
			err = s.queue.Release(ctx, rec.GlobalID, out.Peer, "no outcome")
		case o.Outcome == domain.OutcomeSynced:
			err = s.queue.MarkSynced(ctx, rec.GlobalID, out.Peer, rec.Revision)
		case o.Outcome == domain.OutcomeConflicted:
			err = s.queue.MarkConflicted(ctx, rec.GlobalID, out.Peer, o.ConflictID)
		case o.Outcome == domain.OutcomeRejected:
			err = s.queue.MarkFailed(ctx, rec.GlobalID, out.Peer, rec.Revision, o.Reason)
		default:
			err = s.queue.Release(ctx, rec.GlobalID, out.Peer, fmt.Sprintf("unknown outcome %q", o.Outcome))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll returns every entry of out to pending after a transport failure.
func (s *TransferService) ReleaseAll(ctx context.Context, out *Outbound, reason string) error {
	for _, rec := range out.Request.Records {
		if err := s.queue.Release(ctx, rec.GlobalID, out.Peer, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *TransferService) releaseEntries(ctx context.Context, peer string, entries []*domain.QueueEntry, reason string) {
	for _, e := range entries {
		if err := s.queue.Release(ctx, e.GlobalID, peer, reason); err != nil {
			s.logger.Error("failed to release entry", slog.String("global_id", e.GlobalID), slog.Any("error", err))
		}
	}
}

func (s *TransferService) Status(ctx context.Context) (*domain.NodeStatus, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	open, err := s.store.Conflicts().ListOpen(ctx, "")
	if err != nil {
		return nil, err
	}

	status := &domain.NodeStatus{
		NodeID:          s.node.ID(),
		Role:            string(s.node.Role()),
		Reachable:       s.node.Reachable(),
		Syncing:         s.node.Syncing(),
		Queue:           counts,
		OpenConflicts:   len(open),
		UpstreamEnabled: s.upstream,
	}
	if last := s.node.LastSuccess(); !last.IsZero() {
		status.LastSuccessAt = &last
	}
	return status, nil
}

func outcomeKey(globalID string, revision int64) string {
	return fmt.Sprintf("%s@%d", globalID, revision)
}

func nonNil(recs []*domain.Record) []*domain.Record {
	if recs == nil {
		return []*domain.Record{}
	}
	return recs
}

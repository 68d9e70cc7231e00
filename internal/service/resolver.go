package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/fingerprint"
	"fieldsync/internal/logging"
	"fieldsync/internal/repository"

	"github.com/google/uuid"
)

// Notifier tells connected nodes that a scope changed and is worth pulling.
type Notifier interface {
	NotifyScope(scope, reason string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyScope(string, string) {}

// Decision is the resolver's verdict on one incoming record.
type Decision struct {
	Outcome     domain.Outcome
	CanonicalID string
	ConflictID  string
	Reason      string
	Record      *domain.Record
}

func (d *Decision) RecordOutcome(rec *domain.Record) domain.RecordOutcome {
	return domain.RecordOutcome{
		GlobalID:    rec.GlobalID,
		Revision:    rec.Revision,
		Outcome:     d.Outcome,
		CanonicalID: d.CanonicalID,
		ConflictID:  d.ConflictID,
		Reason:      d.Reason,
	}
}

// Resolver decides what happens to a record arriving from another node. It
// runs three layers in strict order: identity (same global id), fingerprint
// (same real-world event under another id), then plain insert.
type Resolver struct {
	nodeID   string
	store    repository.Store
	engine   *fingerprint.Engine
	schema   *SchemaValidator
	tieBreak domain.TieBreak
	locker   *KeyedLocker
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type ResolverOptions struct {
	NodeID   string
	Engine   *fingerprint.Engine
	Schema   *SchemaValidator
	TieBreak domain.TieBreak
	Locker   *KeyedLocker
	Notifier Notifier
	Logger   *slog.Logger
}

func NewResolver(store repository.Store, opts ResolverOptions) *Resolver {
	r := &Resolver{
		nodeID:   opts.NodeID,
		store:    store,
		engine:   opts.Engine,
		schema:   opts.Schema,
		tieBreak: opts.TieBreak,
		locker:   opts.Locker,
		notifier: opts.Notifier,
		logger:   logging.Component(opts.Logger, "resolver"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if r.engine == nil {
		r.engine = fingerprint.New(fingerprint.DefaultConfig())
	}
	if r.schema == nil {
		r.schema = NewSchemaValidator()
	}
	if r.tieBreak == "" {
		r.tieBreak = domain.DefaultTieBreak
	}
	if r.locker == nil {
		r.locker = NewKeyedLocker()
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	return r
}

// Apply runs incoming through the layers. Rejections and conflicts are
// verdicts, not errors; an error means storage failed and the record may be
// retried.
func (r *Resolver) Apply(ctx context.Context, incoming *domain.Record) (*Decision, error) {
	rec := incoming.Clone()
	rec.LocalID = 0

	p, err := r.schema.Check(rec)
	if err != nil {
		return reject(err), nil
	}
	if err := r.canonicalize(ctx, rec, p); err != nil {
		return nil, err
	}

	var fp fingerprint.Fingerprint
	op, operational := p.(domain.OperationalPayload)
	if operational {
		fp = r.engine.Compute(rec.Class, op.Fingerprint())
	}

	unlock := r.locker.Lock(append([]string{rec.GlobalID}, fp.Candidates...)...)
	defer unlock()

	hash := payloadHash(rec.Payload)

	if d, err := r.retriedConflict(ctx, rec, hash); d != nil || err != nil {
		return d, err
	}

	existing, err := r.store.Records().Get(ctx, rec.GlobalID)
	switch {
	case err == nil:
		return r.identity(ctx, rec, existing, hash, fp)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to look up %s: %w", rec.GlobalID, err)
	}

	// Merge state is decided here, never by the sender.
	rec.MergedInto = ""
	rec.Propagate = false
	if operational {
		if d, err := r.fingerprintMatch(ctx, rec, op, fp); d != nil || err != nil {
			return d, err
		}
	}

	if err := r.insert(ctx, rec, hash, fp.Key); err != nil {
		return nil, err
	}
	r.logger.Debug("inserted", slog.String("global_id", rec.GlobalID), slog.String("class", string(rec.Class)))
	return &Decision{Outcome: domain.OutcomeSynced, CanonicalID: rec.GlobalID, Record: rec}, nil
}

// canonicalize re-points references through known redirects so that a
// sender that has not seen a merge yet does not look divergent.
func (r *Resolver) canonicalize(ctx context.Context, rec *domain.Record, p domain.Payload) error {
	changed, err := normalizeRefs(ctx, r.store.Redirects(), p)
	if err != nil {
		return fmt.Errorf("failed to normalize references of %s: %w", rec.GlobalID, err)
	}
	if !changed {
		return nil
	}
	raw, err := domain.EncodePayload(p)
	if err != nil {
		return err
	}
	rec.Payload = raw
	return nil
}

// retriedConflict returns the open conflict that already holds this exact
// version, so re-sends do not pile up duplicate conflicts.
func (r *Resolver) retriedConflict(ctx context.Context, rec *domain.Record, hash string) (*Decision, error) {
	open, err := r.store.Conflicts().FindOpenByIncoming(ctx, rec.GlobalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open conflicts: %w", err)
	}
	for _, c := range open {
		_, right, err := c.Sides()
		if err != nil {
			return nil, err
		}
		if right.Revision == rec.Revision && payloadHash(right.Payload) == hash {
			return &Decision{
				Outcome:    domain.OutcomeConflicted,
				ConflictID: c.ID,
				Reason:     "already under review",
			}, nil
		}
	}
	return nil, nil
}

func (r *Resolver) identity(ctx context.Context, rec, existing *domain.Record, hash string, fp fingerprint.Fingerprint) (*Decision, error) {
	if existing.Class != rec.Class {
		return &Decision{
			Outcome: domain.OutcomeRejected,
			Reason:  fmt.Sprintf("class %s does not match stored class %s", rec.Class, existing.Class),
		}, nil
	}

	known, err := r.seen(ctx, rec, existing, hash)
	if err != nil {
		return nil, err
	}

	if existing.IsAlias() {
		canonicalID, err := r.store.Redirects().Resolve(ctx, existing.GlobalID)
		if err != nil {
			return nil, err
		}
		if canonicalID == existing.GlobalID {
			canonicalID = existing.MergedInto
		}
		if known && rec.Revision <= existing.Revision {
			return &Decision{Outcome: domain.OutcomeSynced, CanonicalID: canonicalID, Record: existing}, nil
		}
		canonical, err := r.store.Records().Get(ctx, canonicalID)
		if err != nil {
			return nil, fmt.Errorf("failed to load canonical record %s: %w", canonicalID, err)
		}
		return r.conflict(ctx, &domain.Conflict{
			Kind:  domain.ConflictFingerprint,
			Scope: canonical.Scope,
			Fingerprint: &domain.FingerprintConflict{
				Fingerprint: fp.Key,
				Existing:    canonical,
				Incoming:    rec,
				Reason:      "update to merged record",
			},
		})
	}

	switch {
	case rec.Revision > existing.Revision:
		if err := r.overwrite(ctx, rec, existing, hash, fp.Key); err != nil {
			return nil, err
		}
		return &Decision{Outcome: domain.OutcomeSynced, CanonicalID: rec.GlobalID, Record: rec}, nil

	case known:
		// Idempotent retry or a stale, out-of-order delivery.
		return &Decision{Outcome: domain.OutcomeSynced, CanonicalID: existing.GlobalID, Record: existing}, nil

	default:
		return r.conflict(ctx, &domain.Conflict{
			Kind:  domain.ConflictIdentity,
			Scope: existing.Scope,
			Identity: &domain.IdentityConflict{
				GlobalID: rec.GlobalID,
				Stored:   existing,
				Incoming: rec,
			},
		})
	}
}

// seen reports whether this exact (revision, payload) was applied before.
func (r *Resolver) seen(ctx context.Context, rec, existing *domain.Record, hash string) (bool, error) {
	if rec.Revision == existing.Revision && bytes.Equal(rec.Payload, existing.Payload) {
		return true, nil
	}
	ok, err := r.store.Revisions().Has(ctx, rec.GlobalID, rec.Revision, hash)
	if err != nil {
		return false, fmt.Errorf("failed to check revision history: %w", err)
	}
	return ok, nil
}

func (r *Resolver) overwrite(ctx context.Context, rec, existing *domain.Record, hash, fpKey string) error {
	rec.LocalID = existing.LocalID
	rec.CreatedAt = existing.CreatedAt
	rec.Propagate = existing.Propagate
	rec.MergedInto = ""

	if err := r.store.Records().Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to update %s: %w", rec.GlobalID, err)
	}
	if err := r.saveRevision(ctx, rec, hash); err != nil {
		return err
	}
	if fpKey != "" {
		if err := r.store.Fingerprints().Remove(ctx, rec.GlobalID); err != nil {
			return err
		}
		if err := r.store.Fingerprints().Put(ctx, fpKey, rec.GlobalID); err != nil {
			return err
		}
	}
	if rec.Propagate {
		r.notifier.NotifyScope(rec.Scope, "update")
	}
	return nil
}

func (r *Resolver) fingerprintMatch(ctx context.Context, rec *domain.Record, op domain.OperationalPayload, fp fingerprint.Fingerprint) (*Decision, error) {
	ids, err := r.store.Fingerprints().Lookup(ctx, fp.Candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to look up fingerprint: %w", err)
	}

	for _, id := range ids {
		if id == rec.GlobalID {
			continue
		}
		existing, err := r.store.Records().Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load fingerprint candidate %s: %w", id, err)
		}
		if existing.IsAlias() || existing.Class != rec.Class {
			continue
		}

		p, err := domain.DecodePayload(existing.Class, existing.Payload)
		if err != nil {
			return nil, fmt.Errorf("stored record %s is unreadable: %w", id, err)
		}
		eop, ok := p.(domain.OperationalPayload)
		if !ok || !r.engine.Match(eop.Fingerprint(), op.Fingerprint()) {
			continue
		}

		if a, b := eop.Decision(), op.Decision(); a != "" && b != "" && a != b {
			return r.conflict(ctx, &domain.Conflict{
				Kind:  domain.ConflictFingerprint,
				Scope: existing.Scope,
				Fingerprint: &domain.FingerprintConflict{
					Fingerprint: fp.Key,
					Existing:    existing,
					Incoming:    rec,
					Reason:      fmt.Sprintf("contradictory outcomes %q and %q", a, b),
				},
			})
		}
		return r.merge(ctx, rec, existing, fp.Key)
	}
	return nil, nil
}

// merge keeps one of two records describing the same event. The loser stays
// stored as an alias and every reference to it moves to the winner.
func (r *Resolver) merge(ctx context.Context, rec, existing *domain.Record, fpKey string) (*Decision, error) {
	hash := payloadHash(rec.Payload)
	winner := r.tieBreak.Winner(existing, rec)

	if winner == rec {
		rec.Propagate = true
		if err := r.insert(ctx, rec, hash, fpKey); err != nil {
			return nil, err
		}
		if err := r.demote(ctx, existing, rec.GlobalID); err != nil {
			return nil, err
		}
	} else {
		rec.MergedInto = existing.GlobalID
		rec.Propagate = false
		if err := r.insert(ctx, rec, hash, ""); err != nil {
			return nil, err
		}
		if !existing.Propagate {
			existing.Propagate = true
			if err := r.store.Records().Update(ctx, existing); err != nil {
				return nil, fmt.Errorf("failed to flag %s for propagation: %w", existing.GlobalID, err)
			}
		}
		if err := r.redirect(ctx, rec.GlobalID, existing.GlobalID, rec.Scope); err != nil {
			return nil, err
		}
	}

	loser := rec.GlobalID
	if winner == rec {
		loser = existing.GlobalID
	}
	r.logger.Info("merged duplicate",
		slog.String("winner", winner.GlobalID),
		slog.String("loser", loser),
		slog.String("tie_break", string(r.tieBreak)))
	r.notifier.NotifyScope(rec.Scope, "merge")

	return &Decision{
		Outcome:     domain.OutcomeSynced,
		CanonicalID: winner.GlobalID,
		Record:      rec,
	}, nil
}

// demote turns a stored record into an alias of winner.
func (r *Resolver) demote(ctx context.Context, loser *domain.Record, winner string) error {
	loser.MergedInto = winner
	loser.Propagate = false
	if err := r.store.Records().Update(ctx, loser); err != nil {
		return fmt.Errorf("failed to alias %s: %w", loser.GlobalID, err)
	}
	if err := r.store.Fingerprints().Remove(ctx, loser.GlobalID); err != nil {
		return err
	}
	return r.redirect(ctx, loser.GlobalID, winner, loser.Scope)
}

func (r *Resolver) redirect(ctx context.Context, from, to, scope string) error {
	return redirect(ctx, r.store, &domain.Redirect{From: from, To: to, Scope: scope, CreatedAt: r.now()})
}

func (r *Resolver) insert(ctx context.Context, rec *domain.Record, hash, fpKey string) error {
	if err := r.store.Records().Insert(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert %s: %w", rec.GlobalID, err)
	}
	if err := r.saveRevision(ctx, rec, hash); err != nil {
		return err
	}
	if fpKey != "" {
		if err := r.store.Fingerprints().Put(ctx, fpKey, rec.GlobalID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) saveRevision(ctx context.Context, rec *domain.Record, hash string) error {
	return r.store.Revisions().Save(ctx, &domain.RevisionEntry{
		GlobalID:    rec.GlobalID,
		Revision:    rec.Revision,
		PayloadHash: hash,
		NodeID:      rec.OriginNode,
		CreatedAt:   r.now(),
	})
}

func (r *Resolver) conflict(ctx context.Context, c *domain.Conflict) (*Decision, error) {
	now := r.now()
	c.ID = uuid.New().String()
	c.Status = domain.ConflictOpen
	c.DetectedBy = r.nodeID
	c.DetectedAt = now
	c.Audit = []domain.AuditEntry{{
		At:     now,
		Node:   r.nodeID,
		Action: "detected",
		Detail: conflictDetail(c),
	}}

	if err := r.store.Conflicts().Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store conflict: %w", err)
	}

	r.logger.Warn("conflict detected",
		slog.String("conflict_id", c.ID),
		slog.String("kind", string(c.Kind)),
		slog.String("subject", c.SubjectID()),
		slog.String("incoming", c.IncomingID()))
	r.notifier.NotifyScope(c.Scope, "conflict")

	return &Decision{
		Outcome:    domain.OutcomeConflicted,
		ConflictID: c.ID,
		Reason:     conflictDetail(c),
	}, nil
}

func conflictDetail(c *domain.Conflict) string {
	switch c.Kind {
	case domain.ConflictIdentity:
		return fmt.Sprintf("divergent revision %d of %s", c.Identity.Incoming.Revision, c.Identity.GlobalID)
	case domain.ConflictFingerprint:
		return c.Fingerprint.Reason
	default:
		return string(c.Kind)
	}
}

func reject(err error) *Decision {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return &Decision{Outcome: domain.OutcomeRejected, Reason: verr.Reason}
	}
	return &Decision{Outcome: domain.OutcomeRejected, Reason: err.Error()}
}

// redirect stores rd and moves every alias and reference of rd.From onto
// rd.To.
func redirect(ctx context.Context, store repository.Store, rd *domain.Redirect) error {
	if err := store.Redirects().Put(ctx, rd); err != nil {
		return fmt.Errorf("failed to redirect %s: %w", rd.From, err)
	}

	// Aliases of rd.From were compressed onto rd.To by Put.
	redirects, err := store.Redirects().ListScope(ctx, rd.Scope)
	if err != nil {
		return err
	}
	for _, other := range redirects {
		if other.To != rd.To || other.From == rd.From {
			continue
		}
		alias, err := store.Records().Get(ctx, other.From)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if alias.MergedInto == "" || alias.MergedInto == rd.To {
			continue
		}
		alias.MergedInto = rd.To
		if err := store.Records().Update(ctx, alias); err != nil {
			return fmt.Errorf("failed to retarget alias %s: %w", alias.GlobalID, err)
		}
	}

	return repointReferences(ctx, store.Records(), rd.From, rd.To)
}

// repointReferences moves every reference to from onto to. Revisions are
// left alone: incoming copies are normalized through redirects before they
// are compared, so the rewrite never reads as a divergent edit.
func repointReferences(ctx context.Context, records repository.RecordRepository, from, to string) error {
	refs, err := records.ListReferencing(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to list references to %s: %w", from, err)
	}

	for _, ref := range refs {
		p, err := domain.DecodePayload(ref.Class, ref.Payload)
		if err != nil {
			return fmt.Errorf("stored record %s is unreadable: %w", ref.GlobalID, err)
		}
		if !p.Repoint(from, to) {
			continue
		}
		raw, err := domain.EncodePayload(p)
		if err != nil {
			return err
		}
		ref.Payload = raw
		if err := records.Update(ctx, ref); err != nil {
			return fmt.Errorf("failed to re-point %s: %w", ref.GlobalID, err)
		}
	}
	return nil
}

// sortForApply orders records so that parents precede the children that
// reference them.
func sortForApply(recs []*domain.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Class.Rank() != b.Class.Rank() {
			return a.Class.Rank() < b.Class.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.GlobalID < b.GlobalID
	})
}

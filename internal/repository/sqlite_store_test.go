package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventID       = "11111111-1111-4111-8111-111111111111"
	participantID = "22222222-2222-4222-8222-222222222222"
	incidentA     = "33333333-3333-4333-8333-333333333333"
	incidentB     = "44444444-4444-4444-8444-444444444444"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func newIncident(t *testing.T, id string, participant string) *domain.Record {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return &domain.Record{
		GlobalID:   id,
		Class:      domain.ClassIncident,
		Scope:      eventID,
		OriginNode: "edge-a",
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Payload: mustJSON(t, domain.IncidentPayload{
			EventID:       eventID,
			ParticipantID: participant,
			Badge:         "A-12",
			Latitude:      46.52,
			Longitude:     6.63,
			OccurredAt:    now,
			Category:      "medical",
		}),
	}
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestRecords_InsertGetUpdate(t *testing.T) {
	ctx := context.Background()
	recs := openTestStore(t).Records()

	rec := newIncident(t, incidentA, participantID)
	require.NoError(t, recs.Insert(ctx, rec))
	assert.Positive(t, rec.LocalID)

	assert.ErrorIs(t, recs.Insert(ctx, newIncident(t, incidentA, "")), ErrExists)

	got, err := recs.Get(ctx, incidentA)
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, got.LocalID)
	assert.Equal(t, domain.ClassIncident, got.Class)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	got.Revision = 2
	got.Propagate = true
	require.NoError(t, recs.Update(ctx, got))

	again, err := recs.Get(ctx, incidentA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Revision)
	assert.True(t, again.Propagate)

	_, err = recs.Get(ctx, incidentB)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, recs.Update(ctx, newIncident(t, incidentB, "")), ErrNotFound)
}

func TestRecords_ListQueries(t *testing.T) {
	ctx := context.Background()
	recs := openTestStore(t).Records()

	a := newIncident(t, incidentA, participantID)
	b := newIncident(t, incidentB, "")
	b.Propagate = true
	require.NoError(t, recs.Insert(ctx, a))
	require.NoError(t, recs.Insert(ctx, b))

	ops, err := recs.ListScope(ctx, eventID, domain.KindOperational)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, incidentA, ops[0].GlobalID)

	refs, err := recs.ListScope(ctx, eventID, domain.KindReference)
	require.NoError(t, err)
	assert.Empty(t, refs)

	prop, err := recs.ListPropagated(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, prop, 1)
	assert.Equal(t, incidentB, prop[0].GlobalID)

	referencing, err := recs.ListReferencing(ctx, participantID)
	require.NoError(t, err)
	require.Len(t, referencing, 1)
	assert.Equal(t, incidentA, referencing[0].GlobalID)

	// References follow payload updates.
	a.Payload = newIncident(t, incidentA, "").Payload
	require.NoError(t, recs.Update(ctx, a))
	referencing, err = recs.ListReferencing(ctx, participantID)
	require.NoError(t, err)
	assert.Empty(t, referencing)
}

func TestRevisions(t *testing.T) {
	ctx := context.Background()
	revs := openTestStore(t).Revisions()

	e := &domain.RevisionEntry{GlobalID: incidentA, Revision: 1, PayloadHash: "abc", NodeID: "edge-a", CreatedAt: time.Now()}
	require.NoError(t, revs.Save(ctx, e))
	require.NoError(t, revs.Save(ctx, e))

	ok, err := revs.Has(ctx, incidentA, 1, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = revs.Has(ctx, incidentA, 1, "def")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFingerprints(t *testing.T) {
	ctx := context.Background()
	fps := openTestStore(t).Fingerprints()

	require.NoError(t, fps.Put(ctx, "k1", incidentA))
	require.NoError(t, fps.Put(ctx, "k1", incidentA))
	require.NoError(t, fps.Put(ctx, "k2", incidentB))

	ids, err := fps.Lookup(ctx, []string{"k0", "k1", "k2"})
	require.NoError(t, err)
	assert.Equal(t, []string{incidentA, incidentB}, ids)

	require.NoError(t, fps.Remove(ctx, incidentA))
	ids, err = fps.Lookup(ctx, []string{"k1"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = fps.Lookup(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestQueue_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	q := openTestStore(t).Queue()
	now := time.Now().UTC()

	e := &domain.QueueEntry{GlobalID: incidentA, Peer: "hub", State: domain.QueuePending, Revision: 1,
		NextAttemptAt: now, UpdatedAt: now}
	require.NoError(t, q.Create(ctx, e))
	assert.ErrorIs(t, q.Create(ctx, e), ErrExists)

	claimed := *e
	claimed.State = domain.QueueInTransit
	require.NoError(t, q.CompareAndSwap(ctx, &claimed, domain.QueuePending, 1))
	assert.ErrorIs(t, q.CompareAndSwap(ctx, &claimed, domain.QueuePending, 1), ErrStale)

	missing := claimed
	missing.GlobalID = incidentB
	assert.ErrorIs(t, q.CompareAndSwap(ctx, &missing, domain.QueuePending, 1), ErrNotFound)

	got, err := q.Get(ctx, incidentA, "hub")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueInTransit, got.State)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.QueueInTransit])
}

func TestQueue_ListDue(t *testing.T) {
	ctx := context.Background()
	q := openTestStore(t).Queue()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	entries := []*domain.QueueEntry{
		{GlobalID: incidentA, Peer: "hub", State: domain.QueuePending, Revision: 1, NextAttemptAt: now.Add(-time.Minute)},
		{GlobalID: incidentB, Peer: "hub", State: domain.QueuePending, Revision: 1, NextAttemptAt: now.Add(time.Minute)},
		{GlobalID: participantID, Peer: "hub", State: domain.QueueSynced, Revision: 1, NextAttemptAt: now.Add(-time.Hour)},
		{GlobalID: eventID, Peer: "other", State: domain.QueuePending, Revision: 1, NextAttemptAt: now.Add(-time.Hour)},
	}
	for _, e := range entries {
		e.UpdatedAt = now
		require.NoError(t, q.Create(ctx, e))
	}

	due, err := q.ListDue(ctx, "hub", now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, incidentA, due[0].GlobalID)

	byRecord, err := q.ListByRecord(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, byRecord, 1)
	assert.Equal(t, "other", byRecord[0].Peer)
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()
	cs := openTestStore(t).Conflicts()

	stored := newIncident(t, incidentA, "")
	incoming := stored.Clone()
	incoming.OriginNode = "edge-b"

	c := &domain.Conflict{
		ID:         "c-1",
		Kind:       domain.ConflictIdentity,
		Status:     domain.ConflictOpen,
		Scope:      eventID,
		Identity:   &domain.IdentityConflict{GlobalID: incidentA, Stored: stored, Incoming: incoming},
		DetectedBy: "hub",
		DetectedAt: time.Now().UTC(),
	}
	require.NoError(t, cs.Create(ctx, c))
	assert.ErrorIs(t, cs.Create(ctx, c), ErrExists)

	open, err := cs.ListOpen(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "edge-b", open[0].Identity.Incoming.OriginNode)

	byIncoming, err := cs.FindOpenByIncoming(ctx, incidentA)
	require.NoError(t, err)
	assert.Len(t, byIncoming, 1)

	c.Status = domain.ConflictResolved
	require.NoError(t, cs.Update(ctx, c))

	open, err = cs.ListOpen(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := cs.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictResolved, got.Status)

	_, err = cs.Get(ctx, "c-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedirects_CompressAndReverse(t *testing.T) {
	ctx := context.Background()
	rs := openTestStore(t).Redirects()
	now := time.Now().UTC()

	// a -> b, then b -> c compresses a onto c.
	require.NoError(t, rs.Put(ctx, &domain.Redirect{From: "a", To: "b", Scope: eventID, CreatedAt: now}))
	require.NoError(t, rs.Put(ctx, &domain.Redirect{From: "b", To: "c", Scope: eventID, CreatedAt: now}))

	to, err := rs.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "c", to)

	// Reversing c -> a drops a's redirect and keeps every chain length one.
	require.NoError(t, rs.Put(ctx, &domain.Redirect{From: "c", To: "a", Scope: eventID, CreatedAt: now}))
	for from, want := range map[string]string{"a": "a", "b": "a", "c": "a", "z": "z"} {
		got, err := rs.Resolve(ctx, from)
		require.NoError(t, err)
		assert.Equal(t, want, got, from)
	}

	list, err := rs.ListScope(ctx, eventID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.Error(t, rs.Put(ctx, &domain.Redirect{From: "x", To: "x"}))
}

func TestBatches(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t).Batches()

	_, err := bs.Begin(ctx, "b-1", "edge-a")
	require.NoError(t, err)

	require.NoError(t, bs.AppendOutcome(ctx, "b-1", domain.RecordOutcome{GlobalID: incidentA, Revision: 1, Outcome: domain.OutcomeSynced}))
	require.NoError(t, bs.AppendOutcome(ctx, "b-1", domain.RecordOutcome{GlobalID: incidentB, Revision: 1, Outcome: domain.OutcomeConflicted, ConflictID: "c-1"}))

	existing, err := bs.Begin(ctx, "b-1", "edge-a")
	assert.ErrorIs(t, err, ErrExists)
	require.NotNil(t, existing)
	assert.False(t, existing.Complete)
	require.Len(t, existing.Outcomes, 2)
	assert.Equal(t, incidentA, existing.Outcomes[0].GlobalID)
	assert.Equal(t, "c-1", existing.Outcomes[1].ConflictID)

	require.NoError(t, bs.Complete(ctx, "b-1"))
	got, err := bs.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, got.Complete)

	_, err = bs.Get(ctx, "b-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

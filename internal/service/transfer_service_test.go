package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/node"
	"fieldsync/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createIncident(t *testing.T, n *testNode, badge string, at time.Time) *domain.Record {
	t.Helper()
	rec, err := n.records.Create(context.Background(), &domain.CreateRecordRequest{
		Class:   domain.ClassIncident,
		Payload: incidentPayload(t, badge, at, ""),
	})
	require.NoError(t, err)
	return rec
}

// syncOnce pushes every due entry of edge to hub and pulls the event scope
// back, the way one agent cycle does.
func syncOnce(t *testing.T, edge, hub *testNode) {
	t.Helper()
	ctx := context.Background()

	out, err := edge.transfer.PrepareUpload(ctx, "hub", 100)
	require.NoError(t, err)
	if out != nil {
		resp, err := hub.transfer.UploadBatch(ctx, edge.ctx.ID(), out.Request)
		require.NoError(t, err)
		require.NoError(t, edge.transfer.ApplyOutcomes(ctx, out, resp.Outcomes))
	}

	down, err := hub.transfer.DownloadScope(ctx, eventID)
	require.NoError(t, err)
	_, err = edge.transfer.ApplyDownload(ctx, down)
	require.NoError(t, err)
}

func TestTransfer_DownloadScopeOrder(t *testing.T) {
	hub := newTestNode(t, "hub", node.RoleHub)
	ctx := context.Background()

	participant := uuid.NewString()
	location := uuid.NewString()
	for _, rec := range []*domain.Record{
		reference(t, participant, domain.ClassParticipant, baseTime, domain.ParticipantPayload{
			EventID: eventID, Badge: "A-12", Name: "Runner",
		}),
		reference(t, location, domain.ClassLocation, baseTime.Add(-time.Hour), domain.LocationPayload{
			EventID: eventID, Name: "Aid station 3", Latitude: 46.52, Longitude: 6.63,
		}),
		reference(t, eventID, domain.ClassEvent, baseTime.Add(time.Hour), domain.EventPayload{
			Name: "Lakeside marathon", StartsAt: baseTime,
		}),
		incident(t, incidentA, "edge-a", 1, incidentPayload(t, "A-12", baseTime, "")),
	} {
		d, err := hub.resolver.Apply(ctx, rec)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeSynced, d.Outcome, d.Reason)
	}

	down, err := hub.transfer.DownloadScope(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, "hub", down.ServedBy)
	require.Len(t, down.Records, 3)
	assert.Equal(t, eventID, down.Records[0].GlobalID)
	assert.Equal(t, location, down.Records[1].GlobalID)
	assert.Equal(t, participant, down.Records[2].GlobalID)
	// Plain operational data stays with the node that sent it.
	assert.Empty(t, down.Resolved)
	assert.Empty(t, down.Redirects)

	_, err = hub.transfer.DownloadScope(ctx, "")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTransfer_UploadBatchIsIdempotent(t *testing.T) {
	hub := newTestNode(t, "hub", node.RoleHub)
	ctx := context.Background()

	req := &domain.UploadRequest{
		BatchID: uuid.NewString(),
		NodeID:  "edge-a",
		Records: []*domain.Record{
			incident(t, incidentA, "edge-a", 1, incidentPayload(t, "A-12", baseTime, "")),
			observationOf(t, observation, incidentA),
		},
	}

	first, err := hub.transfer.UploadBatch(ctx, "edge-a", req)
	require.NoError(t, err)
	assert.True(t, first.Complete)
	require.Len(t, first.Outcomes, 2)
	for _, o := range first.Outcomes {
		assert.Equal(t, domain.OutcomeSynced, o.Outcome)
	}

	replay, err := hub.transfer.UploadBatch(ctx, "edge-a", req)
	require.NoError(t, err)
	assert.Equal(t, first.Outcomes, replay.Outcomes)

	all, err := hub.store.Records().ListScope(ctx, eventID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	result, err := hub.transfer.BatchOutcome(ctx, "edge-a", req.BatchID)
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Len(t, result.Outcomes, 2)

	_, err = hub.transfer.BatchOutcome(ctx, "edge-b", req.BatchID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
	_, err = hub.transfer.UploadBatch(ctx, "edge-b", req)
	assert.ErrorIs(t, err, ErrNodeMismatch)
}

func TestTransfer_ConcurrentResendsDecideOnce(t *testing.T) {
	hub := newTestNode(t, "hub", node.RoleHub)
	ctx := context.Background()

	req := &domain.UploadRequest{
		BatchID: uuid.NewString(),
		NodeID:  "edge-a",
		Records: []*domain.Record{
			incident(t, incidentA, "edge-a", 1, incidentPayload(t, "A-12", baseTime, "")),
			observationOf(t, observation, incidentA),
		},
	}

	const senders = 4
	responses := make([]*domain.UploadResponse, senders)
	errs := make([]error, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = hub.transfer.UploadBatch(ctx, "edge-a", req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < senders; i++ {
		require.NoError(t, errs[i])
		assert.True(t, responses[i].Complete)
		assert.Equal(t, responses[0].Outcomes, responses[i].Outcomes)
	}

	result, err := hub.transfer.BatchOutcome(ctx, "edge-a", req.BatchID)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, incidentA, result.Outcomes[0].GlobalID)
	assert.Equal(t, observation, result.Outcomes[1].GlobalID)
	for _, o := range result.Outcomes {
		assert.Equal(t, domain.OutcomeSynced, o.Outcome)
	}
}

func TestTransfer_UploadResumesPartialBatch(t *testing.T) {
	hub := newTestNode(t, "hub", node.RoleHub)
	ctx := context.Background()
	batchID := uuid.NewString()

	// The receiver decided the first record and then went away.
	_, err := hub.store.Batches().Begin(ctx, batchID, "edge-a")
	require.NoError(t, err)
	require.NoError(t, hub.store.Batches().AppendOutcome(ctx, batchID, domain.RecordOutcome{
		GlobalID: incidentA, Revision: 1, Outcome: domain.OutcomeSynced, CanonicalID: incidentA,
	}))

	resp, err := hub.transfer.UploadBatch(ctx, "edge-a", &domain.UploadRequest{
		BatchID: batchID,
		NodeID:  "edge-a",
		Records: []*domain.Record{
			incident(t, incidentA, "edge-a", 1, incidentPayload(t, "A-12", baseTime, "")),
			incident(t, incidentB, "edge-a", 1, incidentPayload(t, "C-3", baseTime, "")),
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Complete)
	require.Len(t, resp.Outcomes, 2)
	assert.Equal(t, incidentA, resp.Outcomes[0].GlobalID)
	assert.Equal(t, incidentB, resp.Outcomes[1].GlobalID)

	_, err = hub.store.Records().Get(ctx, incidentA)
	assert.ErrorIs(t, err, repository.ErrNotFound, "decided records are not applied again")
	_, err = hub.store.Records().Get(ctx, incidentB)
	assert.NoError(t, err)
}

func TestTransfer_PrepareAndSettleUpload(t *testing.T) {
	edge := newTestNode(t, "edge-a", node.RoleEdge)
	hub := newTestNode(t, "hub", node.RoleHub)
	ctx := context.Background()

	obsRec, err := edge.records.Create(ctx, &domain.CreateRecordRequest{
		Class: domain.ClassObservation,
		Payload: mustJSON(t, domain.ObservationPayload{
			EventID: eventID, Badge: "B-7", ObservedAt: baseTime, Text: "all clear",
		}),
	})
	require.NoError(t, err)
	inc := createIncident(t, edge, "A-12", baseTime)

	out, err := edge.transfer.PrepareUpload(ctx, "hub", 10)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "edge-a", out.Request.NodeID)
	require.Len(t, out.Request.Records, 2)
	assert.Equal(t, inc.GlobalID, out.Request.Records[0].GlobalID, "incidents go before observations")

	counts, err := edge.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.QueueInTransit])

	// Nothing else is due while the batch is out.
	again, err := edge.transfer.PrepareUpload(ctx, "hub", 10)
	require.NoError(t, err)
	assert.Nil(t, again)

	// Only the first record was decided before the link dropped.
	resp, err := hub.transfer.UploadBatch(ctx, "edge-a", &domain.UploadRequest{
		BatchID: out.Request.BatchID,
		NodeID:  "edge-a",
		Records: out.Request.Records[:1],
	})
	require.NoError(t, err)
	require.NoError(t, edge.transfer.ApplyOutcomes(ctx, out, resp.Outcomes))

	entries, err := edge.queue.Entries(ctx, inc.GlobalID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueSynced, entries[0].State)

	entries, err = edge.queue.Entries(ctx, obsRec.GlobalID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueuePending, entries[0].State)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "no outcome", entries[0].LastError)
}

func TestTransfer_ApplyDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("local pending change is kept", func(t *testing.T) {
		edge := newTestNode(t, "edge-a", node.RoleEdge)
		local := createIncident(t, edge, "A-12", baseTime)

		newer := local.Clone()
		newer.Revision = 2
		newer.Payload = incidentPayload(t, "A-12", baseTime, "treated")

		stats, err := edge.transfer.ApplyDownload(ctx, &domain.DownloadResponse{Scope: eventID, Resolved: []*domain.Record{newer}})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Skipped)

		stored, err := edge.store.Records().Get(ctx, local.GlobalID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Revision)
	})

	t.Run("resolved winner settles conflicted entry", func(t *testing.T) {
		edge := newTestNode(t, "edge-a", node.RoleEdge)
		local := createIncident(t, edge, "A-12", baseTime)

		_, err := edge.queue.Claim(ctx, "hub", 10)
		require.NoError(t, err)
		require.NoError(t, edge.queue.MarkConflicted(ctx, local.GlobalID, "hub", "c-1"))

		winner := local.Clone()
		winner.Revision = 2
		winner.Payload = incidentPayload(t, "A-12", baseTime, "treated")

		stats, err := edge.transfer.ApplyDownload(ctx, &domain.DownloadResponse{Scope: eventID, Resolved: []*domain.Record{winner}})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Applied)

		stored, err := edge.store.Records().Get(ctx, local.GlobalID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.Revision)
		assert.Equal(t, local.LocalID, stored.LocalID)

		entries, err := edge.queue.Entries(ctx, local.GlobalID)
		require.NoError(t, err)
		assert.Equal(t, domain.QueueSynced, entries[0].State)
	})

	t.Run("redirect aliases the loser", func(t *testing.T) {
		edge := newTestNode(t, "edge-b", node.RoleEdge)
		loser := createIncident(t, edge, "A-12", baseTime)
		child, err := edge.records.Create(ctx, &domain.CreateRecordRequest{
			Class: domain.ClassObservation,
			Payload: mustJSON(t, domain.ObservationPayload{
				EventID: eventID, IncidentID: loser.GlobalID, Badge: "B-7", ObservedAt: baseTime, Text: "bandaged",
			}),
		})
		require.NoError(t, err)

		winner := incident(t, incidentA, "edge-a", 1, incidentPayload(t, "A-12", baseTime, ""))
		winner.Propagate = true

		stats, err := edge.transfer.ApplyDownload(ctx, &domain.DownloadResponse{
			Scope:     eventID,
			Resolved:  []*domain.Record{winner},
			Redirects: []domain.Redirect{{From: loser.GlobalID, To: incidentA, Scope: eventID, CreatedAt: baseTime}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Applied)
		assert.Equal(t, 1, stats.Redirected)

		aliased, err := edge.store.Records().Get(ctx, loser.GlobalID)
		require.NoError(t, err)
		assert.Equal(t, incidentA, aliased.MergedInto)

		moved, err := edge.store.Records().Get(ctx, child.GlobalID)
		require.NoError(t, err)
		assert.Contains(t, string(moved.Payload), incidentA)
		assert.Equal(t, int64(1), moved.Revision)

		_, err = edge.records.Update(ctx, loser.GlobalID, &domain.UpdateRecordRequest{
			Payload: incidentPayload(t, "A-12", baseTime, "treated"),
		})
		assert.ErrorIs(t, err, ErrRecordMerged)
	})
}

// Two edges record the same incident while offline. After both sync, the
// hub holds one canonical record and both edges agree on it.
func TestTransfer_TwoEdgesConverge(t *testing.T) {
	hub := newTestNode(t, "hub", node.RoleHub)
	edgeA := newTestNode(t, "edge-a", node.RoleEdge)
	edgeB := newTestNode(t, "edge-b", node.RoleEdge)
	ctx := context.Background()

	a := createIncident(t, edgeA, "A-12", baseTime)
	b := createIncident(t, edgeB, "a-12", baseTime.Add(12*time.Second))

	syncOnce(t, edgeB, hub)
	syncOnce(t, edgeA, hub)
	syncOnce(t, edgeB, hub)

	canonical := func(n *testNode) []string {
		recs, err := n.store.Records().ListScope(ctx, eventID, domain.KindOperational)
		require.NoError(t, err)
		var ids []string
		for _, r := range recs {
			if !r.IsAlias() {
				ids = append(ids, r.GlobalID)
			}
		}
		return ids
	}

	assert.Equal(t, []string{a.GlobalID}, canonical(hub))
	assert.Equal(t, []string{a.GlobalID}, canonical(edgeA))
	assert.Equal(t, []string{a.GlobalID}, canonical(edgeB))

	aliased, err := edgeB.store.Records().Get(ctx, b.GlobalID)
	require.NoError(t, err)
	assert.Equal(t, a.GlobalID, aliased.MergedInto)

	for _, n := range []*testNode{edgeA, edgeB} {
		counts, err := n.queue.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[domain.QueueSynced], n.ctx.ID())
		assert.Zero(t, counts[domain.QueuePending], n.ctx.ID())
	}
}

func TestTransfer_Status(t *testing.T) {
	edge := newTestNode(t, "edge-a", node.RoleEdge)
	ctx := context.Background()
	createIncident(t, edge, "A-12", baseTime)

	edge.ctx.SetReachable(true)
	edge.ctx.MarkSuccess(baseTime)

	status, err := edge.transfer.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "edge-a", status.NodeID)
	assert.Equal(t, "edge", status.Role)
	assert.True(t, status.Reachable)
	assert.True(t, status.UpstreamEnabled)
	require.NotNil(t, status.LastSuccessAt)
	assert.True(t, status.LastSuccessAt.Equal(baseTime))
	assert.Equal(t, 1, status.Queue[domain.QueuePending])
	assert.Zero(t, status.OpenConflicts)
}

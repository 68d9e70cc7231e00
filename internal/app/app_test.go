package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/internal/app"
	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/internal/repository"
	"fieldsync/pkg/hash"
	"fieldsync/pkg/jwt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	edgeSecret = "edge-shared-secret"
	hubSecret  = "hub-jwt-secret-for-tests"
)

var incidentTime = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func openStore(t *testing.T, name string) repository.Store {
	t.Helper()
	store, err := repository.OpenSQLite(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// startHub serves a hub over HTTP that accepts edge-a and edge-b.
func startHub(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	hashed, err := hash.Hash(edgeSecret)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Node.ID = "hub"
	cfg.Node.Role = "hub"
	cfg.Auth.JWTSecret = hubSecret
	cfg.Auth.NodeCredentials = map[string]string{"edge-a": hashed, "edge-b": hashed}

	hub := app.New(cfg, openStore(t, "hub"), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Hints.Run(ctx)
	srv := httptest.NewServer(hub.Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func newEdge(t *testing.T, id, hubURL, scope string) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.Role = "edge"
	cfg.Sync.UpstreamURL = hubURL
	cfg.Sync.UpstreamSecret = edgeSecret
	cfg.Sync.Scopes = []string{scope}
	cfg.Sync.Timeout = 5 * time.Second
	cfg.Sync.Compression = true
	cfg.Sync.Hints = false
	return app.New(cfg, openStore(t, id), logging.Discard())
}

func createEvent(t *testing.T, hub *app.App) string {
	t.Helper()
	payload, err := json.Marshal(domain.EventPayload{Name: "Lakeside marathon", StartsAt: incidentTime})
	require.NoError(t, err)
	rec, err := hub.Records.Create(context.Background(), &domain.CreateRecordRequest{Class: domain.ClassEvent, Payload: payload})
	require.NoError(t, err)
	return rec.GlobalID
}

func createIncident(t *testing.T, n *app.App, eventID, badge string, at time.Time, outcome string) *domain.Record {
	t.Helper()
	payload, err := json.Marshal(domain.IncidentPayload{
		EventID:    eventID,
		Badge:      badge,
		Latitude:   46.5201,
		Longitude:  6.6301,
		OccurredAt: at,
		Category:   "medical",
		Outcome:    outcome,
	})
	require.NoError(t, err)
	rec, err := n.Records.Create(context.Background(), &domain.CreateRecordRequest{Class: domain.ClassIncident, Payload: payload})
	require.NoError(t, err)
	return rec
}

func cycle(t *testing.T, edge *app.App) {
	t.Helper()
	report, err := edge.Agent.RunCycle(context.Background())
	require.NoError(t, err)
	require.False(t, report.Deferred, "upstream should be reachable")
}

func canonicalIncidents(t *testing.T, n *app.App, eventID string) []string {
	t.Helper()
	recs, err := n.Store.Records().ListScope(context.Background(), eventID, domain.KindOperational)
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		if !r.IsAlias() {
			ids = append(ids, r.GlobalID)
		}
	}
	return ids
}

func TestEndToEnd_TwoEdgesConverge(t *testing.T) {
	hub, srv := startHub(t)
	eventID := createEvent(t, hub)

	edgeA := newEdge(t, "edge-a", srv.URL, eventID)
	edgeB := newEdge(t, "edge-b", srv.URL, eventID)
	ctx := context.Background()

	cycle(t, edgeA)
	cycle(t, edgeB)
	for _, edge := range []*app.App{edgeA, edgeB} {
		ev, err := edge.Store.Records().Get(ctx, eventID)
		require.NoError(t, err, "reference data reaches %s", edge.Node.ID())
		assert.Equal(t, domain.ClassEvent, ev.Class)
	}

	// Both edges log the same incident while offline from each other.
	a := createIncident(t, edgeA, eventID, "A-12", incidentTime, "")
	b := createIncident(t, edgeB, eventID, "a-12", incidentTime.Add(12*time.Second), "")

	cycle(t, edgeB)
	cycle(t, edgeA)
	cycle(t, edgeB)

	assert.Equal(t, []string{a.GlobalID}, canonicalIncidents(t, hub, eventID))
	assert.Equal(t, []string{a.GlobalID}, canonicalIncidents(t, edgeA, eventID))
	assert.Equal(t, []string{a.GlobalID}, canonicalIncidents(t, edgeB, eventID))

	loser, err := edgeB.Store.Records().Get(ctx, b.GlobalID)
	require.NoError(t, err)
	assert.Equal(t, a.GlobalID, loser.MergedInto)

	for _, edge := range []*app.App{edgeA, edgeB} {
		counts, err := edge.Queue.Counts(ctx)
		require.NoError(t, err)
		assert.Zero(t, counts[domain.QueuePending], edge.Node.ID())
		assert.Zero(t, counts[domain.QueueInTransit], edge.Node.ID())
		assert.False(t, edge.Node.LastSuccess().IsZero())
	}

	// A cycle with nothing to do changes nothing.
	cycle(t, edgeA)
	assert.Equal(t, []string{a.GlobalID}, canonicalIncidents(t, hub, eventID))
}

func TestEndToEnd_ConflictResolvedOverHTTP(t *testing.T) {
	hub, srv := startHub(t)
	eventID := createEvent(t, hub)

	edgeA := newEdge(t, "edge-a", srv.URL, eventID)
	edgeB := newEdge(t, "edge-b", srv.URL, eventID)
	ctx := context.Background()

	a := createIncident(t, edgeA, eventID, "A-12", incidentTime, "treated")
	b := createIncident(t, edgeB, eventID, "A-12", incidentTime.Add(5*time.Second), "refused")

	cycle(t, edgeA)
	report, err := edgeB.Agent.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicted)

	open, err := hub.Conflicts.ListOpen(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.ConflictFingerprint, open[0].Kind)

	token, err := jwt.GenerateToken("ops-console", time.Minute, hubSecret)
	require.NoError(t, err)
	body, err := json.Marshal(domain.ConflictResolutionRequest{Choice: domain.ResolvePickLeft, ResolvedBy: "duty officer"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/conflicts/"+open[0].ID+"/resolve", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Success bool            `json:"success"`
		Data    domain.Conflict `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.Success)
	assert.Equal(t, domain.ConflictResolved, env.Data.Status)
	assert.Equal(t, a.GlobalID, env.Data.Resolution.WinnerID)

	cycle(t, edgeB)
	cycle(t, edgeA)

	for _, n := range []*app.App{hub, edgeA, edgeB} {
		assert.Equal(t, []string{a.GlobalID}, canonicalIncidents(t, n, eventID), n.Node.ID())
	}

	loser, err := edgeB.Store.Records().Get(ctx, b.GlobalID)
	require.NoError(t, err)
	assert.Equal(t, a.GlobalID, loser.MergedInto)

	winner, err := edgeB.Store.Records().Get(ctx, a.GlobalID)
	require.NoError(t, err)
	assert.Contains(t, string(winner.Payload), "treated")

	counts, err := edgeB.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[domain.QueueConflicted], "the resolution retires the conflicted entry")
}

func TestEndToEnd_UnreachableUpstreamDefers(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	edge := newEdge(t, "edge-a", url, "11111111-1111-4111-8111-111111111111")
	createIncident(t, edge, "11111111-1111-4111-8111-111111111111", "A-12", incidentTime, "")

	report, err := edge.Agent.RunCycle(context.Background())
	require.NoError(t, err, "an unreachable upstream is not an error")
	assert.True(t, report.Deferred)
	assert.False(t, edge.Node.Reachable())

	counts, err := edge.Queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.QueuePending])
}

func TestEndToEnd_HintTriggersCycle(t *testing.T) {
	hub, srv := startHub(t)
	eventID := createEvent(t, hub)

	edge := newEdge(t, "edge-a", srv.URL, eventID)
	edge.Config.Sync.Hints = true
	edge = app.New(edge.Config, edge.Store, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go edge.Agent.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := edge.Store.Records().Get(ctx, eventID)
		return err == nil && hub.Hints.NodeConnections("edge-a") == 1
	}, 5*time.Second, 20*time.Millisecond, "initial cycle and hint stream")

	// A record created on the hub is announced and pulled without waiting
	// for the next tick.
	rec := createIncident(t, hub, eventID, "C-3", incidentTime, "")
	require.Eventually(t, func() bool {
		_, err := edge.Store.Records().Get(ctx, rec.GlobalID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

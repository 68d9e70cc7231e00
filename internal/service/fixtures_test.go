package service

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/fingerprint"
	"fieldsync/internal/logging"
	"fieldsync/internal/node"
	"fieldsync/internal/repository"

	"github.com/stretchr/testify/require"
)

const (
	eventID     = "11111111-1111-4111-8111-111111111111"
	incidentA   = "33333333-3333-4333-8333-333333333333"
	incidentB   = "44444444-4444-4444-8444-444444444444"
	observation = "55555555-5555-4555-8555-555555555555"
)

var baseTime = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type notification struct {
	scope  string
	reason string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) NotifyScope(scope, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{scope: scope, reason: reason})
}

func (n *recordingNotifier) reasons() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.reason)
	}
	return out
}

// testNode wires every service of one node on a fresh SQLite store.
type testNode struct {
	ctx       *node.Context
	store     *repository.SQLiteStore
	queue     *QueueService
	resolver  *Resolver
	records   *RecordService
	conflicts *ConflictService
	transfer  *TransferService
	notifier  *recordingNotifier
}

func newTestNode(t *testing.T, id string, role node.Role) *testNode {
	t.Helper()

	store, err := repository.OpenSQLite(filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var peers []string
	if role == node.RoleEdge {
		peers = []string{"hub"}
	}

	logger := logging.Discard()
	engine := fingerprint.New(fingerprint.DefaultConfig())
	schema := NewSchemaValidator()
	locker := NewKeyedLocker()
	notifier := &recordingNotifier{}
	nc := node.NewContext(id, role)

	queue := NewQueueService(store.Queue(), Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2}, logger)
	resolver := NewResolver(store, ResolverOptions{
		NodeID: id, Engine: engine, Schema: schema, Locker: locker, Notifier: notifier, Logger: logger,
	})

	return &testNode{
		ctx:      nc,
		store:    store,
		queue:    queue,
		resolver: resolver,
		records: NewRecordService(nc, store, queue, RecordServiceOptions{
			Peers: peers, Engine: engine, Schema: schema, Locker: locker, Notifier: notifier, Logger: logger,
		}),
		conflicts: NewConflictService(store, queue, ConflictServiceOptions{
			NodeID: id, Peers: peers, Engine: engine, Schema: schema, Locker: locker, Notifier: notifier, Logger: logger,
		}),
		transfer: NewTransferService(nc, store, queue, resolver, TransferServiceOptions{
			Engine: engine, Schema: schema, Locker: locker, Notifier: notifier, Upstream: role == node.RoleEdge, Logger: logger,
		}),
		notifier: notifier,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func incidentPayload(t *testing.T, badge string, at time.Time, outcome string) json.RawMessage {
	return mustJSON(t, domain.IncidentPayload{
		EventID:    eventID,
		Badge:      badge,
		Latitude:   46.5201,
		Longitude:  6.6301,
		OccurredAt: at,
		Category:   "medical",
		Outcome:    outcome,
	})
}

func incident(t *testing.T, id, origin string, revision int64, payload json.RawMessage) *domain.Record {
	return &domain.Record{
		GlobalID:   id,
		Class:      domain.ClassIncident,
		OriginNode: origin,
		Revision:   revision,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
		Payload:    payload,
	}
}

func observationOf(t *testing.T, id, incidentID string) *domain.Record {
	return &domain.Record{
		GlobalID:   id,
		Class:      domain.ClassObservation,
		OriginNode: "edge-b",
		Revision:   1,
		CreatedAt:  baseTime.Add(time.Minute),
		UpdatedAt:  baseTime.Add(time.Minute),
		Payload: mustJSON(t, domain.ObservationPayload{
			EventID:    eventID,
			IncidentID: incidentID,
			Badge:      "B-7",
			Latitude:   46.53,
			Longitude:  6.64,
			ObservedAt: baseTime.Add(time.Minute),
			Text:       "patient stable",
		}),
	}
}

func reference(t *testing.T, id string, class domain.RecordClass, created time.Time, payload any) *domain.Record {
	return &domain.Record{
		GlobalID:   id,
		Class:      class,
		OriginNode: "hub",
		Revision:   1,
		CreatedAt:  created,
		UpdatedAt:  created,
		Payload:    mustJSON(t, payload),
	}
}

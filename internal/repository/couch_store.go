package repository

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"fieldsync/internal/domain"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

// Mango queries default to 25 rows.
const findLimit = 100000

// CouchStore keeps hub state in a CouchDB database. Every document carries a
// "type" field and an id of the form "<type>:<key>".
type CouchStore struct {
	client *kivik.Client
	db     *kivik.DB
}

// OpenCouch connects to url, creates dbName if needed and ensures the Mango
// indexes the repositories query by.
func OpenCouch(ctx context.Context, url, dbName string) (*CouchStore, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	store, err := newCouchStore(ctx, client, dbName)
	if err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

// newCouchStore binds the store to dbName and ensures its indexes.
func newCouchStore(ctx context.Context, client *kivik.Client, dbName string) (*CouchStore, error) {
	db := client.DB(dbName)
	if err := db.Err(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	indexes := map[string][]string{
		"by-scope":    {"type", "scope"},
		"by-ref":      {"type", "refs"},
		"by-key":      {"type", "key"},
		"by-global":   {"type", "global_id"},
		"by-state":    {"type", "state"},
		"by-status":   {"type", "status", "scope"},
		"by-incoming": {"type", "incoming_id", "status"},
		"by-target":   {"type", "to"},
	}
	names := make([]string, 0, len(indexes))
	for name := range indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		index := map[string]interface{}{"fields": indexes[name]}
		if err := db.CreateIndex(ctx, "fieldsync", name, index); err != nil {
			return nil, fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}

	return &CouchStore{client: client, db: db}, nil
}

func (s *CouchStore) Close() error {
	return s.client.Close()
}

func (s *CouchStore) Records() RecordRepository { return &couchRecords{db: s.db} }
func (s *CouchStore) Revisions() RevisionRepository { return &couchRevisions{db: s.db} }
func (s *CouchStore) Fingerprints() FingerprintRepository { return &couchFingerprints{db: s.db} }
func (s *CouchStore) Queue() QueueRepository { return &couchQueue{db: s.db} }
func (s *CouchStore) Conflicts() ConflictRepository { return &couchConflicts{db: s.db} }
func (s *CouchStore) Redirects() RedirectRepository { return &couchRedirects{db: s.db} }
func (s *CouchStore) Batches() BatchRepository { return &couchBatches{db: s.db} }

func isStatus(err error, status int) bool {
	return err != nil && kivik.HTTPStatus(err) == status
}

// getDoc scans docID into dest, mapping 404 to ErrNotFound.
func getDoc(ctx context.Context, db *kivik.DB, docID string, dest interface{}) error {
	err := db.Get(ctx, docID).ScanDoc(dest)
	if isStatus(err, http.StatusNotFound) {
		return ErrNotFound
	}
	return err
}

func findDocs[T any](ctx context.Context, db *kivik.DB, selector map[string]interface{}) ([]T, error) {
	query := map[string]interface{}{
		"selector": selector,
		"limit":    findLimit,
	}

	rows := db.Find(ctx, query)
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc T
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// records

type recordDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.Record
	Seq  int64           `json:"local_id"`
	Kind domain.DataKind `json:"kind"`
	Refs []string        `json:"refs"`
}

func (d *recordDoc) record() *domain.Record {
	rec := d.Record
	rec.LocalID = d.Seq
	return &rec
}

type seqDoc struct {
	ID    string `json:"_id"`
	Rev   string `json:"_rev,omitempty"`
	Value int64  `json:"value"`
}

type couchRecords struct {
	db *kivik.DB
}

func (r *couchRecords) nextSeq(ctx context.Context) (int64, error) {
	db := r.db
	for {
		doc := seqDoc{ID: "meta:local_seq"}
		if err := getDoc(ctx, db, doc.ID, &doc); err != nil && err != ErrNotFound {
			return 0, fmt.Errorf("failed to read local sequence: %w", err)
		}
		doc.Value++
		_, err := db.Put(ctx, doc.ID, doc)
		if isStatus(err, http.StatusConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to advance local sequence: %w", err)
		}
		return doc.Value, nil
	}
}

func (r *couchRecords) Get(ctx context.Context, globalID string) (*domain.Record, error) {
	var doc recordDoc
	if err := getDoc(ctx, r.db, "record:"+globalID, &doc); err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return doc.record(), nil
}

func (r *couchRecords) Insert(ctx context.Context, rec *domain.Record) error {
	refs, err := recordRefs(rec)
	if err != nil {
		return err
	}
	seq, err := r.nextSeq(ctx)
	if err != nil {
		return err
	}

	doc := recordDoc{
		ID:     "record:" + rec.GlobalID,
		Type:   "record",
		Record: *rec,
		Seq:    seq,
		Kind:   rec.Kind(),
		Refs:   refs,
	}
	_, err = r.db.Put(ctx, doc.ID, doc)
	if isStatus(err, http.StatusConflict) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	rec.LocalID = seq
	return nil
}

func (r *couchRecords) Update(ctx context.Context, rec *domain.Record) error {
	refs, err := recordRefs(rec)
	if err != nil {
		return err
	}

	db := r.db
	var existing recordDoc
	if err := getDoc(ctx, db, "record:"+rec.GlobalID, &existing); err != nil {
		if err == ErrNotFound {
			return err
		}
		return fmt.Errorf("failed to fetch existing record for update: %w", err)
	}

	doc := recordDoc{
		ID:     existing.ID,
		Rev:    existing.Rev,
		Type:   "record",
		Record: *rec,
		Seq:    existing.Seq,
		Kind:   rec.Kind(),
		Refs:   refs,
	}
	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		if isStatus(err, http.StatusConflict) {
			return ErrStale
		}
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

func (r *couchRecords) list(ctx context.Context, selector map[string]interface{}) ([]*domain.Record, error) {
	selector["type"] = "record"
	docs, err := findDocs[recordDoc](ctx, r.db, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	out := make([]*domain.Record, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

func (r *couchRecords) ListScope(ctx context.Context, scope string, kind domain.DataKind) ([]*domain.Record, error) {
	selector := map[string]interface{}{"scope": scope}
	if kind != "" {
		selector["kind"] = kind
	}
	return r.list(ctx, selector)
}

func (r *couchRecords) ListPropagated(ctx context.Context, scope string) ([]*domain.Record, error) {
	return r.list(ctx, map[string]interface{}{
		"scope":       scope,
		"kind":        domain.KindOperational,
		"propagate":   true,
		"merged_into": map[string]interface{}{"$exists": false},
	})
}

func (r *couchRecords) ListReferencing(ctx context.Context, globalID string) ([]*domain.Record, error) {
	return r.list(ctx, map[string]interface{}{
		"refs": map[string]interface{}{
			"$elemMatch": map[string]interface{}{"$eq": globalID},
		},
	})
}

// revisions

type revisionDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.RevisionEntry
}

type couchRevisions struct {
	db *kivik.DB
}

func revisionDocID(globalID string, revision int64, hash string) string {
	return fmt.Sprintf("revision:%s:%d:%s", globalID, revision, hash)
}

func (r *couchRevisions) Save(ctx context.Context, e *domain.RevisionEntry) error {
	doc := revisionDoc{
		ID:            revisionDocID(e.GlobalID, e.Revision, e.PayloadHash),
		Type:          "revision",
		RevisionEntry: *e,
	}
	_, err := r.db.Put(ctx, doc.ID, doc)
	if err != nil && !isStatus(err, http.StatusConflict) {
		return fmt.Errorf("failed to save revision: %w", err)
	}
	return nil
}

func (r *couchRevisions) Has(ctx context.Context, globalID string, revision int64, payloadHash string) (bool, error) {
	var doc revisionDoc
	err := getDoc(ctx, r.db, revisionDocID(globalID, revision, payloadHash), &doc)
	switch {
	case err == ErrNotFound:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check revision: %w", err)
	}
	return true, nil
}

// fingerprints

type fingerprintDoc struct {
	ID       string `json:"_id"`
	Rev      string `json:"_rev,omitempty"`
	Type     string `json:"type"`
	Key      string `json:"key"`
	GlobalID string `json:"global_id"`
}

type couchFingerprints struct {
	db *kivik.DB
}

func (r *couchFingerprints) Put(ctx context.Context, key, globalID string) error {
	doc := fingerprintDoc{
		ID:       fmt.Sprintf("fingerprint:%s:%s", key, globalID),
		Type:     "fingerprint",
		Key:      key,
		GlobalID: globalID,
	}
	_, err := r.db.Put(ctx, doc.ID, doc)
	if err != nil && !isStatus(err, http.StatusConflict) {
		return fmt.Errorf("failed to index fingerprint: %w", err)
	}
	return nil
}

func (r *couchFingerprints) Lookup(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	docs, err := findDocs[fingerprintDoc](ctx, r.db, map[string]interface{}{
		"type": "fingerprint",
		"key":  map[string]interface{}{"$in": keys},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up fingerprints: %w", err)
	}

	seen := make(map[string]struct{}, len(docs))
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if _, ok := seen[d.GlobalID]; ok {
			continue
		}
		seen[d.GlobalID] = struct{}{}
		ids = append(ids, d.GlobalID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *couchFingerprints) Remove(ctx context.Context, globalID string) error {
	db := r.db
	docs, err := findDocs[fingerprintDoc](ctx, db, map[string]interface{}{
		"type":      "fingerprint",
		"global_id": globalID,
	})
	if err != nil {
		return fmt.Errorf("failed to find fingerprints: %w", err)
	}
	for _, d := range docs {
		if _, err := db.Delete(ctx, d.ID, d.Rev); err != nil && !isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("failed to remove fingerprint: %w", err)
		}
	}
	return nil
}

// sync queue

type queueDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.QueueEntry
}

type couchQueue struct {
	db *kivik.DB
}

func queueDocID(globalID, peer string) string {
	return fmt.Sprintf("queue:%s:%s", globalID, peer)
}

func (r *couchQueue) Get(ctx context.Context, globalID, peer string) (*domain.QueueEntry, error) {
	var doc queueDoc
	if err := getDoc(ctx, r.db, queueDocID(globalID, peer), &doc); err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return &doc.QueueEntry, nil
}

func (r *couchQueue) Create(ctx context.Context, e *domain.QueueEntry) error {
	doc := queueDoc{ID: queueDocID(e.GlobalID, e.Peer), Type: "queue", QueueEntry: *e}
	_, err := r.db.Put(ctx, doc.ID, doc)
	if isStatus(err, http.StatusConflict) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create queue entry: %w", err)
	}
	return nil
}

func (r *couchQueue) CompareAndSwap(ctx context.Context, e *domain.QueueEntry, expectedState domain.QueueState, expectedRevision int64) error {
	db := r.db

	var current queueDoc
	if err := getDoc(ctx, db, queueDocID(e.GlobalID, e.Peer), &current); err != nil {
		if err == ErrNotFound {
			return err
		}
		return fmt.Errorf("failed to get queue entry: %w", err)
	}
	if current.State != expectedState || current.Revision != expectedRevision {
		return ErrStale
	}

	doc := queueDoc{ID: current.ID, Rev: current.Rev, Type: "queue", QueueEntry: *e}
	_, err := db.Put(ctx, doc.ID, doc)
	if isStatus(err, http.StatusConflict) {
		return ErrStale
	}
	if err != nil {
		return fmt.Errorf("failed to update queue entry: %w", err)
	}
	return nil
}

func (r *couchQueue) list(ctx context.Context, selector map[string]interface{}) ([]*domain.QueueEntry, error) {
	selector["type"] = "queue"
	docs, err := findDocs[queueDoc](ctx, r.db, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	out := make([]*domain.QueueEntry, 0, len(docs))
	for i := range docs {
		out = append(out, &docs[i].QueueEntry)
	}
	return out, nil
}

func (r *couchQueue) ListDue(ctx context.Context, peer string, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	entries, err := r.list(ctx, map[string]interface{}{
		"peer":  peer,
		"state": domain.QueuePending,
	})
	if err != nil {
		return nil, err
	}

	due := entries[:0]
	for _, e := range entries {
		if !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].GlobalID < due[j].GlobalID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *couchQueue) ListByState(ctx context.Context, state domain.QueueState) ([]*domain.QueueEntry, error) {
	return r.list(ctx, map[string]interface{}{"state": state})
}

func (r *couchQueue) ListByRecord(ctx context.Context, globalID string) ([]*domain.QueueEntry, error) {
	return r.list(ctx, map[string]interface{}{"global_id": globalID})
}

func (r *couchQueue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	entries, err := r.list(ctx, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	counts := domain.QueueCounts{}
	for _, e := range entries {
		counts[e.State]++
	}
	return counts, nil
}

// conflicts

type conflictDoc struct {
	DocID      string `json:"_id"`
	Rev        string `json:"_rev,omitempty"`
	Type       string `json:"type"`
	IncomingID string `json:"incoming_id"`
	domain.Conflict
}

type couchConflicts struct {
	db *kivik.DB
}

func (r *couchConflicts) Create(ctx context.Context, c *domain.Conflict) error {
	doc := conflictDoc{
		DocID:      "conflict:" + c.ID,
		Type:       "conflict",
		IncomingID: c.IncomingID(),
		Conflict:   *c,
	}
	_, err := r.db.Put(ctx, doc.DocID, doc)
	if isStatus(err, http.StatusConflict) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *couchConflicts) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	var doc conflictDoc
	if err := getDoc(ctx, r.db, "conflict:"+id, &doc); err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return &doc.Conflict, nil
}

func (r *couchConflicts) Update(ctx context.Context, c *domain.Conflict) error {
	db := r.db

	var existing conflictDoc
	if err := getDoc(ctx, db, "conflict:"+c.ID, &existing); err != nil {
		if err == ErrNotFound {
			return err
		}
		return fmt.Errorf("failed to fetch conflict for update: %w", err)
	}

	doc := conflictDoc{
		DocID:      existing.DocID,
		Rev:        existing.Rev,
		Type:       "conflict",
		IncomingID: c.IncomingID(),
		Conflict:   *c,
	}
	if _, err := db.Put(ctx, doc.DocID, doc); err != nil {
		if isStatus(err, http.StatusConflict) {
			return ErrStale
		}
		return fmt.Errorf("failed to update conflict: %w", err)
	}
	return nil
}

func (r *couchConflicts) list(ctx context.Context, selector map[string]interface{}) ([]*domain.Conflict, error) {
	selector["type"] = "conflict"
	docs, err := findDocs[conflictDoc](ctx, r.db, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	out := make([]*domain.Conflict, 0, len(docs))
	for i := range docs {
		out = append(out, &docs[i].Conflict)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *couchConflicts) ListOpen(ctx context.Context, scope string) ([]*domain.Conflict, error) {
	selector := map[string]interface{}{"status": domain.ConflictOpen}
	if scope != "" {
		selector["scope"] = scope
	}
	return r.list(ctx, selector)
}

func (r *couchConflicts) FindOpenByIncoming(ctx context.Context, globalID string) ([]*domain.Conflict, error) {
	return r.list(ctx, map[string]interface{}{
		"incoming_id": globalID,
		"status":      domain.ConflictOpen,
	})
}

// redirects

type redirectDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.Redirect
}

type couchRedirects struct {
	db *kivik.DB
}

func (r *couchRedirects) put(ctx context.Context, db *kivik.DB, rd domain.Redirect) error {
	doc := redirectDoc{ID: "redirect:" + rd.From, Type: "redirect", Redirect: rd}

	var existing redirectDoc
	switch err := getDoc(ctx, db, doc.ID, &existing); {
	case err == nil:
		doc.Rev = existing.Rev
	case err != ErrNotFound:
		return err
	}

	_, err := db.Put(ctx, doc.ID, doc)
	return err
}

func (r *couchRedirects) Put(ctx context.Context, rd *domain.Redirect) error {
	if rd.From == rd.To {
		return fmt.Errorf("redirect %s points at itself", rd.From)
	}
	db := r.db

	var out redirectDoc
	switch err := getDoc(ctx, db, "redirect:"+rd.To, &out); {
	case err == nil:
		if _, err := db.Delete(ctx, out.ID, out.Rev); err != nil && !isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("failed to drop redirect out of %s: %w", rd.To, err)
		}
	case err != ErrNotFound:
		return fmt.Errorf("failed to read redirect: %w", err)
	}

	into, err := findDocs[redirectDoc](ctx, db, map[string]interface{}{
		"type": "redirect",
		"to":   rd.From,
	})
	if err != nil {
		return fmt.Errorf("failed to find redirects into %s: %w", rd.From, err)
	}
	for _, d := range into {
		d.Redirect.To = rd.To
		if err := r.put(ctx, db, d.Redirect); err != nil {
			return fmt.Errorf("failed to compress redirect: %w", err)
		}
	}

	if err := r.put(ctx, db, *rd); err != nil {
		return fmt.Errorf("failed to write redirect: %w", err)
	}
	return nil
}

func (r *couchRedirects) Resolve(ctx context.Context, globalID string) (string, error) {
	var doc redirectDoc
	switch err := getDoc(ctx, r.db, "redirect:"+globalID, &doc); {
	case err == ErrNotFound:
		return globalID, nil
	case err != nil:
		return "", fmt.Errorf("failed to resolve redirect: %w", err)
	}
	return doc.To, nil
}

func (r *couchRedirects) ListScope(ctx context.Context, scope string) ([]domain.Redirect, error) {
	docs, err := findDocs[redirectDoc](ctx, r.db, map[string]interface{}{
		"type":  "redirect",
		"scope": scope,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list redirects: %w", err)
	}

	out := make([]domain.Redirect, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Redirect)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].From < out[j].From
	})
	return out, nil
}

// batches

type batchDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.BatchResult
}

type couchBatches struct {
	db *kivik.DB
}

func (r *couchBatches) Begin(ctx context.Context, batchID, nodeID string) (*domain.BatchResult, error) {
	doc := batchDoc{
		ID:   "batch:" + batchID,
		Type: "batch",
		BatchResult: domain.BatchResult{
			BatchID:    batchID,
			NodeID:     nodeID,
			ReceivedAt: time.Now().UTC(),
			Outcomes:   []domain.RecordOutcome{},
		},
	}
	_, err := r.db.Put(ctx, doc.ID, doc)
	if isStatus(err, http.StatusConflict) {
		existing, gerr := r.Get(ctx, batchID)
		if gerr != nil {
			return nil, gerr
		}
		return existing, ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	return &doc.BatchResult, nil
}

// modify applies fn to the batch document, retrying on revision conflicts.
func (r *couchBatches) modify(ctx context.Context, batchID string, fn func(*domain.BatchResult)) error {
	db := r.db
	for {
		var doc batchDoc
		if err := getDoc(ctx, db, "batch:"+batchID, &doc); err != nil {
			return err
		}
		fn(&doc.BatchResult)
		_, err := db.Put(ctx, doc.ID, doc)
		if isStatus(err, http.StatusConflict) {
			continue
		}
		return err
	}
}

func (r *couchBatches) AppendOutcome(ctx context.Context, batchID string, o domain.RecordOutcome) error {
	err := r.modify(ctx, batchID, func(b *domain.BatchResult) {
		b.Outcomes = append(b.Outcomes, o)
	})
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to record batch outcome: %w", err)
	}
	return err
}

func (r *couchBatches) Complete(ctx context.Context, batchID string) error {
	err := r.modify(ctx, batchID, func(b *domain.BatchResult) {
		b.Complete = true
	})
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	return err
}

func (r *couchBatches) Get(ctx context.Context, batchID string) (*domain.BatchResult, error) {
	var doc batchDoc
	if err := getDoc(ctx, r.db, "batch:"+batchID, &doc); err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if doc.Outcomes == nil {
		doc.Outcomes = []domain.RecordOutcome{}
	}
	return &doc.BatchResult, nil
}

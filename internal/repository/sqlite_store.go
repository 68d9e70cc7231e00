package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/domain"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - initial schema
const currentSchemaVersion = 1

// Fixed-width UTC layout so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps a node's state in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies pragmas and
// schema migrations. It is safe to call on an existing database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Records() RecordRepository           { return &sqliteRecords{db: s.db} }
func (s *SQLiteStore) Revisions() RevisionRepository       { return &sqliteRevisions{db: s.db} }
func (s *SQLiteStore) Fingerprints() FingerprintRepository { return &sqliteFingerprints{db: s.db} }
func (s *SQLiteStore) Queue() QueueRepository              { return &sqliteQueue{db: s.db} }
func (s *SQLiteStore) Conflicts() ConflictRepository       { return &sqliteConflicts{db: s.db} }
func (s *SQLiteStore) Redirects() RedirectRepository       { return &sqliteRedirects{db: s.db} }
func (s *SQLiteStore) Batches() BatchRepository            { return &sqliteBatches{db: s.db} }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type scanner interface {
	Scan(dest ...any) error
}

// records

type sqliteRecords struct {
	db *sql.DB
}

const recordColumns = `local_id, global_id, class, scope, origin_node, revision,
	created_at, updated_at, payload, merged_into, propagate`

func scanRecord(row scanner) (*domain.Record, error) {
	var (
		rec                  domain.Record
		class                string
		createdAt, updatedAt string
		payload              []byte
	)
	if err := row.Scan(&rec.LocalID, &rec.GlobalID, &class, &rec.Scope, &rec.OriginNode, &rec.Revision,
		&createdAt, &updatedAt, &payload, &rec.MergedInto, &rec.Propagate); err != nil {
		return nil, err
	}

	var err error
	rec.Class = domain.RecordClass(class)
	rec.Payload = json.RawMessage(payload)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *sqliteRecords) queryRecords(ctx context.Context, query string, args ...any) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func (r *sqliteRecords) Get(ctx context.Context, globalID string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE global_id = ?`, globalID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (r *sqliteRecords) Insert(ctx context.Context, rec *domain.Record) error {
	refs, err := recordRefs(rec)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO records (global_id, class, kind, scope, origin_node, revision,
			created_at, updated_at, payload, merged_into, propagate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.GlobalID, string(rec.Class), string(rec.Kind()), rec.Scope, rec.OriginNode, rec.Revision,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), []byte(rec.Payload), rec.MergedInto, rec.Propagate)
	if isConstraint(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read local id: %w", err)
	}

	if err := writeRefs(ctx, tx, rec.GlobalID, refs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}

	rec.LocalID = localID
	return nil
}

func (r *sqliteRecords) Update(ctx context.Context, rec *domain.Record) error {
	refs, err := recordRefs(rec)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET class = ?, kind = ?, scope = ?, origin_node = ?, revision = ?,
			created_at = ?, updated_at = ?, payload = ?, merged_into = ?, propagate = ?
		WHERE global_id = ?`,
		string(rec.Class), string(rec.Kind()), rec.Scope, rec.OriginNode, rec.Revision,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), []byte(rec.Payload), rec.MergedInto, rec.Propagate,
		rec.GlobalID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_refs WHERE global_id = ?`, rec.GlobalID); err != nil {
		return fmt.Errorf("failed to clear references: %w", err)
	}
	if err := writeRefs(ctx, tx, rec.GlobalID, refs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

func (r *sqliteRecords) ListScope(ctx context.Context, scope string, kind domain.DataKind) ([]*domain.Record, error) {
	if kind == "" {
		return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM records WHERE scope = ? ORDER BY local_id`, scope)
	}
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM records WHERE scope = ? AND kind = ? ORDER BY local_id`,
		scope, string(kind))
}

func (r *sqliteRecords) ListPropagated(ctx context.Context, scope string) ([]*domain.Record, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM records
		WHERE scope = ? AND kind = ? AND propagate = 1 AND merged_into = ''
		ORDER BY local_id`, scope, string(domain.KindOperational))
}

func (r *sqliteRecords) ListReferencing(ctx context.Context, globalID string) ([]*domain.Record, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM records
		WHERE global_id IN (SELECT global_id FROM record_refs WHERE ref_id = ?)
		ORDER BY local_id`, globalID)
}

func recordRefs(rec *domain.Record) ([]string, error) {
	p, err := domain.DecodePayload(rec.Class, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to index references of %s: %w", rec.GlobalID, err)
	}
	return p.References(), nil
}

func writeRefs(ctx context.Context, tx *sql.Tx, globalID string, refs []string) error {
	for _, ref := range refs {
		if ref == globalID {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_refs (global_id, ref_id) VALUES (?, ?)`, globalID, ref); err != nil {
			return fmt.Errorf("failed to write reference: %w", err)
		}
	}
	return nil
}

// revisions

type sqliteRevisions struct {
	db *sql.DB
}

func (r *sqliteRevisions) Save(ctx context.Context, e *domain.RevisionEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO revisions (global_id, revision, payload_hash, node_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.GlobalID, e.Revision, e.PayloadHash, e.NodeID, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save revision: %w", err)
	}
	return nil
}

func (r *sqliteRevisions) Has(ctx context.Context, globalID string, revision int64, payloadHash string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM revisions WHERE global_id = ? AND revision = ? AND payload_hash = ?`,
		globalID, revision, payloadHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check revision: %w", err)
	}
	return true, nil
}

// fingerprints

type sqliteFingerprints struct {
	db *sql.DB
}

func (r *sqliteFingerprints) Put(ctx context.Context, key, globalID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fingerprints (key, global_id) VALUES (?, ?)`, key, globalID)
	if err != nil {
		return fmt.Errorf("failed to index fingerprint: %w", err)
	}
	return nil
}

func (r *sqliteFingerprints) Lookup(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT global_id FROM fingerprints
		WHERE key IN (`+placeholders(len(keys))+`) ORDER BY global_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up fingerprints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sqliteFingerprints) Remove(ctx context.Context, globalID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE global_id = ?`, globalID); err != nil {
		return fmt.Errorf("failed to remove fingerprint: %w", err)
	}
	return nil
}

// sync queue

type sqliteQueue struct {
	db *sql.DB
}

const queueColumns = `global_id, peer, state, revision, attempts, next_attempt_at, last_error, conflict_id, updated_at`

func scanQueueEntry(row scanner) (*domain.QueueEntry, error) {
	var (
		e                 domain.QueueEntry
		state             string
		nextAt, updatedAt string
	)
	if err := row.Scan(&e.GlobalID, &e.Peer, &state, &e.Revision, &e.Attempts,
		&nextAt, &e.LastError, &e.ConflictID, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	e.State = domain.QueueState(state)
	if e.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *sqliteQueue) query(ctx context.Context, query string, args ...any) ([]*domain.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *sqliteQueue) Get(ctx context.Context, globalID, peer string) (*domain.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE global_id = ? AND peer = ?`,
		globalID, peer)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return e, nil
}

func (r *sqliteQueue) Create(ctx context.Context, e *domain.QueueEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.GlobalID, e.Peer, string(e.State), e.Revision, e.Attempts,
		formatTime(e.NextAttemptAt), e.LastError, e.ConflictID, formatTime(e.UpdatedAt))
	if isConstraint(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create queue entry: %w", err)
	}
	return nil
}

func (r *sqliteQueue) CompareAndSwap(ctx context.Context, e *domain.QueueEntry, expectedState domain.QueueState, expectedRevision int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue SET state = ?, revision = ?, attempts = ?, next_attempt_at = ?,
			last_error = ?, conflict_id = ?, updated_at = ?
		WHERE global_id = ? AND peer = ? AND state = ? AND revision = ?`,
		string(e.State), e.Revision, e.Attempts, formatTime(e.NextAttemptAt),
		e.LastError, e.ConflictID, formatTime(e.UpdatedAt),
		e.GlobalID, e.Peer, string(expectedState), expectedRevision)
	if err != nil {
		return fmt.Errorf("failed to update queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	if _, err := r.Get(ctx, e.GlobalID, e.Peer); err != nil {
		return err
	}
	return ErrStale
}

func (r *sqliteQueue) ListDue(ctx context.Context, peer string, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	return r.query(ctx, `SELECT `+queueColumns+` FROM sync_queue
		WHERE peer = ? AND state = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, global_id LIMIT ?`,
		peer, string(domain.QueuePending), formatTime(now), limit)
}

func (r *sqliteQueue) ListByState(ctx context.Context, state domain.QueueState) ([]*domain.QueueEntry, error) {
	return r.query(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE state = ? ORDER BY updated_at`, string(state))
}

func (r *sqliteQueue) ListByRecord(ctx context.Context, globalID string) ([]*domain.QueueEntry, error) {
	return r.query(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE global_id = ? ORDER BY peer`, globalID)
}

func (r *sqliteQueue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync queue: %w", err)
	}
	defer rows.Close()

	counts := domain.QueueCounts{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[domain.QueueState(state)] = n
	}
	return counts, rows.Err()
}

// conflicts

type sqliteConflicts struct {
	db *sql.DB
}

func (r *sqliteConflicts) Create(ctx context.Context, c *domain.Conflict) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode conflict: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, kind, status, scope, subject_id, incoming_id, detected_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), string(c.Status), c.Scope, c.SubjectID(), c.IncomingID(),
		formatTime(c.DetectedAt), body)
	if isConstraint(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *sqliteConflicts) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM conflicts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}

	var c domain.Conflict
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("failed to decode conflict: %w", err)
	}
	return &c, nil
}

func (r *sqliteConflicts) Update(ctx context.Context, c *domain.Conflict) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode conflict: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE conflicts SET status = ?, body = ? WHERE id = ?`,
		string(c.Status), body, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteConflicts) list(ctx context.Context, query string, args ...any) ([]*domain.Conflict, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conflict
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		var c domain.Conflict
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, fmt.Errorf("failed to decode conflict: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *sqliteConflicts) ListOpen(ctx context.Context, scope string) ([]*domain.Conflict, error) {
	if scope == "" {
		return r.list(ctx, `SELECT body FROM conflicts WHERE status = ? ORDER BY detected_at, id`,
			string(domain.ConflictOpen))
	}
	return r.list(ctx, `SELECT body FROM conflicts WHERE status = ? AND scope = ? ORDER BY detected_at, id`,
		string(domain.ConflictOpen), scope)
}

func (r *sqliteConflicts) FindOpenByIncoming(ctx context.Context, globalID string) ([]*domain.Conflict, error) {
	return r.list(ctx, `SELECT body FROM conflicts WHERE incoming_id = ? AND status = ? ORDER BY detected_at, id`,
		globalID, string(domain.ConflictOpen))
}

// redirects

type sqliteRedirects struct {
	db *sql.DB
}

func (r *sqliteRedirects) Put(ctx context.Context, rd *domain.Redirect) error {
	if rd.From == rd.To {
		return fmt.Errorf("redirect %s points at itself", rd.From)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM redirects WHERE from_id = ?`, []any{rd.To}},
		{`UPDATE redirects SET to_id = ? WHERE to_id = ?`, []any{rd.To, rd.From}},
		{`INSERT OR REPLACE INTO redirects (from_id, to_id, scope, created_at) VALUES (?, ?, ?, ?)`,
			[]any{rd.From, rd.To, rd.Scope, formatTime(rd.CreatedAt)}},
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("failed to write redirect: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit redirect: %w", err)
	}
	return nil
}

func (r *sqliteRedirects) Resolve(ctx context.Context, globalID string) (string, error) {
	var to string
	err := r.db.QueryRowContext(ctx, `SELECT to_id FROM redirects WHERE from_id = ?`, globalID).Scan(&to)
	if errors.Is(err, sql.ErrNoRows) {
		return globalID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve redirect: %w", err)
	}
	return to, nil
}

func (r *sqliteRedirects) ListScope(ctx context.Context, scope string) ([]domain.Redirect, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT from_id, to_id, scope, created_at FROM redirects
		WHERE scope = ? ORDER BY created_at, from_id`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list redirects: %w", err)
	}
	defer rows.Close()

	var out []domain.Redirect
	for rows.Next() {
		var (
			rd        domain.Redirect
			createdAt string
		)
		if err := rows.Scan(&rd.From, &rd.To, &rd.Scope, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan redirect: %w", err)
		}
		if rd.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

// batches

type sqliteBatches struct {
	db *sql.DB
}

func (r *sqliteBatches) Begin(ctx context.Context, batchID, nodeID string) (*domain.BatchResult, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `INSERT INTO batches (batch_id, node_id, received_at) VALUES (?, ?, ?)`,
		batchID, nodeID, formatTime(now))
	if isConstraint(err) {
		existing, gerr := r.Get(ctx, batchID)
		if gerr != nil {
			return nil, gerr
		}
		return existing, ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	return &domain.BatchResult{BatchID: batchID, NodeID: nodeID, ReceivedAt: now}, nil
}

func (r *sqliteBatches) AppendOutcome(ctx context.Context, batchID string, o domain.RecordOutcome) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO batch_outcomes (batch_id, seq, global_id, revision, outcome, canonical_id, conflict_id, reason)
		SELECT ?, COALESCE(MAX(seq) + 1, 0), ?, ?, ?, ?, ?, ? FROM batch_outcomes WHERE batch_id = ?`,
		batchID, o.GlobalID, o.Revision, string(o.Outcome), o.CanonicalID, o.ConflictID, o.Reason, batchID)
	if err != nil {
		return fmt.Errorf("failed to record batch outcome: %w", err)
	}
	return nil
}

func (r *sqliteBatches) Complete(ctx context.Context, batchID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE batches SET complete = 1 WHERE batch_id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteBatches) Get(ctx context.Context, batchID string) (*domain.BatchResult, error) {
	var (
		b          domain.BatchResult
		receivedAt string
	)
	err := r.db.QueryRowContext(ctx, `SELECT batch_id, node_id, received_at, complete FROM batches WHERE batch_id = ?`,
		batchID).Scan(&b.BatchID, &b.NodeID, &receivedAt, &b.Complete)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if b.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT global_id, revision, outcome, canonical_id, conflict_id, reason
		FROM batch_outcomes WHERE batch_id = ? ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch outcomes: %w", err)
	}
	defer rows.Close()

	b.Outcomes = []domain.RecordOutcome{}
	for rows.Next() {
		var (
			o       domain.RecordOutcome
			outcome string
		)
		if err := rows.Scan(&o.GlobalID, &o.Revision, &outcome, &o.CanonicalID, &o.ConflictID, &o.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan batch outcome: %w", err)
		}
		o.Outcome = domain.Outcome(outcome)
		b.Outcomes = append(b.Outcomes, o)
	}
	return &b, rows.Err()
}

package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository provides atomic per-record storage for records, the sync queue,
// the conflict log and pull cursors.
type Repository struct {
	db *sql.DB

	// Prepared statements for the hot read paths, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine already stored one, close our duplicate.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Tx is a unit of work spanning several tables. All writes inside one Tx
// become durable together or not at all.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (r *Repository) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `collection, id, payload, local_version, remote_version, server_version,
	sync_state, deleted, last_error, last_modified_at, last_synced_at`

// GetRecord retrieves a record by collection and id, including tombstoned ones.
func (r *Repository) GetRecord(ctx context.Context, collection, id string) (*models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+recordColumns+` FROM records WHERE collection = ? AND id = ?`)
	if err != nil {
		return nil, classify("prepare record lookup", err)
	}
	rec, err := scanRecord(stmt.QueryRowContext(ctx, collection, id))
	if err != nil {
		return nil, notFoundOr(err, "record %s/%s not found", collection, id)
	}
	return rec, nil
}

// GetRecord reads a record inside the transaction.
func (t *Tx) GetRecord(ctx context.Context, collection, id string) (*models.Record, error) {
	rec, err := scanRecord(t.tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE collection = ? AND id = ?`, collection, id))
	if err != nil {
		return nil, notFoundOr(err, "record %s/%s not found", collection, id)
	}
	return rec, nil
}

// ScanCollection returns every record of a collection ordered by id.
// Tombstoned records are included so callers can see pending deletes.
func (r *Repository) ScanCollection(ctx context.Context, collection string) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, classify("scan collection", err)
	}
	return collectRecords(rows)
}

// ListRecordsByState returns records of any collection in the given state.
func (r *Repository) ListRecordsByState(ctx context.Context, state models.SyncState) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE sync_state = ? ORDER BY collection, id`, string(state))
	if err != nil {
		return nil, classify("list records by state", err)
	}
	return collectRecords(rows)
}

// PutRecord inserts or replaces a record.
func (r *Repository) PutRecord(ctx context.Context, rec *models.Record) error {
	return putRecord(ctx, r.db, rec)
}

// PutRecord inserts or replaces a record inside the transaction.
func (t *Tx) PutRecord(ctx context.Context, rec *models.Record) error {
	return putRecord(ctx, t.tx, rec)
}

// PurgeRecord physically removes a record; its queue item goes with it.
func (r *Repository) PurgeRecord(ctx context.Context, collection, id string) error {
	return purgeRecord(ctx, r.db, collection, id)
}

// PurgeRecord physically removes a record inside the transaction.
func (t *Tx) PurgeRecord(ctx context.Context, collection, id string) error {
	return purgeRecord(ctx, t.tx, collection, id)
}

func putRecord(ctx context.Context, q querier, rec *models.Record) error {
	query := `
	INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		payload = excluded.payload,
		local_version = excluded.local_version,
		remote_version = excluded.remote_version,
		server_version = excluded.server_version,
		sync_state = excluded.sync_state,
		deleted = excluded.deleted,
		last_error = excluded.last_error,
		last_modified_at = excluded.last_modified_at,
		last_synced_at = excluded.last_synced_at
	`
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := q.ExecContext(ctx, query,
		rec.Collection, rec.ID, payload, rec.LocalVersion, nullInt64(rec.RemoteVersion), rec.ServerVersion,
		string(rec.SyncState), rec.Deleted, nullString(rec.LastError),
		rec.LastModifiedAt.UnixMilli(), nullMillis(rec.LastSyncedAt))
	return classify("write record", err)
}

func purgeRecord(ctx context.Context, q querier, collection, id string) error {
	// The queue row is removed explicitly so the purge does not depend on
	// foreign key enforcement being enabled on the connection.
	if _, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE collection = ? AND record_id = ?`, collection, id); err != nil {
		return classify("purge queue item", err)
	}
	_, err := q.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	return classify("purge record", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec          models.Record
		payload      string
		state        string
		remote       sql.NullInt64
		lastErr      sql.NullString
		modifiedAt   int64
		lastSyncedAt sql.NullInt64
	)
	err := row.Scan(&rec.Collection, &rec.ID, &payload, &rec.LocalVersion, &remote, &rec.ServerVersion,
		&state, &rec.Deleted, &lastErr, &modifiedAt, &lastSyncedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	rec.SyncState = models.SyncState(state)
	rec.LastModifiedAt = fromMillis(modifiedAt)
	if remote.Valid {
		v := remote.Int64
		rec.RemoteVersion = &v
	}
	if lastErr.Valid {
		s := lastErr.String
		rec.LastError = &s
	}
	if lastSyncedAt.Valid {
		ts := fromMillis(lastSyncedAt.Int64)
		rec.LastSyncedAt = &ts
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*models.Record, error) {
	defer rows.Close()
	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("read record", err)
		}
		out = append(out, rec)
	}
	return out, classify("iterate records", rows.Err())
}

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `collection, record_id, operation, priority_tier, attempt_count, next_attempt_at,
	last_error, idempotency_key, attempted, enqueued_at, updated_at`

// GetQueueItem returns the queue item of a record.
func (r *Repository) GetQueueItem(ctx context.Context, collection, id string) (*models.QueueItem, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE collection = ? AND record_id = ?`)
	if err != nil {
		return nil, classify("prepare queue lookup", err)
	}
	item, err := scanQueueItem(stmt.QueryRowContext(ctx, collection, id))
	if err != nil {
		return nil, notFoundOr(err, "queue item %s/%s not found", collection, id)
	}
	return item, nil
}

// GetQueueItem reads a queue item inside the transaction.
func (t *Tx) GetQueueItem(ctx context.Context, collection, id string) (*models.QueueItem, error) {
	item, err := scanQueueItem(t.tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE collection = ? AND record_id = ?`, collection, id))
	if err != nil {
		return nil, notFoundOr(err, "queue item %s/%s not found", collection, id)
	}
	return item, nil
}

// ListQueue returns the queue items of one tier in enqueue order. An empty
// tier lists every item, high tier first.
func (r *Repository) ListQueue(ctx context.Context, tier models.PriorityTier) ([]*models.QueueItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if tier == "" {
		rows, err = r.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue
			ORDER BY CASE priority_tier WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, seq`)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE priority_tier = ? ORDER BY seq`, string(tier))
	}
	if err != nil {
		return nil, classify("list queue", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, classify("read queue item", err)
		}
		items = append(items, item)
	}
	return items, classify("iterate queue", rows.Err())
}

// PutQueueItem inserts or updates a queue item. An update keeps the item's
// original position in the queue.
func (r *Repository) PutQueueItem(ctx context.Context, item *models.QueueItem) error {
	return putQueueItem(ctx, r.db, item)
}

// PutQueueItem inserts or updates a queue item inside the transaction.
func (t *Tx) PutQueueItem(ctx context.Context, item *models.QueueItem) error {
	return putQueueItem(ctx, t.tx, item)
}

// DeleteQueueItem removes the queue item of a record, if any.
func (r *Repository) DeleteQueueItem(ctx context.Context, collection, id string) error {
	return deleteQueueItem(ctx, r.db, collection, id)
}

// DeleteQueueItem removes a queue item inside the transaction.
func (t *Tx) DeleteQueueItem(ctx context.Context, collection, id string) error {
	return deleteQueueItem(ctx, t.tx, collection, id)
}

func putQueueItem(ctx context.Context, q querier, item *models.QueueItem) error {
	query := `
	INSERT INTO sync_queue (collection, record_id, operation, priority_tier, attempt_count, next_attempt_at,
		last_error, idempotency_key, attempted, seq, enqueued_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_queue), ?, ?)
	ON CONFLICT(collection, record_id) DO UPDATE SET
		operation = excluded.operation,
		priority_tier = excluded.priority_tier,
		attempt_count = excluded.attempt_count,
		next_attempt_at = excluded.next_attempt_at,
		last_error = excluded.last_error,
		idempotency_key = excluded.idempotency_key,
		attempted = excluded.attempted,
		updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		item.Collection, item.RecordID, string(item.Operation), string(item.PriorityTier), item.AttemptCount,
		item.NextAttemptAt.UnixMilli(), nullString(item.LastError), item.IdempotencyKey, item.Attempted,
		item.EnqueuedAt.UnixMilli(), item.UpdatedAt.UnixMilli())
	return classify("write queue item", err)
}

// MarkAttempted flags the queue item of a record as possibly applied by the
// remote store. It is a no-op when the record has no queue item.
func (r *Repository) MarkAttempted(ctx context.Context, collection, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET attempted = 1 WHERE collection = ? AND record_id = ?`, collection, id)
	return classify("mark queue item attempted", err)
}

func deleteQueueItem(ctx context.Context, q querier, collection, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE collection = ? AND record_id = ?`, collection, id)
	return classify("delete queue item", err)
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item                         models.QueueItem
		op, tier                     string
		lastErr                      sql.NullString
		nextAt, enqueuedAt, updateAt int64
	)
	err := row.Scan(&item.Collection, &item.RecordID, &op, &tier, &item.AttemptCount, &nextAt,
		&lastErr, &item.IdempotencyKey, &item.Attempted, &enqueuedAt, &updateAt)
	if err != nil {
		return nil, err
	}
	item.Operation = models.Operation(op)
	item.PriorityTier = models.PriorityTier(tier)
	item.NextAttemptAt = fromMillis(nextAt)
	item.EnqueuedAt = fromMillis(enqueuedAt)
	item.UpdatedAt = fromMillis(updateAt)
	if lastErr.Valid {
		s := lastErr.String
		item.LastError = &s
	}
	return &item, nil
}

// =====================================================
// Conflict Log Operations
// =====================================================

const conflictColumns = `id, collection, record_id, local_snapshot, remote_snapshot, strategy,
	resolution_state, detected_at, resolved_at`

// PutConflictLog inserts or updates a conflict log entry.
func (r *Repository) PutConflictLog(ctx context.Context, entry *models.ConflictLog) error {
	return putConflictLog(ctx, r.db, entry)
}

// PutConflictLog inserts or updates a conflict log entry inside the transaction.
func (t *Tx) PutConflictLog(ctx context.Context, entry *models.ConflictLog) error {
	return putConflictLog(ctx, t.tx, entry)
}

func putConflictLog(ctx context.Context, q querier, entry *models.ConflictLog) error {
	local, err := json.Marshal(entry.LocalSnapshot)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode local snapshot", err)
	}
	remote, err := json.Marshal(entry.RemoteSnapshot)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode remote snapshot", err)
	}
	query := `
	INSERT INTO conflict_log (` + conflictColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		local_snapshot = excluded.local_snapshot,
		remote_snapshot = excluded.remote_snapshot,
		strategy = excluded.strategy,
		resolution_state = excluded.resolution_state,
		resolved_at = excluded.resolved_at
	`
	_, err = q.ExecContext(ctx, query,
		entry.ID, entry.Collection, entry.RecordID, string(local), string(remote), entry.Strategy,
		string(entry.ResolutionState), entry.DetectedAt.UnixMilli(), nullMillis(entry.ResolvedAt))
	return classify("write conflict log", err)
}

// GetConflictLog returns a conflict log entry by id.
func (r *Repository) GetConflictLog(ctx context.Context, id string) (*models.ConflictLog, error) {
	entry, err := scanConflictLog(r.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflict_log WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "conflict %s not found", id)
	}
	return entry, nil
}

// GetOpenConflict returns the newest unresolved conflict of a record.
func (r *Repository) GetOpenConflict(ctx context.Context, collection, recordID string) (*models.ConflictLog, error) {
	return getOpenConflict(ctx, r.db, collection, recordID)
}

// GetOpenConflict reads the open conflict of a record inside the transaction.
func (t *Tx) GetOpenConflict(ctx context.Context, collection, recordID string) (*models.ConflictLog, error) {
	return getOpenConflict(ctx, t.tx, collection, recordID)
}

func getOpenConflict(ctx context.Context, q querier, collection, recordID string) (*models.ConflictLog, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log
		WHERE collection = ? AND record_id = ? AND resolution_state = 'unresolved'
		ORDER BY detected_at DESC, id DESC LIMIT 1`
	entry, err := scanConflictLog(q.QueryRowContext(ctx, query, collection, recordID))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.ErrConflictNotFound, "no open conflict for %s/%s", collection, recordID)
		}
		return nil, classify("read conflict log", err)
	}
	return entry, nil
}

// ListConflicts returns conflict log entries, newest first. An empty state
// lists all of them.
func (r *Repository) ListConflicts(ctx context.Context, state models.ResolutionState) ([]*models.ConflictLog, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if state == "" {
		rows, err = r.db.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflict_log ORDER BY detected_at DESC, id DESC`)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflict_log WHERE resolution_state = ? ORDER BY detected_at DESC, id DESC`, string(state))
	}
	if err != nil {
		return nil, classify("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		entry, err := scanConflictLog(rows)
		if err != nil {
			return nil, classify("read conflict log", err)
		}
		out = append(out, entry)
	}
	return out, classify("iterate conflicts", rows.Err())
}

func scanConflictLog(row rowScanner) (*models.ConflictLog, error) {
	var (
		entry         models.ConflictLog
		local, remote string
		state         string
		detectedAt    int64
		resolvedAt    sql.NullInt64
	)
	err := row.Scan(&entry.ID, &entry.Collection, &entry.RecordID, &local, &remote, &entry.Strategy,
		&state, &detectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(local), &entry.LocalSnapshot); err != nil {
		return nil, fmt.Errorf("decode local snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &entry.RemoteSnapshot); err != nil {
		return nil, fmt.Errorf("decode remote snapshot: %w", err)
	}
	entry.ResolutionState = models.ResolutionState(state)
	entry.DetectedAt = fromMillis(detectedAt)
	if resolvedAt.Valid {
		ts := fromMillis(resolvedAt.Int64)
		entry.ResolvedAt = &ts
	}
	return &entry, nil
}

// =====================================================
// Cursor and Status Operations
// =====================================================

// SyncCursor is the pull position and last successful sync of a collection.
type SyncCursor struct {
	Collection   string
	Cursor       string
	LastSyncedAt *time.Time
}

// GetCursor returns the pull cursor of a collection; an unknown collection
// has an empty cursor.
func (r *Repository) GetCursor(ctx context.Context, collection string) (SyncCursor, error) {
	c := SyncCursor{Collection: collection}
	var last sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT cursor, last_synced_at FROM sync_cursors WHERE collection = ?`, collection).
		Scan(&c.Cursor, &last)
	if stderrors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, classify("read cursor", err)
	}
	if last.Valid {
		ts := fromMillis(last.Int64)
		c.LastSyncedAt = &ts
	}
	return c, nil
}

// SetCursor stores the pull cursor of a collection.
func (r *Repository) SetCursor(ctx context.Context, collection, cursor string) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_cursors (collection, cursor) VALUES (?, ?)
	ON CONFLICT(collection) DO UPDATE SET cursor = excluded.cursor`, collection, cursor)
	return classify("write cursor", err)
}

// MarkCollectionSynced records the time of the last successful sync.
func (r *Repository) MarkCollectionSynced(ctx context.Context, collection string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_cursors (collection, last_synced_at) VALUES (?, ?)
	ON CONFLICT(collection) DO UPDATE SET last_synced_at = excluded.last_synced_at`, collection, at.UnixMilli())
	return classify("write last sync", err)
}

// ListCursors returns every known cursor ordered by collection.
func (r *Repository) ListCursors(ctx context.Context) ([]SyncCursor, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT collection, cursor, last_synced_at FROM sync_cursors ORDER BY collection`)
	if err != nil {
		return nil, classify("list cursors", err)
	}
	defer rows.Close()

	var out []SyncCursor
	for rows.Next() {
		var c SyncCursor
		var last sql.NullInt64
		if err := rows.Scan(&c.Collection, &c.Cursor, &last); err != nil {
			return nil, classify("read cursor", err)
		}
		if last.Valid {
			ts := fromMillis(last.Int64)
			c.LastSyncedAt = &ts
		}
		out = append(out, c)
	}
	return out, classify("iterate cursors", rows.Err())
}

// CountByState returns, per collection, how many records are in each state.
func (r *Repository) CountByState(ctx context.Context) (map[string]map[models.SyncState]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT collection, sync_state, COUNT(*) FROM records GROUP BY collection, sync_state`)
	if err != nil {
		return nil, classify("count records", err)
	}
	defer rows.Close()

	counts := make(map[string]map[models.SyncState]int)
	for rows.Next() {
		var collection, state string
		var n int
		if err := rows.Scan(&collection, &state, &n); err != nil {
			return nil, classify("read count", err)
		}
		if counts[collection] == nil {
			counts[collection] = make(map[models.SyncState]int)
		}
		counts[collection][models.SyncState(state)] = n
	}
	return counts, classify("iterate counts", rows.Err())
}

// =====================================================
// Helpers
// =====================================================

func notFoundOr(err error, format string, args ...interface{}) error {
	if stderrors.Is(err, sql.ErrNoRows) {
		return apperrors.Newf(apperrors.ErrNotFound, format, args...)
	}
	return classify("read", err)
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

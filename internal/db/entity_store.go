package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/kimhsiao/offlinesync/internal/codec"
	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

const entityColumns = `id, entity_type, data, created_at, last_modified_at, sync_status,
	retry_count, priority_rank, device_id, user_id, metadata, version, next_retry_at, last_error`

// queryPageSize bounds the rows held in memory by QueryByType.
const queryPageSize = 100

// EntityStore is the durable, keyed store of entities and conflicts.
// Entity and conflict payloads pass through the codec pipeline.
type EntityStore struct {
	db       *DB
	codec    *codec.Pipeline
	maxItems int
}

// NewEntityStore creates an EntityStore. maxItems <= 0 disables the
// capacity limit.
func NewEntityStore(db *DB, pipeline *codec.Pipeline, maxItems int) *EntityStore {
	if pipeline == nil {
		pipeline = codec.New()
	}
	return &EntityStore{db: db, codec: pipeline, maxItems: maxItems}
}

// DB returns the underlying database.
func (s *EntityStore) DB() *DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

// entityRow is an entities row before its payload is decoded.
type entityRow struct {
	entity   models.Entity
	data     []byte
	rank     int
	status   string
	metadata string
}

func scanEntityRow(row rowScanner) (*entityRow, error) {
	var r entityRow
	e := &r.entity
	err := row.Scan(&e.ID, &e.EntityType, &r.data, &e.CreatedAt, &e.LastModifiedAt, &r.status,
		&e.RetryCount, &r.rank, &e.DeviceID, &e.UserID, &r.metadata, &e.Version, &e.NextRetryAt, &e.LastError)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// decode turns a row into an Entity. Failures are DECODE_ERRORs.
func (s *EntityStore) decode(r *entityRow) (*models.Entity, error) {
	e := r.entity
	payload, err := s.codec.Decode(r.data)
	if err != nil {
		return nil, fmt.Errorf("entity %q: %w", e.ID, err)
	}
	e.Data = json.RawMessage(payload)
	e.Priority = models.PriorityFromRank(r.rank)
	e.SyncStatus = models.SyncStatus(r.status)

	if r.metadata != "" && r.metadata != "{}" {
		if err := json.Unmarshal([]byte(r.metadata), &e.Metadata); err != nil {
			return nil, errors.Decode(fmt.Sprintf("entity %q metadata", e.ID), err)
		}
	}
	return &e, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Put inserts or replaces an entity. The record and its index entries are
// written in one transaction. A new id is rejected with CAPACITY_EXCEEDED
// once the store holds maxItems entities.
func (s *EntityStore) Put(ctx context.Context, e *models.Entity) error {
	if e == nil || strings.TrimSpace(e.ID) == "" {
		return errors.New(errors.ErrInvalid, "entity id is required")
	}
	if e.EntityType == "" {
		return errors.New(errors.ErrInvalid, "entity type is required")
	}

	data, err := s.codec.Encode(e.Data)
	if err != nil {
		return err
	}
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode metadata", err)
	}
	status := e.SyncStatus
	if status == "" {
		status = models.SyncStatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storage("begin put", err)
	}
	defer tx.Rollback()

	if s.maxItems > 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM entities WHERE id = ?)", e.ID).Scan(&exists); err != nil {
			return errors.Storage("check entity", err)
		}
		if !exists {
			var count int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&count); err != nil {
				return errors.Storage("count entities", err)
			}
			if count >= s.maxItems {
				return errors.Newf(errors.ErrCapacity, "store holds %d entities, the limit is %d", count, s.maxItems)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type = excluded.entity_type,
			data = excluded.data,
			last_modified_at = excluded.last_modified_at,
			sync_status = excluded.sync_status,
			retry_count = excluded.retry_count,
			priority_rank = excluded.priority_rank,
			device_id = excluded.device_id,
			user_id = excluded.user_id,
			metadata = excluded.metadata,
			version = excluded.version,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error`,
		e.ID, e.EntityType, data, e.CreatedAt, e.LastModifiedAt, string(status),
		e.RetryCount, e.Priority.Rank(), e.DeviceID, e.UserID, meta, e.Version, e.NextRetryAt, e.LastError)
	if err != nil {
		return errors.Storage("put entity", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Storage("commit put", err)
	}
	return nil
}

// Get returns the entity with id, NOT_FOUND when absent or DECODE_ERROR
// when the stored payload cannot be decoded.
func (s *EntityStore) Get(ctx context.Context, id string) (*models.Entity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE id = ?", id)
	r, err := scanEntityRow(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("entity", id)
	}
	if err != nil {
		return nil, errors.Storage("get entity", err)
	}
	return s.decode(r)
}

// typeCursor is the keyset position of QueryByType.
type typeCursor struct {
	lastModifiedAt int64
	id             string
}

// QueryByType lazily yields entities of entityType ordered by
// (last_modified_at, id). The sequence is finite and restartable: every
// range runs the query again. limit <= 0 yields all matches. An entity that
// fails to decode is yielded as an error and iteration continues if the
// caller keeps ranging.
func (s *EntityStore) QueryByType(ctx context.Context, entityType string, limit int) iter.Seq2[*models.Entity, error] {
	return func(yield func(*models.Entity, error) bool) {
		cursor := typeCursor{lastModifiedAt: math.MinInt64}
		yielded := 0

		for {
			n := queryPageSize
			if limit > 0 && limit-yielded < n {
				n = limit - yielded
			}
			if n <= 0 {
				return
			}

			page, err := s.queryTypePage(ctx, entityType, cursor, n)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, r := range page {
				cursor = typeCursor{lastModifiedAt: r.entity.LastModifiedAt, id: r.entity.ID}
				yielded++
				if !yield(s.decode(r)) {
					return
				}
			}
			if len(page) < n {
				return
			}
		}
	}
}

// queryTypePage reads one page fully so no rows stay open while the caller
// handles the yielded values.
func (s *EntityStore) queryTypePage(ctx context.Context, entityType string, after typeCursor, n int) ([]*entityRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type = ?
		  AND (last_modified_at > ? OR (last_modified_at = ? AND id > ?))
		ORDER BY last_modified_at ASC, id ASC
		LIMIT ?`,
		entityType, after.lastModifiedAt, after.lastModifiedAt, after.id, n)
	if err != nil {
		return nil, errors.Storage("query by type", err)
	}
	defer rows.Close()

	var page []*entityRow
	for rows.Next() {
		r, err := scanEntityRow(rows)
		if err != nil {
			return nil, errors.Storage("scan entity", err)
		}
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("query by type", err)
	}
	return page, nil
}

// Delete removes the entity and any unresolved conflict for it. Deleting a
// missing id is not an error; existed reports whether a row was removed.
func (s *EntityStore) Delete(ctx context.Context, id string) (existed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Storage("begin delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id)
	if err != nil {
		return false, errors.Storage("delete entity", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conflicts WHERE entity_id = ? AND resolved = 0", id); err != nil {
		return false, errors.Storage("delete conflict", err)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Storage("commit delete", err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeOlderThan deletes entities last modified before cutoff (unix ms).
// With onlySynced, entities that still carry unsynced work are kept.
func (s *EntityStore) PurgeOlderThan(ctx context.Context, cutoff int64, onlySynced bool) (int, error) {
	query := "DELETE FROM entities WHERE last_modified_at < ?"
	args := []any{cutoff}
	if onlySynced {
		query += " AND sync_status = ?"
		args = append(args, string(models.SyncStatusSynced))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Storage("purge entities", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PendingQuery selects queue candidates.
type PendingQuery struct {
	Limit int
	// Now is compared against next_retry_at; entities waiting out a retry
	// delay are not eligible.
	Now int64
	// Exclude lists ids that must not be returned.
	Exclude []string
}

func (q PendingQuery) where() (string, []any) {
	clause := "sync_status = ? AND next_retry_at <= ?"
	args := []any{string(models.SyncStatusPending), q.Now}
	if len(q.Exclude) > 0 {
		clause += " AND id NOT IN (" + placeholders(len(q.Exclude)) + ")"
		for _, id := range q.Exclude {
			args = append(args, id)
		}
	}
	return clause, args
}

const queueOrder = "ORDER BY priority_rank DESC, last_modified_at ASC, id ASC"

// ListPending returns eligible pending entities in queue order. A pending
// row whose payload cannot be decoded can never be sent; it is moved to
// failed and left out of the result.
func (s *EntityStore) ListPending(ctx context.Context, q PendingQuery) ([]*models.Entity, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	var out []*models.Entity
	for len(out) < q.Limit {
		where, args := q.where()
		args = append(args, q.Limit-len(out))

		rows, err := s.db.QueryContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE "+where+" "+queueOrder+" LIMIT ?", args...)
		if err != nil {
			return nil, errors.Storage("list pending", err)
		}
		var page []*entityRow
		for rows.Next() {
			r, err := scanEntityRow(rows)
			if err != nil {
				rows.Close()
				return nil, errors.Storage("scan pending", err)
			}
			page = append(page, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Storage("list pending", err)
		}

		undecodable := 0
		for _, r := range page {
			e, err := s.decode(r)
			if err != nil {
				undecodable++
				if ferr := s.failUndecodable(ctx, r.entity.ID, err); ferr != nil {
					return nil, ferr
				}
				continue
			}
			out = append(out, e)
		}

		if undecodable == 0 {
			break
		}
	}
	return out, nil
}

func (s *EntityStore) failUndecodable(ctx context.Context, id string, cause error) error {
	logging.ErrorWithCode("Pending entity cannot be decoded", string(errors.ErrDecode), cause,
		map[string]interface{}{"entity_id": id})

	_, err := s.db.ExecContext(ctx,
		"UPDATE entities SET sync_status = ?, last_error = ? WHERE id = ? AND sync_status = ?",
		string(models.SyncStatusFailed), cause.Error(), id, string(models.SyncStatusPending))
	if err != nil {
		return errors.Storage("fail undecodable entity", err)
	}
	return nil
}

// PendingIDs returns up to limit eligible pending ids in queue order
// without reading payloads.
func (s *EntityStore) PendingIDs(ctx context.Context, q PendingQuery) ([]string, error) {
	where, args := q.where()
	query := "SELECT id FROM entities WHERE " + where + " " + queueOrder
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storage("list pending ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Storage("scan pending id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("list pending ids", err)
	}
	return ids, nil
}

// CountByStatus returns the number of entities per sync status. Every
// status is present in the result.
func (s *EntityStore) CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error) {
	counts := make(map[models.SyncStatus]int, len(models.AllSyncStatuses))
	for _, st := range models.AllSyncStatuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, "SELECT sync_status, COUNT(*) FROM entities GROUP BY sync_status")
	if err != nil {
		return nil, errors.Storage("count by status", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Storage("scan status count", err)
		}
		counts[models.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("count by status", err)
	}
	return counts, nil
}

// MarkSyncing moves the given pending entities to syncing and returns how
// many rows changed.
func (s *EntityStore) MarkSyncing(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(models.SyncStatusSyncing), string(models.SyncStatusPending)}
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE entities SET sync_status = ? WHERE sync_status = ? AND id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, errors.Storage("mark syncing", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SyncUpdate is the outcome of one sync attempt.
type SyncUpdate struct {
	ID string
	// Version is the entity version the attempt was made with.
	Version     int
	Status      models.SyncStatus
	RetryCount  int
	NextRetryAt int64
	LastError   string
	// Metadata replaces the entity metadata when non-nil.
	Metadata map[string]string
}

// UpdateSyncState applies u only if the entity still has u.Version.
// applied is false when the entity was edited (or deleted) meanwhile.
func (s *EntityStore) UpdateSyncState(ctx context.Context, u SyncUpdate) (applied bool, err error) {
	return s.updateSyncState(ctx, s.db, u)
}

func (s *EntityStore) updateSyncState(ctx context.Context, x execer, u SyncUpdate) (bool, error) {
	query := "UPDATE entities SET sync_status = ?, retry_count = ?, next_retry_at = ?, last_error = ?"
	args := []any{string(u.Status), u.RetryCount, u.NextRetryAt, u.LastError}
	if u.Metadata != nil {
		meta, err := encodeMetadata(u.Metadata)
		if err != nil {
			return false, errors.Wrap(errors.ErrInvalid, "encode metadata", err)
		}
		query += ", metadata = ?"
		args = append(args, meta)
	}
	query += " WHERE id = ? AND version = ?"
	args = append(args, u.ID, u.Version)

	res, err := x.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Storage("update sync state", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AckSynced marks the entity synced, guarded by u.Version like
// UpdateSyncState, and settles its conflict record in the same transaction.
// The accepted version supersedes a conflict that is still open, and the
// automatic resolution count starts over. at (unix ms) is the resolution
// time of a superseded conflict.
func (s *EntityStore) AckSynced(ctx context.Context, u SyncUpdate, at int64) (applied, superseded bool, err error) {
	u.Status = models.SyncStatusSynced
	u.RetryCount = 0
	u.NextRetryAt = 0
	u.LastError = ""

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, errors.Storage("begin ack", err)
	}
	defer tx.Rollback()

	applied, err = s.updateSyncState(ctx, tx, u)
	if err != nil || !applied {
		return false, false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conflicts SET resolved = 1, strategy = ?, resolved_at = ?, resolution_attempts = 0
		WHERE entity_id = ? AND resolved = 0`,
		string(models.StrategySuperseded), at, u.ID)
	if err != nil {
		return false, false, errors.Storage("supersede conflict", err)
	}
	n, _ := res.RowsAffected()
	superseded = n > 0

	if _, err := tx.ExecContext(ctx,
		"UPDATE conflicts SET resolution_attempts = 0 WHERE entity_id = ? AND resolution_attempts <> 0", u.ID); err != nil {
		return false, false, errors.Storage("reset resolution attempts", err)
	}

	if err := tx.Commit(); err != nil {
		return false, false, errors.Storage("commit ack", err)
	}
	return true, superseded, nil
}

// ResetSyncing returns entities left in syncing by an interrupted cycle to
// pending.
func (s *EntityStore) ResetSyncing(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE entities SET sync_status = ? WHERE sync_status = ?",
		string(models.SyncStatusPending), string(models.SyncStatusSyncing))
	if err != nil {
		return 0, errors.Storage("reset syncing", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetFailed re-queues failed entities with a fresh retry budget. With no
// ids every failed entity is reset.
func (s *EntityStore) ResetFailed(ctx context.Context, ids ...string) (int, error) {
	query := `UPDATE entities SET sync_status = ?, retry_count = 0, next_retry_at = 0, last_error = ''
		WHERE sync_status = ?`
	args := []any{string(models.SyncStatusPending), string(models.SyncStatusFailed)}
	if len(ids) > 0 {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Storage("reset failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetMetadata reads a metadata value.
func (s *EntityStore) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	return s.db.GetMetadata(ctx, key)
}

// PutMetadata writes a metadata value.
func (s *EntityStore) PutMetadata(ctx context.Context, key, value string) error {
	return s.db.PutMetadata(ctx, key, value)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

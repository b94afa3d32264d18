package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

const conflictColumns = `entity_id, local_payload, remote_payload, conflict_type, detected_at,
	resolved, strategy, resolution_attempts, resolved_at, remote_version`

func (s *EntityStore) scanConflict(row rowScanner) (*models.Conflict, error) {
	var c models.Conflict
	var local, remote []byte
	var conflictType, strategy string
	err := row.Scan(&c.ID, &local, &remote, &conflictType, &c.DetectedAt,
		&c.Resolved, &strategy, &c.ResolutionAttempts, &c.ResolvedAt, &c.RemoteVersion)
	if err != nil {
		return nil, err
	}
	c.ConflictType = models.ConflictType(conflictType)
	c.Strategy = models.Strategy(strategy)

	lp, err := s.codec.Decode(local)
	if err != nil {
		return nil, fmt.Errorf("conflict %q local payload: %w", c.ID, err)
	}
	rp, err := s.codec.Decode(remote)
	if err != nil {
		return nil, fmt.Errorf("conflict %q remote payload: %w", c.ID, err)
	}
	c.LocalPayload = json.RawMessage(lp)
	c.RemotePayload = json.RawMessage(rp)
	return &c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertConflict writes c. With keepAttempts the stored resolution_attempts
// survives a re-detected conflict.
func (s *EntityStore) upsertConflict(ctx context.Context, x execer, c *models.Conflict, keepAttempts bool) error {
	local, err := s.codec.Encode(c.LocalPayload)
	if err != nil {
		return err
	}
	remote, err := s.codec.Encode(c.RemotePayload)
	if err != nil {
		return err
	}

	attempts := "resolution_attempts = excluded.resolution_attempts"
	if keepAttempts {
		attempts = "resolution_attempts = conflicts.resolution_attempts"
	}

	_, err = x.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			local_payload = excluded.local_payload,
			remote_payload = excluded.remote_payload,
			conflict_type = excluded.conflict_type,
			detected_at = excluded.detected_at,
			resolved = excluded.resolved,
			strategy = excluded.strategy,
			resolved_at = excluded.resolved_at,
			remote_version = excluded.remote_version,
			`+attempts,
		c.ID, local, remote, string(c.ConflictType), c.DetectedAt,
		c.Resolved, string(c.Strategy), c.ResolutionAttempts, c.ResolvedAt, c.RemoteVersion)
	if err != nil {
		return errors.Storage("put conflict", err)
	}
	return nil
}

// PutConflict inserts or replaces a conflict record.
func (s *EntityStore) PutConflict(ctx context.Context, c *models.Conflict) error {
	if c == nil || c.ID == "" {
		return errors.New(errors.ErrInvalid, "conflict entity id is required")
	}
	return s.upsertConflict(ctx, s.db, c, false)
}

// RecordConflict moves the entity to conflict and stores c in one
// transaction, provided the entity still has version. A conflict already on
// file for the id is overwritten but keeps its resolution attempt count.
func (s *EntityStore) RecordConflict(ctx context.Context, version int, c *models.Conflict) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Storage("begin record conflict", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE entities SET sync_status = ?, retry_count = 0, next_retry_at = 0, last_error = ''
		WHERE id = ? AND version = ?`,
		string(models.SyncStatusConflict), c.ID, version)
	if err != nil {
		return false, errors.Storage("mark conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := s.upsertConflict(ctx, tx, c, true); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Storage("commit record conflict", err)
	}
	return true, nil
}

// GetConflict returns the conflict recorded for an entity id.
func (s *EntityStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflicts WHERE entity_id = ?", id)
	c, err := s.scanConflict(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("conflict", id)
	}
	if err != nil {
		if errors.Is(err, errors.ErrDecode) {
			return nil, err
		}
		return nil, errors.Storage("get conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflicts ordered by detection time.
func (s *EntityStore) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*models.Conflict, error) {
	query := "SELECT " + conflictColumns + " FROM conflicts"
	if unresolvedOnly {
		query += " WHERE resolved = 0"
	}
	query += " ORDER BY detected_at ASC, entity_id ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Storage("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.Conflict
	for rows.Next() {
		c, err := s.scanConflict(rows)
		if err != nil {
			if errors.Is(err, errors.ErrDecode) {
				return nil, err
			}
			return nil, errors.Storage("scan conflict", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("list conflicts", err)
	}
	return out, nil
}

// CountUnresolvedConflicts returns the number of open conflicts.
func (s *EntityStore) CountUnresolvedConflicts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conflicts WHERE resolved = 0").Scan(&n); err != nil {
		return 0, errors.Storage("count conflicts", err)
	}
	return n, nil
}

// ResolveConflict retires c and rewrites its entity with payload in one
// transaction. The entity goes back to pending with a fresh retry budget
// and a bumped version, and remembers the conflict's remote revision as the
// base of its next push. c must already carry its resolution fields.
func (s *EntityStore) ResolveConflict(ctx context.Context, c *models.Conflict, payload json.RawMessage, now int64) (*models.Entity, error) {
	data, err := s.codec.Encode(payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Storage("begin resolve", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE entities SET
			data = ?,
			sync_status = ?,
			retry_count = 0,
			next_retry_at = 0,
			last_error = '',
			version = version + 1,
			last_modified_at = MAX(last_modified_at, ?),
			metadata = CASE WHEN ? = '' THEN metadata
				ELSE json_set(metadata, '$."`+models.MetaRemoteVersion+`"', ?) END
		WHERE id = ?`,
		data, string(models.SyncStatusPending), now, c.RemoteVersion, c.RemoteVersion, c.ID)
	if err != nil {
		return nil, errors.Storage("apply resolution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.NotFound("entity", c.ID)
	}

	if err := s.upsertConflict(ctx, tx, c, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Storage("commit resolve", err)
	}

	return s.Get(ctx, c.ID)
}

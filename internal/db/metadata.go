package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
)

// GetMetadata returns the value stored under key. ok is false when the key
// is absent.
func (db *DB) GetMetadata(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Storage("get metadata", err)
	}
	return value, true, nil
}

// PutMetadata upserts a metadata value.
func (db *DB) PutMetadata(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Storage("put metadata", err)
	}
	return nil
}

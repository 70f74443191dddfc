package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBlobNotFound is returned by Load when no value exists for the
// namespace/key pair.
var ErrBlobNotFound = errors.New("database: blob not found")

// BlobStore is a namespaced key/value store of opaque byte blobs backed
// by the blobs table. Each Store call is a single atomic statement.
type BlobStore struct {
	db *DB
}

// NewBlobStore returns a blob store on db. The blobs table is created by
// the blob_store migration.
func NewBlobStore(db *DB) *BlobStore {
	return &BlobStore{db: db}
}

// Load returns the blob stored under namespace/key.
func (s *BlobStore) Load(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM blobs WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading blob %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Store replaces the blob under namespace/key.
func (s *BlobStore) Store(ctx context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storing blob %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes the blob under namespace/key. Missing blobs are not an error.
func (s *BlobStore) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM blobs WHERE namespace = ? AND key = ?", namespace, key,
	); err != nil {
		return fmt.Errorf("deleting blob %s/%s: %w", namespace, key, err)
	}
	return nil
}

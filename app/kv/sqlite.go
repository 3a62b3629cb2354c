package kv

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lysyi3m/recfeed/app/database"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the long-lived local store. Entries are scoped by namespace
// so several logical stores can share the kv_entries table.
type SQLiteStore struct {
	db        *database.DB
	namespace string
}

func NewSQLiteStore(db *database.DB, namespace string) *SQLiteStore {
	return &SQLiteStore{db: db, namespace: namespace}
}

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`
		SELECT value FROM kv_entries
		WHERE namespace = ? AND key = ?
	`, s.namespace, key).Scan(&value)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return value, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, s.namespace, key, value, time.Now().UTC())

	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`
		DELETE FROM kv_entries
		WHERE namespace = ? AND key = ?
	`, s.namespace, key)

	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStore) Keys() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT key FROM kv_entries
		WHERE namespace = ?
		ORDER BY key
	`, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating key rows: %w", err)
	}

	return keys, nil
}

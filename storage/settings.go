package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetSetting inserts or replaces one settings row.
func (s *Store) SetSetting(key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key,
		value,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	return nil
}

// GetSetting returns the value for a key, ErrNotFound when absent.
func (s *Store) GetSetting(key string) (string, error) {
	if key == "" {
		return "", errors.New("key is required")
	}

	var value string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`,
		key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	return value, nil
}

// DeleteSetting removes one settings row; deleting an absent key is not an
// error.
func (s *Store) DeleteSetting(key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	return nil
}

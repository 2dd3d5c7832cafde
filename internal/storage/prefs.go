package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/pilltrack/internal/prefs"
)

var _ prefs.Store = (*Store)(nil)

// GetPref returns the value stored under scope/key. Undecodable rows are
// logged and reported as absent.
func (s *Store) GetPref(scope, key string) (prefs.Value, bool, error) {
	var kind, raw string
	err := s.db.QueryRow("SELECT kind, value FROM prefs WHERE scope = ? AND key = ?", scope, key).Scan(&kind, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return prefs.Null(), false, nil
	}
	if err != nil {
		return prefs.Null(), false, fmt.Errorf("reading %s/%s: %w", scope, key, err)
	}
	v, err := prefs.Decode(kind, raw)
	if err != nil {
		logCorrupt(scope, key, err)
		return prefs.Null(), false, nil
	}
	return v, true, nil
}

// ScopePrefs returns every decodable key in scope.
func (s *Store) ScopePrefs(scope string) (map[string]prefs.Value, error) {
	rows, err := s.db.Query("SELECT key, kind, value FROM prefs WHERE scope = ?", scope)
	if err != nil {
		return nil, fmt.Errorf("listing scope %s: %w", scope, err)
	}
	defer rows.Close()

	result := make(map[string]prefs.Value)
	for rows.Next() {
		var key, kind, raw string
		if err := rows.Scan(&key, &kind, &raw); err != nil {
			return nil, err
		}
		v, err := prefs.Decode(kind, raw)
		if err != nil {
			logCorrupt(scope, key, err)
			continue
		}
		result[key] = v
	}
	return result, rows.Err()
}

// PutPrefs upserts all entries in one transaction. Null values delete their key.
func (s *Store) PutPrefs(scope string, entries map[string]prefs.Value) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning write transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.putTx(tx, scope, entries); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearScope deletes every key in scope.
func (s *Store) ClearScope(scope string) error {
	_, err := s.db.Exec("DELETE FROM prefs WHERE scope = ?", scope)
	return err
}

// ReplaceScopes clears and repopulates each named scope inside a single
// transaction, so a restore is applied completely or not at all.
func (s *Store) ReplaceScopes(scopes map[string]map[string]prefs.Value) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	for scope, entries := range scopes {
		if _, err := tx.Exec("DELETE FROM prefs WHERE scope = ?", scope); err != nil {
			return fmt.Errorf("clearing scope %s: %w", scope, err)
		}
		if err := s.putTx(tx, scope, entries); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) putTx(tx *sql.Tx, scope string, entries map[string]prefs.Value) error {
	now := s.timestamp()
	for key, v := range entries {
		if v.IsNull() {
			if _, err := tx.Exec("DELETE FROM prefs WHERE scope = ? AND key = ?", scope, key); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", scope, key, err)
			}
			continue
		}
		kind, raw, err := v.Encode()
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", scope, key, err)
		}
		_, err = tx.Exec(`
			INSERT INTO prefs (scope, key, kind, value, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(scope, key) DO UPDATE SET kind = excluded.kind, value = excluded.value, updated_at = excluded.updated_at`,
			scope, key, kind, raw, now,
		)
		if err != nil {
			return fmt.Errorf("writing %s/%s: %w", scope, key, err)
		}
	}
	return nil
}

func logCorrupt(scope, key string, err error) {
	var cve *prefs.CorruptValueError
	if errors.As(err, &cve) {
		cve.Scope, cve.Key = scope, key
	}
	slog.Warn("treating corrupt preference as absent", "scope", scope, "key", key, "error", err)
}

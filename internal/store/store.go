// Package store is the durable context store: a namespaced key-value
// surface with optional TTL, used to snapshot and restore coordinator
// state across restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
)

var ErrNotFound = errors.New("key not found")

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Put stores a JSON-encoded value. A zero ttl means no expiry.
func (s Store) Put(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}
	now := s.now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).Format(time.RFC3339)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO context_store(namespace,key,value_json,expires_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(namespace,key) DO UPDATE SET value_json=excluded.value_json, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		namespace, key, string(data), expires, now.Format(time.RFC3339))
	return err
}

// Get decodes the stored value into out. Expired keys read as missing.
func (s Store) Get(ctx context.Context, namespace, key string, out any) error {
	var value string
	var expires sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value_json, expires_at FROM context_store WHERE namespace=? AND key=?`, namespace, key).
		Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if expires.Valid {
		exp, perr := time.Parse(time.RFC3339, expires.String)
		if perr == nil && !s.now().UTC().Before(exp) {
			_, _ = s.DB.ExecContext(ctx, `DELETE FROM context_store WHERE namespace=? AND key=?`, namespace, key)
			return ErrNotFound
		}
	}
	return json.Unmarshal([]byte(value), out)
}

func (s Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM context_store WHERE namespace=? AND key=?`, namespace, key)
	return err
}

// DeleteNamespace drops every key under an epic's namespace.
func (s Store) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM context_store WHERE namespace=?`, namespace)
	return err
}

// Keys lists the live keys in a namespace.
func (s Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, expires_at FROM context_store WHERE namespace=? ORDER BY key`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := s.now().UTC()
	var keys []string
	for rows.Next() {
		var key string
		var expires sql.NullString
		if err := rows.Scan(&key, &expires); err != nil {
			return nil, err
		}
		if expires.Valid {
			if exp, perr := time.Parse(time.RFC3339, expires.String); perr == nil && !now.Before(exp) {
				continue
			}
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Sweep removes expired entries. Called opportunistically by the CLI and
// on a timer by the server.
func (s Store) Sweep(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM context_store WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UTC().Format(time.RFC3339))
	return err
}

// Teammate snapshot keys within an epic namespace.
const (
	KeyEpic        = "epic"
	KeyAssignments = "assignments"
	KeyReviews     = "reviews"
	KeyBlocked     = "blocked"
)

// Snapshot is the restorable per-epic context bundle.
type Snapshot struct {
	Epic        domain.Epic                `json:"epic"`
	Assignments []domain.Assignment        `json:"assignments"`
	Reviews     []domain.ReviewRecord      `json:"reviews"`
	Blocked     []domain.BlockedTaskRecord `json:"blocked"`
	SavedAt     string                     `json:"saved_at"`
}

// SaveSnapshot persists the bundle under the epic's namespace.
func (s Store) SaveSnapshot(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	snap.SavedAt = s.now().UTC().Format(time.RFC3339)
	ns := snap.Epic.ID
	if err := s.Put(ctx, ns, KeyEpic, snap.Epic, ttl); err != nil {
		return err
	}
	if err := s.Put(ctx, ns, KeyAssignments, snap.Assignments, ttl); err != nil {
		return err
	}
	if err := s.Put(ctx, ns, KeyReviews, snap.Reviews, ttl); err != nil {
		return err
	}
	return s.Put(ctx, ns, KeyBlocked, snap.Blocked, ttl)
}

// LoadSnapshot reads the bundle back. The epic's version is floored at
// currentVersion so a restore never rolls the counter backwards.
func (s Store) LoadSnapshot(ctx context.Context, epicID string, currentVersion int64) (Snapshot, error) {
	var snap Snapshot
	if err := s.Get(ctx, epicID, KeyEpic, &snap.Epic); err != nil {
		return snap, err
	}
	if snap.Epic.Version < currentVersion {
		snap.Epic.Version = currentVersion
	}
	if err := s.Get(ctx, epicID, KeyAssignments, &snap.Assignments); err != nil && !errors.Is(err, ErrNotFound) {
		return snap, err
	}
	if err := s.Get(ctx, epicID, KeyReviews, &snap.Reviews); err != nil && !errors.Is(err, ErrNotFound) {
		return snap, err
	}
	if err := s.Get(ctx, epicID, KeyBlocked, &snap.Blocked); err != nil && !errors.Is(err, ErrNotFound) {
		return snap, err
	}
	return snap, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// SQLite keeps objects and leases in a single SQLite database file.
// Lease acquisition is one conditional upsert, so it is atomic across
// processes sharing the file.
type SQLite struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, kberrors.StorageIO("open", path, err)
	}

	// IMPORTANT: Use modernc.org/sqlite driver (pure Go, no CGO)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kberrors.StorageIO("open", path, err)
	}

	// Single connection: SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite; set pragmas directly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, kberrors.StorageIO("open", path, fmt.Errorf("failed to set pragma: %w", err))
		}
	}

	s := &SQLite{db: db, path: path, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, kberrors.StorageIO("open", path, err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		path       TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		path        TEXT PRIMARY KEY,
		lease_id    TEXT NOT NULL,
		holder_id   TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Read implements Backend.
func (s *SQLite) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE path = ?`, p).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kberrors.NotFound("object", p)
	}
	if err != nil {
		return nil, kberrors.StorageIO("read", p, err)
	}
	return data, nil
}

// Write implements Backend.
func (s *SQLite) Write(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (path, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p, data, s.now().UnixNano())
	if err != nil {
		return kberrors.StorageIO("write", p, err)
	}
	return nil
}

// Delete implements Backend.
func (s *SQLite) Delete(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE path = ?`, p); err != nil {
		return kberrors.StorageIO("delete", p, err)
	}
	return nil
}

// List implements Backend.
func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM objects WHERE substr(path, 1, ?) = ? ORDER BY path`, len(prefix), prefix)
	if err != nil {
		return nil, kberrors.StorageIO("list", prefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, kberrors.StorageIO("list", prefix, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, kberrors.StorageIO("list", prefix, err)
	}
	return out, nil
}

// TryAcquireLease implements Backend. The upsert only overwrites a row
// whose lease has expired; zero affected rows means the lease is held.
func (s *SQLite) TryAcquireLease(ctx context.Context, resource, holder string, ttl time.Duration) (*Lease, error) {
	now := s.now()
	lease := newLease(resource, holder, uuid.NewString(), now, ttl)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (path, lease_id, holder_id, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			lease_id = excluded.lease_id,
			holder_id = excluded.holder_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ?`,
		resource, lease.LockID, holder, lease.AcquiredAt.UnixNano(), lease.ExpiresAt.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, kberrors.StorageIO("lease", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, kberrors.StorageIO("lease", resource, err)
	}
	if n == 0 {
		existing, err := s.currentLease(ctx, resource)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			existing = &Lease{Path: resource}
		}
		return nil, leaseHeld(existing)
	}
	return lease, nil
}

func (s *SQLite) currentLease(ctx context.Context, resource string) (*Lease, error) {
	var (
		l                  Lease
		acquired, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT lease_id, holder_id, acquired_at, expires_at FROM leases WHERE path = ?`, resource).
		Scan(&l.LockID, &l.HolderID, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kberrors.StorageIO("lease", resource, err)
	}
	l.Path = resource
	l.AcquiredAt = time.Unix(0, acquired).UTC()
	l.ExpiresAt = time.Unix(0, expires).UTC()
	return &l, nil
}

// ReleaseLease implements Backend.
func (s *SQLite) ReleaseLease(ctx context.Context, lease *Lease) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE path = ? AND lease_id = ?`, lease.Path, lease.LockID)
	if err != nil {
		return kberrors.StorageIO("release", lease.Path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kberrors.StorageIO("release", lease.Path, err)
	}
	if n == 0 {
		return leaseLost(lease)
	}
	return nil
}

// Swap implements Backend inside one transaction.
func (s *SQLite) Swap(ctx context.Context, staging, live, backup string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.StorageIO("swap", live, err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE substr(path, 1, ?) = ?`, len(staging)+1, staging+"/").
		Scan(&count); err != nil {
		return kberrors.StorageIO("swap", staging, err)
	}
	if count == 0 {
		return kberrors.NotFound("staging tree", staging)
	}

	liveDir := live + "/"
	if backup != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE objects SET path = ? || substr(path, ?) WHERE substr(path, 1, ?) = ?`,
			backup, len(live)+1, len(liveDir), liveDir); err != nil {
			return kberrors.StorageIO("backup", backup, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM objects WHERE substr(path, 1, ?) = ?`, len(liveDir), liveDir); err != nil {
			return kberrors.StorageIO("swap", live, err)
		}
	}

	stagingDir := staging + "/"
	if _, err := tx.ExecContext(ctx,
		`UPDATE objects SET path = ? || substr(path, ?) WHERE substr(path, 1, ?) = ?`,
		live, len(staging)+1, len(stagingDir), stagingDir); err != nil {
		return kberrors.StorageIO("swap", live, err)
	}

	if err := tx.Commit(); err != nil {
		return kberrors.StorageIO("swap", live, err)
	}
	return nil
}

// Close implements Backend.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

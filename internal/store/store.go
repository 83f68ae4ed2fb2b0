// Package store is the embedded relational persistence store for box
// metadata, on modernc.org/sqlite in WAL mode. Schema evolution goes
// through golang-migrate rather than a single go:embed'd schema.sql exec'd
// on every open, so the schema can change across released versions without
// losing existing data.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite connection and exposes box metadata CRUD. There is
// no generated query layer here; queries are hand-written.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the database at path, enables WAL mode,
// and applies any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	if err := migrateUp(path); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateUp(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BoxRow is the persisted row shape: enough to rehydrate a box handle after
// process restart without reconstructing it from config alone.
type BoxRow struct {
	ID           string
	Name         string
	ConfigJSON   json.RawMessage
	State        string
	CreatedAt    time.Time
	ShimPID      int
	DiskRetained bool
}

// Upsert inserts or replaces a box's persisted row.
func (s *Store) Upsert(ctx context.Context, row BoxRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boxes (id, name, config_json, state, created_at, shim_pid, disk_retained)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			config_json=excluded.config_json,
			state=excluded.state,
			shim_pid=excluded.shim_pid,
			disk_retained=excluded.disk_retained
	`, row.ID, nullableString(row.Name), string(row.ConfigJSON), row.State, row.CreatedAt.Unix(), nullableInt(row.ShimPID), boolToInt(row.DiskRetained))
	if err != nil {
		return fmt.Errorf("store: upsert %s: %w", row.ID, err)
	}
	return nil
}

// UpdateState updates only the state and shim PID columns.
func (s *Store) UpdateState(ctx context.Context, id, state string, shimPID int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE boxes SET state = ?, shim_pid = ? WHERE id = ?`,
		state, nullableInt(shimPID), id)
	if err != nil {
		return fmt.Errorf("store: update state %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]BoxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), config_json, state, created_at, COALESCE(shim_pid, 0), disk_retained
		FROM boxes ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []BoxRow
	for rows.Next() {
		r, err := scanRowCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRowCols(sc scanner) (*BoxRow, error) {
	var r BoxRow
	var createdAt int64
	var diskRetained int
	var cfg string
	if err := sc.Scan(&r.ID, &r.Name, &cfg, &r.State, &createdAt, &r.ShimPID, &diskRetained); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	r.ConfigJSON = json.RawMessage(cfg)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.DiskRetained = diskRetained != 0
	return &r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

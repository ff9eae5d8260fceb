// Package store implements the mesh's durable, concurrent-safe Store:
// agents, claims, waiters, tasks, attempts, spawns, and weave events,
// backed by SQLite in WAL mode. Grounded on
// internal/controlplane/webhook/store.go's open/WAL/idempotent-schema
// pattern and original_source/db.py's exact schema and transaction
// semantics (busy-retry timings, check-and-claim algorithm).
package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Haserjian/agentmesh/internal/meshkind"
)

// Store is the sole owner of all row data named in SPEC_FULL.md's data
// model. No other package may open board.db directly.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) dbPath in WAL mode and applies the schema and
// additive migrations.
func Open(dbPath string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	// A single writer connection avoids spurious SQLITE_BUSY from this
	// process's own concurrent goroutines; cross-process contention is
	// still handled by withBusyRetry.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// applyMigrations runs each additive migration only if the target column
// is missing, mirroring original_source/db.py's
// migrate_claims_add_resource_type / migrate_capsules_add_sbar idempotent
// ALTER TABLE pattern.
func (s *Store) applyMigrations() error {
	for _, m := range additiveMigrations {
		has, err := s.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("store: migration %s.%s: %w", m.table, m.column, err)
		}
		if s.log != nil {
			s.log.Info("store: applied migration", zap.String("table", m.table), zap.String("column", m.column))
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, ctyp string
			notnull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctyp, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// inTx runs fn inside a transaction, retrying the whole transaction on
// SQLITE_BUSY per the fixed schedule in retry.go, and rolling back on any
// other error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	return withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// notFound wraps sql.ErrNoRows as a meshkind.NotFound error for the given
// operation.
func notFound(op string, err error) error {
	return meshkind.New(meshkind.NotFound, op, err)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package indexstore is the embedded transactional key/value store
// backing the dedup gate: three dedup indices (size, fringe, full),
// two recovery tables (move journal, orphan registry), and a
// schema-version row, all in one SQLite file.
//
// The store keeps a single retained connection rather than a pool:
// a Session allows exactly one decision in flight, and WAL mode plus
// one writer connection is sufficient — a pool would only add
// contention for no benefit.
package indexstore

import (
	"fmt"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/duskfall-systems/dedupgate/lib/clock"
)

// CurrentSchemaVersion is the on-disk schema layout version this
// build understands. A database created by a different version is
// refused at Open.
const CurrentSchemaVersion = 1

// Phase is a move journal row's lifecycle state.
type Phase string

const (
	PhasePlanned   Phase = "planned"
	PhaseMoving    Phase = "moving"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// OrphanStatus is an orphan registry row's lifecycle state.
type OrphanStatus string

const (
	OrphanPending   OrphanStatus = "pending"
	OrphanRecovered OrphanStatus = "recovered"
	OrphanFailed    OrphanStatus = "failed"
)

// JournalRow is one move journal entry.
type JournalRow struct {
	ID          int64
	SourcePath  string
	DestPath    string
	Size        int64
	CreatedAt   time.Time
	Phase       Phase
	CompletedAt *time.Time
}

// OrphanRow is one orphan registry entry.
type OrphanRow struct {
	ID           int64
	OriginalPath string
	OrphanPath   string
	Size         int64
	CreatedAt    time.Time
	RecoveredAt  *time.Time
	Status       OrphanStatus
}

// ErrSchemaMismatch is returned by Open when an existing database's
// schema_version row does not match CurrentSchemaVersion.
type ErrSchemaMismatch struct {
	Found, Want int
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("indexstore: schema version %d on disk, this build understands %d", e.Found, e.Want)
}

// Store is the open handle to the index database. Not safe for
// concurrent use — the Session facade is responsible for serializing
// access.
type Store struct {
	conn  *sqlite.Conn
	clock clock.Clock
	dir   string
}

// DatabaseDir returns the directory containing the open database
// file, used to locate the emergency orphan log beside it.
func (s *Store) DatabaseDir() string { return s.dir }

// Open opens (creating if necessary) the SQLite database at path,
// applies the dedup-gate pragma set, ensures the schema exists, and
// verifies the schema version. If clk is nil, clock.Real() is used.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("indexstore: opening %s: %w", path, err)
	}

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	store := &Store{conn: conn, clock: clk, dir: filepath.Dir(path)}

	if err := store.ensureSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := store.checkSchemaVersion(); err != nil {
		conn.Close()
		return nil, err
	}

	return store, nil
}

// applyPragmas tunes the connection for the gate's workload:
// write-ahead logging with fully synchronous commits, a 64 MiB page
// cache, and a 256 MiB memory-mapped read path.
func applyPragmas(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-65536",
		"PRAGMA mmap_size=268435456",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("indexstore: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("indexstore: closing: %w", err)
	}
	return nil
}

// withTx runs fn inside a SQLite savepoint, committing on success and
// rolling back if fn returns an error. All mutations of a single
// pipeline decision go through one withTx call so they commit
// atomically.
func (s *Store) withTx(fn func() error) (err error) {
	release := sqlitex.Save(s.conn)
	defer release(&err)
	return fn()
}

func unixMilli(t time.Time) int64 { return t.UnixMilli() }

func fromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms) }

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package indexstore

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SizeSeen reports whether size has ever been recorded in the size
// index — the dedup pipeline's tier-1 short circuit.
func (s *Store) SizeSeen(size int64) (bool, error) {
	var seen bool
	err := sqlitex.Execute(s.conn, "SELECT 1 FROM size_index WHERE file_size = ?", &sqlitex.ExecOptions{
		Args: []any{size},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			seen = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("indexstore: checking size_index for %d: %w", size, err)
	}
	return seen, nil
}

// SizeInsert records size in the size index. Idempotent: inserting an
// already-present size is a no-op.
func (s *Store) SizeInsert(size int64) error {
	err := sqlitex.Execute(s.conn,
		"INSERT OR IGNORE INTO size_index (file_size) VALUES (?)",
		&sqlitex.ExecOptions{Args: []any{size}},
	)
	if err != nil {
		return fmt.Errorf("indexstore: inserting size %d: %w", size, err)
	}
	return nil
}

// FringeMatch is a fringe_index row matching a (hash, size) pair.
type FringeMatch struct {
	Path string
}

// FringeLookup returns the recorded path for (fringeHash, size), or
// found=false if the pair has never been seen — tier-2 of the
// pipeline.
func (s *Store) FringeLookup(fringeHash []byte, size int64) (match FringeMatch, found bool, err error) {
	err = sqlitex.Execute(s.conn,
		"SELECT file_path FROM fringe_index WHERE fringe_hash = ? AND file_size = ?",
		&sqlitex.ExecOptions{
			Args: []any{fringeHash, size},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				match.Path = stmt.ColumnText(0)
				found = true
				return nil
			},
		},
	)
	if err != nil {
		return FringeMatch{}, false, fmt.Errorf("indexstore: looking up fringe hash: %w", err)
	}
	return match, found, nil
}

// FringeInsert records a (fringeHash, size) -> path mapping. First
// insert wins: a fringe collision does not imply duplication, so a
// later content-different file carrying the same pair must not
// clobber the canonical path recorded for the first admitted file.
func (s *Store) FringeInsert(fringeHash []byte, size int64, path string) error {
	err := sqlitex.Execute(s.conn,
		`INSERT INTO fringe_index (fringe_hash, file_size, file_path) VALUES (?, ?, ?)
		 ON CONFLICT (fringe_hash, file_size) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{fringeHash, size, path}},
	)
	if err != nil {
		return fmt.Errorf("indexstore: inserting fringe entry: %w", err)
	}
	return nil
}

// FullMatch is a full_index row matching a full hash.
type FullMatch struct {
	Path     string
	Metadata string
}

// FullLookup returns the recorded path and metadata for fullHash, or
// found=false if never seen — tier-3 of the pipeline, and the
// authoritative duplicate verdict.
func (s *Store) FullLookup(fullHash []byte) (match FullMatch, found bool, err error) {
	err = sqlitex.Execute(s.conn,
		"SELECT file_path, metadata FROM full_index WHERE full_hash = ?",
		&sqlitex.ExecOptions{
			Args: []any{fullHash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				match.Path = stmt.ColumnText(0)
				match.Metadata = stmt.ColumnText(1)
				found = true
				return nil
			},
		},
	)
	if err != nil {
		return FullMatch{}, false, fmt.Errorf("indexstore: looking up full hash: %w", err)
	}
	return match, found, nil
}

// FullInsert records a fullHash -> (path, metadata) mapping. metadata
// is the caller-supplied tag payload, stored verbatim and never
// examined by the store. First insert wins, same as FringeInsert: a
// full-index row is never mutated, so a later insert for an
// already-indexed hash can never displace the first admitted file's
// canonical path.
func (s *Store) FullInsert(fullHash []byte, path string, metadata string) error {
	err := sqlitex.Execute(s.conn,
		`INSERT INTO full_index (full_hash, file_path, metadata) VALUES (?, ?, ?)
		 ON CONFLICT (full_hash) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{fullHash, path, metadata}},
	)
	if err != nil {
		return fmt.Errorf("indexstore: inserting full entry: %w", err)
	}
	return nil
}

// WithTx exposes withTx so a single pipeline decision's index and
// journal writes commit atomically.
func (s *Store) WithTx(fn func() error) error {
	return s.withTx(fn)
}

// JournalPlan inserts a new move_journal row in PhasePlanned and
// returns its id.
func (s *Store) JournalPlan(sourcePath, destPath string, size int64) (int64, error) {
	now := unixMilli(s.clock.Now())
	err := sqlitex.Execute(s.conn,
		`INSERT INTO move_journal (source_path, dest_path, file_size, created_at, phase)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{sourcePath, destPath, size, now, string(PhasePlanned)}},
	)
	if err != nil {
		return 0, fmt.Errorf("indexstore: planning journal row for %s: %w", sourcePath, err)
	}
	return s.conn.LastInsertRowID(), nil
}

// JournalSetPhase transitions a journal row to phase. When phase is
// PhaseCompleted or PhaseFailed, completed_at is stamped with the
// store's clock.
func (s *Store) JournalSetPhase(id int64, phase Phase) error {
	var err error
	if phase == PhaseCompleted || phase == PhaseFailed {
		now := unixMilli(s.clock.Now())
		err = sqlitex.Execute(s.conn,
			"UPDATE move_journal SET phase = ?, completed_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{string(phase), now, id}},
		)
	} else {
		err = sqlitex.Execute(s.conn,
			"UPDATE move_journal SET phase = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{string(phase), id}},
		)
	}
	if err != nil {
		return fmt.Errorf("indexstore: setting journal row %d to phase %s: %w", id, phase, err)
	}
	return nil
}

// JournalListUnterminated returns every move_journal row not in a
// terminal phase (completed or failed) — the candidates crash recovery
// must resolve at startup.
func (s *Store) JournalListUnterminated() ([]JournalRow, error) {
	var rows []JournalRow
	err := sqlitex.Execute(s.conn,
		`SELECT id, source_path, dest_path, file_size, created_at, phase, completed_at
		 FROM move_journal WHERE phase NOT IN (?, ?) ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(PhaseCompleted), string(PhaseFailed)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, journalRowFromStmt(stmt))
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("indexstore: listing unterminated journal rows: %w", err)
	}
	return rows, nil
}

func journalRowFromStmt(stmt *sqlite.Stmt) JournalRow {
	row := JournalRow{
		ID:         stmt.ColumnInt64(0),
		SourcePath: stmt.ColumnText(1),
		DestPath:   stmt.ColumnText(2),
		Size:       stmt.ColumnInt64(3),
		CreatedAt:  fromUnixMilli(stmt.ColumnInt64(4)),
		Phase:      Phase(stmt.ColumnText(5)),
	}
	if !stmt.ColumnIsNull(6) {
		t := fromUnixMilli(stmt.ColumnInt64(6))
		row.CompletedAt = &t
	}
	return row
}

// OrphanAdd inserts a new orphan_registry row in OrphanPending and
// returns its id. orphanPath is where the moved-but-unlinked file was
// left by the move engine's critical section.
func (s *Store) OrphanAdd(originalPath, orphanPath string, size int64) (int64, error) {
	now := unixMilli(s.clock.Now())
	err := sqlitex.Execute(s.conn,
		`INSERT INTO orphan_registry (original_path, orphan_path, file_size, created_at, status)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{originalPath, orphanPath, size, now, string(OrphanPending)}},
	)
	if err != nil {
		return 0, fmt.Errorf("indexstore: registering orphan %s: %w", orphanPath, err)
	}
	return s.conn.LastInsertRowID(), nil
}

// OrphanListPending returns every orphan_registry row still pending
// recovery.
func (s *Store) OrphanListPending() ([]OrphanRow, error) {
	var rows []OrphanRow
	err := sqlitex.Execute(s.conn,
		`SELECT id, original_path, orphan_path, file_size, created_at, recovered_at, status
		 FROM orphan_registry WHERE status = ? ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(OrphanPending)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, orphanRowFromStmt(stmt))
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("indexstore: listing pending orphans: %w", err)
	}
	return rows, nil
}

// OrphanMark transitions an orphan_registry row to status, stamping
// recovered_at with the store's clock.
func (s *Store) OrphanMark(id int64, status OrphanStatus) error {
	now := unixMilli(s.clock.Now())
	err := sqlitex.Execute(s.conn,
		"UPDATE orphan_registry SET status = ?, recovered_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{string(status), now, id}},
	)
	if err != nil {
		return fmt.Errorf("indexstore: marking orphan %d as %s: %w", id, status, err)
	}
	return nil
}

// Stats is a point-in-time snapshot of index and recovery table sizes,
// surfaced by the CLI's stats subcommand.
type Stats struct {
	UniqueSizes    int64
	FringeEntries  int64
	FullEntries    int64
	SchemaVersion  int64
	PendingOrphans int64
	PendingJournal int64
}

// Stats counts rows in each table. Not transactional with respect to
// concurrent writers — it is a diagnostic snapshot, not a consistency
// check.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM size_index", &stats.UniqueSizes},
		{"SELECT COUNT(*) FROM fringe_index", &stats.FringeEntries},
		{"SELECT COUNT(*) FROM full_index", &stats.FullEntries},
		{"SELECT MAX(version) FROM schema_version", &stats.SchemaVersion},
		{"SELECT COUNT(*) FROM orphan_registry WHERE status = 'pending'", &stats.PendingOrphans},
		{"SELECT COUNT(*) FROM move_journal WHERE phase NOT IN ('completed', 'failed')", &stats.PendingJournal},
	}

	for _, c := range counts {
		dest := c.dest
		err := sqlitex.Execute(s.conn, c.query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				*dest = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return Stats{}, fmt.Errorf("indexstore: computing stats: %w", err)
		}
	}

	return stats, nil
}

func orphanRowFromStmt(stmt *sqlite.Stmt) OrphanRow {
	row := OrphanRow{
		ID:           stmt.ColumnInt64(0),
		OriginalPath: stmt.ColumnText(1),
		OrphanPath:   stmt.ColumnText(2),
		Size:         stmt.ColumnInt64(3),
		CreatedAt:    fromUnixMilli(stmt.ColumnInt64(4)),
		Status:       OrphanStatus(stmt.ColumnText(6)),
	}
	if !stmt.ColumnIsNull(5) {
		t := fromUnixMilli(stmt.ColumnInt64(5))
		row.RecoveredAt = &t
	}
	return row
}

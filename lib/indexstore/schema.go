// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package indexstore

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS size_index (
	file_size INTEGER PRIMARY KEY
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS fringe_index (
	fringe_hash BLOB NOT NULL,
	file_size   INTEGER NOT NULL,
	file_path   TEXT NOT NULL,
	PRIMARY KEY (fringe_hash, file_size)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS full_index (
	full_hash BLOB PRIMARY KEY,
	file_path TEXT NOT NULL,
	metadata  TEXT
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS move_journal (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source_path  TEXT NOT NULL,
	dest_path    TEXT NOT NULL,
	file_size    INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	phase        TEXT NOT NULL DEFAULT 'planned',
	completed_at INTEGER
);

CREATE TABLE IF NOT EXISTS orphan_registry (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	original_path TEXT NOT NULL,
	orphan_path   TEXT NOT NULL UNIQUE,
	file_size     INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	recovered_at  INTEGER,
	status        TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

func (s *Store) ensureSchema() error {
	if err := sqlitex.ExecuteScript(s.conn, schemaDDL, nil); err != nil {
		return fmt.Errorf("indexstore: creating schema: %w", err)
	}

	var count int64
	err := sqlitex.Execute(s.conn, "SELECT COUNT(*) FROM schema_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("indexstore: reading schema_version: %w", err)
	}

	if count == 0 {
		err := sqlitex.Execute(s.conn,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{CurrentSchemaVersion, unixMilli(s.clock.Now())}},
		)
		if err != nil {
			return fmt.Errorf("indexstore: seeding schema_version: %w", err)
		}
	}

	return nil
}

func (s *Store) checkSchemaVersion() error {
	var found int64 = -1
	err := sqlitex.Execute(s.conn, "SELECT MAX(version) FROM schema_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if !stmt.ColumnIsNull(0) {
				found = stmt.ColumnInt64(0)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("indexstore: reading schema version: %w", err)
	}
	if found != CurrentSchemaVersion {
		return &ErrSchemaMismatch{Found: int(found), Want: CurrentSchemaVersion}
	}
	return nil
}

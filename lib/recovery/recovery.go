// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package recovery resolves move-journal and orphan-registry state
// left behind by a crash or kill -9 during a previous run. It runs
// once at Session Open, before any new file is processed, and is
// idempotent: running it twice (or against a database with nothing to
// recover) is a no-op.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/duskfall-systems/dedupgate/lib/indexstore"
)

// Stats summarizes what a recovery pass did, for logging.
type Stats struct {
	JournalRolledBack int
	JournalFailed     int
	OrphansRecovered  int
	OrphansFailed     int
}

// Total is the number of journal and orphan rows a recovery pass
// touched.
func (s Stats) Total() int {
	return s.JournalRolledBack + s.JournalFailed + s.OrphansRecovered + s.OrphansFailed
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("recovery: opening %s: %w", dir, err)
	}
	defer f.Close()
	return f.Sync()
}

// Run resolves every non-terminal move_journal row and every pending
// orphan_registry row against store.
//
// A journal row still in PhasePlanned usually never reached the link
// syscall — but a kill landing between the link and the journal
// promotion leaves a planned row whose destination is already live in
// the vault, so planned rows get the same rollback attempt as moving
// rows: any vault copy is removed (or linked back when the source is
// gone) and the row marked failed. The index row was never written in
// either phase, so rollback to the pre-attempt state — not completion
// of the move — is always the correct direction.
//
// Every pending orphan row — a file that reached the vault but whose
// index update or source-side unlink never completed — is linked back
// to its original_path and marked recovered, or marked failed when
// its vault copy no longer exists.
//
// Filesystem errors during a single row's reconciliation never abort
// the pass or poison future opens: the row is logged and marked
// failed for manual review, and Run continues with the remaining
// rows. Only database errors are fatal. If logger is nil,
// slog.Default() is used.
func Run(store *indexstore.Store, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var stats Stats

	rows, err := store.JournalListUnterminated()
	if err != nil {
		return stats, fmt.Errorf("recovery: listing unterminated journal rows: %w", err)
	}

	for _, row := range rows {
		touched, err := rollbackRow(store, row, logger)
		if err != nil {
			return stats, err
		}
		if row.Phase == indexstore.PhaseMoving && touched {
			stats.JournalRolledBack++
		} else {
			stats.JournalFailed++
		}
	}

	orphans, err := store.OrphanListPending()
	if err != nil {
		return stats, fmt.Errorf("recovery: listing pending orphans: %w", err)
	}

	for _, orphan := range orphans {
		status, err := recoverOrphan(store, orphan, logger)
		if err != nil {
			return stats, err
		}
		if status == indexstore.OrphanRecovered {
			stats.OrphansRecovered++
		} else {
			stats.OrphansFailed++
		}
	}

	return stats, nil
}

// rollbackRow attempts to link the journaled destination back to the
// journaled source without first checking either path's existence:
// the bare link is attempted and its errno decides which crash window
// the row died in, so there is no stat-then-act race. All outcomes
// resolve the row to PhaseFailed; touched reports whether a vault
// copy actually existed and was reconciled.
func rollbackRow(store *indexstore.Store, row indexstore.JournalRow, logger *slog.Logger) (touched bool, err error) {
	linkErr := os.Link(row.DestPath, row.SourcePath)

	switch {
	case linkErr == nil:
		// Source was gone, vault copy live: the crash hit after the
		// unlink. The file is back at its source; drop the vault copy.
		if err := fsyncDir(filepath.Dir(row.SourcePath)); err != nil {
			logger.Error("cannot fsync restored source, keeping vault copy and marking journal row failed for manual review",
				"journal_id", row.ID, "source_path", row.SourcePath, "dest_path", row.DestPath, "error", err)
			break
		}
		if err := os.Remove(row.DestPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("cannot remove rolled-back vault copy, marking journal row failed for manual review",
				"journal_id", row.ID, "dest_path", row.DestPath, "error", err)
			break
		}
		touched = true
		_ = fsyncDir(filepath.Dir(row.DestPath))

	case errors.Is(linkErr, os.ErrExist):
		// Source still present: the crash hit before the unlink. The
		// vault copy, if the link got that far, is redundant.
		if err := os.Remove(row.DestPath); err == nil {
			touched = true
			_ = fsyncDir(filepath.Dir(row.DestPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			logger.Error("cannot remove redundant vault copy, marking journal row failed for manual review",
				"journal_id", row.ID, "dest_path", row.DestPath, "error", err)
		}

	case errors.Is(linkErr, os.ErrNotExist):
		// Neither a vault copy nor (possibly) a source: the link step
		// never happened, or both sides are gone. Nothing to undo.

	default:
		// Any other errno (permissions, ENOSPC, ...) means the row
		// cannot be cleanly reconciled right now. The vault copy may
		// exist unindexed; leave the filesystem alone and fall through
		// to marking the row failed, so the database stays openable
		// and the row stays visible for manual review.
		logger.Error("cannot roll back move, marking journal row failed for manual review",
			"journal_id", row.ID, "source_path", row.SourcePath, "dest_path", row.DestPath, "error", linkErr)
	}

	if err := store.JournalSetPhase(row.ID, indexstore.PhaseFailed); err != nil {
		return touched, fmt.Errorf("recovery: failing rolled-back journal row %d: %w", row.ID, err)
	}
	return touched, nil
}

// recoverOrphan reconciles one pending orphan the same way journal
// rollback does: bare link from the vault copy back to the original
// path, with the errno deciding the case.
func recoverOrphan(store *indexstore.Store, orphan indexstore.OrphanRow, logger *slog.Logger) (indexstore.OrphanStatus, error) {
	if err := os.MkdirAll(filepath.Dir(orphan.OriginalPath), 0o755); err != nil {
		logger.Error("cannot recreate orphan's original directory, marking failed for manual review",
			"orphan_id", orphan.ID, "original_path", orphan.OriginalPath, "error", err)
		return indexstore.OrphanFailed, store.OrphanMark(orphan.ID, indexstore.OrphanFailed)
	}

	linkErr := os.Link(orphan.OrphanPath, orphan.OriginalPath)

	var status indexstore.OrphanStatus
	switch {
	case linkErr == nil:
		if err := fsyncDir(filepath.Dir(orphan.OriginalPath)); err != nil {
			logger.Error("cannot fsync restored original path, keeping vault copy and marking orphan failed for manual review",
				"orphan_id", orphan.ID, "original_path", orphan.OriginalPath, "error", err)
			status = indexstore.OrphanFailed
			break
		}
		if err := os.Remove(orphan.OrphanPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("cannot remove recovered orphan, marking failed for manual review",
				"orphan_id", orphan.ID, "orphan_path", orphan.OrphanPath, "error", err)
			status = indexstore.OrphanFailed
			break
		}
		status = indexstore.OrphanRecovered
		_ = fsyncDir(filepath.Dir(orphan.OrphanPath))

	case errors.Is(linkErr, os.ErrExist):
		// The original path is occupied again; the vault copy is
		// redundant.
		if err := os.Remove(orphan.OrphanPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("cannot remove redundant orphan, marking failed for manual review",
				"orphan_id", orphan.ID, "orphan_path", orphan.OrphanPath, "error", err)
			status = indexstore.OrphanFailed
			break
		}
		status = indexstore.OrphanRecovered
		_ = fsyncDir(filepath.Dir(orphan.OrphanPath))

	case errors.Is(linkErr, os.ErrNotExist):
		// The vault copy is gone; nothing left to recover.
		status = indexstore.OrphanFailed

	default:
		// Unreconcilable right now; keep the vault copy on disk and
		// mark the row failed so it stays visible for manual review
		// without blocking future opens.
		logger.Error("cannot recover orphan, marking failed for manual review",
			"orphan_id", orphan.ID, "orphan_path", orphan.OrphanPath, "original_path", orphan.OriginalPath, "error", linkErr)
		status = indexstore.OrphanFailed
	}

	if err := store.OrphanMark(orphan.ID, status); err != nil {
		return status, fmt.Errorf("recovery: marking orphan %d as %s: %w", orphan.ID, status, err)
	}
	return status, nil
}

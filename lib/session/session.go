// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the Session Facade: scoped acquisition
// of the Index Store, crash recovery, and emergency-orphan import,
// exposing single-file and directory-stream entry points and
// guaranteeing deterministic teardown on every exit path.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/duskfall-systems/dedupgate/lib/clock"
	"github.com/duskfall-systems/dedupgate/lib/dedup"
	"github.com/duskfall-systems/dedupgate/lib/indexstore"
	"github.com/duskfall-systems/dedupgate/lib/recovery"
	"github.com/duskfall-systems/dedupgate/lib/walker"
)

// Config configures a Session.
type Config struct {
	// DatabasePath is the index database file. Required.
	DatabasePath string
	// VaultDir enables Active Mode when non-empty: unique files are
	// relocated into the vault. Empty runs read-only.
	VaultDir string
	// HDDMode selects the sequential fringe reader. Must be
	// consistent for the lifetime of a database — see
	// dedup.Pipeline.HDDMode.
	HDDMode bool
	// Clock is injected for deterministic tests. Nil uses the real
	// wall clock.
	Clock clock.Clock
	// Logger receives diagnostic events; defaults to slog.Default().
	Logger *slog.Logger
}

// Session is the facade over one open Index Store. Not safe for
// concurrent use from multiple goroutines; exactly one decision is in
// flight at a time.
type Session struct {
	store    *indexstore.Store
	pipeline *dedup.Pipeline
	lockFd   int
	lockPath string
}

// Open acquires an exclusive lock on the database file, opens the
// Index Store, imports any emergency orphan log left by a previous
// database-unavailable failure, and runs Recovery — resolving every
// non-terminal journal row and pending orphan row — before returning
// a ready-to-use Session. Returns an error (and releases everything
// it acquired) if any step fails; a schema-version mismatch in
// particular aborts here, before any file is processed.
func Open(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.VaultDir != "" {
		if err := os.MkdirAll(cfg.VaultDir, 0o755); err != nil {
			return nil, fmt.Errorf("session: creating vault directory %s: %w", cfg.VaultDir, err)
		}
	}

	lockPath := cfg.DatabasePath + ".lock"
	lockFd, err := acquireLock(lockPath)
	if err != nil {
		return nil, fmt.Errorf("session: acquiring exclusive lock on %s: %w", cfg.DatabasePath, err)
	}

	store, err := indexstore.Open(cfg.DatabasePath, cfg.Clock)
	if err != nil {
		releaseLock(lockFd, lockPath)
		return nil, err
	}

	imported, err := dedup.ImportEmergencyOrphans(store)
	if err != nil {
		store.Close()
		releaseLock(lockFd, lockPath)
		return nil, fmt.Errorf("session: importing emergency orphans: %w", err)
	}
	if imported > 0 {
		logger.Info("imported emergency orphan log entries", "count", imported)
	}

	recStats, err := recovery.Run(store, logger)
	if err != nil {
		store.Close()
		releaseLock(lockFd, lockPath)
		return nil, fmt.Errorf("session: running recovery: %w", err)
	}
	if recStats.Total() > 0 {
		logger.Info("recovery pass resolved stale state",
			"journal_rolled_back", recStats.JournalRolledBack,
			"journal_failed", recStats.JournalFailed,
			"orphans_recovered", recStats.OrphansRecovered,
			"orphans_failed", recStats.OrphansFailed,
		)
	}

	pipeline := &dedup.Pipeline{
		Store:    store,
		VaultDir: cfg.VaultDir,
		HDDMode:  cfg.HDDMode,
		Logger:   logger,
	}

	return &Session{store: store, pipeline: pipeline, lockFd: lockFd, lockPath: lockPath}, nil
}

// Close closes the underlying Index Store and releases the exclusive
// database lock. Safe to call once; a Session must not be used after
// Close.
func (s *Session) Close() error {
	err := s.store.Close()
	releaseLock(s.lockFd, s.lockPath)
	return err
}

// Stats returns a point-in-time snapshot of the underlying Index
// Store's table sizes.
func (s *Session) Stats() (indexstore.Stats, error) {
	return s.store.Stats()
}

// ProcessFile runs a single path through the dedup pipeline.
func (s *Session) ProcessFile(path string, opts dedup.Options) dedup.Decision {
	return s.pipeline.ProcessFile(path, nil, opts)
}

// ProcessDirectory walks root and returns a channel of decision
// records in deterministic traversal order: lexicographic within each
// directory, directories descended before the next sibling when
// recursive. Cancelling ctx stops the walk after the decision
// currently in flight, which is how a termination signal arriving
// between files produces a clean exit; the channel is always closed
// once the walk stops for any reason.
func (s *Session) ProcessDirectory(ctx context.Context, root string, recursive bool, opts dedup.Options) <-chan dedup.Decision {
	out := make(chan dedup.Decision)

	go func() {
		defer close(out)
		_ = walker.Walk(root, recursive, func(path string, info os.FileInfo) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case out <- s.pipeline.ProcessFile(path, info, opts):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return out
}

// acquireLock opens (creating if necessary) the lock file at path and
// takes an exclusive, non-blocking flock on it. The fd is kept open
// for the Session's lifetime; closing it releases the lock.
func acquireLock(path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return -1, err
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return -1, err
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return -1, fmt.Errorf("another session already holds the lock on %s", path)
		}
		return -1, err
	}

	return fd, nil
}

func releaseLock(fd int, path string) {
	if fd >= 0 {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
	}
}

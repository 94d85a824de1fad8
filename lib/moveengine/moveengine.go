// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package moveengine implements the atomic move protocol that
// relocates a unique file into the vault: hard-link the file to its
// sharded destination, fsync every directory the link touched
// top-down, then unlink the source and fsync its parent. The protocol
// never copies bytes — source and vault must share a filesystem — and
// defers SIGINT/SIGTERM around the single critical section so a move
// can never be interrupted half-complete.
package moveengine

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrCrossDevice is returned when src and dest do not share a
// filesystem. The move engine never falls back to copy-then-delete:
// a cross-device vault is a misconfiguration, not a recoverable
// condition.
var ErrCrossDevice = errors.New("moveengine: source and destination are on different filesystems")

// ErrDestinationExists is returned when dest is already occupied. The
// dedup pipeline treats this as a shard-collision signal and retries
// under a fresh disambiguator rather than failing outright.
var ErrDestinationExists = errors.New("moveengine: destination already exists")

// SameDevice reports whether the filesystems holding a and b are the
// same device. Both paths must exist. Used as a precondition before a
// move is even journaled: a hard link across devices can never
// succeed, so the failure is surfaced before any state is written.
func SameDevice(a, b string) (bool, error) {
	var sa, sb unix.Stat_t
	if err := unix.Stat(a, &sa); err != nil {
		return false, fmt.Errorf("moveengine: stat %s: %w", a, err)
	}
	if err := unix.Stat(b, &sb); err != nil {
		return false, fmt.Errorf("moveengine: stat %s: %w", b, err)
	}
	return sa.Dev == sb.Dev, nil
}

// fsyncDir opens dir read-only and fsyncs it, so directory-entry
// changes (links, unlinks) made within it are durable across a crash.
func fsyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("moveengine: opening directory %s for fsync: %w", dir, err)
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("moveengine: fsyncing directory %s: %w", dir, err)
	}
	return nil
}

// missingAncestors walks up from dir collecting every path component
// that does not yet exist, so Move can fsync each one's parent after
// creation, from the shallowest new directory outward.
func missingAncestors(dir string) []string {
	var missing []string
	curr := dir
	for {
		if _, err := os.Stat(curr); err == nil {
			break
		}
		missing = append(missing, curr)
		parent := filepath.Dir(curr)
		if parent == curr {
			break
		}
		curr = parent
	}
	return missing
}

// A single mutex serializes critical sections across goroutines. The
// Session model allows only one move in flight at a time, but the
// guard costs nothing and removes a footgun for callers that don't
// honor that.
var criticalMu sync.Mutex

// criticalSection defers SIGINT and SIGTERM for the duration of fn,
// re-delivering whichever signal (if any) arrived once fn returns.
// os/signal.Notify redirects the signal to a buffered channel instead
// of the process default action, and the deferred signal is re-raised
// via syscall.Kill after the handler is uninstalled — so a kill
// landing between link and unlink takes effect only once the
// filesystem is back in a consistent state.
func criticalSection(fn func() error) error {
	criticalMu.Lock()
	defer criticalMu.Unlock()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	err := fn()
	signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		pid := os.Getpid()
		go func() {
			_ = syscall.Kill(pid, sig.(syscall.Signal))
		}()
	default:
	}

	return err
}

// Move hard-links src to dest, fsyncs every directory the link
// touched from the shallowest newly created one outward, then unlinks
// src and fsyncs its parent. dest's parent directories are created as
// needed inside the critical section.
//
// promote, when non-nil, is invoked after the link is durable and
// before the source is unlinked; the caller uses it to advance its
// move journal row to the phase meaning "the vault copy is live". A
// promote error aborts the move with the source still intact.
//
// linked reports whether the hard link was created, regardless of
// err: a caller seeing linked=true with a non-nil err knows the vault
// copy exists and must be reconciled (orphan registration), while
// linked=false means the filesystem was never touched.
func Move(src, dest string, promote func() error) (linked bool, err error) {
	parent := filepath.Dir(dest)
	missing := missingAncestors(parent)

	err = criticalSection(func() error {
		if len(missing) > 0 {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return fmt.Errorf("moveengine: creating %s: %w", parent, err)
			}
		}

		if err := os.Link(src, dest); err != nil {
			if errors.Is(err, syscall.EXDEV) {
				return fmt.Errorf("moveengine: linking %s to %s: %w", src, dest, ErrCrossDevice)
			}
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("moveengine: linking %s to %s: %w", src, dest, ErrDestinationExists)
			}
			return fmt.Errorf("moveengine: linking %s to %s: %w", src, dest, err)
		}
		linked = true

		// Sync the parent of every newly created directory, shallowest
		// first, then the destination parent itself, so the new link is
		// durable before the source disappears.
		for i := len(missing) - 1; i >= 0; i-- {
			if err := fsyncDir(filepath.Dir(missing[i])); err != nil {
				return err
			}
		}
		if err := fsyncDir(parent); err != nil {
			return err
		}

		if promote != nil {
			if err := promote(); err != nil {
				return err
			}
		}

		if err := os.Remove(src); err != nil {
			return fmt.Errorf("moveengine: removing source %s after link: %w", src, err)
		}

		return fsyncDir(filepath.Dir(src))
	})

	return linked, err
}

// AtomicMove is Move without a journal promotion hook, for callers
// that track the move's lifecycle elsewhere or not at all.
func AtomicMove(src, dest string) error {
	_, err := Move(src, dest, nil)
	return err
}

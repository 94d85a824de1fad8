// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedup implements the four-tier short-circuit deduplication
// decision: size, fringe hash, full hash, in that order, each tier
// consulting the Index Store and falling through only on a miss. A
// UNIQUE decision hands the file to the Move Engine (when a vault is
// configured) before committing its index rows; a DUPLICATE decision
// never touches the filesystem or the indices.
package dedup

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/duskfall-systems/dedupgate/lib/hasher"
	"github.com/duskfall-systems/dedupgate/lib/indexstore"
	"github.com/duskfall-systems/dedupgate/lib/moveengine"
)

// Result is a tagged variant over the three possible per-file
// outcomes.
type Result string

const (
	Unique    Result = "unique"
	Duplicate Result = "duplicate"
	Skipped   Result = "skipped"
)

// Error classifications carried on skipped decisions. A skipped
// record is data, not a fault: the session continues past it.
const (
	KindStat              = "stat"
	KindEmpty             = "empty"
	KindRead              = "read"
	KindDatabase          = "database"
	KindCrossDevice       = "cross_device"
	KindDestinationExists = "destination_exists"
)

// Decision is the decision record returned for every path offered to
// the pipeline.
type Decision struct {
	Path         string
	OriginalPath string
	Result       Result
	Tier         int
	StoredPath   string
	DuplicateOf  string
	Tags         map[string]string
	Error        string
	ErrorKind    string
}

// Options carries per-call caller-supplied data that the pipeline
// passes through without interpreting: tags attached to a unique
// file's full_index row as its metadata payload.
type Options struct {
	Tags map[string]string
}

const maxShardRetries = 5

// Pipeline is the four-tier decision engine. VaultDir enables Active
// Mode (unique files are relocated into the vault); a zero VaultDir
// runs read-only, updating indices without touching the filesystem.
type Pipeline struct {
	Store    *indexstore.Store
	VaultDir string
	// HDDMode selects the sequential fringe reader. It occupies a
	// distinct fingerprint space from the default reader — see
	// hasher.FringeHDD — so a pipeline must never mix modes against
	// one database.
	HDDMode bool
	// Logger receives diagnostic events; defaults to slog.Default().
	Logger *slog.Logger
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// ProcessFile runs path through the four tiers. info, if non-nil, is
// an already-obtained os.FileInfo (from a directory walk) used to
// avoid a second stat call; ProcessFile stats path itself otherwise.
func (p *Pipeline) ProcessFile(path string, info os.FileInfo, opts Options) Decision {
	if info == nil {
		stated, err := os.Lstat(path)
		if err != nil {
			return p.skip(path, opts, 0, KindStat, err)
		}
		info = stated
	}

	if !info.Mode().IsRegular() {
		reason := errors.New("not a regular file")
		if info.Mode()&os.ModeSymlink != 0 {
			reason = errors.New("symlinks not supported")
		}
		return p.skip(path, opts, 0, KindStat, reason)
	}

	size := info.Size()
	if size == 0 {
		return Decision{Path: path, OriginalPath: path, Result: Skipped, Tier: 0, Error: "empty", ErrorKind: KindEmpty, Tags: opts.Tags}
	}

	return p.decide(path, size, opts)
}

func (p *Pipeline) decide(path string, size int64, opts Options) Decision {
	seen, err := p.Store.SizeSeen(size)
	if err != nil {
		return p.skip(path, opts, 1, KindDatabase, err)
	}
	if !seen {
		return p.registerUnique(path, size, nil, nil, 1, opts)
	}

	fringe, err := p.computeFringe(path, size)
	if err != nil {
		return p.skip(path, opts, 2, KindRead, err)
	}

	_, found, err := p.Store.FringeLookup(fringe.Bytes(), size)
	if err != nil {
		return p.skip(path, opts, 2, KindDatabase, err)
	}
	if !found {
		return p.registerUnique(path, size, &fringe, nil, 2, opts)
	}

	// The fringe hit is only a collision signal, never a duplicate
	// verdict; the full-content index is the sole oracle, even when
	// the colliding path no longer exists on disk.
	full, err := hasher.Full(path, size)
	if err != nil {
		return p.skip(path, opts, 3, KindRead, err)
	}

	match, found, err := p.Store.FullLookup(full.Bytes())
	if err != nil {
		return p.skip(path, opts, 3, KindDatabase, err)
	}
	if !found {
		return p.registerUnique(path, size, &fringe, &full, 3, opts)
	}

	if samePath(match.Path, path) {
		// The indexed file itself was re-offered; it is not a
		// duplicate of anything, least of all itself.
		return Decision{Path: path, OriginalPath: path, Result: Unique, Tier: 3, StoredPath: path, Tags: opts.Tags}
	}

	return Decision{Path: path, OriginalPath: path, Result: Duplicate, Tier: 3, DuplicateOf: match.Path, Tags: opts.Tags}
}

func (p *Pipeline) computeFringe(path string, size int64) (hasher.Digest, error) {
	if p.HDDMode {
		return hasher.FringeHDD(path, size)
	}
	return hasher.Fringe(path, size)
}

func (p *Pipeline) skip(path string, opts Options, tier int, kind string, err error) Decision {
	return Decision{
		Path:         path,
		OriginalPath: path,
		Result:       Skipped,
		Tier:         tier,
		Error:        err.Error(),
		ErrorKind:    kind,
		Tags:         opts.Tags,
	}
}

func samePath(a, b string) bool {
	ra, errA := filepath.Abs(a)
	rb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ra == rb
}

// registerUnique moves (in Active Mode) the file into the vault and
// commits its index rows. tier is the tier at which the file was
// determined unique; fringe is non-nil for tier >= 2 and full for
// tier 3.
func (p *Pipeline) registerUnique(path string, size int64, fringe, full *hasher.Digest, tier int, opts Options) Decision {
	storedPath := path

	if p.VaultDir != "" {
		moved, err := p.moveIntoVault(path, size, full)
		if err != nil {
			return p.skip(path, opts, tier, moveErrorKind(err), err)
		}
		storedPath = moved
	}

	if err := p.commitUnique(size, fringe, full, storedPath, tier, opts); err != nil {
		if storedPath != path {
			// The vault copy is live but unindexed; hand it to the
			// orphan registry so the next recovery pass reconciles it.
			p.registerOrphan(path, storedPath, size)
		}
		return p.skip(path, opts, tier, KindDatabase, err)
	}

	return Decision{
		Path:         path,
		OriginalPath: path,
		Result:       Unique,
		Tier:         tier,
		StoredPath:   storedPath,
		Tags:         opts.Tags,
	}
}

func moveErrorKind(err error) string {
	switch {
	case errors.Is(err, moveengine.ErrCrossDevice):
		return KindCrossDevice
	case errors.Is(err, moveengine.ErrDestinationExists):
		return KindDestinationExists
	default:
		return KindRead
	}
}

// moveIntoVault journals and performs the link+unlink move. The
// journal row is planned before the file is linked (only the shard
// directory may already have been created), promoted to
// moving once the link is durable, and promoted to completed only
// after the source is unlinked — so every crash window maps to
// exactly one recovery action. A destination collision retries under
// a fresh random disambiguator up to maxShardRetries times; a
// destination is never overwritten.
func (p *Pipeline) moveIntoVault(path string, size int64, full *hasher.Digest) (string, error) {
	same, err := moveengine.SameDevice(filepath.Dir(path), p.VaultDir)
	if err != nil {
		return "", err
	}
	if !same {
		return "", fmt.Errorf("dedup: vault %s does not share a device with %s: %w", p.VaultDir, path, moveengine.ErrCrossDevice)
	}

	suffix := filepath.Ext(path)

	for attempt := 0; attempt < maxShardRetries; attempt++ {
		var shardDir, destPath string
		if full != nil {
			shardDir, destPath = moveengine.ShardedPath(p.VaultDir, *full, suffix)
			if attempt > 0 {
				destPath = filepath.Join(shardDir, moveengine.RetrySuffix(filepath.Base(destPath)))
			}
		} else {
			shardDir, destPath = moveengine.RandomShardName(p.VaultDir, suffix)
		}

		if err := moveengine.EnsureShardDir(p.VaultDir, shardDir); err != nil {
			return "", err
		}

		id, err := p.Store.JournalPlan(path, destPath, size)
		if err != nil {
			return "", fmt.Errorf("dedup: planning move for %s: %w", path, err)
		}

		linked, moveErr := moveengine.Move(path, destPath, func() error {
			return p.Store.JournalSetPhase(id, indexstore.PhaseMoving)
		})
		if moveErr == nil {
			if err := p.Store.JournalSetPhase(id, indexstore.PhaseCompleted); err != nil {
				p.registerOrphan(path, destPath, size)
				return "", fmt.Errorf("dedup: completing journal row %d: %w", id, err)
			}
			return destPath, nil
		}

		if linked {
			// Failed somewhere between link and unlink: the vault copy
			// exists and the source may or may not. The orphan registry
			// becomes the authority; the journal row is closed out so
			// only one recovery path claims this file.
			p.registerOrphan(path, destPath, size)
			_ = p.Store.JournalSetPhase(id, indexstore.PhaseFailed)
			return "", moveErr
		}

		_ = p.Store.JournalSetPhase(id, indexstore.PhaseFailed)

		if errors.Is(moveErr, moveengine.ErrDestinationExists) {
			continue
		}
		return "", moveErr
	}

	return "", fmt.Errorf("dedup: exhausted %d destination retries for %s: %w", maxShardRetries, path, moveengine.ErrDestinationExists)
}

// commitUnique writes the index rows for a unique decision in one
// transaction: the size always, the fringe entry from tier 2 up, and
// the full-content entry only when tier 3 actually computed it.
func (p *Pipeline) commitUnique(size int64, fringe, full *hasher.Digest, storedPath string, tier int, opts Options) error {
	return p.Store.WithTx(func() error {
		if err := p.Store.SizeInsert(size); err != nil {
			return err
		}
		if tier >= 2 {
			if err := p.Store.FringeInsert(fringe.Bytes(), size, storedPath); err != nil {
				return err
			}
		}
		if tier == 3 {
			if err := p.Store.FullInsert(full.Bytes(), storedPath, encodeTags(opts.Tags)); err != nil {
				return err
			}
		}
		return nil
	})
}

// registerOrphan records a linked-but-unindexed vault file in the
// orphan registry, falling back to the emergency log on disk when the
// registry itself cannot be written.
func (p *Pipeline) registerOrphan(originalPath, storedPath string, size int64) {
	p.log().Warn("vault copy left unindexed, registering orphan",
		"original_path", originalPath, "stored_path", storedPath)

	if _, err := p.Store.OrphanAdd(originalPath, storedPath, size); err != nil {
		p.log().Error("orphan registry unavailable, falling back to emergency log",
			"original_path", originalPath, "stored_path", storedPath, "error", err)
		writeEmergencyOrphan(p.Store, originalPath, storedPath, size)
	}
}

func encodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return ""
	}
	return string(data)
}

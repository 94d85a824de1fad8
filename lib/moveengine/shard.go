// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package moveengine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/duskfall-systems/dedupgate/lib/hasher"
)

// ShardedPath computes the vault destination for a file from a 32-hex
// identifier: the first two hex characters become the shard directory
// and the remaining thirty the filename stem, with the source file's
// extension preserved. Two hex characters bound any single shard
// directory at 256 entries of fan-out at the vault root without
// adding more than one extra level of lookup.
//
// The identifier is the file's full-content digest when the decision
// reached tier 3; tier 1 and 2 uniques are placed before their full
// hash is ever computed, under a random identifier from
// RandomShardName instead.
func ShardedPath(vaultDir string, digest hasher.Digest, suffix string) (shardDir, destPath string) {
	return shardedFromHex(vaultDir, digest.String(), suffix)
}

// RandomShardName computes a sharded path the same way ShardedPath
// does, seeded from a random UUID rather than a content digest.
func RandomShardName(vaultDir, suffix string) (shardDir, destPath string) {
	id := uuid.New()
	return shardedFromHex(vaultDir, fmt.Sprintf("%x", id[:]), suffix)
}

func shardedFromHex(vaultDir, hex, suffix string) (shardDir, destPath string) {
	shardDir = filepath.Join(vaultDir, hex[:2])
	destPath = filepath.Join(shardDir, hex[2:]+suffix)
	return shardDir, destPath
}

// RetrySuffix appends a short random disambiguator to name's stem,
// used when a sharded destination collides with an existing file and
// the move is retried.
func RetrySuffix(name string) string {
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	return stem + "_" + uuid.New().String()[:8] + ext
}

// EnsureShardDir creates shardDir under vaultDir if it does not
// already exist, fsyncing vaultDir only when a new directory was
// actually created. Pre-creating the shard outside the critical
// section keeps the common case (shard already populated) free of
// both the mkdir and the vault-root fsync on the move's hot path.
func EnsureShardDir(vaultDir, shardDir string) error {
	if err := os.Mkdir(shardDir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("moveengine: creating shard directory %s: %w", shardDir, err)
	}
	return fsyncDir(vaultDir)
}

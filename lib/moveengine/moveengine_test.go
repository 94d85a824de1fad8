// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package moveengine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/duskfall-systems/dedupgate/lib/hasher"
)

func TestAtomicMoveSucceeds(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "shard", "dest.txt")
	if err := AtomicMove(src, dest); err != nil {
		t.Fatalf("AtomicMove: %v", err)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("expected source to be gone, stat err = %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading dest: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("dest content = %q, want hello", data)
	}
}

func TestAtomicMoveFailsWhenDestExists(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dest := filepath.Join(dir, "dest.txt")
	if err := os.WriteFile(src, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := AtomicMove(src, dest)
	if err == nil {
		t.Fatalf("expected error when destination already exists")
	}

	if _, statErr := os.Stat(src); statErr != nil {
		t.Errorf("expected source to survive a failed move, stat err = %v", statErr)
	}
}

func TestAtomicMoveCreatesIntermediateDirs(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "a", "b", "c", "dest.txt")
	if err := AtomicMove(src, dest); err != nil {
		t.Fatalf("AtomicMove: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("expected dest to exist: %v", err)
	}
}

func TestMovePromoteRunsWhileBothPathsExist(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dest := filepath.Join(dir, "vault", "dest.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	promoted := false
	linked, err := Move(src, dest, func() error {
		promoted = true
		if _, err := os.Stat(src); err != nil {
			t.Errorf("source already gone at promotion time: %v", err)
		}
		if _, err := os.Stat(dest); err != nil {
			t.Errorf("destination not yet linked at promotion time: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if !linked {
		t.Errorf("linked = false, want true")
	}
	if !promoted {
		t.Errorf("promote hook never ran")
	}
}

func TestMovePromoteErrorLeavesSourceIntact(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dest := filepath.Join(dir, "vault", "dest.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	linked, err := Move(src, dest, func() error {
		return errors.New("journal write failed")
	})
	if err == nil {
		t.Fatalf("expected promote error to abort the move")
	}
	if !linked {
		t.Errorf("linked = false, want true (link precedes promotion)")
	}
	if _, statErr := os.Stat(src); statErr != nil {
		t.Errorf("source must survive an aborted promotion: %v", statErr)
	}
	if _, statErr := os.Stat(dest); statErr != nil {
		t.Errorf("destination link should still exist for reconciliation: %v", statErr)
	}
}

func TestSameDevice(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	same, err := SameDevice(dir, sub)
	if err != nil {
		t.Fatalf("SameDevice: %v", err)
	}
	if !same {
		t.Errorf("expected a directory and its child to share a device")
	}
}

func TestShardedPathIsDeterministic(t *testing.T) {
	var digest hasher.Digest
	for i := range digest {
		digest[i] = byte(i)
	}

	shardDir1, destPath1 := ShardedPath("/vault", digest, ".bin")
	shardDir2, destPath2 := ShardedPath("/vault", digest, ".bin")

	if shardDir1 != shardDir2 || destPath1 != destPath2 {
		t.Errorf("ShardedPath is not deterministic for the same digest")
	}
	if filepath.Dir(destPath1) != shardDir1 {
		t.Errorf("destPath %q not inside shardDir %q", destPath1, shardDir1)
	}

	// Shard directory takes the first two hex characters, filename
	// stem the remaining thirty.
	if got := filepath.Base(shardDir1); len(got) != 2 {
		t.Errorf("shard directory %q, want two hex characters", got)
	}
	stem := strings.TrimSuffix(filepath.Base(destPath1), ".bin")
	if len(stem) != 30 {
		t.Errorf("filename stem %q has %d characters, want 30", stem, len(stem))
	}
}

func TestRandomShardNameIsUnique(t *testing.T) {
	_, a := RandomShardName("/vault", ".bin")
	_, b := RandomShardName("/vault", ".bin")
	if a == b {
		t.Errorf("expected two random shard names to differ")
	}
}

func TestEnsureShardDirIdempotent(t *testing.T) {
	vault := t.TempDir()
	shard := filepath.Join(vault, "ab")

	if err := EnsureShardDir(vault, shard); err != nil {
		t.Fatalf("EnsureShardDir (create): %v", err)
	}
	if err := EnsureShardDir(vault, shard); err != nil {
		t.Fatalf("EnsureShardDir (already exists): %v", err)
	}
}

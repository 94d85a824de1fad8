// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskfall-systems/dedupgate/lib/clock"
	"github.com/duskfall-systems/dedupgate/lib/hasher"
	"github.com/duskfall-systems/dedupgate/lib/indexstore"
)

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(root, "index.db")
	vault := filepath.Join(root, "vault")
	if err := os.Mkdir(vault, 0o755); err != nil {
		t.Fatal(err)
	}

	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := indexstore.Open(dbPath, fake)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &Pipeline{Store: store, VaultDir: vault}, root
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEmptyFileIsSkipped(t *testing.T) {
	p, root := newTestPipeline(t)
	path := writeFile(t, root, "empty.bin", nil)

	d := p.ProcessFile(path, nil, Options{})
	if d.Result != Skipped || d.Tier != 0 || d.Error != "empty" {
		t.Errorf("got %+v, want Skipped(tier=0, error=empty)", d)
	}
	if d.ErrorKind != KindEmpty {
		t.Errorf("ErrorKind = %q, want %q", d.ErrorKind, KindEmpty)
	}
}

func TestUniqueMoveTerminatesItsJournalRow(t *testing.T) {
	p, root := newTestPipeline(t)
	path := writeFile(t, root, "a.bin", bytes.Repeat([]byte{0x0A}, 8192))

	d := p.ProcessFile(path, nil, Options{})
	if d.Result != Unique {
		t.Fatalf("got %+v", d)
	}

	rows, err := p.Store.JournalListUnterminated()
	if err != nil {
		t.Fatalf("JournalListUnterminated: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("journal left %d unterminated rows after a clean move", len(rows))
	}
}

func TestMissingFileIsSkippedWithStatKind(t *testing.T) {
	p, root := newTestPipeline(t)

	d := p.ProcessFile(filepath.Join(root, "never-written.bin"), nil, Options{})
	if d.Result != Skipped || d.Tier != 0 {
		t.Fatalf("got %+v, want Skipped(tier=0)", d)
	}
	if d.ErrorKind != KindStat {
		t.Errorf("ErrorKind = %q, want %q", d.ErrorKind, KindStat)
	}
}

func TestFirstSightIsUniqueAtTierOne(t *testing.T) {
	p, root := newTestPipeline(t)
	data := bytes.Repeat([]byte{0x01}, 1<<20)
	path := writeFile(t, root, "a.bin", data)

	d := p.ProcessFile(path, nil, Options{})
	if d.Result != Unique || d.Tier != 1 {
		t.Fatalf("got %+v, want Unique(tier=1)", d)
	}
	if _, err := os.Stat(d.StoredPath); err != nil {
		t.Errorf("expected file moved into vault: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected source removed after move, stat err = %v", err)
	}

	seen, err := p.Store.SizeSeen(int64(len(data)))
	if err != nil || !seen {
		t.Errorf("expected size recorded, seen=%v err=%v", seen, err)
	}
}

func TestSizeCollisionDifferentContentIsUniqueAtTierTwo(t *testing.T) {
	p, root := newTestPipeline(t)
	a := bytes.Repeat([]byte{0x01}, 1<<20)
	b := bytes.Repeat([]byte{0x02}, 1<<20)

	pathA := writeFile(t, root, "a.bin", a)
	dA := p.ProcessFile(pathA, nil, Options{})
	if dA.Result != Unique || dA.Tier != 1 {
		t.Fatalf("setup: got %+v", dA)
	}

	pathB := writeFile(t, root, "b.bin", b)
	dB := p.ProcessFile(pathB, nil, Options{})
	if dB.Result != Unique || dB.Tier != 2 {
		t.Fatalf("got %+v, want Unique(tier=2)", dB)
	}
}

func TestFringeCollisionDifferentMiddleIsUniqueAtTierThree(t *testing.T) {
	p, root := newTestPipeline(t)

	size := 1 << 20
	a := make([]byte, size)
	for i := range a {
		a[i] = byte(i)
	}
	pathA := writeFile(t, root, "a.bin", a)
	dA := p.ProcessFile(pathA, nil, Options{})
	if dA.Result != Unique || dA.Tier != 1 {
		t.Fatalf("setup: got %+v", dA)
	}

	c := bytes.Clone(a)
	middle := size / 2
	c[middle] ^= 0xFF
	pathC := writeFile(t, root, "c.bin", c)

	dC := p.ProcessFile(pathC, nil, Options{})
	if dC.Result != Unique || dC.Tier != 3 {
		t.Fatalf("got %+v, want Unique(tier=3)", dC)
	}
}

func TestTrueDuplicateIsDetectedAtTierThree(t *testing.T) {
	p, root := newTestPipeline(t)
	data := bytes.Repeat([]byte{0x03}, 1<<20)

	pathA := writeFile(t, root, "a.bin", data)
	dA := p.ProcessFile(pathA, nil, Options{})
	if dA.Result != Unique {
		t.Fatalf("setup: got %+v", dA)
	}

	pathB := writeFile(t, root, "b.bin", bytes.Clone(data))
	dB := p.ProcessFile(pathB, nil, Options{})
	if dB.Result != Duplicate || dB.Tier != 3 {
		t.Fatalf("got %+v, want Duplicate(tier=3)", dB)
	}
	if dB.DuplicateOf != dA.StoredPath {
		t.Errorf("DuplicateOf = %q, want %q", dB.DuplicateOf, dA.StoredPath)
	}

	if _, err := os.Stat(pathB); err != nil {
		t.Errorf("expected duplicate source file untouched: %v", err)
	}
}

func TestReprocessingSameFileYieldsDuplicateSecondTime(t *testing.T) {
	p, root := newTestPipeline(t)
	data := bytes.Repeat([]byte{0x04}, 2048)

	pathA := writeFile(t, root, "a.bin", data)
	dA := p.ProcessFile(pathA, nil, Options{})
	if dA.Result != Unique {
		t.Fatalf("first pass: got %+v", dA)
	}

	pathB := writeFile(t, root, "b.bin", bytes.Clone(data))
	dB := p.ProcessFile(pathB, nil, Options{})
	if dB.Result != Duplicate {
		t.Fatalf("second pass: got %+v, want Duplicate", dB)
	}
}

func TestReadOnlyModeUpdatesIndicesWithoutMoving(t *testing.T) {
	root := t.TempDir()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := indexstore.Open(filepath.Join(root, "index.db"), fake)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	p := &Pipeline{Store: store}
	path := writeFile(t, root, "a.bin", bytes.Repeat([]byte{0x05}, 4096))

	d := p.ProcessFile(path, nil, Options{})
	if d.Result != Unique {
		t.Fatalf("got %+v", d)
	}
	if d.StoredPath != path {
		t.Errorf("StoredPath = %q, want %q (read-only mode)", d.StoredPath, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected source untouched in read-only mode: %v", err)
	}
}

func TestReofferedVaultFileConvergesToSelfCheck(t *testing.T) {
	p, root := newTestPipeline(t)
	data := bytes.Repeat([]byte{0x06}, 4096)
	path := writeFile(t, root, "a.bin", data)

	// A tier-1 admit records only the size. Re-offering the vault file
	// accretes its fringe row (tier 2) and then its full row (tier 3);
	// after that the file is stable under re-scan: the full-index hit
	// resolves to the presented path itself and no further move
	// happens.
	d1 := p.ProcessFile(path, nil, Options{})
	if d1.Result != Unique || d1.Tier != 1 {
		t.Fatalf("first admit: got %+v, want Unique(tier=1)", d1)
	}

	d2 := p.ProcessFile(d1.StoredPath, nil, Options{})
	if d2.Result != Unique || d2.Tier != 2 {
		t.Fatalf("second pass: got %+v, want Unique(tier=2)", d2)
	}

	d3 := p.ProcessFile(d2.StoredPath, nil, Options{})
	if d3.Result != Unique || d3.Tier != 3 {
		t.Fatalf("third pass: got %+v, want Unique(tier=3)", d3)
	}

	d4 := p.ProcessFile(d3.StoredPath, nil, Options{})
	if d4.Result != Unique || d4.Tier != 3 {
		t.Fatalf("fourth pass: got %+v, want Unique(tier=3) via self-check", d4)
	}
	if d4.StoredPath != d3.StoredPath {
		t.Errorf("self-check moved the file: %q -> %q", d3.StoredPath, d4.StoredPath)
	}
	if _, err := os.Stat(d3.StoredPath); err != nil {
		t.Errorf("expected the settled vault file untouched: %v", err)
	}
}

func TestTagsPassThroughToFullIndexMetadata(t *testing.T) {
	p, root := newTestPipeline(t)
	data := bytes.Repeat([]byte{0x07}, 4096)
	path := writeFile(t, root, "a.bin", data)

	d := p.ProcessFile(path, nil, Options{Tags: map[string]string{"project": "alpha"}})
	if d.Result != Unique {
		t.Fatalf("got %+v", d)
	}

	full, err := hasher.Full(d.StoredPath, 4096)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	match, found, err := p.Store.FullLookup(full.Bytes())
	if err != nil || !found {
		t.Fatalf("FullLookup: found=%v err=%v", found, err)
	}
	if match.Metadata == "" {
		t.Errorf("expected metadata to carry the tags payload, got empty string")
	}
}

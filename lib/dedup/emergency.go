// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/duskfall-systems/dedupgate/lib/indexstore"
)

// emergencyLogName is the sidecar file written beside the database
// when an orphan cannot be registered in the Index Store itself —
// the last resort when the database is unwritable mid-session.
const emergencyLogName = "emergency_orphans.jsonl"

type emergencyOrphanRecord struct {
	Timestamp    string `json:"timestamp"`
	Hostname     string `json:"hostname"`
	PID          int    `json:"pid"`
	OriginalPath string `json:"original_path"`
	OrphanPath   string `json:"orphan_path"`
	FileSize     int64  `json:"file_size"`
}

// writeEmergencyOrphan appends a record to the emergency log next to
// the database, using O_APPEND with an explicit fsync so concurrent
// writers (there are none under the single-session model, but a
// crash mid-write must not corrupt earlier lines) can never interleave
// partial lines.
func writeEmergencyOrphan(store *indexstore.Store, originalPath, orphanPath string, size int64) {
	dir := store.DatabaseDir()
	if dir == "" {
		return
	}

	hostname, _ := os.Hostname()
	record := emergencyOrphanRecord{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Hostname:     hostname,
		PID:          os.Getpid(),
		OriginalPath: originalPath,
		OrphanPath:   orphanPath,
		FileSize:     size,
	}

	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	line = append(line, '\n')

	path := filepath.Join(dir, emergencyLogName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return
	}
	_ = f.Sync()

	if parent, err := os.Open(dir); err == nil {
		_ = parent.Sync()
		parent.Close()
	}
}

// importEmergencyOrphans reads any pending emergency log beside the
// database, registers each still-existing orphan path with store, and
// removes the log once every line has been imported. Called once at
// Session Open, before the recovery pass, so imported rows are
// reconciled in the same pass.
func importEmergencyOrphans(store *indexstore.Store) (int, error) {
	dir := store.DatabaseDir()
	if dir == "" {
		return 0, nil
	}
	path := filepath.Join(dir, emergencyLogName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("dedup: reading emergency orphan log: %w", err)
	}

	lines := splitNonEmptyLines(data)
	imported := 0
	var unparsed [][]byte

	for _, line := range lines {
		var record emergencyOrphanRecord
		if err := json.Unmarshal(line, &record); err != nil {
			unparsed = append(unparsed, line)
			continue
		}
		if _, statErr := os.Stat(record.OrphanPath); statErr != nil {
			continue
		}
		if _, err := store.OrphanAdd(record.OriginalPath, record.OrphanPath, record.FileSize); err != nil {
			unparsed = append(unparsed, line)
			continue
		}
		imported++
	}

	if len(unparsed) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return imported, fmt.Errorf("dedup: removing emergency orphan log: %w", err)
		}
		return imported, nil
	}

	tmp := path + ".tmp"
	var rebuilt []byte
	for _, line := range unparsed {
		rebuilt = append(rebuilt, line...)
		rebuilt = append(rebuilt, '\n')
	}
	if err := os.WriteFile(tmp, rebuilt, 0o644); err != nil {
		return imported, fmt.Errorf("dedup: rewriting emergency orphan log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return imported, fmt.Errorf("dedup: replacing emergency orphan log: %w", err)
	}

	return imported, nil
}

func splitNonEmptyLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ImportEmergencyOrphans is the exported entry point Session calls
// during Open, before the recovery pass runs.
func ImportEmergencyOrphans(store *indexstore.Store) (int, error) {
	return importEmergencyOrphans(store)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command dedupgate is the command-line front end for the dedup gate
// core: scan a file or directory tree, recover orphaned vault files
// left by a previous crash, or report index statistics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/duskfall-systems/dedupgate/lib/dedup"
	"github.com/duskfall-systems/dedupgate/lib/gateconfig"
	"github.com/duskfall-systems/dedupgate/lib/service"
	"github.com/duskfall-systems/dedupgate/lib/session"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dedupgate <scan|recover|stats> [flags]")
	}

	switch args[0] {
	case "scan":
		return runScan(args[1:])
	case "recover":
		return runRecover(args[1:])
	case "stats":
		return runStats(args[1:])
	case "-version", "--version", "version":
		fmt.Println("dedupgate (development build)")
		return nil
	default:
		return fmt.Errorf("unknown subcommand %q (want scan, recover, or stats)", args[0])
	}
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	var (
		configPath string
		dbPath     string
		vaultDir   string
		recursive  bool
		hddMode    bool
		jsonOutput bool
		verbose    bool
	)
	fs.StringVar(&configPath, "config", "", "path to a YAML config file (default: $DEDUPGATE_CONFIG)")
	fs.StringVar(&dbPath, "db", "dedupe.db", "path to the index database")
	fs.StringVar(&vaultDir, "into", "", "move unique files into this vault directory (read-only if unset)")
	fs.BoolVar(&recursive, "recursive", false, "recurse into subdirectories")
	fs.BoolVar(&hddMode, "hdd", false, "use the sequential fringe reader for spinning disks")
	fs.BoolVar(&jsonOutput, "json", false, "emit one JSON decision record per line")
	fs.BoolVar(&verbose, "verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("scan requires exactly one path argument")
	}
	target := fs.Arg(0)

	cfg, err := gateconfig.Load(gateconfig.ResolvePath(configPath))
	if err != nil {
		return err
	}
	if dbPath == "dedupe.db" && cfg.DatabasePath != "" {
		dbPath = cfg.DatabasePath
	}
	if vaultDir == "" {
		vaultDir = cfg.VaultDir
	}
	if !recursive && cfg.Recursive {
		recursive = true
	}
	if !hddMode && cfg.HDDMode {
		hddMode = true
	}

	logger := service.NewLogger(verbose)

	sess, err := session.Open(session.Config{DatabasePath: dbPath, VaultDir: vaultDir, HDDMode: hddMode, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("stat %s: %w", target, err)
	}

	opts := dedup.Options{Tags: cfg.Tags}

	var unique, duplicate, skipped int
	emit := func(d dedup.Decision) {
		switch d.Result {
		case dedup.Unique:
			unique++
		case dedup.Duplicate:
			duplicate++
		case dedup.Skipped:
			skipped++
		}
		if jsonOutput {
			printDecisionJSON(d)
		} else {
			logger.Info("processed", "path", d.OriginalPath, "result", string(d.Result), "tier", d.Tier)
		}
	}

	// A SIGINT/SIGTERM between files stops the walk after the decision
	// in flight; signals during a move's critical section are deferred
	// by the move engine itself.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if info.IsDir() {
		for d := range sess.ProcessDirectory(ctx, target, recursive, opts) {
			emit(d)
		}
	} else {
		emit(sess.ProcessFile(target, opts))
	}

	if !jsonOutput {
		fmt.Printf("unique=%d duplicate=%d skipped=%d\n", unique, duplicate, skipped)
	}

	return nil
}

func printDecisionJSON(d dedup.Decision) {
	record := map[string]any{
		"original_path": d.OriginalPath,
		"stored_path":   emptyToNil(d.StoredPath),
		"result":        string(d.Result),
		"tier":          d.Tier,
		"duplicate_of":  emptyToNil(d.DuplicateOf),
		"error":         emptyToNil(d.Error),
		"error_kind":    emptyToNil(d.ErrorKind),
	}
	if len(d.Tags) > 0 {
		record["tags"] = d.Tags
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func runRecover(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", "dedupe.db", "path to the index database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Recovery runs automatically at Session Open; the recover
	// subcommand exists to surface that pass's outcome on demand
	// without scanning any new files.
	sess, err := session.Open(session.Config{DatabasePath: dbPath})
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	stats, err := sess.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("pending orphans: %d, pending journal rows: %d\n", stats.PendingOrphans, stats.PendingJournal)
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	var (
		dbPath     string
		jsonOutput bool
	)
	fs.StringVar(&dbPath, "db", "dedupe.db", "path to the index database")
	fs.BoolVar(&jsonOutput, "json", false, "emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := session.Open(session.Config{DatabasePath: dbPath})
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	stats, err := sess.Stats()
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("index: %s\n", filepath.Base(dbPath))
	fmt.Printf("  unique sizes:    %d\n", stats.UniqueSizes)
	fmt.Printf("  fringe entries:  %d\n", stats.FringeEntries)
	fmt.Printf("  full entries:    %d\n", stats.FullEntries)
	fmt.Printf("  schema version:  v%d\n", stats.SchemaVersion)
	fmt.Printf("  pending orphans: %d\n", stats.PendingOrphans)
	fmt.Printf("  pending journal: %d\n", stats.PendingJournal)
	return nil
}

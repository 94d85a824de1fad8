// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the structured logger shared by the dedup
// gate's CLI and library packages.
package service

import (
	"log/slog"
	"os"
)

// NewLogger creates the standard logger: a JSON handler writing to
// stderr at Info level, with debug enabled when verbose is true. It
// also sets the default slog logger so third-party code using
// slog.Info etc. gets the same handler.
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

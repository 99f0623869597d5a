// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package logger contains logger API and its slog implementation.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns wrapped slog logger writing JSON records at the given level.
func New(w io.Writer, levelText string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelText)); err != nil {
		return &slog.Logger{}, err
	}

	logHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})

	return slog.New(logHandler), nil
}

// ExitWithError exits the process with the given code. It is meant to be
// deferred first thing in main so that cleanups registered later still run
// before the exit.
func ExitWithError(code *int) {
	os.Exit(*code)
}

// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"garbage", LevelInfo},
		{"", LevelInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseLevel(tc.in), "ParseLevel(%q)", tc.in)
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestLoggerFileOutput(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "test",
		Quiet:   true,
	})
	logger.Info("hello", "key", "value")
	require.NoError(t, logger.Close())

	name := "test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), `"service":"test"`)
}

func TestLoggerExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "test",
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Info("exported message", "correlation_id", "abc")
	// Export runs asynchronously.
	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)

	entries := exporter.Entries()
	assert.Equal(t, "exported message", entries[0].Message)
	assert.Equal(t, "test", entries[0].Service)
	assert.Equal(t, "abc", entries[0].Attrs["correlation_id"])

	require.NoError(t, logger.Close())
}

func TestLoggerExporterFiltersBelowLevel(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Service:  "test",
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Debug("dropped")
	logger.Info("also dropped")
	logger.Warn("kept")

	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "kept", exporter.Entries()[0].Message)

	require.NoError(t, logger.Close())
}

func TestLoggerWithSharesDestinations(t *testing.T) {
	exporter := NewBufferedExporter()
	parent := New(Config{Level: LevelInfo, Service: "test", Quiet: true, Exporter: exporter})
	child := parent.With("request_id", "r1")

	child.Info("child message")
	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, parent.Close())
}

func TestBufferedExporterCopies(t *testing.T) {
	exporter := NewBufferedExporter()
	require.NoError(t, exporter.Export(context.Background(), Entry{Message: "one"}))

	entries := exporter.Entries()
	entries[0].Message = "mutated"

	assert.Equal(t, "one", exporter.Entries()[0].Message)
}

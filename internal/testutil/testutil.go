// Package testutil provides small shared helpers for tests outside the
// engine package that need a live engine, generalizing the t.TempDir()
// per-test data dir pattern used throughout the test suite. The engine, wal
// and cache tests build their own fixtures in-package.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crabkv/crabkv/internal/engine"
)

// OpenEngine builds an engine rooted at a fresh temp directory, failing the
// test immediately on error.
func OpenEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

// OpenEngineWith builds an engine via a caller-supplied builder customization,
// rooted at a fresh temp directory.
func OpenEngineWith(t *testing.T, configure func(*engine.Builder) *engine.Builder) *engine.Engine {
	t.Helper()
	builder := engine.NewBuilder(t.TempDir())
	if configure != nil {
		builder = configure(builder)
	}
	eng, err := builder.Build()
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

// Package testutil provides shared test infrastructure: an in-memory store,
// a fully wired backend server over httptest, and a quiet test logger.
package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/tracklab/tracklab/internal/server"
	"github.com/tracklab/tracklab/internal/storage"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// NewTestStore opens an in-memory sqlite store scoped to one test. Each
// call gets a private database.
func NewTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), "file:"+t.Name()+"?mode=memory&cache=shared", TestLogger())
	if err != nil {
		t.Fatalf("testutil: open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NewTestBackend starts a backend HTTP server over httptest, backed by an
// in-memory store with a fast-flushing metric buffer. Returns the server
// URL and the store for direct assertions.
func NewTestBackend(t *testing.T) (string, *storage.Store) {
	t.Helper()
	store := NewTestStore(t)
	logger := TestLogger()

	buffer := server.NewMetricBuffer(store, logger, 10, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	buffer.Start(ctx)
	t.Cleanup(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		buffer.Drain(drainCtx)
		drainCancel()
		cancel()
	})

	srv := server.New(server.ServerConfig{
		Store:   store,
		Buffer:  buffer,
		Logger:  logger,
		Version: "test",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, store
}

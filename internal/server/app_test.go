package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/config"
	localstorage "github.com/JakeFAU/poacher/internal/storage/local"
)

// growingForge lists identifiers 1..boundary.
type growingForge struct {
	boundary atomic.Int64
}

func (f *growingForge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/repositories" {
		http.NotFound(w, r)
		return
	}
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		http.Error(w, "bad since", http.StatusUnprocessableEntity)
		return
	}
	out := []map[string]any{}
	for id := since + 1; id <= f.boundary.Load() && len(out) < 100; id++ {
		out = append(out, map[string]any{
			"id":        id,
			"name":      fmt.Sprintf("repo%d", id),
			"full_name": fmt.Sprintf("octo/repo%d", id),
			"html_url":  fmt.Sprintf("https://github.com/octo/repo%d", id),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func testConfig(t *testing.T, apiURL string) config.Config {
	t.Helper()
	return config.Config{
		Forge: config.ForgeConfig{
			APIURL:         apiURL,
			UserAgent:      "poacher-test",
			TimeoutSeconds: 5,
		},
		Discovery: config.DiscoveryConfig{
			SkipEmpty:    true,
			PollInterval: 5 * time.Millisecond,
		},
		Ingest: config.IngestConfig{MaxRetries: -1},
		Checkpoint: config.CheckpointConfig{
			Backend: config.CheckpointFile,
			Path:    filepath.Join(t.TempDir(), "marker.yaml"),
		},
	}
}

func TestLocate(t *testing.T) {
	t.Parallel()

	forge := &growingForge{}
	forge.boundary.Store(140)
	srv := httptest.NewServer(forge)
	defer srv.Close()

	app, err := Build(context.Background(), testConfig(t, srv.URL), zap.NewNop())
	require.NoError(t, err)
	defer app.Close(context.Background())

	id, probes, err := app.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(140), id)
	assert.Positive(t, probes)
}

func TestRunPollsAndFinalizesOnCancel(t *testing.T) {
	t.Parallel()

	forge := &growingForge{}
	forge.boundary.Store(140)
	srv := httptest.NewServer(forge)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.loop.Bootstrapped() }, 5*time.Second, 5*time.Millisecond)
	forge.boundary.Store(143)
	require.Eventually(t, func() bool { return app.Stats().NewestID == 143 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	store, err := localstorage.NewCheckpointStore(cfg.Checkpoint.Path)
	require.NoError(t, err)
	marker, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(143), marker.LastKnownID)
	assert.Equal(t, int64(140), marker.StartingID)
	assert.Equal(t, int64(3), marker.ReposObserved)
	assert.Equal(t, int64(1), marker.SessionCount)
}

func TestRunInterruptedDuringBootstrap(t *testing.T) {
	t.Parallel()

	probing := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case probing <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-probing:
	case <-time.After(5 * time.Second):
		t.Fatal("bootstrap never queried the forge")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.False(t, app.loop.Bootstrapped())
	assert.NoFileExists(t, cfg.Checkpoint.Path)
}

func TestRunFailsOnListingError(t *testing.T) {
	t.Parallel()

	forge := &growingForge{}
	forge.boundary.Store(10)
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		forge.ServeHTTP(w, r)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close(context.Background())

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()
	require.Eventually(t, func() bool { return app.loop.Bootstrapped() }, 5*time.Second, 5*time.Millisecond)
	failing.Store(true)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestBuildRejectsUnknownHandler(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Handler.Kind = "bogus"
	app, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	app.Close(context.Background())
}

func TestOpenCheckpointStoreFile(t *testing.T) {
	t.Parallel()

	store, err := OpenCheckpointStore(context.Background(), config.CheckpointConfig{
		Backend: config.CheckpointFile,
		Path:    filepath.Join(t.TempDir(), "marker.yaml"),
	})
	require.NoError(t, err)
	marker, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, marker.LastKnownID)
}

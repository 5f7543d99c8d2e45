// Shared app and server setup, which simplifies the API and CLI tests.

package testutil

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/vrsandeep/mango-archiver/internal/config"
	"github.com/vrsandeep/mango-archiver/internal/core"
)

// TestConfig returns a configuration rooted in a temporary directory with
// an in-memory database, fast retries and the periodic jobs disabled.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{LogLevel: "error", LogFormat: "json"}
	cfg.Database.Path = ":memory:"
	cfg.Downloads = config.DownloadsConfig{
		Path:             filepath.Join(root, "downloads"),
		Workers:          2,
		MaxAttempts:      2,
		RetryDelay:       time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
		Format:           "cbz",
		PollInterval:     20 * time.Millisecond,
		RequeueDelay:     time.Minute,
		RequestTimeout:   5 * time.Second,
	}
	cfg.Cache = config.CacheConfig{
		Path:              filepath.Join(root, "cache"),
		FreeSpaceFraction: 0.1,
		MinSizeMB:         8,
		MaxSizeMB:         64,
	}
	cfg.Signals.Path = filepath.Join(root, "signals")
	cfg.Jobs.CompletedRetention = time.Hour
	return cfg
}

// SetupTestApp builds a core.App from TestConfig. It is closed when the
// test completes.
func SetupTestApp(t *testing.T) *core.App {
	t.Helper()
	app, err := core.NewWithConfig(TestConfig(t), io.Discard)
	if err != nil {
		t.Fatalf("Failed to set up app: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

// StartTestApp builds and starts an app. Its background work is stopped
// before the app is closed.
func StartTestApp(t *testing.T) *core.App {
	t.Helper()
	app := SetupTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Failed to start app: %v", err)
	}
	return app
}

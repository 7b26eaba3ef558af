package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flatironinstitute/neurosift-annotations/internal/logging"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", logging.Discard())
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, "dandi", cfg.DefaultInstanceName)
	require.True(t, cfg.CachePerCredential)
	require.Contains(t, cfg.AllowedOrigins, "https://neurosift.app")
	require.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nsa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
cache_dsn: "memory://"
allowed_origins: ["https://example.org"]
rate_limit_max: 10
rate_limit_window: 30s
cache_per_credential: false
`), 0o644))
	t.Setenv("NSA_ADDR", ":7070")
	t.Setenv("NSA_RATE_LIMIT_MAX", "not-a-number")
	t.Setenv("NSA_INTERNAL_MAX_SKEW", "2m")
	t.Setenv("NSA_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path, logging.Discard())
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Addr)
	require.Equal(t, "memory://", cfg.CacheDSN)
	require.Equal(t, 10, cfg.RateLimitMax, "invalid env values fall back to the file value")
	require.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	require.Equal(t, 2*time.Minute, cfg.InternalMaxSkew)
	require.False(t, cfg.CachePerCredential)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nsa.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [unterminated"), 0o644))
	_, err := Load(path, logging.Discard())
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), logging.Discard())
	require.Error(t, err)
}

func TestBackendProfiles(t *testing.T) {
	t.Setenv("NSA_BACKEND_PROFILE", "durable-local")
	t.Setenv("NSA_DATA_DIR", "/var/lib/nsa")
	cfg, err := Load("", logging.Discard())
	require.NoError(t, err)
	require.Equal(t, "sqlite:///var/lib/nsa/cache.db", cfg.CacheDSN)
	require.Equal(t, "memory://", cfg.AnnotationsDSN)

	t.Setenv("NSA_BACKEND_PROFILE", "production")
	_, err = Load("", logging.Discard())
	require.ErrorContains(t, err, "production_dsn")

	t.Setenv("NSA_PRODUCTION_DSN", "mongodb://db:27017/neurosift-annotations")
	t.Setenv("NSA_CACHE_DSN", "postgres://cache")
	cfg, err = Load("", logging.Discard())
	require.NoError(t, err)
	require.Equal(t, "postgres://cache", cfg.CacheDSN, "explicit DSN wins over the profile")
	require.Equal(t, "mongodb://db:27017/neurosift-annotations", cfg.AnnotationsDSN)

	t.Setenv("NSA_BACKEND_PROFILE", "bogus")
	_, err = Load("", logging.Discard())
	require.ErrorContains(t, err, "unsupported backend_profile")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Addr = ""
	cfg.RateLimitMax = -1
	err := cfg.Validate()
	require.ErrorContains(t, err, "addr is required")
	require.ErrorContains(t, err, "rate_limit_max")
}

func TestLiveSettings(t *testing.T) {
	live := NewLive(Default().Dynamic())
	require.True(t, live.OriginAllowed("http://localhost:4200"))
	require.False(t, live.OriginAllowed("https://evil.example"))

	live.Store(Dynamic{AllowedOrigins: []string{"*"}, MinRateLimitRemaining: 50})
	require.True(t, live.OriginAllowed("https://evil.example"))
	require.Equal(t, 50, live.Load().MinRateLimitRemaining)

	var empty Live
	require.False(t, empty.OriginAllowed("http://localhost:4200"))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nsa.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_rate_limit_remaining: 1\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logging.Discard(), func(cfg Config) { reloaded <- cfg })
	}()

	// Give the watcher time to register before writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, os.WriteFile(path, []byte("min_rate_limit_remaining: 42\n"), 0o644))
		select {
		case cfg := <-reloaded:
			require.Equal(t, 42, cfg.MinRateLimitRemaining)
			cancel()
			require.NoError(t, <-done)
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("expected config reload after write")
		}
	}
}

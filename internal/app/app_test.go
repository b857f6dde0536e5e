package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webshield/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DataDir:  t.TempDir(),
		HTTPAddr: "127.0.0.1:0",
		GRPCAddr: "127.0.0.1:0",
		Fetch: config.FetchConfig{
			Timeout:      5 * time.Second,
			MaxListBytes: 1 << 20,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 10, Burst: 10},
	}
}

func TestNew_LoadsExistingData(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "blocked_sites.json"), []byte(`["blocked.com"]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "whitelist.json"), []byte(`["ok.blocked.com"]`), 0o644))

	a, err := New(cfg, nil)
	require.NoError(t, err)

	ic := a.Interceptor()
	assert.True(t, ic.ShouldBlock("https://blocked.com/"))
	assert.True(t, ic.ShouldBlock("https://www.blocked.com/"))
	assert.False(t, ic.ShouldBlock("https://ok.blocked.com/"))
	assert.False(t, ic.ShouldBlock("https://example.com/"))

	// default settings are written on first start
	assert.FileExists(t, filepath.Join(cfg.DataDir, "settings.json"))
}

func TestNew_CorruptSettings(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "settings.json"), []byte(`{"batch_size": 1}`), 0o644))

	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestRun_StopsGracefully(t *testing.T) {
	a, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestRun_ListenError(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPAddr = "256.0.0.1:bad"

	a, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, a.Run(ctx))
}

package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesosint/hermes/internal/config"
	"github.com/hermesosint/hermes/internal/execution"
	"github.com/hermesosint/hermes/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoliciesFrom(t *testing.T) {
	cfg := &config.Config{
		RateLimits: config.RateLimitsConfig{
			"breach-api": {MaxCalls: 10, WindowSeconds: 60},
			"whois":      {MaxCalls: 5},
		},
	}

	policies := policiesFrom(cfg)
	assert.Equal(t, ratelimit.Policy{MaxCalls: 10, Window: time.Minute}, policies["breach-api"])
	assert.Equal(t, ratelimit.Policy{MaxCalls: 5, Window: time.Minute}, policies["whois"])
	assert.Equal(t, ratelimit.Policy{MaxCalls: 60, Window: time.Minute}, policies["api"])

	cfg.API = &config.APIConfig{RateLimit: config.RateLimitConfig{MaxCalls: 3, WindowSeconds: 10}}
	assert.Equal(t, ratelimit.Policy{MaxCalls: 3, Window: 10 * time.Second}, policiesFrom(cfg)["api"])
}

func TestInitSharedSQLiteNative(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Execution = &config.ExecutionConfig{Mode: execution.ModeNative}
	cfg.Cache = &config.CacheConfig{Enabled: true}

	sc, err := initShared(cfg, testLogger())
	require.NoError(t, err)
	defer sc.Cleanup()

	assert.Equal(t, "sqlite", sc.Store.Driver())
	assert.Nil(t, sc.Proxies)
	assert.NotNil(t, sc.Cache)
	assert.NotNil(t, sc.Scheduler)
	assert.Equal(t, execution.ModeNative, sc.Strategy.Name())
	assert.Equal(t, []string{"h8mail", "holehe", "phoneinfoga", "sherlock", "subfinder"}, sc.Adapters.List())

	p, ok := sc.Limiter.PolicyFor("api:alice")
	require.True(t, ok)
	assert.Equal(t, 60, p.MaxCalls)
}

func TestInitSharedProxyListMissing(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Execution = &config.ExecutionConfig{Mode: execution.ModeNative}
	cfg.Proxy = &config.ProxyConfig{}

	sc, err := initShared(cfg, testLogger())
	require.NoError(t, err)
	defer sc.Cleanup()

	require.NotNil(t, sc.Proxies)
	assert.Zero(t, sc.Proxies.Len())
}

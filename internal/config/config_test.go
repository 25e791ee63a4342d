package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
}

func TestParseArgs_Defaults(t *testing.T) {
	isolate(t)
	cfg, err := ParseArgs(nil)
	require.NoError(t, err)
	require.Equal(t, defaultAddr, cfg.Server.Addr)
	require.Equal(t, ModeHTTP, cfg.Server.Mode)
	require.Equal(t, LeaseSQLite, cfg.Lease.Backend)
	require.Equal(t, defaultWorkers, cfg.Scheduler.Workers)
	require.Equal(t, defaultLogRetention, cfg.Log.Retention)
	require.Equal(t, defaultSecretsPrefix, cfg.Secrets.Prefix)
	require.NotEmpty(t, cfg.StateDir)
	require.False(t, cfg.UseUTC)
}

func TestParseArgs_Precedence(t *testing.T) {
	isolate(t)
	t.Setenv("CRONFLOW_ADDR", "127.0.0.1:9000")
	t.Setenv("CRONFLOW_MODE", ModeBoth)
	t.Setenv("CRONFLOW_WORKERS", "3")
	t.Setenv("CRONFLOW_USE_UTC", "yes")
	t.Setenv("CRONFLOW_LOG_RETENTION", "48h")
	t.Setenv("CRONFLOW_LEASE_TTL", "1m")

	cfg, err := ParseArgs([]string{"--addr", "127.0.0.1:9100", "--workers", "6", "--use-utc=false", "--state-dir", t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9100", cfg.Server.Addr)
	require.Equal(t, ModeBoth, cfg.Server.Mode)
	require.Equal(t, 6, cfg.Scheduler.Workers)
	require.False(t, cfg.UseUTC)
	require.Equal(t, 48*time.Hour, cfg.Log.Retention)
	require.Equal(t, time.Minute, cfg.Scheduler.LeaseTTL)
}

func TestParseArgs_Invalid(t *testing.T) {
	isolate(t)
	_, err := ParseArgs([]string{"--mode", "grpc"})
	require.ErrorContains(t, err, `unknown mode "grpc"`)

	_, err = ParseArgs([]string{"--lease-backend", "etcd"})
	require.ErrorContains(t, err, "unknown lease backend")

	_, err = ParseArgs([]string{"--log-format", "xml"})
	require.ErrorContains(t, err, "unknown log format")

	_, err = ParseArgs([]string{"--no-such-flag"})
	require.Error(t, err)

	t.Setenv("CRONFLOW_RECONCILE_INTERVAL", "1m")
	_, err = ParseArgs(nil)
	require.ErrorContains(t, err, "lease ttl")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":9000", cfg.TCPAddr())
	assert.Equal(t, ":8080", cfg.AdminAddr())
	assert.Equal(t, "127.0.0.1:8080", cfg.AdvertisedAdminAddr())
	assert.Equal(t, 3*time.Minute, cfg.ReadIdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.AuthDeadline)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 2.0, cfg.RetryBase)
	assert.Equal(t, 5, cfg.RetryMax)
	assert.Equal(t, "chat:messages", cfg.StreamKey)
	assert.Equal(t, 1_000_000, cfg.QueueCapacity)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CHATGW_TCP_PORT", "9100")
	t.Setenv("CHATGW_LOCK_WAIT", "2s")
	t.Setenv("CHATGW_STREAM_ENABLED", "true")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.TCPPort)
	assert.Equal(t, 2*time.Second, cfg.LockWait)
	assert.True(t, cfg.StreamEnabled)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
}

func TestFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatgw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
admin_port: "8181"
retry_max: 7
member_cache_ttl: 30s
worker_id: 3
`), 0o600))
	t.Setenv("CHATGW_WORKER_ID", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.AdminPort)
	assert.Equal(t, 7, cfg.RetryMax)
	assert.Equal(t, 30*time.Second, cfg.MemberCacheTTL)
	assert.Equal(t, int64(4), cfg.WorkerID)
}

func TestMissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestProductionRequiresSecrets(t *testing.T) {
	t.Setenv("CHATGW_ENV", "production")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	t.Setenv("CHATGW_JWT_SECRET", "s3cret")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_token")

	t.Setenv("CHATGW_ADMIN_TOKEN", "admin")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// 从默认位置加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证默认值
	assert.Equal(t, 8081, config.Server.Port)
	assert.Equal(t, BackendMemory, config.Registry.Backend)
	assert.Equal(t, 60*time.Second, config.Registry.TTL)
	assert.Equal(t, 30*time.Second, config.Registry.HealthCheckInterval)
	assert.Equal(t, 3, config.Registry.MaxConsecutiveFailures)
	assert.Equal(t, 3, config.Events.MaxRetries)
	assert.Equal(t, 60*time.Second, config.Events.RetryBaseDelay)
	assert.Equal(t, 1000, config.Events.DeadLetterLimit)
	assert.Equal(t, 7*24*time.Hour, config.Events.DeadLetterTTL)
	assert.Equal(t, 30*time.Second, config.Events.ProcessingLease)
	assert.Equal(t, "/health", config.Client.HealthCheckPath)
	assert.True(t, config.Client.AutoRegister)
	assert.False(t, config.DNS.Enabled)
	assert.Equal(t, "udp", config.DNS.Protocol)
	assert.Equal(t, "service.local", config.DNS.Domain)
	assert.Equal(t, 5*time.Second, config.DNS.CacheTTL)
	assert.Empty(t, config.DNS.Upstream)
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	t.Setenv("SVC_COORD_REGISTRY_BACKEND", "redis")
	t.Setenv("SVC_COORD_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SVC_COORD_SERVICE_NAME", "application-service")

	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")

	// 验证环境变量覆盖
	assert.Equal(t, BackendRedis, config.Registry.Backend)
	assert.Equal(t, "redis.internal:6380", config.Redis.Addr)
	assert.Equal(t, "application-service", config.Client.ServiceName)

	// 确认其他值不受影响
	assert.Equal(t, 8081, config.Server.Port)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
registry:
  backend: redis
  health_check_interval: 5s
  max_consecutive_failures: 5
events:
  max_retries: 2
  retry_base_delay: 1s
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, config.Registry.Backend)
	assert.Equal(t, 5*time.Second, config.Registry.HealthCheckInterval)
	assert.Equal(t, 5, config.Registry.MaxConsecutiveFailures)
	assert.Equal(t, 2, config.Events.MaxRetries)
	assert.Equal(t, time.Second, config.Events.RetryBaseDelay)
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	// 尝试从不存在的文件加载配置
	config, err := LoadConfig("non_existent_file.yaml")

	assert.Error(t, err, "从不存在的文件加载配置应该失败")
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}

func TestConfigValidate(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	config.Registry.Backend = "consul"
	assert.Error(t, config.Validate(), "不支持的后端应校验失败")

	config.Registry.Backend = BackendMemory
	config.Registry.MaxConsecutiveFailures = 0
	assert.Error(t, config.Validate())
}

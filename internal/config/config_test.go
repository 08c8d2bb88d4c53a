package config

import (
	"os"
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
	assert.Equal(t, 8082, config.Server.Port, "API端口应为8082")
	assert.Equal(t, 30*time.Second, config.HealthMonitor.Interval, "健康探测周期应为30s")
	assert.Equal(t, 3, config.Breaker.FailureThreshold, "熔断失败阈值应为3")
	assert.Equal(t, 2, config.Breaker.SuccessThreshold, "熔断恢复阈值应为2")
	assert.Equal(t, 60*time.Second, config.Breaker.OpenTimeout, "熔断打开时长应为60s")
	assert.Equal(t, 3, config.Trial.MaxRetries, "试验重试次数应为3")
	assert.Equal(t, 5*time.Minute, config.Trial.MaxPauseWindow, "熔断等待窗口应为5分钟")
	assert.Equal(t, 16, config.WebSocket.QueueSize, "WebSocket队列长度应为16")
	assert.False(t, config.DNS.Enabled, "DNS发现默认应关闭")
	assert.False(t, config.Etcd.Enabled, "etcd持久化默认应关闭")
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	// 设置环境变量
	os.Setenv("DEAN_SERVER_PORT", "9090")
	os.Setenv("DEAN_DNS_PORT", "5353")
	defer func() {
		os.Unsetenv("DEAN_SERVER_PORT")
		os.Unsetenv("DEAN_DNS_PORT")
	}()

	// 加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证环境变量覆盖
	assert.Equal(t, 9090, config.Server.Port, "环境变量应正确覆盖API端口")
	assert.Equal(t, 5353, config.DNS.Port, "环境变量应正确覆盖DNS端口")

	// 确认其他值不受影响
	assert.Equal(t, 3, config.Breaker.FailureThreshold, "熔断失败阈值不应被环境变量影响")
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	// 尝试从不存在的文件加载配置
	config, err := LoadConfig("non_existent_file.yaml")

	// 应该返回错误
	assert.Error(t, err, "从不存在的文件加载配置应该失败")

	// 不应该返回配置对象
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}

package config_manager

import (
	"testing"

	"github.com/nhirsama/Goster-Gateway/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 测试：首次启动使用默认值并铸造序列号
func TestConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)

	cfg, err := cm.Load()
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.100", cfg.ServerIP)
	assert.Equal(t, uint16(8080), cfg.ServerPort)
	assert.Empty(t, cfg.DeviceToken)
	assert.False(t, cfg.IsRegistered())
	assert.NotEmpty(t, cfg.SerialNum, "serial must be minted on first boot")
}

// 测试：序列号在重开后保持不变
func TestConfig_SerialStable(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)
	first, _ := cm.Load()

	cm2, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)
	second, _ := cm2.Load()

	assert.Equal(t, first.SerialNum, second.SerialNum)
}

// 测试：Save 持久化但不覆盖 Token
func TestConfig_SaveKeepsToken(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, cm.SaveToken("gt_abc123"))

	cfg, _ := cm.Load()
	cfg.ServerIP = "10.0.0.5"
	cfg.ServerPort = 9000
	cfg.WifiSSID = "lab"
	require.NoError(t, cm.Save(cfg))

	reloaded, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)
	got, _ := reloaded.Load()

	assert.Equal(t, "10.0.0.5", got.ServerIP)
	assert.Equal(t, uint16(9000), got.ServerPort)
	assert.Equal(t, "lab", got.WifiSSID)
	assert.Equal(t, "gt_abc123", got.DeviceToken)
	assert.True(t, got.IsRegistered())
}

// 测试：Clear 清空命名空间并恢复默认值
func TestConfig_Clear(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, cm.SaveToken("gt_secret"))
	require.NoError(t, cm.Save(inter.AppConfig{
		ServerIP: "10.1.1.1", ServerPort: 7000, WifiSSID: "home", WifiPass: "pw",
	}))

	require.NoError(t, cm.Clear())

	cfg, err := cm.Load()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100", cfg.ServerIP)
	assert.Empty(t, cfg.WifiSSID)
	assert.Empty(t, cfg.WifiPass)
	assert.Empty(t, cfg.DeviceToken)
}

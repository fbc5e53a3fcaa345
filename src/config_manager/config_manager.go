package config_manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nhirsama/Goster-Gateway/src/inter"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// FirmwareVersion 上报给服务端的固件版本号
const FirmwareVersion = "1.0.0"

// 默认值与 ESP32 端 NVS 命名空间保持一致
const (
	defaultServerIP   = "192.168.1.100"
	defaultServerPort = 8080
	configName        = "goster"
	configType        = "yaml"
)

// ConfigManager 基于 viper 的持久化配置存储
// 键空间: ssid / pass / srv_ip / srv_port / token + 设备元数据
type ConfigManager struct {
	v    *viper.Viper
	path string
	log  *zap.Logger
}

// NewConfigManager 打开 (或初始化) dir 下的配置命名空间
func NewConfigManager(dir string, log *zap.Logger) (*ConfigManager, error) {
	c := &ConfigManager{
		path: filepath.Join(dir, configName+"."+configType),
		log:  log,
	}
	if err := c.reopen(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ConfigManager) reopen() error {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(filepath.Dir(c.path))

	v.SetDefault("ssid", "")
	v.SetDefault("pass", "")
	v.SetDefault("srv_ip", defaultServerIP)
	v.SetDefault("srv_port", defaultServerPort)
	v.SetDefault("model", "GosterGW-Go")
	v.SetDefault("serial", "")
	v.SetDefault("hw_rev", "1.0")
	v.SetDefault("device_class", "1")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("读取配置失败: %w", err)
		}
		// 首次启动，落一份默认配置
		c.log.Info("配置文件不存在，写入默认配置", zap.String("path", c.path))
	}

	// 序列号只铸造一次，作为设备恒定身份的一部分
	if v.GetString("serial") == "" {
		serial := "GW-" + strings.ToUpper(uuid.NewString()[:8])
		v.Set("serial", serial)
		c.log.Info("铸造设备序列号", zap.String("serial", serial))
	}

	c.v = v
	return c.v.WriteConfigAs(c.path)
}

func (c *ConfigManager) Load() (inter.AppConfig, error) {
	cfg := inter.AppConfig{
		WifiSSID:    c.v.GetString("ssid"),
		WifiPass:    c.v.GetString("pass"),
		ServerIP:    c.v.GetString("srv_ip"),
		ServerPort:  uint16(c.v.GetUint32("srv_port")),
		Model:       c.v.GetString("model"),
		SerialNum:   c.v.GetString("serial"),
		HWVersion:   c.v.GetString("hw_rev"),
		SWVersion:   FirmwareVersion,
		DeviceClass: c.v.GetString("device_class"),
	}

	// Token 可能不存在 (未注册设备)
	if c.v.IsSet("token") {
		cfg.DeviceToken = c.v.GetString("token")
	}
	return cfg, nil
}

// Save 写入 ssid / pass / srv_ip / srv_port，model 非空时一并写入
// serial / hw_rev / device_class 不随 Save 改写
// Token 单独通过 SaveToken 持久化，不随普通配置覆盖
func (c *ConfigManager) Save(cfg inter.AppConfig) error {
	c.v.Set("ssid", cfg.WifiSSID)
	c.v.Set("pass", cfg.WifiPass)
	c.v.Set("srv_ip", cfg.ServerIP)
	c.v.Set("srv_port", int(cfg.ServerPort))
	if cfg.Model != "" {
		c.v.Set("model", cfg.Model)
	}
	return c.v.WriteConfigAs(c.path)
}

func (c *ConfigManager) SaveToken(token string) error {
	c.v.Set("token", token)
	return c.v.WriteConfigAs(c.path)
}

// Clear 恢复出厂：清空整个命名空间并重建默认配置
func (c *ConfigManager) Clear() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("清除配置失败: %w", err)
	}
	c.log.Warn("配置命名空间已清空 (恢复出厂)")
	return c.reopen()
}

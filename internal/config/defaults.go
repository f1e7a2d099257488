package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Runtime 配置
	viper.SetDefault("runtime.pool_size", 5)
	viper.SetDefault("runtime.idle_timeout", 5*time.Minute)
	viper.SetDefault("runtime.acquire_timeout", 5*time.Second)
	viper.SetDefault("runtime.max_uses", 100)
	viper.SetDefault("runtime.timeout", 30*time.Second)
	viper.SetDefault("runtime.require_version", "")

	// Sandbox 配置
	viper.SetDefault("sandbox.allowed_paths", []string{"~/.tether/", "/tmp"})
	viper.SetDefault("sandbox.net_allowlist", []string{})
	viper.SetDefault("sandbox.max_write_size", "10MB")

	// WebSocket 配置
	viper.SetDefault("websocket.handshake_timeout", 10*time.Second)
	viper.SetDefault("websocket.close_timeout", 5*time.Second)

	// Serve 配置
	viper.SetDefault("serve.host", "0.0.0.0")
	viper.SetDefault("serve.port", 8000)

	// Metrics 配置
	viper.SetDefault("metrics.addr", "")
}

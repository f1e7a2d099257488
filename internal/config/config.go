package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/inhies/go-bytesize"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 TETHER_RUNTIME_TIMEOUT
const EnvPrefix = "TETHER"

// Config 是应用配置的根结构体
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox" yaml:"sandbox"`
	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	Serve     ServeConfig     `mapstructure:"serve" yaml:"serve"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// RuntimeConfig 脚本运行时与 VM 池配置
type RuntimeConfig struct {
	PoolSize       int           `mapstructure:"pool_size" yaml:"pool_size"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	MaxUses        int           `mapstructure:"max_uses" yaml:"max_uses"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"` // 0 表示不限时
	// RequireVersion 是对 tether 版本的 semver 约束，例如 ">= 0.3, < 1"
	RequireVersion string `mapstructure:"require_version" yaml:"require_version"`
}

// CheckVersion 检查 version 是否满足 RequireVersion 约束。
// 约束为空或版本为开发版本 ("dev") 时总是通过。
func (c *RuntimeConfig) CheckVersion(version string) error {
	if c.RequireVersion == "" || version == "" || version == "dev" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.RequireVersion)
	if err != nil {
		return fmt.Errorf("invalid runtime.require_version %q: %w", c.RequireVersion, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid tether version %q: %w", version, err)
	}
	if ok, errs := constraint.Validate(v); !ok {
		return fmt.Errorf("tether %s does not satisfy %q: %w", version, c.RequireVersion, errors.Join(errs...))
	}
	return nil
}

// SandboxConfig 脚本权限配置
type SandboxConfig struct {
	AllowedPaths []string `mapstructure:"allowed_paths" yaml:"allowed_paths"`
	NetAllowlist []string `mapstructure:"net_allowlist" yaml:"net_allowlist"` // 空表示不限制
	MaxWriteSize string   `mapstructure:"max_write_size" yaml:"max_write_size"` // 例如 "10MB" 或字节数
}

// MaxWriteBytes 解析 MaxWriteSize，空值返回 0
func (c *SandboxConfig) MaxWriteBytes() (int64, error) {
	s := strings.TrimSpace(c.MaxWriteSize)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	size, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox.max_write_size %q: %w", c.MaxWriteSize, err)
	}
	return int64(size), nil
}

// WebSocketConfig WebSocket 超时配置
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	CloseTimeout     time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
}

// ServeConfig Tether.serve 未指定地址时的默认值
type ServeConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// MetricsConfig Prometheus 指标端点配置
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // 空表示不启用
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置，path 为空时只使用默认值和环境变量。
// 配置文件不存在不算错误，格式错误则返回。
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	configPath = ""
	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", expandedPath, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i, p := range cfg.Sandbox.AllowedPaths {
		if expanded, err := ExpandPath(p); err == nil {
			cfg.Sandbox.AllowedPaths[i] = expanded
		}
	}

	globalConfig = &cfg
	return &cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// GetConfig 返回最近一次 Load 的结果
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Path 返回当前使用的配置文件路径
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// Get 按点分隔的键读取配置项
func Get(key string) any {
	return viper.Get(key)
}

// Set 修改配置项，有配置文件时立即持久化。
// 字符串值按对应默认值的类型解析，例如 "45s" 或 "8"。
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	if !viper.IsSet(key) {
		return fmt.Errorf("unknown config key %q", key)
	}
	if s, ok := value.(string); ok {
		v, err := coerce(viper.Get(key), s)
		if err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
		value = v
	}
	viper.Set(key, value)

	if configPath != "" {
		return save()
	}
	return nil
}

func coerce(current any, s string) (any, error) {
	switch current.(type) {
	case time.Duration:
		return time.ParseDuration(s)
	case int, int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", s)
		}
		return n, nil
	case bool:
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, fmt.Errorf("expected boolean, got %q", s)
	case []string, []any:
		if s == "" {
			return []string{}, nil
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
	return s, nil
}

func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0644)
}

// SaveTo 将配置写入指定路径
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Marshal 返回配置的 YAML 表示
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Reset 清除全局状态，主要供测试使用
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// SetTestConfig 直接设置全局配置（测试用）
func SetTestConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}

package cli

import (
	"tether/internal/config"
	"tether/internal/jsvm"
	"tether/pkg/logger"

	"github.com/rs/zerolog"
)

// CLIContext CLI 上下文
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
	Verbose    bool
	Quiet      bool
}

// NewCLIContext 创建 CLI 上下文
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     log,
		Verbose:    verbose,
		Quiet:      quiet,
	}
}

// Log 获取 Logger
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}

// RuntimeConfig 根据配置构建脚本运行时参数
func (c *CLIContext) RuntimeConfig() (jsvm.RuntimeConfig, error) {
	rc := jsvm.DefaultRuntimeConfig()
	rc.Version = Version

	r := c.Config.Runtime
	if r.PoolSize > 0 {
		rc.PoolConfig.MaxSize = r.PoolSize
	}
	if r.IdleTimeout > 0 {
		rc.PoolConfig.IdleTimeout = r.IdleTimeout
	}
	if r.AcquireTimeout > 0 {
		rc.PoolConfig.AcquireTimeout = r.AcquireTimeout
	}
	rc.PoolConfig.MaxUses = r.MaxUses
	rc.SandboxConfig.Timeout = r.Timeout

	s := c.Config.Sandbox
	rc.SandboxConfig.AllowedPaths = s.AllowedPaths
	rc.SandboxConfig.NetAllowlist = s.NetAllowlist
	maxWrite, err := s.MaxWriteBytes()
	if err != nil {
		return rc, err
	}
	if maxWrite > 0 {
		rc.SandboxConfig.MaxWriteSize = maxWrite
	}

	ws := c.Config.WebSocket
	if ws.HandshakeTimeout > 0 {
		rc.SandboxConfig.HandshakeTimeout = ws.HandshakeTimeout
	}
	if ws.CloseTimeout > 0 {
		rc.SandboxConfig.CloseTimeout = ws.CloseTimeout
	}

	if c.Config.Serve.Host != "" {
		rc.SandboxConfig.ServeHostname = c.Config.Serve.Host
	}
	if c.Config.Serve.Port > 0 {
		rc.SandboxConfig.ServePort = c.Config.Serve.Port
	}
	return rc, nil
}

// Close 关闭日志文件等资源
func (c *CLIContext) Close() error {
	return logger.Close()
}

package cli

import (
	"context"

	"tether/internal/config"
	"tether/pkg/logger"

	"github.com/spf13/cobra"
)

// GlobalFlags 全局标志
type GlobalFlags struct {
	ConfigPath string
	LogFormat  string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

type contextKey struct{}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Tether - sandboxed JavaScript host",
		Long: `Tether runs JavaScript in a sandboxed goja runtime with host access
to files, sockets, HTTP, WebSockets and SQLite through tracked resources.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadCLIContext,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cliCtx := GetCLIContext(cmd); cliCtx != nil {
				return cliCtx.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path (default ~/.tether/config.yaml)")
	flags.StringVar(&globalFlags.LogFormat, "log-format", "", "override log.format (console, json)")
	flags.BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")
	flags.BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "only log errors")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewEvalCmd())
	rootCmd.AddCommand(NewConfigCmd())

	return rootCmd
}

// loadCLIContext 加载配置、初始化日志并把 CLIContext 挂到命令上下文
func loadCLIContext(cmd *cobra.Command, args []string) error {
	// version 和 help 不需要配置
	if cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}

	path := globalFlags.ConfigPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logCfg := logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Quiet:  globalFlags.Quiet,
		Output: cmd.ErrOrStderr(),
	}
	if globalFlags.Verbose {
		logCfg.Level = "debug"
	}
	if globalFlags.LogFormat != "" {
		logCfg.Format = globalFlags.LogFormat
	}
	if err := logger.Init(logCfg); err != nil {
		return err
	}

	cliCtx := NewCLIContext(cfg, config.Path(), logger.Get(), globalFlags.Verbose, globalFlags.Quiet)
	cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, cliCtx))
	return nil
}

// GetCLIContext 从命令上下文获取 CLI 上下文
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, _ := ctx.Value(contextKey{}).(*CLIContext)
	return cliCtx
}

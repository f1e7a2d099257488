package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tether/internal/jsvm"
	"tether/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewRunCmd 创建 run 命令
func NewRunCmd() *cobra.Command {
	var (
		watch       bool
		metricsAddr string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a script",
		Long: `Run a JavaScript file until its event loop drains.

With --watch the script is re-run whenever the file changes; the run in
progress is cancelled first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("configuration not loaded")
			}
			if err := cliCtx.Config.Runtime.CheckVersion(Version); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rc, err := cliCtx.RuntimeConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				rc.SandboxConfig.Timeout = timeout
			}
			log := cliCtx.Log().With().Str("component", "run").Logger()

			if metricsAddr == "" {
				metricsAddr = cliCtx.Config.Metrics.Addr
			}
			if metricsAddr != "" {
				m := metrics.New()
				rc.SandboxConfig.Observe = m.Attach
				go serveMetrics(ctx, m, metricsAddr, log)
			}

			rt := jsvm.NewRuntime(rc, log)
			defer rt.Close()

			if watch {
				w, err := jsvm.NewWatcher(rt, args[0], log)
				if err != nil {
					return err
				}
				return w.Run(ctx)
			}

			res, err := rt.ExecuteFile(ctx, args[0], uuid.NewString())
			if err != nil {
				return err
			}
			log.Debug().Dur("duration", res.Duration).Msg("script finished")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-run the script when it changes")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout (0 disables; default from config)")

	return cmd
}

func serveMetrics(ctx context.Context, m *metrics.Metrics, addr string, log zerolog.Logger) {
	if err := m.Serve(ctx, addr, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
	}
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"tether/internal/jsvm"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewEvalCmd 创建 eval 命令
func NewEvalCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "eval <code>",
		Short: "Evaluate a snippet and print its result",
		Long: `Evaluate JavaScript source and print the completion value as JSON.
A promise result is awaited. Use "-" to read the source from stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("configuration not loaded")
			}

			src := strings.Join(args, " ")
			if src == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				src = string(data)
			}

			rc, err := cliCtx.RuntimeConfig()
			if err != nil {
				return err
			}
			rc.PoolConfig.MaxSize = 1
			rc.Stdio = jsvm.Stdio{Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()}
			rt := jsvm.NewRuntime(rc, cliCtx.Log().With().Str("component", "eval").Logger())
			defer rt.Close()

			res, err := rt.Execute(cmd.Context(), src, "eval.js", uuid.NewString())
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), res.Value, raw)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print strings without JSON quoting")

	return cmd
}

func printValue(w io.Writer, v any, raw bool) error {
	if v == nil {
		_, err := fmt.Fprintln(w, "undefined")
		return err
	}
	if s, ok := v.(string); ok && raw {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		_, err = fmt.Fprintln(w, v)
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

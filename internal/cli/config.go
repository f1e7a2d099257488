package cli

import (
	"fmt"
	"sort"

	"tether/internal/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewConfigCmd 创建 config 命令组
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  "Show, get and set configuration values",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var asTable bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if asTable {
				fmt.Fprintln(out, settingsTable())
				return nil
			}

			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("configuration not loaded")
			}
			data, err := config.Marshal(cliCtx.Config)
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&asTable, "table", false, "render dotted keys as a table")

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := config.Get(args[0])
			if value == nil {
				return fmt.Errorf("key not found: %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.Set(key, value); err != nil {
				return fmt.Errorf("set config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if path == "" {
				var err error
				if path, err = config.DefaultConfigPath(); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

// settingsTable 渲染所有配置项（按键排序）
func settingsTable() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Title.Align = text.AlignCenter
	tw.Style().Format.Header = text.FormatDefault

	tw.SetTitle("Effective Configuration")
	tw.AppendHeader(table.Row{"Key", "Value", "Type"})
	keys := flattenSettings("", viper.AllSettings())
	sort.Strings(keys)
	for _, key := range keys {
		v := viper.Get(key)
		tw.AppendRow(table.Row{key, v, fmt.Sprintf("%T", v)})
	}
	return tw.Render()
}

// flattenSettings 将嵌套配置展平为点分隔的键列表
func flattenSettings(prefix string, settings map[string]any) []string {
	var keys []string
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			keys = append(keys, flattenSettings(key, nested)...)
		} else {
			keys = append(keys, key)
		}
	}
	return keys
}

package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// 编译时注入的版本信息
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// BuildInfo 构建信息
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Engine    string `json:"engine"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// engineName 返回编译进来的 goja 版本
func engineName() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == "github.com/dop251/goja" {
				return "goja " + dep.Version
			}
		}
	}
	return "goja"
}

// NewVersionCmd 创建 version 命令
func NewVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := BuildInfo{
				Version:   Version,
				GitCommit: GitCommit,
				BuildTime: BuildTime,
				GoVersion: runtime.Version(),
				Engine:    engineName(),
				OS:        runtime.GOOS,
				Arch:      runtime.GOARCH,
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "tether %s\n", info.Version)
			fmt.Fprintf(out, "  Git commit: %s\n", info.GitCommit)
			fmt.Fprintf(out, "  Built:      %s\n", info.BuildTime)
			fmt.Fprintf(out, "  Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "  Engine:     %s\n", info.Engine)
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", info.OS, info.Arch)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// 版本信息在构建时通过 -ldflags 注入。
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var configPath string

// main 是 agent-core 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentcored 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentcored",
		Short:         "Conversational agent core: intent, planning, validation and execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认读取 AGENTCORE_CONFIG 或 configs/agentcore.json）")

	root.AddCommand(newServeCommand(), newPolicyCommand(), newMigrateCommand(), newVersionCommand())
	return root
}

// resolveConfigPath 依次使用命令行参数、环境变量与默认路径。
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("AGENTCORE_CONFIG"); env != "" {
		return env
	}
	return filepath.Join("configs", "agentcore.json")
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentcored %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

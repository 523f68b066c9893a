package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"agent-core/internal/config"
	"agent-core/internal/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the tool catalog and intent rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load tools.yaml and intents.yaml and report what is enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return checkPolicy(cmd, cfg)
		},
	})
	return cmd
}

// loadConfig 读取配置文件，文件不存在时回退到默认配置。
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return config.Default("configs"), nil
	}
	return config.Load(path)
}

func checkPolicy(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()

	catalog, err := policy.LoadCatalog(cfg.Policy.ToolsPath)
	if err != nil {
		return fmt.Errorf("工具目录无效: %w", err)
	}
	rules, err := policy.LoadIntentRules(cfg.Policy.IntentsPath)
	if err != nil {
		return fmt.Errorf("意图规则无效: %w", err)
	}

	fmt.Fprintf(out, "tools: %s (%d known, %d enabled)\n", cfg.Policy.ToolsPath, catalog.Len(), len(catalog.Enabled()))
	for _, tool := range catalog.Enabled() {
		limit := tool.RateLimit
		if limit == "" {
			limit = cfg.RateLimit.DefaultLimit + " (default)"
		}
		fmt.Fprintf(out, "  %-18s confirmation=%-5s rate_limit=%s\n", tool.Name, tool.Confirmation, limit)
	}
	fmt.Fprintf(out, "intents: %s (%d rules, %d ambiguity indicators)\n",
		cfg.Policy.IntentsPath, len(rules.Intents), len(rules.AmbiguityIndicators))
	return nil
}

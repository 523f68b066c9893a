package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agent-core/internal/config"
	"agent-core/internal/storage/mysql"
)

func newMigrateCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured SQL stores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runMigrations(cmd, cfg, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只列出待执行的迁移")
	return cmd
}

// sqlTargets 返回使用 SQL 驱动的存储；memory 驱动没有 schema。
func sqlTargets(cfg *config.Config) map[string]config.DatabaseConfig {
	targets := make(map[string]config.DatabaseConfig)
	if cfg.Storage.TaskStore.Driver == mysql.DialectMySQL {
		targets["task_store"] = cfg.Storage.TaskStore
	}
	switch cfg.Storage.Transcript.Driver {
	case mysql.DialectMySQL, mysql.DialectSQLite:
		targets["transcript"] = cfg.Storage.Transcript
	}
	return targets
}

func runMigrations(cmd *cobra.Command, cfg *config.Config, dryRun bool) error {
	out := cmd.OutOrStdout()
	targets := sqlTargets(cfg)
	if len(targets) == 0 {
		fmt.Fprintln(out, "no SQL stores configured")
		return nil
	}
	for _, name := range []string{"task_store", "transcript"} {
		db, ok := targets[name]
		if !ok {
			continue
		}
		applied, err := migrateTarget(cmd.Context(), db, dryRun)
		if err != nil {
			return fmt.Errorf("%s 迁移失败: %w", name, err)
		}
		verb := "applied"
		if dryRun {
			verb = "pending"
		}
		if len(applied) == 0 {
			fmt.Fprintf(out, "%s (%s): up to date\n", name, db.Driver)
		}
		for _, m := range applied {
			fmt.Fprintf(out, "%s (%s): %s %s\n", name, db.Driver, verb, m.Name)
		}
	}
	return nil
}

func migrateTarget(ctx context.Context, db config.DatabaseConfig, dryRun bool) ([]mysql.Migration, error) {
	conn, err := mysql.Open(ctx, db.Driver, storageConfig(db))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dryRun {
		return mysql.PendingMigrations(ctx, conn, db.Driver)
	}
	return mysql.MigrateWithReport(ctx, conn, db.Driver)
}

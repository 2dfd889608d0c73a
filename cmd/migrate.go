package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/store/pg"
	"github.com/patrick-hofmann/koompl/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long:  "Applies the embedded schema migrations to the configured storage backend. serve runs migrations on startup as well; this command exists for deploy pipelines that migrate before rolling the binary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			switch cfg.Storage.Backend {
			case "postgres":
				if cfg.Storage.PostgresDSN == "" {
					return fmt.Errorf("KOOMPL_POSTGRES_DSN environment variable is not set")
				}
				db, err := pg.OpenDB(cfg.Storage.PostgresDSN)
				if err != nil {
					return fmt.Errorf("open postgres: %w", err)
				}
				defer db.Close()
				if err := pg.Migrate(db); err != nil {
					return err
				}
			case "", "sqlite":
				path := config.ExpandHome(cfg.Storage.SQLitePath)
				db, err := sqlite.OpenDB(path)
				if err != nil {
					return fmt.Errorf("open sqlite: %w", err)
				}
				defer db.Close()
				if err := sqlite.Migrate(db); err != nil {
					return err
				}
			case "memory":
				return fmt.Errorf("memory backend has no migrations")
			default:
				return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
			}

			fmt.Println("migrations applied")
			return nil
		},
	}
	return cmd
}

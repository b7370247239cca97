package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/silobase/silo/pkg/store"
)

var rollbackLast bool

func init() {
	migrateCmd.Flags().BoolVar(&rollbackLast, "rollback-last", false, "roll back the most recent migration instead of applying")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the configured store",
	Long: `Creates or upgrades the objects and alarms tables. Migrations are
versioned and incremental: a database at any prior version is brought
to the current one. The table prefix from the config scopes all names,
so multiple deployments can share one database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Store.Enabled() {
			return fmt.Errorf("no store configured; set store.driver/store.dsn or pass --driver/--dsn")
		}

		st, err := store.Open(store.Config{
			Driver: cfg.Store.Driver,
			DSN:    cfg.Store.DSN,
			Logger: zerolog.Nop(),
		})
		if err != nil {
			return err
		}
		defer st.Close()

		if rollbackLast {
			if err := store.RollbackLast(st.DB(), cfg.Store.Prefix); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Println("Rolled back the most recent migration.")
			return nil
		}

		start := time.Now()
		if err := store.Migrate(st.DB(), cfg.Store.Prefix); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		applied, err := store.AppliedMigrations(st.DB(), cfg.Store.Prefix)
		if err != nil {
			return err
		}
		fmt.Printf("Schema up to date (version %s of %d, %s).\n",
			latest(applied), len(applied), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check store connectivity and schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Store.Enabled() {
			return fmt.Errorf("no store configured; set store.driver/store.dsn or pass --driver/--dsn")
		}

		st, err := store.Open(store.Config{
			Driver: cfg.Store.Driver,
			DSN:    cfg.Store.DSN,
			Logger: zerolog.Nop(),
		})
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("store unreachable: %w", err)
		}

		applied, err := store.AppliedMigrations(st.DB(), cfg.Store.Prefix)
		if err != nil {
			return err
		}

		fmt.Printf("Store:   %s (%s)\n", cfg.Store.Driver, cfg.Store.DSN)
		if cfg.Store.Prefix != "" {
			fmt.Printf("Prefix:  %s\n", cfg.Store.Prefix)
		}
		fmt.Printf("Schema:  version %s (%d migrations applied)\n", latest(applied), len(applied))
		return nil
	},
}

func latest(applied []string) string {
	if len(applied) == 0 {
		return "none"
	}
	return applied[len(applied)-1]
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/silobase/silo/pkg/config"
	"github.com/silobase/silo/pkg/log"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "silo",
	Short: "Silo - durable virtual-actor runtime",
	Long: `Silo is a runtime for named single-instance stateful entities.
Each entity is addressed by a (type, id) pair, persists its state to a
relational store, and can schedule future work via named alarms.

This CLI manages the storage side of a deployment: applying schema
migrations and inspecting a node's database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Silo version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "path to a silo.yaml config file")
	pf.String("driver", "", "store driver (sqlite or postgres); overrides the config file")
	pf.String("dsn", "", "store DSN; overrides the config file")
	pf.String("prefix", "", "table name prefix; overrides the config file")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	viper.SetEnvPrefix("SILO")
	viper.AutomaticEnv()
	for _, name := range []string{"config", "driver", "dsn", "prefix", "log-level"} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig reads the config file and applies flag/env overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if v := viper.GetString("driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if v := viper.GetString("prefix"); v != "" {
		cfg.Store.Prefix = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

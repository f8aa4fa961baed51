package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/velmie/durable/cmd/internal/bootstrap"
	"github.com/velmie/durable/config"
)

type app struct {
	envFile string
	engine  string
	dsn     string
	prefix  string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "durablectl",
		Short:         "Inspect and maintain a durable message store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file to load (default .env when present)")
	flags.StringVar(&a.engine, "engine", "", "storage engine: mysql, postgres or memory")
	flags.StringVar(&a.dsn, "dsn", "", "database DSN")
	flags.StringVar(&a.prefix, "prefix", "", "table name prefix")

	cmd.AddCommand(
		newSchemaCmd(a),
		newMigrateCmd(a),
		newNodesCmd(a),
		newDutiesCmd(a),
		newDeadLettersCmd(a),
		newCleanupCmd(a),
	)

	return cmd
}

// config loads the environment and applies flag overrides without validating.
func (a *app) config() (config.Config, error) {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.Parse(files...)
	if err != nil {
		return config.Config{}, err
	}
	if a.engine != "" {
		cfg.Engine = a.engine
	}
	if a.dsn != "" {
		cfg.DSN = a.dsn
	}
	if a.prefix != "" {
		cfg.TablePrefix = a.prefix
	}

	return cfg, nil
}

// open loads a validated config and connects the store.
func (a *app) open(ctx context.Context) (config.Config, *bootstrap.Store, error) {
	cfg, err := a.config()
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	store, err := bootstrap.Open(ctx, cfg)

	return cfg, store, err
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

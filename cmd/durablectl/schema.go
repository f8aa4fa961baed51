package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velmie/durable/cmd/internal/bootstrap"
	"github.com/velmie/durable/config"
	"github.com/velmie/durable/mysql"
	"github.com/velmie/durable/postgres"
)

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the DDL of the configured engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}

			var ddl string
			switch cfg.Engine {
			case config.EngineMySQL:
				ddl, err = mysql.Schema(cfg.TablePrefix)
			case config.EnginePostgres:
				ddl, err = postgres.Schema(cfg.TablePrefix)
			default:
				return fmt.Errorf("%w: %q has no schema", config.ErrUnknownEngine, cfg.Engine)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ddl)

			return err
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			return bootstrap.Migrate(cmd.Context(), store.Store)
		},
	}
}

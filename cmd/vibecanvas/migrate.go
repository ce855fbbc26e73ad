package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/vibecanvas/internal/config"
	sharepg "github.com/MrWong99/vibecanvas/internal/share/postgres"
)

func newMigrateCmd() *cobra.Command {
	var (
		cfgPath string
		envFile string
		dsn     string
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the shared artifact archive schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			if dsn == "" {
				cfg, err := loadConfig(cfgPath)
				if err != nil {
					return err
				}
				dsn = cfg.Share.PostgresDSN
			}
			if dsn == "" {
				return errors.New("no postgres dsn: set share.postgres_dsn or pass --dsn")
			}
			store, err := sharepg.NewStore(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			store.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (skipped when missing)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres connection string (overrides the config)")
	return cmd
}

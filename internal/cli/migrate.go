package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/babel/internal/config"
	"github.com/seantiz/babel/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := config.NewLogger(os.Stdout, cfg.LogLevel)

			// Opening a store applies pending migrations.
			s, err := store.Open(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			logger.Info("schema up to date", "db_driver", cfg.DBDriver)
			return s.Close()
		},
	}
}

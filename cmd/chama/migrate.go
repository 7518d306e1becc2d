package main

import (
	"context"
	"fmt"

	"github.com/chamalink/chama-service/internal/store"
	"github.com/spf13/cobra"
)

func migrateCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			db, err := openDatabase(context.Background(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := store.Migrate(context.Background(), db, logger)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Printf("Applied %d migration(s)\n", applied)
			return nil
		},
	}
}

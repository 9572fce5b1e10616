package cmd

import (
	"fmt"
	"log/slog"

	"github.com/porterhq/porter/db"
	"github.com/porterhq/porter/internal/config"
)

// runMigrate applies pending database migrations and exits. Serve runs the
// same migrations at startup; this command exists for deploy pipelines that
// migrate before rolling the server.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("migrations applied",
		"host", cfg.PostgresHost,
		"database", cfg.PostgresDBName,
	)
	return nil
}

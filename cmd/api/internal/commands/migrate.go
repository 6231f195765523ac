package commands

import (
	"context"

	"riskmate/api/internal/config"
	"riskmate/api/internal/logger"
	"riskmate/api/internal/store"
)

type MigrateCmd struct {
	Direction string `arg:"" help:"up or down" enum:"up,down" default:"up"`
}

func (c *MigrateCmd) Run(_ context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := store.Migrate(cfg.DatabaseURL, c.Direction); err != nil {
		return err
	}
	log.Info().Str("direction", c.Direction).Msg("migrations applied")
	return nil
}

package commands

import (
	"context"
	"errors"

	"riskmate/api/internal/config"
	"riskmate/api/internal/logger"
)

type ReindexCmd struct{}

func (c *ReindexCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.meili == nil {
		return errors.New("MEILI_URL must be set to reindex")
	}
	n, err := rt.search.Reindex(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("records", n).Msg("audit search reindexed")
	return nil
}

package main

import (
	"context"

	"github.com/alecthomas/kong"

	"riskmate/api/cmd/api/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug     bool                  `help:"Enable debug logging."`
		Version   kong.VersionFlag
		Serve     commands.ServeCmd     `cmd:"" default:"1" help:"Start the HTTP API"`
		Reconcile commands.ReconcileCmd `cmd:"" help:"Run one Stripe reconciliation sweep and print the report"`
		Migrate   commands.MigrateCmd   `cmd:"" help:"Apply or roll back database migrations"`
		Reindex   commands.ReindexCmd   `cmd:"" help:"Rebuild the audit search index from Postgres"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}

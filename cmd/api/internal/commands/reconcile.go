package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"riskmate/api/internal/config"
	"riskmate/api/internal/logger"
	"riskmate/api/internal/reconcile"
)

type ReconcileCmd struct {
	LookbackHours int  `help:"how far back to look for changed Stripe subscriptions" default:"24" name:"lookback-hours"`
	Pretty        bool `help:"indent the JSON report"`
}

func (c *ReconcileCmd) Run(ctx context.Context, globals *Globals) error {
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

	if rt.reconciler == nil {
		return errors.New("STRIPE_SECRET_KEY must be set to reconcile")
	}

	report, err := rt.reconciler.Run(ctx, reconcile.Options{
		LookbackHours: reconcile.ClampLookback(c.LookbackHours),
		Trigger:       reconcile.TriggerCLI,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	if c.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Status == reconcile.StatusError {
		return fmt.Errorf("reconciliation finished with status %s", report.Status)
	}
	return nil
}

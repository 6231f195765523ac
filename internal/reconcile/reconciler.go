// Package reconcile diffs Stripe subscription state against local rows and repairs drift.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"riskmate/api/internal/billing"
	"riskmate/api/internal/store"
	"riskmate/api/internal/telemetry"
)

// ErrInProgress is returned when another sweep holds the process lock.
var ErrInProgress = errors.New("reconciliation already in progress")

const defaultPageSize = 100

type Store interface {
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (store.Subscription, error)
	ListStripeSubscriptions(ctx context.Context, afterID string, limit int) ([]store.Subscription, error)
	UpsertSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error)
	InsertReconciliationLog(ctx context.Context, entry store.ReconciliationLog) (string, error)
	InsertBillingAlert(ctx context.Context, alert store.BillingAlert) (store.BillingAlert, error)
}

// Notifier tells organization admins about a raised alert.
type Notifier interface {
	BillingAlertRaised(ctx context.Context, alert store.BillingAlert) error
}

// Invalidator drops cached entitlements for organizations whose subscription changed.
type Invalidator interface {
	Invalidate(ctx context.Context, orgIDs ...string) error
}

type Options struct {
	LookbackHours int
	Trigger       string
}

type Reconciler struct {
	provider    billing.Provider
	store       Store
	catalog     billing.PlanCatalog
	logger      zerolog.Logger
	notifier    Notifier
	invalidator Invalidator
	pageSize    int
	now         func() time.Time
	newID       func() string

	mu sync.Mutex
}

func New(provider billing.Provider, st Store, catalog billing.PlanCatalog, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		provider: provider,
		store:    st,
		catalog:  catalog,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		pageSize: defaultPageSize,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (r *Reconciler) SetNotifier(n Notifier)       { r.notifier = n }
func (r *Reconciler) SetInvalidator(i Invalidator) { r.invalidator = i }

// sweep holds per-run state.
type sweep struct {
	report  Report
	seen    map[string]bool
	touched map[string]bool
	// listFailed marks a run whose checkout-session listing failed.
	listFailed bool
}

func (s *sweep) fail(stage, ref string, err error) {
	s.report.Errors = append(s.report.Errors, ErrorItem{Stage: stage, Reference: ref, Message: err.Error()})
}

func (s *sweep) settle() {
	switch {
	case s.listFailed:
		s.report.Status = StatusError
	case len(s.report.Errors) > 0:
		s.report.Status = StatusPartial
	default:
		s.report.Status = StatusSuccess
	}
}

// Run performs one sweep. Stripe and database failures are recorded in the
// report rather than returned; the only error is ErrInProgress.
func (r *Reconciler) Run(ctx context.Context, opts Options) (Report, error) {
	if !r.mu.TryLock() {
		return Report{}, ErrInProgress
	}
	defer r.mu.Unlock()

	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	hours := ClampLookback(opts.LookbackHours)
	started := r.now().UTC()

	s := &sweep{
		report: Report{
			Trigger:       trigger,
			LookbackHours: hours,
			Since:         started.Add(-time.Duration(hours) * time.Hour),
			StartedAt:     started,
			Drift:         []DriftItem{},
			Errors:        []ErrorItem{},
		},
		seen:    map[string]bool{},
		touched: map[string]bool{},
	}

	log := r.logger.With().Str("trigger", trigger).Int("lookback_hours", hours).Logger()
	log.Info().Time("since", s.report.Since).Msg("reconciliation started")

	r.reconcileSessions(ctx, s)
	r.reconcileLocal(ctx, s)

	s.report.FinishedAt = r.now().UTC()
	s.settle()

	// the summary is written even when the caller went away mid-sweep
	persistCtx := context.WithoutCancel(ctx)
	// alerts reference the log id, so it is assigned before either row is written
	s.report.ID = r.newID()
	r.raiseAlerts(persistCtx, s)
	s.settle()
	r.writeLog(persistCtx, s)
	r.invalidate(persistCtx, s)
	// a failed log write still downgrades the returned report
	s.settle()
	r.record(persistCtx, s.report)

	log.Info().
		Str("status", s.report.Status).
		Int("sessions_scanned", s.report.SessionsScanned).
		Int("subscriptions_scanned", s.report.SubscriptionsScanned).
		Int("created", s.report.Created).
		Int("updated", s.report.Updated).
		Int("drift", len(s.report.Drift)).
		Int("errors", len(s.report.Errors)).
		Dur("duration", s.report.FinishedAt.Sub(started)).
		Msg("reconciliation finished")

	return s.report, nil
}

// reconcileSessions creates local rows for completed checkouts that never landed.
func (r *Reconciler) reconcileSessions(ctx context.Context, s *sweep) {
	sessions, err := r.provider.ListCompletedCheckoutSessions(ctx, s.report.Since)
	if err != nil {
		s.listFailed = true
		s.fail(StageListSessions, "", err)
		return
	}

	for _, session := range sessions {
		if ctx.Err() != nil {
			s.fail(StageListSessions, session.ID, ctx.Err())
			return
		}
		s.report.SessionsScanned++

		// one-off payments carry no subscription
		if session.SubscriptionID == "" || s.seen[session.SubscriptionID] {
			continue
		}

		_, err := r.store.GetSubscriptionByStripeID(ctx, session.SubscriptionID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.fail(StageLookupLocal, session.SubscriptionID, err)
			continue
		}

		remote, err := r.provider.GetSubscription(ctx, session.SubscriptionID)
		if err != nil {
			s.fail(StageFetchSubscription, session.SubscriptionID, err)
			continue
		}
		s.seen[remote.ID] = true

		item := DriftItem{
			Kind:                 DriftMissingSubscription,
			StripeSubscriptionID: remote.ID,
			CheckoutSessionID:    session.ID,
		}

		orgID := billing.OrganizationFor(session, &remote)
		if orgID == "" {
			s.fail(StageAttribute, session.ID, errors.New("checkout session has no organization reference"))
			s.report.Drift = append(s.report.Drift, item)
			continue
		}
		item.OrganizationID = orgID

		if _, err := r.store.UpsertSubscription(ctx, r.catalog.Record(orgID, remote)); err != nil {
			s.fail(StageUpsert, remote.ID, err)
			s.report.Drift = append(s.report.Drift, item)
			continue
		}

		item.Applied = true
		s.report.Drift = append(s.report.Drift, item)
		s.report.Created++
		s.touched[orgID] = true
	}
}

// reconcileLocal walks every local row with a Stripe id and overwrites drifted fields.
func (r *Reconciler) reconcileLocal(ctx context.Context, s *sweep) {
	after := ""
	for {
		page, err := r.store.ListStripeSubscriptions(ctx, after, r.pageSize)
		if err != nil {
			s.fail(StageScanLocal, after, err)
			return
		}

		for _, local := range page {
			after = local.StripeSubscriptionID
			if s.seen[local.StripeSubscriptionID] {
				continue
			}
			if ctx.Err() != nil {
				s.fail(StageScanLocal, local.StripeSubscriptionID, ctx.Err())
				return
			}
			s.seen[local.StripeSubscriptionID] = true
			s.report.SubscriptionsScanned++
			r.reconcileOne(ctx, s, local)
		}

		if len(page) < r.pageSize {
			return
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, s *sweep, local store.Subscription) {
	var (
		kind   DriftKind
		target store.Subscription
	)

	remote, err := r.provider.GetSubscription(ctx, local.StripeSubscriptionID)
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		if local.Status == billing.StatusCanceled {
			return
		}
		kind = DriftMissingRemote
		target = local
		target.Status = billing.StatusCanceled
	case err != nil:
		s.fail(StageFetchSubscription, local.StripeSubscriptionID, err)
		return
	default:
		kind = DriftStatusMismatch
		target = r.catalog.Record(local.OrganizationID, remote)
		if remote.CustomerID == "" {
			target.StripeCustomerID = local.StripeCustomerID
		}
	}

	changes := Diff(local, target)
	if len(changes) == 0 {
		return
	}

	item := DriftItem{
		Kind:                 kind,
		OrganizationID:       local.OrganizationID,
		StripeSubscriptionID: local.StripeSubscriptionID,
		Changes:              changes,
	}
	if _, err := r.store.UpsertSubscription(ctx, target); err != nil {
		s.fail(StageUpsert, local.StripeSubscriptionID, err)
		s.report.Drift = append(s.report.Drift, item)
		return
	}

	item.Applied = true
	s.report.Drift = append(s.report.Drift, item)
	s.report.Updated++
	s.touched[local.OrganizationID] = true
}

func (r *Reconciler) writeLog(ctx context.Context, s *sweep) {
	drift, _ := json.Marshal(s.report.Drift)
	errs, _ := json.Marshal(s.report.Errors)

	id, err := r.store.InsertReconciliationLog(ctx, store.ReconciliationLog{
		ID:                   s.report.ID,
		RunType:              s.report.Trigger,
		LookbackHours:        s.report.LookbackHours,
		Status:               s.report.Status,
		SessionsScanned:      s.report.SessionsScanned,
		SubscriptionsScanned: s.report.SubscriptionsScanned,
		CreatedCount:         s.report.Created,
		UpdatedCount:         s.report.Updated,
		MismatchCount:        len(s.report.Drift),
		ErrorCount:           len(s.report.Errors),
		Drift:                drift,
		Errors:               errs,
		StartedAt:            s.report.StartedAt,
		FinishedAt:           s.report.FinishedAt,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("write reconciliation log")
		s.report.ID = ""
		s.fail(StageWriteLog, "", err)
		return
	}
	s.report.ID = id
}

// raiseAlerts inserts one alert per affected organization plus one
// platform-wide alert for drift that could not be attributed.
func (r *Reconciler) raiseAlerts(ctx context.Context, s *sweep) {
	if len(s.report.Drift) == 0 {
		return
	}

	byOrg := map[string][]DriftItem{}
	for _, item := range s.report.Drift {
		byOrg[item.OrganizationID] = append(byOrg[item.OrganizationID], item)
	}
	orgs := make([]string, 0, len(byOrg))
	for org := range byOrg {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	for _, org := range orgs {
		items := byOrg[org]
		metadata, _ := json.Marshal(map[string]any{
			"reconciliation_log_id": s.report.ID,
			"lookback_hours":        s.report.LookbackHours,
			"trigger":               s.report.Trigger,
			"drift":                 items,
		})
		message := fmt.Sprintf("Reconciliation found %d billing drift item(s)", len(items))
		if org == "" {
			message = fmt.Sprintf("Reconciliation found %d checkout(s) that could not be attributed to an organization", len(items))
		}

		alert, err := r.store.InsertBillingAlert(ctx, store.BillingAlert{
			OrganizationID: org,
			AlertType:      "reconcile_drift",
			Severity:       severityFor(len(items)),
			Message:        message,
			Metadata:       metadata,
		})
		if err != nil {
			r.logger.Error().Err(err).Str("organization_id", org).Msg("insert billing alert")
			s.fail(StageAlert, org, err)
			continue
		}
		s.report.AlertIDs = append(s.report.AlertIDs, alert.ID)
		telemetry.GetMetrics().BillingAlertsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", alert.AlertType)))

		if r.notifier != nil && org != "" {
			if err := r.notifier.BillingAlertRaised(ctx, alert); err != nil {
				r.logger.Warn().Err(err).Str("organization_id", org).Msg("notify billing alert")
			}
		}
	}
}

func (r *Reconciler) invalidate(ctx context.Context, s *sweep) {
	if r.invalidator == nil || len(s.touched) == 0 {
		return
	}
	orgs := make([]string, 0, len(s.touched))
	for org := range s.touched {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	if err := r.invalidator.Invalidate(ctx, orgs...); err != nil {
		r.logger.Warn().Err(err).Strs("organizations", orgs).Msg("invalidate entitlements cache")
	}
}

func (r *Reconciler) record(ctx context.Context, report Report) {
	m := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("trigger", report.Trigger), attribute.String("status", report.Status))
	m.ReconcileRunsTotal.Add(ctx, 1, attrs)
	m.ReconcileDriftTotal.Add(ctx, int64(len(report.Drift)))
	m.ReconcileErrorsTotal.Add(ctx, int64(len(report.Errors)))
	m.ReconcileDuration.Record(ctx, float64(report.FinishedAt.Sub(report.StartedAt).Milliseconds()), attrs)
}

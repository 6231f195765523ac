package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"riskmate/api/internal/billing"
	"riskmate/api/internal/store"
)

type fakeProvider struct {
	mu        sync.Mutex
	sessions  []billing.CheckoutSession
	listErr   error
	subs      map[string]billing.Subscription
	getErrs   map[string]error
	gets      []string
	gotSince  time.Time
	entered   chan struct{}
	enterOnce sync.Once
	release   chan struct{}
}

func (f *fakeProvider) ListCompletedCheckoutSessions(ctx context.Context, since time.Time) ([]billing.CheckoutSession, error) {
	if f.release != nil {
		f.enterOnce.Do(func() { close(f.entered) })
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSince = since
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.sessions, nil
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, id)
	if err, ok := f.getErrs[id]; ok {
		return billing.Subscription{}, err
	}
	sub, ok := f.subs[id]
	if !ok {
		return billing.Subscription{}, fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, id)
	}
	return sub, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (billing.CheckoutResult, error) {
	return billing.CheckoutResult{}, errors.New("not implemented")
}

func (f *fakeProvider) ParseWebhook(payload []byte, signature string) (billing.Event, error) {
	return billing.Event{}, errors.New("not implemented")
}

type fakeStore struct {
	mu        sync.Mutex
	byOrg     map[string]store.Subscription
	upsertErr map[string]error
	listErr   error
	logErr    error
	alertErr  error
	logs      []store.ReconciliationLog
	alerts    []store.BillingAlert
	pages     int
}

func newFakeStore(subs ...store.Subscription) *fakeStore {
	s := &fakeStore{byOrg: map[string]store.Subscription{}, upsertErr: map[string]error{}}
	for _, sub := range subs {
		s.byOrg[sub.OrganizationID] = sub
	}
	return s
}

func (s *fakeStore) GetSubscriptionByStripeID(ctx context.Context, id string) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.byOrg {
		if sub.StripeSubscriptionID == id {
			return sub, nil
		}
	}
	return store.Subscription{}, store.ErrNotFound
}

func (s *fakeStore) ListStripeSubscriptions(ctx context.Context, afterID string, limit int) ([]store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var all []store.Subscription
	for _, sub := range s.byOrg {
		if sub.StripeSubscriptionID != "" && sub.StripeSubscriptionID > afterID {
			all = append(all, sub)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StripeSubscriptionID < all[j].StripeSubscriptionID })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *fakeStore) UpsertSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsertErr[sub.StripeSubscriptionID]; err != nil {
		return store.Subscription{}, err
	}
	s.byOrg[sub.OrganizationID] = sub
	return sub, nil
}

func (s *fakeStore) InsertReconciliationLog(ctx context.Context, entry store.ReconciliationLog) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logErr != nil {
		return "", s.logErr
	}
	s.logs = append(s.logs, entry)
	if entry.ID != "" {
		return entry.ID, nil
	}
	return fmt.Sprintf("log-%d", len(s.logs)), nil
}

func (s *fakeStore) InsertBillingAlert(ctx context.Context, alert store.BillingAlert) (store.BillingAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertErr != nil {
		return store.BillingAlert{}, s.alertErr
	}
	alert.ID = fmt.Sprintf("alert-%d", len(s.alerts)+1)
	s.alerts = append(s.alerts, alert)
	return alert, nil
}

type recordingNotifier struct{ alerts []store.BillingAlert }

func (n *recordingNotifier) BillingAlertRaised(ctx context.Context, alert store.BillingAlert) error {
	n.alerts = append(n.alerts, alert)
	return nil
}

type recordingInvalidator struct{ orgs []string }

func (i *recordingInvalidator) Invalidate(ctx context.Context, orgIDs ...string) error {
	i.orgs = append(i.orgs, orgIDs...)
	return nil
}

var testNow = time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC)

func ts(days int) *time.Time {
	t := testNow.Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

func newTestReconciler(p *fakeProvider, s *fakeStore) (*Reconciler, *recordingNotifier, *recordingInvalidator) {
	r := New(p, s, billing.NewPlanCatalog(map[string]string{"price_starter": "starter", "price_pro": "pro"}), zerolog.Nop())
	r.now = func() time.Time { return testNow }
	r.newID = func() string { return "log-1" }
	n := &recordingNotifier{}
	i := &recordingInvalidator{}
	r.SetNotifier(n)
	r.SetInvalidator(i)
	return r, n, i
}

func TestRunCleanSweep(t *testing.T) {
	local := store.Subscription{
		OrganizationID:       "org-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PlanCode:             "pro",
		Status:               "active",
		CurrentPeriodStart:   ts(-10),
		CurrentPeriodEnd:     ts(20),
	}
	p := &fakeProvider{
		sessions: []billing.CheckoutSession{{ID: "cs_1", SubscriptionID: "sub_1", ClientReferenceID: "org-1"}},
		subs: map[string]billing.Subscription{
			"sub_1": {ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_pro", CurrentPeriodStart: ts(-10), CurrentPeriodEnd: ts(20)},
		},
	}
	s := newFakeStore(local)
	r, n, inv := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{LookbackHours: 48, Trigger: TriggerManual})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, report.Status)
	require.Equal(t, 1, report.SessionsScanned)
	require.Equal(t, 1, report.SubscriptionsScanned)
	require.Empty(t, report.Drift)
	require.Empty(t, report.Errors)
	require.Equal(t, testNow.Add(-48*time.Hour), p.gotSince)

	require.Len(t, s.logs, 1)
	require.Equal(t, StatusSuccess, s.logs[0].Status)
	require.Equal(t, 48, s.logs[0].LookbackHours)
	require.Equal(t, "log-1", report.ID)
	require.Empty(t, s.alerts)
	require.Empty(t, n.alerts)
	require.Empty(t, inv.orgs)
}

func TestRunCreatesMissingSubscription(t *testing.T) {
	p := &fakeProvider{
		sessions: []billing.CheckoutSession{
			{ID: "cs_1", SubscriptionID: "sub_new", Metadata: map[string]string{"organization_id": "org-2"}},
			{ID: "cs_dup", SubscriptionID: "sub_new", ClientReferenceID: "org-2"},
			{ID: "cs_onetime"},
		},
		subs: map[string]billing.Subscription{
			"sub_new": {ID: "sub_new", CustomerID: "cus_2", Status: "trialing", PriceID: "price_starter", CurrentPeriodEnd: ts(14)},
		},
	}
	s := newFakeStore()
	r, n, inv := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, report.Status)
	require.Equal(t, DefaultLookbackHours, report.LookbackHours)
	require.Equal(t, 3, report.SessionsScanned)
	require.Equal(t, 1, report.Created)
	require.Len(t, report.Drift, 1)
	require.Equal(t, DriftMissingSubscription, report.Drift[0].Kind)
	require.True(t, report.Drift[0].Applied)

	created := s.byOrg["org-2"]
	require.Equal(t, "sub_new", created.StripeSubscriptionID)
	require.Equal(t, "starter", created.PlanCode)
	require.Equal(t, "trialing", created.Status)

	// fetched once in the session pass, skipped by the local pass
	require.Equal(t, []string{"sub_new"}, p.gets)
	require.Equal(t, 0, report.SubscriptionsScanned)

	require.Len(t, s.alerts, 1)
	require.Equal(t, "org-2", s.alerts[0].OrganizationID)
	require.Equal(t, "reconcile_drift", s.alerts[0].AlertType)
	require.Equal(t, "warning", s.alerts[0].Severity)
	require.Len(t, n.alerts, 1)
	require.Equal(t, []string{"org-2"}, inv.orgs)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(s.alerts[0].Metadata, &meta))
	require.Equal(t, "log-1", meta["reconciliation_log_id"])
}

func TestRunUpdatesDriftedFields(t *testing.T) {
	p := &fakeProvider{
		subs: map[string]billing.Subscription{
			"sub_1": {ID: "sub_1", CustomerID: "cus_1", Status: "past_due", PriceID: "price_pro", CurrentPeriodStart: ts(-3), CurrentPeriodEnd: ts(27), CancelAtPeriodEnd: true},
		},
	}
	s := newFakeStore(store.Subscription{
		OrganizationID:       "org-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PlanCode:             "starter",
		Status:               "active",
		CurrentPeriodStart:   ts(-33),
		CurrentPeriodEnd:     ts(-3),
	})
	r, _, inv := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{LookbackHours: 6})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, report.Status)
	require.Equal(t, 1, report.Updated)
	require.Len(t, report.Drift, 1)

	item := report.Drift[0]
	require.Equal(t, DriftStatusMismatch, item.Kind)
	fields := map[string]FieldChange{}
	for _, c := range item.Changes {
		fields[c.Field] = c
	}
	require.Contains(t, fields, "status")
	require.Contains(t, fields, "plan_code")
	require.Contains(t, fields, "current_period_start")
	require.Contains(t, fields, "current_period_end")
	require.Contains(t, fields, "cancel_at_period_end")
	require.NotContains(t, fields, "stripe_customer_id")
	require.Equal(t, "active", fields["status"].Local)
	require.Equal(t, "past_due", fields["status"].Remote)

	updated := s.byOrg["org-1"]
	require.Equal(t, "past_due", updated.Status)
	require.Equal(t, "pro", updated.PlanCode)
	require.True(t, updated.CancelAtPeriodEnd)
	require.Equal(t, []string{"org-1"}, inv.orgs)
}

func TestRunMarksMissingRemoteCanceled(t *testing.T) {
	p := &fakeProvider{subs: map[string]billing.Subscription{}}
	s := newFakeStore(
		store.Subscription{OrganizationID: "org-1", StripeSubscriptionID: "sub_gone", PlanCode: "pro", Status: "active"},
		store.Subscription{OrganizationID: "org-2", StripeSubscriptionID: "sub_old", PlanCode: "pro", Status: "canceled"},
	)
	r, _, _ := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, report.Status)
	require.Equal(t, 2, report.SubscriptionsScanned)
	require.Len(t, report.Drift, 1)
	require.Equal(t, DriftMissingRemote, report.Drift[0].Kind)
	require.Equal(t, "canceled", s.byOrg["org-1"].Status)
	require.Equal(t, "pro", s.byOrg["org-1"].PlanCode)
}

func TestRunPartialOnStripeError(t *testing.T) {
	p := &fakeProvider{
		subs:    map[string]billing.Subscription{"sub_ok": {ID: "sub_ok", Status: "canceled"}},
		getErrs: map[string]error{"sub_flaky": errors.New("stripe: 500")},
	}
	s := newFakeStore(
		store.Subscription{OrganizationID: "org-1", StripeSubscriptionID: "sub_flaky", Status: "active", PlanCode: "pro"},
		store.Subscription{OrganizationID: "org-2", StripeSubscriptionID: "sub_ok", Status: "active", PlanCode: "none"},
	)
	r, _, _ := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, report.Status)
	require.Len(t, report.Errors, 1)
	require.Equal(t, StageFetchSubscription, report.Errors[0].Stage)
	require.Equal(t, "sub_flaky", report.Errors[0].Reference)
	require.Equal(t, 1, report.Updated)
	require.Equal(t, "partial", s.logs[0].Status)
	require.Equal(t, 1, s.logs[0].ErrorCount)
}

func TestRunErrorWhenSessionListingFails(t *testing.T) {
	p := &fakeProvider{listErr: errors.New("stripe unavailable"), subs: map[string]billing.Subscription{}}
	s := newFakeStore()
	r, _, _ := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusError, report.Status)
	require.Equal(t, StageListSessions, report.Errors[0].Stage)
	require.Len(t, s.logs, 1)
	require.Equal(t, StatusError, s.logs[0].Status)
}

func TestRunUnattributedSessionRaisesPlatformAlert(t *testing.T) {
	p := &fakeProvider{
		sessions: []billing.CheckoutSession{{ID: "cs_orphan", SubscriptionID: "sub_orphan"}},
		subs:     map[string]billing.Subscription{"sub_orphan": {ID: "sub_orphan", Status: "active"}},
	}
	s := newFakeStore()
	r, n, inv := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, report.Status)
	require.Equal(t, StageAttribute, report.Errors[0].Stage)
	require.Equal(t, "cs_orphan", report.Errors[0].Reference)
	require.Len(t, report.Drift, 1)
	require.False(t, report.Drift[0].Applied)

	require.Len(t, s.alerts, 1)
	require.Equal(t, "", s.alerts[0].OrganizationID)
	require.Empty(t, n.alerts, "platform alerts have no org admins to notify")
	require.Empty(t, inv.orgs)
}

func TestRunCriticalSeverityAboveTenItems(t *testing.T) {
	p := &fakeProvider{subs: map[string]billing.Subscription{}}
	var subs []store.Subscription
	for i := 0; i < 11; i++ {
		subs = append(subs, store.Subscription{OrganizationID: "org-big", StripeSubscriptionID: fmt.Sprintf("sub_%02d", i), Status: "active"})
	}
	s := newFakeStore()
	// several Stripe ids under one org exercise alert grouping
	for _, sub := range subs {
		s.byOrg[sub.StripeSubscriptionID] = sub
	}
	r, _, _ := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, report.Drift, 11)
	require.Len(t, s.alerts, 1)
	require.Equal(t, "critical", s.alerts[0].Severity)
}

func TestRunPagesLocalRows(t *testing.T) {
	p := &fakeProvider{subs: map[string]billing.Subscription{}}
	s := newFakeStore()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("sub_%d", i)
		p.subs[id] = billing.Subscription{ID: id, Status: "active"}
		s.byOrg[fmt.Sprintf("org-%d", i)] = store.Subscription{OrganizationID: fmt.Sprintf("org-%d", i), StripeSubscriptionID: id, Status: "active", PlanCode: "none"}
	}
	r, _, _ := newTestReconciler(p, s)
	r.pageSize = 2

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 5, report.SubscriptionsScanned)
	require.Equal(t, 3, s.pages)
	require.Empty(t, report.Drift)
}

func TestRunRecordsUpsertFailure(t *testing.T) {
	p := &fakeProvider{subs: map[string]billing.Subscription{"sub_1": {ID: "sub_1", Status: "canceled"}}}
	s := newFakeStore(store.Subscription{OrganizationID: "org-1", StripeSubscriptionID: "sub_1", Status: "active", PlanCode: "none"})
	s.upsertErr["sub_1"] = store.ErrConflict
	r, _, inv := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, report.Status)
	require.Equal(t, StageUpsert, report.Errors[0].Stage)
	require.Len(t, report.Drift, 1)
	require.False(t, report.Drift[0].Applied)
	require.Empty(t, inv.orgs)
}

func TestRunRejectsConcurrentSweep(t *testing.T) {
	p := &fakeProvider{
		subs:    map[string]billing.Subscription{},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newFakeStore()
	r, _, _ := newTestReconciler(p, s)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), Options{})
		done <- err
	}()
	<-p.entered

	_, err := r.Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrInProgress)

	close(p.release)
	require.NoError(t, <-done)

	_, err = r.Run(context.Background(), Options{})
	require.NoError(t, err, "lock is released after a sweep")
}

func TestRunContinuesWhenScanFails(t *testing.T) {
	p := &fakeProvider{subs: map[string]billing.Subscription{}}
	s := newFakeStore()
	s.listErr = errors.New("db down")
	r, _, _ := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, report.Status)
	require.Equal(t, StageScanLocal, report.Errors[0].Stage)
	require.Len(t, s.logs, 1)
}

func TestRunLogWriteFailureDowngradesStatus(t *testing.T) {
	p := &fakeProvider{
		subs: map[string]billing.Subscription{
			"sub_1": {ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_pro", CurrentPeriodStart: ts(-10), CurrentPeriodEnd: ts(20)},
		},
	}
	s := newFakeStore(store.Subscription{
		OrganizationID:       "org-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PlanCode:             "pro",
		Status:               "active",
		CurrentPeriodStart:   ts(-10),
		CurrentPeriodEnd:     ts(20),
	})
	s.logErr = errors.New("db down")
	r, _, _ := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{LookbackHours: 24})
	require.NoError(t, err)
	require.Empty(t, report.Drift)
	require.Len(t, report.Errors, 1)
	require.Equal(t, StageWriteLog, report.Errors[0].Stage)
	require.Equal(t, StatusPartial, report.Status)
	require.Empty(t, report.ID)
}

func TestRunAlertFailureDowngradesStatus(t *testing.T) {
	p := &fakeProvider{
		subs: map[string]billing.Subscription{
			"sub_1": {ID: "sub_1", CustomerID: "cus_1", Status: "canceled", PriceID: "price_pro", CurrentPeriodStart: ts(-10), CurrentPeriodEnd: ts(20)},
		},
	}
	s := newFakeStore(store.Subscription{
		OrganizationID:       "org-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PlanCode:             "pro",
		Status:               "active",
		CurrentPeriodStart:   ts(-10),
		CurrentPeriodEnd:     ts(20),
	})
	s.alertErr = errors.New("alerts table locked")
	r, n, _ := newTestReconciler(p, s)

	report, err := r.Run(context.Background(), Options{LookbackHours: 24})
	require.NoError(t, err)
	require.Len(t, report.Drift, 1)
	require.Len(t, report.Errors, 1)
	require.Equal(t, StageAlert, report.Errors[0].Stage)
	require.Equal(t, StatusPartial, report.Status)
	require.Empty(t, n.alerts)

	require.Len(t, s.logs, 1)
	require.Equal(t, StatusPartial, s.logs[0].Status)
	require.Equal(t, 1, s.logs[0].ErrorCount)
	require.Equal(t, "log-1", report.ID)
}

package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"riskmate/api/internal/auth"
	"riskmate/api/internal/billing"
	"riskmate/api/internal/cache"
	"riskmate/api/internal/config"
	"riskmate/api/internal/entitlements"
	"riskmate/api/internal/export"
	"riskmate/api/internal/reconcile"
	"riskmate/api/internal/search"
	"riskmate/api/internal/store"
)

const (
	testJWTSecret    = "test-jwt-secret"
	testCronSecret   = "cron-secret"
	testOrgID        = "org-1"
	testProofBucket  = "proof-packs"
	testPriceStarter = "price_starter"
	testPricePro     = "price_pro"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu sync.Mutex

	pingErr   error
	users     map[string]store.User
	subs      map[string]store.Subscription // by organization
	upsertErr error
	members   int
	jobs      int

	alerts      []store.BillingAlert
	resolvable  map[string]bool
	logs        []store.ReconciliationLog
	audits      []store.AuditLog
	packs       []store.ProofPack
	notes       []store.Notification
	upserts     []store.Subscription
	gotResolved *bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]store.User{
			"user-owner":  {ID: "user-owner", OrganizationID: testOrgID, Email: "owner@acme.test", Role: "owner"},
			"user-member": {ID: "user-member", OrganizationID: testOrgID, Email: "member@acme.test", Role: "member"},
			"user-exec":   {ID: "user-exec", OrganizationID: testOrgID, Email: "exec@acme.test", Role: "executive"},
			"user-orphan": {ID: "user-orphan", Email: "orphan@acme.test", Role: "owner"},
		},
		subs:       map[string]store.Subscription{},
		resolvable: map[string]bool{},
	}
}

func (f *fakeStore) withPlan(plan string) *fakeStore {
	end := testNow.Add(20 * 24 * time.Hour)
	f.subs[testOrgID] = store.Subscription{
		ID:                   "local-sub-1",
		OrganizationID:       testOrgID,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PlanCode:             plan,
		Status:               billing.StatusActive,
		CurrentPeriodEnd:     &end,
	}
	return f
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) CountMembers(context.Context, string) (int, error) { return f.members, nil }

func (f *fakeStore) CountJobsSince(context.Context, string, time.Time) (int, error) {
	return f.jobs, nil
}

func (f *fakeStore) GetSubscriptionByOrg(_ context.Context, orgID string) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[orgID]
	if !ok {
		return store.Subscription{}, sql.ErrNoRows
	}
	return sub, nil
}

func (f *fakeStore) GetSubscriptionByStripeID(_ context.Context, id string) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.StripeSubscriptionID == id {
			return sub, nil
		}
	}
	return store.Subscription{}, sql.ErrNoRows
}

func (f *fakeStore) UpsertSubscription(_ context.Context, sub store.Subscription) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return store.Subscription{}, f.upsertErr
	}
	if existing, ok := f.subs[sub.OrganizationID]; ok {
		sub.ID = existing.ID
	} else {
		sub.ID = fmt.Sprintf("local-sub-%d", len(f.subs)+1)
	}
	f.subs[sub.OrganizationID] = sub
	f.upserts = append(f.upserts, sub)
	return sub, nil
}

func (f *fakeStore) InsertBillingAlert(_ context.Context, alert store.BillingAlert) (store.BillingAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	alert.ID = fmt.Sprintf("alert-%d", len(f.alerts)+1)
	alert.CreatedAt = testNow
	f.alerts = append(f.alerts, alert)
	return alert, nil
}

func (f *fakeStore) ListBillingAlerts(_ context.Context, orgID string, resolved *bool, _ int) ([]store.BillingAlert, error) {
	f.gotResolved = resolved
	var out []store.BillingAlert
	for _, a := range f.alerts {
		if a.OrganizationID == orgID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) ResolveBillingAlert(_ context.Context, _, alertID, _ string) (bool, error) {
	return f.resolvable[alertID], nil
}

func (f *fakeStore) ListReconciliationLogs(context.Context, int) ([]store.ReconciliationLog, error) {
	return f.logs, nil
}

func (f *fakeStore) InsertAuditLog(_ context.Context, entry store.AuditLog) (store.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = fmt.Sprintf("audit-%d", len(f.audits)+1)
	entry.CreatedAt = testNow
	f.audits = append(f.audits, entry)
	return entry, nil
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, _ int) ([]store.Notification, error) {
	var out []store.Notification
	for _, n := range f.notes {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertProofPack(_ context.Context, pack store.ProofPack) (store.ProofPack, error) {
	pack.CreatedAt = testNow
	f.packs = append(f.packs, pack)
	return pack, nil
}

func (f *fakeStore) ListProofPacks(_ context.Context, orgID, jobID string) ([]store.ProofPack, error) {
	var out []store.ProofPack
	for _, p := range f.packs {
		if p.OrganizationID == orgID && p.JobID == jobID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) auditEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.audits))
	for _, a := range f.audits {
		names = append(names, a.EventName)
	}
	return names
}

type fakeProvider struct {
	event    billing.Event
	parseErr error
	subs     map[string]billing.Subscription
	checkout billing.CheckoutRequest
}

func (f *fakeProvider) ListCompletedCheckoutSessions(context.Context, time.Time) ([]billing.CheckoutSession, error) {
	return nil, nil
}

func (f *fakeProvider) GetSubscription(_ context.Context, id string) (billing.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return billing.Subscription{}, billing.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (billing.CheckoutResult, error) {
	f.checkout = req
	return billing.CheckoutResult{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (f *fakeProvider) ParseWebhook([]byte, string) (billing.Event, error) {
	if f.parseErr != nil {
		return billing.Event{}, f.parseErr
	}
	return f.event, nil
}

type fakeSweeper struct {
	report reconcile.Report
	err    error
	got    reconcile.Options
	calls  int
}

func (f *fakeSweeper) Run(_ context.Context, opts reconcile.Options) (reconcile.Report, error) {
	f.calls++
	f.got = opts
	if f.err != nil {
		return reconcile.Report{}, f.err
	}
	report := f.report
	report.LookbackHours = opts.LookbackHours
	report.Trigger = opts.Trigger
	return report, nil
}

type fakeExporter struct {
	loadErr   error
	renderErr error
	loaded    []string
}

func (f *fakeExporter) LoadJobReport(_ context.Context, orgID, jobID, _ string) (export.JobReport, error) {
	f.loaded = append(f.loaded, orgID+"/"+jobID)
	if f.loadErr != nil {
		return export.JobReport{}, f.loadErr
	}
	return export.JobReport{
		Organization: store.Organization{ID: orgID, Name: "Acme"},
		Job:          store.Job{ID: jobID, OrganizationID: orgID, ClientName: "Harbor Works"},
		GeneratedAt:  testNow,
	}, nil
}

func (f *fakeExporter) RenderJobReport(context.Context, export.JobReport) (*export.Result, error) {
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return &export.Result{
		Data:     []byte("%PDF-1.7 report"),
		Filename: "Harbor-Works-job-report-20260314.pdf",
		MimeType: export.MimePDF,
		SHA256:   "abc123",
	}, nil
}

func (f *fakeExporter) BuildProofPack(_ context.Context, in export.ProofPackInput) (*export.ProofPack, error) {
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return &export.ProofPack{
		ID:       in.PackID,
		Filename: "proof-pack-" + in.Report.Job.ID + "-20260314.zip",
		Data:     []byte("PK zip bytes"),
		SHA256:   "feedbeef",
		Manifest: export.Manifest{
			PackID:         in.PackID,
			JobID:          in.Report.Job.ID,
			OrganizationID: in.Report.Job.OrganizationID,
			Generator:      export.Generator,
			Files:          []export.ManifestFile{{Name: "controls.pdf", SHA256: "c1", Bytes: 10, ContentType: export.MimePDF}},
		},
	}, nil
}

type fakeObjects struct {
	puts       map[string][]byte
	putErr     error
	presignErr error
}

func (f *fakeObjects) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjects) PresignedURL(_ context.Context, bucket, key, _ string) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://storage.test/" + bucket + "/" + key + "?sig=1", nil
}

type fakeCache struct {
	entries     map[string]entitlements.Entitlements
	invalidated []string
	pingErr     error
	sets        int
}

func (f *fakeCache) Get(_ context.Context, orgID, userID string) (entitlements.Entitlements, error) {
	ent, ok := f.entries[orgID+"/"+userID]
	if !ok {
		return entitlements.Entitlements{}, cache.ErrMiss
	}
	return ent, nil
}

func (f *fakeCache) Set(_ context.Context, orgID, userID string, ent entitlements.Entitlements) error {
	if f.entries == nil {
		f.entries = map[string]entitlements.Entitlements{}
	}
	f.entries[orgID+"/"+userID] = ent
	f.sets++
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, orgIDs ...string) error {
	f.invalidated = append(f.invalidated, orgIDs...)
	for key := range f.entries {
		for _, org := range orgIDs {
			if len(key) > len(org) && key[:len(org)+1] == org+"/" {
				delete(f.entries, key)
			}
		}
	}
	return nil
}

func (f *fakeCache) Ping(context.Context) error { return f.pingErr }

type fakeSearch struct {
	got     search.Query
	indexed []store.AuditLog
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) (search.Response, error) {
	f.got = q
	return search.Response{
		Results: []search.Result{{ID: "audit-9", EventName: "job_report.exported"}},
		Total:   1,
		Query:   q.Text,
		Backend: "postgres",
	}, nil
}

func (f *fakeSearch) IndexEvent(entry store.AuditLog) { f.indexed = append(f.indexed, entry) }

type fakeNotifier struct {
	alerts []store.BillingAlert
}

func (f *fakeNotifier) BillingAlertRaised(_ context.Context, alert store.BillingAlert) error {
	f.alerts = append(f.alerts, alert)
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			AppURL:             "https://app.riskmate.test",
			SupabaseJWTSecret:  testJWTSecret,
			ReconcileSecret:    testCronSecret,
			S3BucketProofPacks: testProofBucket,
		},
		store:    fs,
		verifier: auth.NewVerifier(testJWTSecret),
		catalog:  billing.NewPlanCatalog(map[string]string{testPriceStarter: "starter", testPricePro: "pro"}),
		logger:   zerolog.Nop(),
		now:      func() time.Time { return testNow },
	}
}

func newTestServer(svc *Service) *HTTPServer {
	return NewHTTPServer(svc, "*", nil, zerolog.Nop())
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testJWTSecret), userID, userID+"@acme.test", time.Hour)
	require.NoError(t, err)
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestSessionFromTokenResolvesOrganizationAndRole(t *testing.T) {
	fs := newFakeStore()
	fs.users["user-odd"] = store.User{ID: "user-odd", OrganizationID: testOrgID, Role: "superuser"}
	svc := newTestService(fs)

	session, err := svc.SessionFromToken(context.Background(), tokenFor(t, "user-odd"))
	require.NoError(t, err)
	require.Equal(t, testOrgID, session.OrganizationID)
	require.Equal(t, "member", session.Role)
	require.Equal(t, "user-odd@acme.test", session.Email, "falls back to the token email")
}

func TestSessionFromTokenUnknownUserIsInvalid(t *testing.T) {
	svc := newTestService(newFakeStore())
	_, err := svc.SessionFromToken(context.Background(), tokenFor(t, "ghost"))
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestEntitlementsDerivedAndCached(t *testing.T) {
	fs := newFakeStore().withPlan("pro")
	fs.members = 3
	fs.jobs = 7
	fc := &fakeCache{}
	svc := newTestService(fs)
	svc.cache = fc
	session := Session{UserID: "user-owner", OrganizationID: testOrgID, Role: "owner"}

	ent, err := svc.Entitlements(context.Background(), session)
	require.NoError(t, err)
	require.Equal(t, entitlements.PlanPro, ent.Plan)
	require.True(t, ent.Active)
	require.True(t, ent.Has(entitlements.FeatureProofPacks))
	require.Equal(t, entitlements.Usage{JobsThisMonth: 7, Seats: 3}, ent.Usage)
	require.Equal(t, 1, fc.sets)

	// A cache hit must not touch the store.
	delete(fs.subs, testOrgID)
	again, err := svc.Entitlements(context.Background(), session)
	require.NoError(t, err)
	require.Equal(t, entitlements.PlanPro, again.Plan)
	require.Equal(t, 1, fc.sets)
}

func TestEntitlementsWithoutSubscription(t *testing.T) {
	svc := newTestService(newFakeStore())
	ent, err := svc.Entitlements(context.Background(), Session{UserID: "user-owner", OrganizationID: testOrgID, Role: "owner"})
	require.NoError(t, err)
	require.Equal(t, entitlements.PlanNone, ent.Plan)
	require.False(t, ent.Active)
	require.Empty(t, ent.Features)
}

func TestRecordAuditIndexesSavedEvent(t *testing.T) {
	fs := newFakeStore()
	fsearch := &fakeSearch{}
	svc := newTestService(fs)
	svc.search = fsearch

	svc.recordAudit(context.Background(), store.AuditLog{OrganizationID: testOrgID, EventName: "job_report.exported"})
	svc.recordAudit(context.Background(), store.AuditLog{EventName: "platform.only"})

	require.Equal(t, []string{"job_report.exported"}, fs.auditEvents())
	require.Len(t, fsearch.indexed, 1)
	require.Equal(t, "audit-1", fsearch.indexed[0].ID)
}

func TestUpsertFailureSurfacesFromWebhook(t *testing.T) {
	fs := newFakeStore().withPlan("starter")
	fs.upsertErr = errors.New("database unavailable")
	svc := newTestService(fs)
	svc.billing = &fakeProvider{event: billing.Event{
		ID:   "evt_1",
		Type: billing.EventSubscriptionUpdated,
		Subscription: &billing.Subscription{
			ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusActive, PriceID: testPricePro,
		},
	}}

	_, err := svc.HandleStripeWebhook(context.Background(), []byte(`{}`), "t=1,v1=sig")
	require.Error(t, err)
	var domainErr *DomainError
	require.False(t, errors.As(err, &domainErr))
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		amount   int64
		currency string
		want     string
	}{
		{4900, "usd", "49.00 USD"},
		{5, "eur", "0.05 EUR"},
		{123456, "gbp", "1234.56 GBP"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, formatAmount(tc.amount, tc.currency))
	}
}

func TestResolveBillingAlertNotFound(t *testing.T) {
	svc := newTestService(newFakeStore())
	err := svc.ResolveBillingAlert(context.Background(), Session{UserID: "user-owner", OrganizationID: testOrgID, Role: "owner"}, "missing")
	status, code, _, _ := mapError(err)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "ALERT_NOT_FOUND", code)
}

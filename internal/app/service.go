package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"riskmate/api/internal/auth"
	"riskmate/api/internal/billing"
	"riskmate/api/internal/cache"
	"riskmate/api/internal/config"
	"riskmate/api/internal/entitlements"
	"riskmate/api/internal/export"
	"riskmate/api/internal/rbac"
	"riskmate/api/internal/reconcile"
	"riskmate/api/internal/search"
	"riskmate/api/internal/storage"
	"riskmate/api/internal/store"
)

// Session is the caller resolved from a Supabase access token.
type Session struct {
	UserID         string
	OrganizationID string
	Email          string
	Role           string
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	CountMembers(context.Context, string) (int, error)
	CountJobsSince(context.Context, string, time.Time) (int, error)
	GetSubscriptionByOrg(context.Context, string) (store.Subscription, error)
	GetSubscriptionByStripeID(context.Context, string) (store.Subscription, error)
	UpsertSubscription(context.Context, store.Subscription) (store.Subscription, error)
	InsertBillingAlert(context.Context, store.BillingAlert) (store.BillingAlert, error)
	ListBillingAlerts(context.Context, string, *bool, int) ([]store.BillingAlert, error)
	ResolveBillingAlert(context.Context, string, string, string) (bool, error)
	ListReconciliationLogs(context.Context, int) ([]store.ReconciliationLog, error)
	InsertAuditLog(context.Context, store.AuditLog) (store.AuditLog, error)
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	InsertProofPack(context.Context, store.ProofPack) (store.ProofPack, error)
	ListProofPacks(context.Context, string, string) ([]store.ProofPack, error)
}

type tokenVerifier interface {
	Parse(token string) (auth.Claims, error)
}

type sweeper interface {
	Run(ctx context.Context, opts reconcile.Options) (reconcile.Report, error)
}

type reportExporter interface {
	LoadJobReport(ctx context.Context, orgID, jobID, generatedBy string) (export.JobReport, error)
	RenderJobReport(ctx context.Context, report export.JobReport) (*export.Result, error)
	BuildProofPack(ctx context.Context, in export.ProofPackInput) (*export.ProofPack, error)
}

type objectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, bucket, key, filename string) (string, error)
}

type entitlementsCache interface {
	Get(ctx context.Context, orgID, userID string) (entitlements.Entitlements, error)
	Set(ctx context.Context, orgID, userID string, ent entitlements.Entitlements) error
	Invalidate(ctx context.Context, orgIDs ...string) error
	Ping(ctx context.Context) error
}

type auditSearch interface {
	Search(ctx context.Context, q search.Query) (search.Response, error)
	IndexEvent(entry store.AuditLog)
}

type alertNotifier interface {
	BillingAlertRaised(ctx context.Context, alert store.BillingAlert) error
}

// Options carries the optional collaborators. Nil fields disable the routes
// that need them.
type Options struct {
	Billing    billing.Provider
	Catalog    billing.PlanCatalog
	Reconciler *reconcile.Reconciler
	Exporter   *export.Service
	Objects    *storage.Store
	Cache      *cache.EntitlementsCache
	Search     *search.Service
	Notifier   alertNotifier
}

type Service struct {
	cfg        config.Config
	store      dataStore
	verifier   tokenVerifier
	billing    billing.Provider
	catalog    billing.PlanCatalog
	reconciler sweeper
	exporter   reportExporter
	objects    objectStore
	cache      entitlementsCache
	search     auditSearch
	notifier   alertNotifier
	logger     zerolog.Logger
	now        func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts Options, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		verifier: auth.NewVerifier(cfg.SupabaseJWTSecret),
		billing:  opts.Billing,
		catalog:  opts.Catalog,
		notifier: opts.Notifier,
		logger:   logger.With().Str("component", "app").Logger(),
		now:      time.Now,
	}
	// Typed nils must not leak into the interface fields.
	if opts.Reconciler != nil {
		s.reconciler = opts.Reconciler
	}
	if opts.Exporter != nil {
		s.exporter = opts.Exporter
	}
	if opts.Objects != nil {
		s.objects = opts.Objects
	}
	if opts.Cache != nil {
		s.cache = opts.Cache
	}
	if opts.Search != nil {
		s.search = opts.Search
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready reports each dependency the API cannot serve without.
func (s *Service) Ready(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.cache != nil {
		checks["redis"] = s.cache.Ping(ctx)
	}
	return checks
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.verifier.Parse(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if user.OrganizationID == "" {
		return Session{}, domainError(http.StatusForbidden, "NO_ORGANIZATION", "User does not belong to an organization", nil)
	}
	email := user.Email
	if email == "" {
		email = claims.Email
	}
	return Session{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Email:          email,
		Role:           string(rbac.Normalize(user.Role)),
	}, nil
}

func authorize(session Session, action rbac.Action) error {
	if !rbac.Can(rbac.Role(session.Role), action) {
		return forbidden(string(action))
	}
	return nil
}

// Entitlements serves from the cache and falls back to deriving from the
// subscription row and current usage.
func (s *Service) Entitlements(ctx context.Context, session Session) (entitlements.Entitlements, error) {
	if s.cache != nil {
		ent, err := s.cache.Get(ctx, session.OrganizationID, session.UserID)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn().Err(err).Str("organization_id", session.OrganizationID).Msg("entitlements cache read")
		}
	}

	ent, err := s.deriveEntitlements(ctx, session)
	if err != nil {
		return entitlements.Entitlements{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, session.OrganizationID, session.UserID, ent); err != nil {
			s.logger.Warn().Err(err).Str("organization_id", session.OrganizationID).Msg("entitlements cache write")
		}
	}
	return ent, nil
}

func (s *Service) deriveEntitlements(ctx context.Context, session Session) (entitlements.Entitlements, error) {
	var sub *entitlements.Subscription
	row, err := s.store.GetSubscriptionByOrg(ctx, session.OrganizationID)
	switch {
	case err == nil:
		sub = &entitlements.Subscription{
			PlanCode:          row.PlanCode,
			Status:            row.Status,
			CurrentPeriodEnd:  row.CurrentPeriodEnd,
			CancelAtPeriodEnd: row.CancelAtPeriodEnd,
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return entitlements.Entitlements{}, fmt.Errorf("load subscription: %w", err)
	}

	now := s.now().UTC()
	seats, err := s.store.CountMembers(ctx, session.OrganizationID)
	if err != nil {
		return entitlements.Entitlements{}, fmt.Errorf("count members: %w", err)
	}
	jobs, err := s.store.CountJobsSince(ctx, session.OrganizationID, entitlements.MonthStart(now))
	if err != nil {
		return entitlements.Entitlements{}, fmt.Errorf("count jobs: %w", err)
	}
	return entitlements.Derive(sub, session.Role, entitlements.Usage{JobsThisMonth: jobs, Seats: seats}, now), nil
}

func (s *Service) requireFeature(ctx context.Context, session Session, feature string) error {
	ent, err := s.Entitlements(ctx, session)
	if err != nil {
		return err
	}
	if !ent.Has(feature) {
		return featureUnavailable(feature, string(ent.Plan))
	}
	return nil
}

func (s *Service) invalidateEntitlements(ctx context.Context, orgIDs ...string) {
	if s.cache == nil || len(orgIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, orgIDs...); err != nil {
		s.logger.Warn().Err(err).Strs("organization_ids", orgIDs).Msg("entitlements cache invalidate")
	}
}

// recordAudit is best effort: a failed write never fails the request.
func (s *Service) recordAudit(ctx context.Context, entry store.AuditLog) {
	if entry.OrganizationID == "" {
		return
	}
	saved, err := s.store.InsertAuditLog(ctx, entry)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", entry.EventName).Msg("audit log write")
		return
	}
	if s.search != nil {
		s.search.IndexEvent(saved)
	}
}

func actorEntry(session Session, event, category string) store.AuditLog {
	return store.AuditLog{
		OrganizationID: session.OrganizationID,
		ActorID:        session.UserID,
		ActorEmail:     session.Email,
		EventName:      event,
		Category:       category,
	}
}

type AuditSearchInput struct {
	Text     string
	Category string
	JobID    string
	Limit    int
	Offset   int
}

func (s *Service) SearchAudit(ctx context.Context, session Session, in AuditSearchInput) (search.Response, error) {
	if err := authorize(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if err := s.requireFeature(ctx, session, entitlements.FeatureAuditSearch); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{}, unavailable("SEARCH_UNAVAILABLE", "Audit search is not configured")
	}
	return s.search.Search(ctx, search.Query{
		OrganizationID: session.OrganizationID,
		Text:           in.Text,
		Category:       in.Category,
		JobID:          in.JobID,
		Limit:          in.Limit,
		Offset:         in.Offset,
	})
}

func (s *Service) ListNotifications(ctx context.Context, session Session) ([]store.Notification, error) {
	return s.store.ListNotifications(ctx, session.UserID, 50)
}

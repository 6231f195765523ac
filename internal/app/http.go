package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"riskmate/api/internal/auth"
	"riskmate/api/internal/billing"
	"riskmate/api/internal/export"
	"riskmate/api/internal/ratelimit"
	"riskmate/api/internal/reconcile"
	"riskmate/api/internal/storage"
	"riskmate/api/internal/store"
	"riskmate/api/internal/telemetry"
)

const maxWebhookBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    ratelimit.Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHTTPServer builds the API handler. A nil limiter disables rate limiting.
func NewHTTPServer(service *Service, corsOrigin string, limiter ratelimit.Limiter, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		limiter:    limiter,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.withRateLimit(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/subscriptions/reconcile" {
		s.handleReconcile(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/stripe/webhook" {
		s.handleStripeWebhook(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "subscriptions":
		s.handleSubscriptions(w, r, session, parts[2:])
	case "me":
		if len(parts) != 3 || parts[2] != "entitlements" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		ent, err := s.service.Entitlements(r.Context(), session)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	case "jobs":
		s.handleJobs(w, r, session, parts[2:])
	case "billing":
		s.handleBillingAlerts(w, r, session, parts[2:])
	case "reconciliation":
		if len(parts) == 3 && parts[2] == "logs" {
			if !allowMethod(w, r, http.MethodGet) {
				return
			}
			logs, err := s.service.ListReconciliationLogs(r.Context(), session)
			if err != nil {
				writeMappedError(w, r, err)
				return
			}
			items := make([]map[string]any, 0, len(logs))
			for _, l := range logs {
				items = append(items, reconciliationLogJSON(l))
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "audit":
		if len(parts) == 3 && parts[2] == "events" {
			if allowMethod(w, r, http.MethodGet) {
				s.handleAuditSearch(w, r, session)
			}
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "notifications":
		if len(parts) != 2 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		notifications, err := s.service.ListNotifications(r.Context(), session)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(notifications))
		for _, n := range notifications {
			items = append(items, notificationJSON(n))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok || !s.service.ReconcileAuthorized(token) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	var body struct {
		LookbackHours *int   `json:"lookback_hours"`
		Trigger       string `json:"trigger"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	raw := r.URL.Query().Get("lookback_hours")
	if raw == "" && body.LookbackHours != nil {
		raw = strconv.Itoa(*body.LookbackHours)
	}
	trigger := reconcile.TriggerManual
	if t := r.URL.Query().Get("trigger"); t == reconcile.TriggerScheduled || body.Trigger == reconcile.TriggerScheduled {
		trigger = reconcile.TriggerScheduled
	}

	report, err := s.service.RunReconciliation(r.Context(), reconcile.ParseLookback(raw), trigger)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if report.Status == reconcile.StatusError {
		writeError(w, http.StatusBadGateway, "RECONCILE_FAILED", "Reconciliation could not reach Stripe", report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Webhook payload too large", nil)
		return
	}
	eventType, err := s.service.HandleStripeWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("type", eventType).Msg("stripe webhook failed")
			// 500 makes Stripe retry the delivery.
			writeError(w, http.StatusInternalServerError, "WEBHOOK_FAILED", "Webhook processing failed", nil)
			return
		}
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "type": eventType})
}

func (s *HTTPServer) handleSubscriptions(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0:
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		sub, err := s.service.Subscription(r.Context(), session)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		if sub == nil {
			writeJSON(w, http.StatusOK, map[string]any{"subscription": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscription": subscriptionJSON(*sub)})
	case len(rest) == 1 && rest[0] == "checkout":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		var body CheckoutInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CreateCheckout(r.Context(), session, body)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": result.ID, "url": result.URL})
	case len(rest) == 1 && rest[0] == "reconcile":
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleBillingAlerts(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "alerts":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		var resolved *bool
		if raw := r.URL.Query().Get("resolved"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_QUERY", "resolved must be true or false", nil)
				return
			}
			resolved = &v
		}
		alerts, err := s.service.ListBillingAlerts(r.Context(), session, resolved)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(alerts))
		for _, a := range alerts {
			items = append(items, billingAlertJSON(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case len(rest) == 3 && rest[0] == "alerts" && rest[2] == "resolve":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.service.ResolveBillingAlert(r.Context(), session, rest[1]); err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": rest[1]})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAuditSearch(w http.ResponseWriter, r *http.Request, session Session) {
	q := r.URL.Query()
	in := AuditSearchInput{
		Text:     strings.TrimSpace(q.Get("q")),
		Category: strings.TrimSpace(q.Get("category")),
		JobID:    strings.TrimSpace(q.Get("job_id")),
	}
	for name, target := range map[string]*int{"limit": &in.Limit, "offset": &in.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", fmt.Sprintf("%s must be a non-negative integer", name), nil)
			return
		}
		*target = v
	}

	resp, err := s.service.SearchAudit(r.Context(), session, in)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			writeMappedError(w, r, err)
			return Session{}, false
		}
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("session lookup")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		reqLogger := s.logger.With().Str("request_id", requestID).Logger()
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(reqLogger.WithContext(ctx))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		reqLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

// withRateLimit applies the per-IP window. Limiter failures let the request
// through.
func (s *HTTPServer) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || rateLimitExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := s.limiter.Allow(r.Context(), "ip:"+ratelimit.ClientIP(r))
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		header := w.Header()
		header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			telemetry.GetMetrics().RateLimitedTotal.Add(r.Context(), 1)
			retryAfter := decision.RetryAfter(s.now())
			header.Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", map[string]any{"retry_after": retryAfter})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitExempt(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	switch r.URL.Path {
	case "/api/health", "/api/ready", "/api/stripe/webhook":
		return true
	}
	return false
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Stripe-Signature")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID, X-Content-SHA256, Retry-After")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":       code,
		"message":    message,
		"request_id": w.Header().Get("X-Request-ID"),
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func writeFile(w http.ResponseWriter, data []byte, filename, contentType, sha string) {
	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	header.Set("Content-Length", strconv.Itoa(len(data)))
	if sha != "" {
		header.Set("X-Content-SHA256", sha)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// decodeBody treats an empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	case errors.Is(err, export.ErrRendererUnavailable):
		return http.StatusServiceUnavailable, "RENDERER_UNAVAILABLE", "PDF renderer is unavailable", nil
	case errors.Is(err, export.ErrRenderFailed):
		return http.StatusBadGateway, "RENDER_FAILED", "PDF rendering failed", nil
	case errors.Is(err, billing.ErrNotConfigured):
		return http.StatusServiceUnavailable, "BILLING_UNAVAILABLE", "Stripe is not configured", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

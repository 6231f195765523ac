package app

import (
	"encoding/json"
	"time"

	"riskmate/api/internal/store"
)

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func subscriptionJSON(sub store.Subscription) map[string]any {
	return map[string]any{
		"id":                     sub.ID,
		"organization_id":        sub.OrganizationID,
		"stripe_customer_id":     sub.StripeCustomerID,
		"stripe_subscription_id": sub.StripeSubscriptionID,
		"plan":                   sub.PlanCode,
		"status":                 sub.Status,
		"current_period_start":   optionalTime(sub.CurrentPeriodStart),
		"current_period_end":     optionalTime(sub.CurrentPeriodEnd),
		"cancel_at_period_end":   sub.CancelAtPeriodEnd,
		"updated_at":             sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func billingAlertJSON(a store.BillingAlert) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"alert_type":  a.AlertType,
		"severity":    a.Severity,
		"message":     a.Message,
		"metadata":    rawOrEmpty(a.Metadata),
		"resolved":    a.Resolved,
		"resolved_at": optionalTime(a.ResolvedAt),
		"resolved_by": a.ResolvedBy,
		"created_at":  a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func reconciliationLogJSON(l store.ReconciliationLog) map[string]any {
	return map[string]any{
		"id":                    l.ID,
		"run_type":              l.RunType,
		"lookback_hours":        l.LookbackHours,
		"status":                l.Status,
		"sessions_scanned":      l.SessionsScanned,
		"subscriptions_scanned": l.SubscriptionsScanned,
		"created_count":         l.CreatedCount,
		"updated_count":         l.UpdatedCount,
		"mismatch_count":        l.MismatchCount,
		"error_count":           l.ErrorCount,
		"started_at":            l.StartedAt.UTC().Format(time.RFC3339),
		"finished_at":           l.FinishedAt.UTC().Format(time.RFC3339),
	}
}

func proofPackJSON(p store.ProofPack) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"job_id":     p.JobID,
		"file_name":  p.FileName,
		"sha256":     p.SHA256,
		"size_bytes": p.SizeBytes,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func notificationJSON(n store.Notification) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"kind":       n.Kind,
		"title":      n.Title,
		"body":       n.Body,
		"read_at":    optionalTime(n.ReadAt),
		"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
	}
}

package reconcile

import (
	"strconv"
	"strings"
	"time"

	"riskmate/api/internal/store"
)

const (
	DefaultLookbackHours = 24
	MinLookbackHours     = 1
	MaxLookbackHours     = 168
)

const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerCLI       = "cli"
)

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

type DriftKind string

const (
	// DriftMissingSubscription: a completed checkout has no local subscription row.
	DriftMissingSubscription DriftKind = "missing_subscription"
	// DriftStatusMismatch: a local row disagrees with Stripe on one or more fields.
	DriftStatusMismatch DriftKind = "status_mismatch"
	// DriftMissingRemote: Stripe no longer knows the subscription.
	DriftMissingRemote DriftKind = "missing_remote"
)

// Error stages.
const (
	StageListSessions      = "list_sessions"
	StageLookupLocal       = "lookup_local"
	StageFetchSubscription = "fetch_subscription"
	StageAttribute         = "attribute"
	StageUpsert            = "upsert"
	StageScanLocal         = "scan_local"
	StageWriteLog          = "write_log"
	StageAlert             = "alert"
)

type FieldChange struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

type DriftItem struct {
	Kind                 DriftKind     `json:"kind"`
	OrganizationID       string        `json:"organization_id,omitempty"`
	StripeSubscriptionID string        `json:"stripe_subscription_id"`
	CheckoutSessionID    string        `json:"checkout_session_id,omitempty"`
	Changes              []FieldChange `json:"changes,omitempty"`
	// Applied is false when the drift was detected but could not be written.
	Applied bool `json:"applied"`
}

type ErrorItem struct {
	Stage     string `json:"stage"`
	Reference string `json:"reference,omitempty"`
	Message   string `json:"message"`
}

type Report struct {
	ID                   string      `json:"id,omitempty"`
	Trigger              string      `json:"trigger"`
	Status               string      `json:"status"`
	LookbackHours        int         `json:"lookback_hours"`
	Since                time.Time   `json:"since"`
	StartedAt            time.Time   `json:"started_at"`
	FinishedAt           time.Time   `json:"finished_at"`
	SessionsScanned      int         `json:"sessions_scanned"`
	SubscriptionsScanned int         `json:"subscriptions_scanned"`
	Created              int         `json:"created"`
	Updated              int         `json:"updated"`
	Drift                []DriftItem `json:"drift"`
	Errors               []ErrorItem `json:"errors"`
	AlertIDs             []string    `json:"alert_ids,omitempty"`
}

// ClampLookback bounds a window to 1..168 hours. Zero means the default.
func ClampLookback(hours int) int {
	if hours == 0 {
		return DefaultLookbackHours
	}
	if hours < MinLookbackHours {
		return MinLookbackHours
	}
	if hours > MaxLookbackHours {
		return MaxLookbackHours
	}
	return hours
}

// ParseLookback reads a lookback_hours value. Empty or non-numeric input
// yields the default; numbers are clamped.
func ParseLookback(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultLookbackHours
	}
	hours, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultLookbackHours
	}
	if hours <= 0 {
		return MinLookbackHours
	}
	return ClampLookback(hours)
}

// Diff lists the fields where remote differs from local. Timestamps compare at
// second precision since Stripe reports unix seconds.
func Diff(local, remote store.Subscription) []FieldChange {
	var changes []FieldChange
	add := func(field, l, r string) {
		if l != r {
			changes = append(changes, FieldChange{Field: field, Local: l, Remote: r})
		}
	}
	add("status", local.Status, remote.Status)
	add("plan_code", local.PlanCode, remote.PlanCode)
	add("current_period_start", formatTime(local.CurrentPeriodStart), formatTime(remote.CurrentPeriodStart))
	add("current_period_end", formatTime(local.CurrentPeriodEnd), formatTime(remote.CurrentPeriodEnd))
	add("cancel_at_period_end", strconv.FormatBool(local.CancelAtPeriodEnd), strconv.FormatBool(remote.CancelAtPeriodEnd))
	if remote.StripeCustomerID != "" {
		add("stripe_customer_id", local.StripeCustomerID, remote.StripeCustomerID)
	}
	return changes
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func severityFor(driftCount int) string {
	if driftCount > 10 {
		return "critical"
	}
	return "warning"
}

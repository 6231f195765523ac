// Package entitlements derives what an organization's plan allows a given user to do.
package entitlements

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanNone     Plan = "none"
	PlanStarter  Plan = "starter"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

const (
	FeatureRiskScoring = "risk_scoring"
	FeaturePDFReports  = "pdf_reports"
	FeatureProofPacks  = "proof_packs"
	FeatureTeamInvites = "team_invites"
	FeatureAuditSearch = "audit_search"
	FeatureAnalytics   = "analytics"
)

// Unlimited is the limit value for uncapped quotas.
const Unlimited = -1

type Limits struct {
	JobsPerMonth int `json:"jobs_per_month"`
	Seats        int `json:"seats"`
}

type Usage struct {
	JobsThisMonth int `json:"jobs_this_month"`
	Seats         int `json:"seats"`
}

// Subscription is the subset of subscription state entitlements depend on.
type Subscription struct {
	PlanCode          string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

type Entitlements struct {
	Plan              Plan       `json:"plan"`
	Status            string     `json:"status"`
	Active            bool       `json:"active"`
	Features          []string   `json:"features"`
	Limits            Limits     `json:"limits"`
	Usage             Usage      `json:"usage"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	Role              string     `json:"role"`
}

type planDef struct {
	features []string
	limits   Limits
}

var plans = map[Plan]planDef{
	PlanStarter: {
		features: []string{FeatureRiskScoring, FeaturePDFReports},
		limits:   Limits{JobsPerMonth: 10, Seats: 1},
	},
	PlanPro: {
		features: []string{FeatureRiskScoring, FeaturePDFReports, FeatureProofPacks, FeatureTeamInvites},
		limits:   Limits{JobsPerMonth: Unlimited, Seats: 5},
	},
	PlanBusiness: {
		features: []string{FeatureRiskScoring, FeaturePDFReports, FeatureProofPacks, FeatureTeamInvites, FeatureAuditSearch, FeatureAnalytics},
		limits:   Limits{JobsPerMonth: Unlimited, Seats: Unlimited},
	},
}

// ParsePlan maps a stored plan code to a known plan, or PlanNone.
func ParsePlan(code string) Plan {
	p := Plan(strings.ToLower(strings.TrimSpace(code)))
	if _, ok := plans[p]; ok {
		return p
	}
	return PlanNone
}

// IsActive reports whether a status grants plan features at now.
// past_due keeps access until the current period ends.
func IsActive(status string, periodEnd *time.Time, now time.Time) bool {
	switch status {
	case "active", "trialing":
		return true
	case "past_due":
		return periodEnd != nil && now.Before(*periodEnd)
	default:
		return false
	}
}

// Derive computes entitlements. A nil subscription means the org never subscribed.
func Derive(sub *Subscription, role string, usage Usage, now time.Time) Entitlements {
	out := Entitlements{
		Plan:     PlanNone,
		Status:   "none",
		Features: []string{},
		Limits:   Limits{JobsPerMonth: 0, Seats: 0},
		Usage:    usage,
		Role:     role,
	}
	if sub == nil {
		return out
	}

	out.Status = sub.Status
	out.PeriodEnd = sub.CurrentPeriodEnd
	out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd

	plan := ParsePlan(sub.PlanCode)
	if plan == PlanNone || !IsActive(sub.Status, sub.CurrentPeriodEnd, now) {
		return out
	}

	def := plans[plan]
	out.Plan = plan
	out.Active = true
	out.Features = append([]string(nil), def.features...)
	out.Limits = def.limits
	return out
}

func (e Entitlements) Has(feature string) bool {
	for _, f := range e.Features {
		if f == feature {
			return true
		}
	}
	return false
}

func (e Entitlements) CanCreateJob() bool {
	if !e.Active {
		return false
	}
	return within(e.Usage.JobsThisMonth, e.Limits.JobsPerMonth)
}

func (e Entitlements) CanAddSeat() bool {
	if !e.Active {
		return false
	}
	return within(e.Usage.Seats, e.Limits.Seats)
}

func within(used, limit int) bool {
	return limit == Unlimited || used < limit
}

// MonthStart returns the first instant of now's month in UTC, the window for job quotas.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

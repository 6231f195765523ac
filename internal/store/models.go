package store

import (
	"encoding/json"
	"time"
)

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID             string
	OrganizationID string
	Email          string
	FullName       string
	Role           string
	CreatedAt      time.Time
}

// Subscription is the local mirror of a Stripe subscription. One row per organization.
type Subscription struct {
	ID                   string
	OrganizationID       string
	StripeCustomerID     string
	StripeSubscriptionID string
	PlanCode             string
	Status               string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Job struct {
	ID             string
	OrganizationID string
	ClientName     string
	JobType        string
	Location       string
	Description    string
	Status         string
	RiskScore      *int
	RiskLevel      string
	StartDate      *time.Time
	EndDate        *time.Time
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Hazard struct {
	ID       string
	JobID    string
	Code     string
	Name     string
	Severity string
	Weight   int
}

type Mitigation struct {
	ID          string
	JobID       string
	HazardID    string
	Title       string
	Owner       string
	Done        bool
	CompletedAt *time.Time
	CompletedBy string
	CreatedAt   time.Time
}

type Signoff struct {
	ID          string
	JobID       string
	SignerName  string
	SignerRole  string
	SignoffType string
	Status      string
	Comments    string
	SignedAt    *time.Time
}

type Evidence struct {
	ID          string
	JobID       string
	FileName    string
	MimeType    string
	StoragePath string
	SHA256      string
	SizeBytes   int64
	Caption     string
	UploadedBy  string
	CreatedAt   time.Time
}

type AuditLog struct {
	ID             string
	OrganizationID string
	ActorID        string
	ActorEmail     string
	EventName      string
	Category       string
	TargetType     string
	TargetID       string
	JobID          string
	Summary        string
	Metadata       json.RawMessage
	CreatedAt      time.Time
}

type AuditFilter struct {
	OrganizationID string
	Category       string
	JobID          string
	Limit          int
	Offset         int
}

type ReconciliationLog struct {
	ID                   string
	RunType              string
	LookbackHours        int
	Status               string
	SessionsScanned      int
	SubscriptionsScanned int
	CreatedCount         int
	UpdatedCount         int
	MismatchCount        int
	ErrorCount           int
	Drift                json.RawMessage
	Errors               json.RawMessage
	StartedAt            time.Time
	FinishedAt           time.Time
}

// BillingAlert rows with an empty OrganizationID are platform-wide (unattributable drift).
type BillingAlert struct {
	ID             string
	OrganizationID string
	AlertType      string
	Severity       string
	Message        string
	Metadata       json.RawMessage
	Resolved       bool
	ResolvedAt     *time.Time
	ResolvedBy     string
	CreatedAt      time.Time
}

type Notification struct {
	ID             string
	OrganizationID string
	UserID         string
	Kind           string
	Title          string
	Body           string
	ReadAt         *time.Time
	CreatedAt      time.Time
}

type ProofPack struct {
	ID             string
	OrganizationID string
	JobID          string
	ObjectKey      string
	FileName       string
	SHA256         string
	SizeBytes      int64
	Manifest       json.RawMessage
	GeneratedBy    string
	CreatedAt      time.Time
}

// Package search finds audit events, via Meilisearch when available and
// Postgres full-text search otherwise.
package search

import (
	"context"
	"errors"
	"time"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// ErrOrganizationRequired guards against unscoped queries.
var ErrOrganizationRequired = errors.New("search requires an organization")

// Result is a single audit event hit.
type Result struct {
	ID         string    `json:"id"`
	EventName  string    `json:"event_name"`
	Category   string    `json:"category"`
	Summary    string    `json:"summary"`
	Snippet    string    `json:"snippet"`
	ActorEmail string    `json:"actor_email,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	TargetType string    `json:"target_type,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Query describes a search request.
type Query struct {
	OrganizationID string
	Text           string
	Category       string
	JobID          string
	Limit          int
	Offset         int
}

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a searcher that also accepts new events.
type Index interface {
	Searcher
	IndexEvents(ctx context.Context, events []EventRecord) error
}

// EventRecord is the data we index for an audit event.
type EventRecord struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Category       string `json:"category"`
	JobID          string `json:"jobId"`
	EventName      string `json:"eventName"`
	Summary        string `json:"summary"`
	ActorEmail     string `json:"actorEmail"`
	TargetType     string `json:"targetType"`
	TargetID       string `json:"targetId"`
	CreatedAt      int64  `json:"createdAt"`
}

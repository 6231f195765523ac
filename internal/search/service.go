package search

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"riskmate/api/internal/store"
)

const reindexBatch = 500

// RecordLoader reads audit events back out of Postgres for reindexing.
type RecordLoader interface {
	LoadRecords(ctx context.Context, afterID string, limit int) ([]EventRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher
	loader   RecordLoader
	logger   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger zerolog.Logger) *Service {
	s := &Service{fallback: pgfts, loader: pgfts, logger: logger.With().Str("component", "search").Logger()}
	if meili != nil {
		s.index = meili
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if q.OrganizationID == "" {
		return Response{}, ErrOrganizationRequired
	}
	q = q.normalized()

	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}, nil
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "postgres"}, nil
}

// IndexEvent pushes an audit event to Meilisearch without blocking the caller.
func (s *Service) IndexEvent(entry store.AuditLog) {
	if !s.indexReady() {
		return
	}
	record := RecordFromAudit(entry)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.index.IndexEvents(ctx, []EventRecord{record}); err != nil {
			s.logger.Warn().Err(err).Str("event_id", record.ID).Msg("index audit event")
		}
	}()
}

// Reindex copies every audit event from Postgres into Meilisearch in batches.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if !s.indexReady() || s.loader == nil {
		return 0, nil
	}
	var (
		after string
		count int
	)
	for {
		batch, err := s.loader.LoadRecords(ctx, after, reindexBatch)
		if err != nil {
			return count, err
		}
		if len(batch) == 0 {
			break
		}
		if err := s.index.IndexEvents(ctx, batch); err != nil {
			return count, err
		}
		count += len(batch)
		after = batch[len(batch)-1].ID
		if len(batch) < reindexBatch {
			break
		}
	}
	s.logger.Info().Int("events", count).Msg("audit index rebuilt")
	return count, nil
}

// RecordFromAudit maps an audit row to its index document.
func RecordFromAudit(entry store.AuditLog) EventRecord {
	return EventRecord{
		ID:             entry.ID,
		OrganizationID: entry.OrganizationID,
		Category:       entry.Category,
		JobID:          entry.JobID,
		EventName:      entry.EventName,
		Summary:        entry.Summary,
		ActorEmail:     entry.ActorEmail,
		TargetType:     entry.TargetType,
		TargetID:       entry.TargetID,
		CreatedAt:      entry.CreatedAt.Unix(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

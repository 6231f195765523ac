package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher over the audit_logs generated tsvector.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks matches with ts_rank and builds snippets with ts_headline.
// An empty query lists the newest events.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if q.OrganizationID == "" {
		return nil, 0, ErrOrganizationRequired
	}
	q = q.normalized()

	where := []string{"a.organization_id = $1"}
	args := []any{q.OrganizationID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Category != "" {
		where = append(where, "a.category = "+arg(q.Category))
	}
	if q.JobID != "" {
		where = append(where, "a.job_id::text = "+arg(q.JobID))
	}

	snippet := "a.summary"
	order := "a.created_at DESC"
	if text := strings.TrimSpace(q.Text); text != "" {
		tsQuery := "plainto_tsquery('english', " + arg(text) + ")"
		where = append(where, "a.fts @@ "+tsQuery)
		snippet = fmt.Sprintf("ts_headline('english', a.summary, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')", tsQuery)
		order = fmt.Sprintf("ts_rank(a.fts, %s) DESC, a.created_at DESC", tsQuery)
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM audit_logs a WHERE "+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT a.id, a.event_name, a.category, a.summary, %s AS snippet,
			a.actor_email, coalesce(a.job_id::text, ''), a.target_type, a.target_id, a.created_at
		FROM audit_logs a
		WHERE %s
		ORDER BY %s
		LIMIT %d OFFSET %d`, snippet, whereSQL, order, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.EventName, &r.Category, &r.Summary, &r.Snippet,
			&r.ActorEmail, &r.JobID, &r.TargetType, &r.TargetID, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadRecords returns audit events after afterID in id order, for reindexing.
func (p *PgFTS) LoadRecords(ctx context.Context, afterID string, limit int) ([]EventRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, organization_id, category, coalesce(job_id::text, ''), event_name, summary,
			actor_email, target_type, target_id, created_at
		FROM audit_logs
		WHERE id::text > $1
		ORDER BY id::text
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	defer rows.Close()

	records := make([]EventRecord, 0)
	for rows.Next() {
		var (
			r       EventRecord
			created time.Time
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Category, &r.JobID, &r.EventName, &r.Summary,
			&r.ActorEmail, &r.TargetType, &r.TargetID, &created); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.CreatedAt = created.Unix()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

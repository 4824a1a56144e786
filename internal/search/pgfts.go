package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks live blocks of one organisation with plainto_tsquery and
// ts_rank, using ts_headline over the payload for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.OrganisationID}
	where := "b.fts @@ " + tsQuery + " AND b.organisation_id = $2 AND b.archived = FALSE"
	argN := 3
	if q.ContextKey != "" {
		where += fmt.Sprintf(" AND b.context_key = $%d", argN)
		args = append(args, q.ContextKey)
		argN++
	}
	if q.TypeKey != "" {
		where += fmt.Sprintf(" AND b.type_key = $%d", argN)
		args = append(args, q.TypeKey)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM blocks b WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT b.id, b.name,
			ts_headline('english', coalesce(b.payload::text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			b.context_key, b.type_key
		FROM blocks b
		WHERE %s
		ORDER BY ts_rank(b.fts, %s) DESC, b.id
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &r.ContextKey, &r.TypeKey); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// ArchivedBlockIDs lists the archived blocks of one environment, which must
// be dropped from the external index.
func (p *PgFTS) ArchivedBlockIDs(ctx context.Context, organisationID, contextKey string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM blocks
		WHERE organisation_id = $1 AND context_key = $2 AND archived = TRUE
		ORDER BY id
	`, organisationID, contextKey)
	if err != nil {
		return nil, fmt.Errorf("load archived blocks: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archived block: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived blocks: %w", err)
	}
	return ids, nil
}

// LoadAllRecords returns every live block for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BlockRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, organisation_id, context_key, type_key, name, payload
		FROM blocks
		WHERE archived = FALSE
		ORDER BY organisation_id, context_key, position
	`)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()

	records := make([]BlockRecord, 0)
	for rows.Next() {
		var r BlockRecord
		var payload []byte
		if err := rows.Scan(&r.ID, &r.OrganisationID, &r.ContextKey, &r.TypeKey, &r.Name, &payload); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		r.Text = rawPayloadText(payload)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return records, nil
}

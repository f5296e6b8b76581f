package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements search using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over the latest summaries and published traces
// using plainto_tsquery with ts_rank ordering and ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSummary {
		where := fmt.Sprintf("to_tsvector('english', sm.title || ' ' || sm.overview) @@ %s", tsQuery)
		if q.FilterTopicID != "" {
			where += fmt.Sprintf(" AND d.topic_id = $%d", argN)
			args = append(args, q.FilterTopicID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'summary'::text AS type, sm.id, sm.title,
				ts_headline('english', coalesce(sm.overview, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				sm.document_id, d.topic_id,
				ts_rank(to_tsvector('english', sm.title || ' ' || sm.overview), %s) AS rank
			FROM summaries sm
			JOIN documents d ON d.id = sm.document_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultTrace {
		where := fmt.Sprintf("t.status <> 'draft' AND to_tsvector('english', t.body) @@ %s", tsQuery)
		if q.FilterTopicID != "" {
			where += fmt.Sprintf(" AND t.topic_id = $%d", argN)
			args = append(args, q.FilterTopicID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'trace'::text AS type, t.id, ''::text AS title,
				ts_headline('english', t.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS document_id, t.topic_id,
				ts_rank(to_tsvector('english', t.body), %s) AS rank
			FROM traces t
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, title, snippet, document_id, topic_id
		FROM (%s) hits
		ORDER BY rank DESC
		LIMIT %d OFFSET %d
	`, strings.Join(subQueries, " UNION ALL "), limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.TopicID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(rtyp)
		results = append(results, r)
	}
	return results, len(results), rows.Err()
}

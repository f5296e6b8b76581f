package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when an optimistic-concurrency edit loses
// the race: the stored version no longer matches the caller's expectation.
var ErrVersionConflict = errors.New("version conflict")

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE display_name=$1`, name).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		user.Role, err = s.getRole(ctx, user.ID)
		return user, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name) VALUES ($1)
		RETURNING id, display_name, created_at
	`, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, role) VALUES ($1, 'member')
		ON CONFLICT (user_id) DO NOTHING
	`, user.ID); err != nil {
		return User{}, fmt.Errorf("upsert membership: %w", err)
	}
	user.Role = "member"
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	user.Role, err = s.getRole(ctx, user.ID)
	return user, err
}

func (s *PostgresStore) getRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM memberships WHERE user_id=$1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "member", nil
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) SetRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role=EXCLUDED.role
	`, userID, role)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

// --- topics ---

func (s *PostgresStore) InsertTopic(ctx context.Context, topic Topic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (id, title, discipline, created_by) VALUES ($1, $2, $3, $4)
	`, topic.ID, topic.Title, topic.Discipline, topic.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert topic: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTopic(ctx context.Context, topicID string) (Topic, error) {
	var t Topic
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, discipline, created_by, created_at FROM topics WHERE id=$1
	`, topicID).Scan(&t.ID, &t.Title, &t.Discipline, &t.CreatedBy, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrNotFound
	}
	if err != nil {
		return Topic{}, fmt.Errorf("get topic: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTopics(ctx context.Context) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, discipline, created_by, created_at FROM topics ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Title, &t.Discipline, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// --- documents & stage slots ---

const documentColumns = `id, topic_id, author_id, parent_id, content_key, extracted_text,
	extract_status, summarize_status, evaluate_status, stage_error_stage, stage_error_msg,
	created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.TopicID, &d.AuthorID, &d.ParentID, &d.ContentKey, &d.ExtractedText,
		&d.ExtractStatus, &d.SummarizeStatus, &d.EvaluateStatus, &d.StageErrorStage, &d.StageErrorMsg,
		&d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, topic_id, author_id, parent_id, content_key)
		VALUES ($1, $2, $3, $4, $5)
	`, doc.ID, doc.TopicID, doc.AuthorID, doc.ParentID, doc.ContentKey)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListTopicDocuments(ctx context.Context, topicID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE topic_id=$1 ORDER BY created_at`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list topic documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) SetExtractedText(ctx context.Context, documentID, text string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET extracted_text=$2, updated_at=NOW() WHERE id=$1
	`, documentID, text)
	if err != nil {
		return fmt.Errorf("set extracted text: %w", err)
	}
	return nil
}

// MarkStageCompleted flips the named slot to completed. The WHERE clause
// carries the prerequisite check so an out-of-order handler cannot complete
// its slot from a stale read: extract has no prerequisite, summarize
// requires extract completed, evaluate requires summarize completed.
// Returns false when the guard rejected the update.
func (s *PostgresStore) MarkStageCompleted(ctx context.Context, documentID, stage string) (bool, error) {
	var query string
	switch stage {
	case StageExtract:
		query = `UPDATE documents SET extract_status='completed', stage_error_stage='', stage_error_msg='', updated_at=NOW()
			WHERE id=$1`
	case StageSummarize:
		query = `UPDATE documents SET summarize_status='completed', stage_error_stage='', stage_error_msg='', updated_at=NOW()
			WHERE id=$1 AND extract_status='completed'`
	case StageEvaluate:
		query = `UPDATE documents SET evaluate_status='completed', stage_error_stage='', stage_error_msg='', updated_at=NOW()
			WHERE id=$1 AND summarize_status='completed'`
	default:
		return false, fmt.Errorf("unknown stage %q", stage)
	}
	res, err := s.db.ExecContext(ctx, query, documentID)
	if err != nil {
		return false, fmt.Errorf("complete stage %s: %w", stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete stage %s: %w", stage, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkStageFailed(ctx context.Context, documentID, stage, message string) error {
	var column string
	switch stage {
	case StageExtract:
		column = "extract_status"
	case StageSummarize:
		column = "summarize_status"
	case StageEvaluate:
		column = "evaluate_status"
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET `+column+`='failed', stage_error_stage=$2, stage_error_msg=$3, updated_at=NOW()
		WHERE id=$1
	`, documentID, stage, message)
	if err != nil {
		return fmt.Errorf("fail stage %s: %w", stage, err)
	}
	return nil
}

func (s *PostgresStore) CountEvaluatedDocuments(ctx context.Context, topicID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents WHERE topic_id=$1 AND evaluate_status='completed'
	`, topicID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count evaluated documents: %w", err)
	}
	return count, nil
}

// --- summaries & evaluations ---

func (s *PostgresStore) InsertSummary(ctx context.Context, summary Summary) error {
	claims, err := json.Marshal(summary.Claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	keywords, err := json.Marshal(summary.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, document_id, title, overview, claims, keywords)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, summary.ID, summary.DocumentID, summary.Title, summary.Overview, claims, keywords)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

func scanSummary(row interface{ Scan(...any) error }) (Summary, error) {
	var sum Summary
	var claims, keywords []byte
	if err := row.Scan(&sum.ID, &sum.DocumentID, &sum.Title, &sum.Overview, &claims, &keywords, &sum.CreatedAt); err != nil {
		return Summary{}, err
	}
	// Stored shape is validated on read rather than trusted.
	if err := json.Unmarshal(claims, &sum.Claims); err != nil {
		return Summary{}, fmt.Errorf("decode claims for summary %s: %w", sum.ID, err)
	}
	if err := json.Unmarshal(keywords, &sum.Keywords); err != nil {
		return Summary{}, fmt.Errorf("decode keywords for summary %s: %w", sum.ID, err)
	}
	return sum, nil
}

func (s *PostgresStore) LatestSummaryByDocument(ctx context.Context, documentID string) (Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, title, overview, claims, keywords, created_at
		FROM summaries WHERE document_id=$1 ORDER BY created_at DESC LIMIT 1
	`, documentID)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("latest summary: %w", err)
	}
	return sum, nil
}

// LatestSummariesForTopic returns the most recent summary row per document
// in the topic, for documents whose summarize slot is completed.
func (s *PostgresStore) LatestSummariesForTopic(ctx context.Context, topicID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (sm.document_id)
			sm.id, sm.document_id, sm.title, sm.overview, sm.claims, sm.keywords, sm.created_at
		FROM summaries sm
		JOIN documents d ON d.id = sm.document_id
		WHERE d.topic_id=$1 AND d.summarize_status='completed'
		ORDER BY sm.document_id, sm.created_at DESC
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("latest topic summaries: %w", err)
	}
	defer rows.Close()

	var sums []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

func (s *PostgresStore) InsertEvaluation(ctx context.Context, eval Evaluation) error {
	scores, err := json.Marshal(eval.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, document_id, scores, verdict) VALUES ($1, $2, $3, $4)
	`, eval.ID, eval.DocumentID, scores, eval.Verdict)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestEvaluationByDocument(ctx context.Context, documentID string) (Evaluation, error) {
	var eval Evaluation
	var scores []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, scores, verdict, created_at
		FROM evaluations WHERE document_id=$1 ORDER BY created_at DESC LIMIT 1
	`, documentID).Scan(&eval.ID, &eval.DocumentID, &scores, &eval.Verdict, &eval.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Evaluation{}, ErrNotFound
	}
	if err != nil {
		return Evaluation{}, fmt.Errorf("latest evaluation: %w", err)
	}
	if err := json.Unmarshal(scores, &eval.Scores); err != nil {
		return Evaluation{}, fmt.Errorf("decode scores for evaluation %s: %w", eval.ID, err)
	}
	return eval, nil
}

// --- traces & citations ---

const traceColumns = `id, topic_id, editor_id, body, status, version, content_hash, citations,
	published_at, approved_at, created_at, updated_at`

func scanTrace(row interface{ Scan(...any) error }) (Trace, error) {
	var t Trace
	err := row.Scan(&t.ID, &t.TopicID, &t.EditorID, &t.Body, &t.Status, &t.Version, &t.ContentHash,
		&t.CitationsJSON, &t.PublishedAt, &t.ApprovedAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *PostgresStore) InsertTrace(ctx context.Context, trace Trace, citations []Citation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert trace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snapshot, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("marshal citation snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO traces (id, topic_id, editor_id, body, status, version, content_hash, citations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, trace.ID, trace.TopicID, trace.EditorID, trace.Body, trace.Status, trace.Version, trace.ContentHash, snapshot); err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	if err := insertCitationsTx(ctx, tx, trace.ID, citations); err != nil {
		return err
	}
	return tx.Commit()
}

func insertCitationsTx(ctx context.Context, tx *sql.Tx, traceID string, citations []Citation) error {
	for _, c := range citations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO citations (id, trace_id, ord, url, title, quote, author, publisher, year)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, c.ID, traceID, c.Order, c.URL, c.Title, c.Quote, c.Author, c.Publisher, c.Year); err != nil {
			return fmt.Errorf("insert citation %s: %w", c.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetTrace(ctx context.Context, traceID string) (Trace, error) {
	t, err := scanTrace(s.db.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE id=$1`, traceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Trace{}, ErrNotFound
	}
	if err != nil {
		return Trace{}, fmt.Errorf("get trace: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTraceCitations(ctx context.Context, traceID string) ([]Citation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, ord, url, title, quote, author, publisher, year
		FROM citations WHERE trace_id=$1 ORDER BY ord
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	defer rows.Close()

	var citations []Citation
	for rows.Next() {
		var c Citation
		if err := rows.Scan(&c.ID, &c.TraceID, &c.Order, &c.URL, &c.Title, &c.Quote, &c.Author, &c.Publisher, &c.Year); err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		citations = append(citations, c)
	}
	return citations, rows.Err()
}

func (s *PostgresStore) ListTopicTraces(ctx context.Context, topicID string) ([]Trace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE topic_id=$1 ORDER BY created_at DESC`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list topic traces: %w", err)
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// TransitionTrace serializes concurrent transitions on the same trace with a
// row lock, then lets the caller's decide func compute the next state from
// the locked row. The returned trace reflects the persisted result.
func (s *PostgresStore) TransitionTrace(ctx context.Context, traceID string, decide func(Trace) (Trace, error)) (Trace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Trace{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanTrace(tx.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE id=$1 FOR UPDATE`, traceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Trace{}, ErrNotFound
	}
	if err != nil {
		return Trace{}, fmt.Errorf("lock trace: %w", err)
	}

	next, err := decide(current)
	if err != nil {
		return Trace{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE traces SET status=$2, published_at=$3, approved_at=$4, updated_at=NOW() WHERE id=$1
	`, traceID, next.Status, next.PublishedAt, next.ApprovedAt); err != nil {
		return Trace{}, fmt.Errorf("persist transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Trace{}, fmt.Errorf("commit transition: %w", err)
	}
	return next, nil
}

// SaveTraceEdit applies a full edit (body + replacement citation list) under
// optimistic concurrency. The version guard lives in the UPDATE's WHERE
// clause; losing the race yields ErrVersionConflict.
func (s *PostgresStore) SaveTraceEdit(ctx context.Context, traceID string, expectedVersion int, body, contentHash string, citations []Citation) (Trace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Trace{}, fmt.Errorf("begin edit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snapshot, err := json.Marshal(citations)
	if err != nil {
		return Trace{}, fmt.Errorf("marshal citation snapshot: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE traces SET body=$3, content_hash=$4, citations=$5, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, traceID, expectedVersion, body, contentHash, snapshot)
	if err != nil {
		return Trace{}, fmt.Errorf("update trace: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Trace{}, fmt.Errorf("update trace: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM traces WHERE id=$1)`, traceID).Scan(&exists); err != nil {
			return Trace{}, fmt.Errorf("check trace: %w", err)
		}
		if !exists {
			return Trace{}, ErrNotFound
		}
		return Trace{}, ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM citations WHERE trace_id=$1`, traceID); err != nil {
		return Trace{}, fmt.Errorf("clear citations: %w", err)
	}
	if err := insertCitationsTx(ctx, tx, traceID, citations); err != nil {
		return Trace{}, err
	}

	updated, err := scanTrace(tx.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE id=$1`, traceID))
	if err != nil {
		return Trace{}, fmt.Errorf("reload trace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Trace{}, fmt.Errorf("commit edit: %w", err)
	}
	return updated, nil
}

// --- trace analyses ---

func (s *PostgresStore) UpsertTraceAnalysis(ctx context.Context, traceID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_analyses (trace_id, payload) VALUES ($1, $2)
		ON CONFLICT (trace_id) DO UPDATE SET payload=EXCLUDED.payload, updated_at=NOW()
	`, traceID, payload)
	if err != nil {
		return fmt.Errorf("upsert trace analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTraceAnalysis(ctx context.Context, traceID string) (TraceAnalysis, error) {
	var a TraceAnalysis
	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, payload, created_at, updated_at FROM trace_analyses WHERE trace_id=$1
	`, traceID).Scan(&a.TraceID, &a.Payload, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TraceAnalysis{}, ErrNotFound
	}
	if err != nil {
		return TraceAnalysis{}, fmt.Errorf("get trace analysis: %w", err)
	}
	return a, nil
}

// --- consensus ---

func (s *PostgresStore) UpsertPairConsensus(ctx context.Context, pc UserPairConsensus) error {
	consensus, err := json.Marshal(pc.ConsensusPoints)
	if err != nil {
		return fmt.Errorf("marshal consensus points: %w", err)
	}
	disagreement, err := json.Marshal(pc.DisagreementPoints)
	if err != nil {
		return fmt.Errorf("marshal disagreement points: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_pair_consensus
			(topic_id, user_a, user_b, consensus_points, disagreement_points, consensus_score, divergence_score, last_analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (topic_id, user_a, user_b) DO UPDATE SET
			consensus_points=EXCLUDED.consensus_points,
			disagreement_points=EXCLUDED.disagreement_points,
			consensus_score=EXCLUDED.consensus_score,
			divergence_score=EXCLUDED.divergence_score,
			last_analyzed_at=NOW()
	`, pc.TopicID, pc.UserA, pc.UserB, consensus, disagreement, pc.ConsensusScore, pc.DivergenceScore)
	if err != nil {
		return fmt.Errorf("upsert pair consensus: %w", err)
	}
	return nil
}

func scanPairConsensus(row interface{ Scan(...any) error }) (UserPairConsensus, error) {
	var pc UserPairConsensus
	var consensus, disagreement []byte
	if err := row.Scan(&pc.TopicID, &pc.UserA, &pc.UserB, &consensus, &disagreement,
		&pc.ConsensusScore, &pc.DivergenceScore, &pc.LastAnalyzedAt); err != nil {
		return UserPairConsensus{}, err
	}
	if err := json.Unmarshal(consensus, &pc.ConsensusPoints); err != nil {
		return UserPairConsensus{}, fmt.Errorf("decode consensus points: %w", err)
	}
	if err := json.Unmarshal(disagreement, &pc.DisagreementPoints); err != nil {
		return UserPairConsensus{}, fmt.Errorf("decode disagreement points: %w", err)
	}
	return pc, nil
}

const pairConsensusColumns = `topic_id, user_a, user_b, consensus_points, disagreement_points,
	consensus_score, divergence_score, last_analyzed_at`

func (s *PostgresStore) GetPairConsensus(ctx context.Context, topicID, userA, userB string) (UserPairConsensus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pairConsensusColumns+` FROM user_pair_consensus
		WHERE topic_id=$1 AND user_a=$2 AND user_b=$3
	`, topicID, userA, userB)
	pc, err := scanPairConsensus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserPairConsensus{}, ErrNotFound
	}
	if err != nil {
		return UserPairConsensus{}, fmt.Errorf("get pair consensus: %w", err)
	}
	return pc, nil
}

func (s *PostgresStore) ListPairConsensus(ctx context.Context, topicID string) ([]UserPairConsensus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pairConsensusColumns+` FROM user_pair_consensus WHERE topic_id=$1 ORDER BY user_a, user_b
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list pair consensus: %w", err)
	}
	defer rows.Close()

	var pairs []UserPairConsensus
	for rows.Next() {
		pc, err := scanPairConsensus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pair consensus: %w", err)
		}
		pairs = append(pairs, pc)
	}
	return pairs, rows.Err()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap ConsensusSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consensus_snapshots (topic_id, consensus_score, divergence_score, trend, key_points, input_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snap.TopicID, snap.ConsensusScore, snap.DivergenceScore, snap.Trend, snap.KeyPoints, snap.InputHash)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `id, topic_id, consensus_score, divergence_score, trend, key_points, input_hash, created_at`

func scanSnapshot(row interface{ Scan(...any) error }) (ConsensusSnapshot, error) {
	var snap ConsensusSnapshot
	err := row.Scan(&snap.ID, &snap.TopicID, &snap.ConsensusScore, &snap.DivergenceScore,
		&snap.Trend, &snap.KeyPoints, &snap.InputHash, &snap.CreatedAt)
	return snap, err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, topicID string) (ConsensusSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM consensus_snapshots WHERE topic_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1
	`, topicID))
	if errors.Is(err, sql.ErrNoRows) {
		return ConsensusSnapshot{}, ErrNotFound
	}
	if err != nil {
		return ConsensusSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, topicID string, limit int) ([]ConsensusSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM consensus_snapshots WHERE topic_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []ConsensusSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

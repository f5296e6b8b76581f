// Package pipeline runs the per-document analysis stages. Each document
// moves through extract, summarize and evaluate in dependency order; the
// stage tracker on the document row keeps the slots consistent under retry
// and out-of-order delivery.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"agora/api/internal/ai"
	"agora/api/internal/consensus"
	"agora/api/internal/queue"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/util"
)

const (
	JobExtract   = "document.extract"
	JobSummarize = "document.summarize"
	JobEvaluate  = "document.evaluate"
)

// DocumentJob is the payload carried by the three stage jobs.
type DocumentJob struct {
	DocumentID string `json:"documentId"`
}

type dataStore interface {
	GetDocument(context.Context, string) (store.Document, error)
	GetTopic(context.Context, string) (store.Topic, error)
	SetExtractedText(context.Context, string, string) error
	MarkStageCompleted(context.Context, string, string) (bool, error)
	MarkStageFailed(context.Context, string, string, string) error
	InsertSummary(context.Context, store.Summary) error
	InsertEvaluation(context.Context, store.Evaluation) error
	CountEvaluatedDocuments(context.Context, string) (int, error)
}

type blobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

type summaryIndexer interface {
	IndexSummary(rec search.SummaryRecord) error
}

type Service struct {
	store  dataStore
	blobs  blobStore
	queue  enqueuer
	ai     ai.Client
	search summaryIndexer
	logger *slog.Logger
}

func New(dataStore dataStore, blobs blobStore, q enqueuer, aiClient ai.Client, indexer summaryIndexer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  dataStore,
		blobs:  blobs,
		queue:  q,
		ai:     aiClient,
		search: indexer,
		logger: logger,
	}
}

// RegisterHandlers binds the stage handlers to their job names.
func (s *Service) RegisterHandlers(w *queue.Worker) {
	w.Register(JobExtract, s.handleJob(s.Extract))
	w.Register(JobSummarize, s.handleJob(s.Summarize))
	w.Register(JobEvaluate, s.handleJob(s.Evaluate))
}

func (s *Service) handleJob(stage func(context.Context, string) error) queue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var job DocumentJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decode stage payload: %w", err)
		}
		return stage(ctx, job.DocumentID)
	}
}

// Extract fetches the raw upload from blob storage and stores its text on
// the document, then hands off to the summarize stage.
func (s *Service) Extract(ctx context.Context, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", documentID, err)
	}
	if err := s.beginStage(ctx, doc, store.StageExtract); err != nil {
		if errors.Is(err, errStageAlreadyCompleted) {
			return nil
		}
		return err
	}

	raw, err := s.blobs.Get(ctx, doc.ContentKey)
	if err != nil {
		return s.failStage(ctx, doc.ID, store.StageExtract, fmt.Sprintf("fetch content: %v", err))
	}
	text := extractText(raw)
	if strings.TrimSpace(text) == "" {
		return s.failStage(ctx, doc.ID, store.StageExtract, "no extractable text in upload")
	}
	if err := s.store.SetExtractedText(ctx, doc.ID, text); err != nil {
		return fmt.Errorf("store extracted text for %s: %w", doc.ID, err)
	}
	if err := s.completeStage(ctx, doc.ID, store.StageExtract); err != nil {
		return err
	}

	if _, err := s.queue.Enqueue(ctx, JobSummarize, DocumentJob{DocumentID: doc.ID}); err != nil {
		return fmt.Errorf("enqueue summarize for %s: %w", doc.ID, err)
	}
	s.logger.Info("stage completed", "document", doc.ID, "stage", store.StageExtract)
	return nil
}

type summaryResponse struct {
	Title    string   `json:"title"`
	Overview string   `json:"overview"`
	Claims   []string `json:"claims"`
	Keywords []string `json:"keywords"`
}

// Summarize asks the model for the structured summary and appends a new
// summary row. Re-runs append; the most recent row is authoritative.
func (s *Service) Summarize(ctx context.Context, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", documentID, err)
	}
	if err := s.beginStage(ctx, doc, store.StageSummarize); err != nil {
		if errors.Is(err, errStageAlreadyCompleted) {
			return nil
		}
		return err
	}

	text, err := s.ai.Complete(ctx, ai.SummarizePrompt(doc.ExtractedText), ai.CompleteOptions{MaxTokens: 1200})
	if err != nil {
		// Recorded on the slot so the failure stays visible; the returned
		// error still drives the queue's retry, and beginStage allows a
		// failed slot to re-run.
		return s.failStage(ctx, doc.ID, store.StageSummarize, fmt.Sprintf("model call: %v", err))
	}
	var parsed summaryResponse
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err != nil {
		return s.failStage(ctx, doc.ID, store.StageSummarize, fmt.Sprintf("malformed model response: %v", err))
	}

	claims := make([]store.Claim, 0, len(parsed.Claims))
	for _, c := range parsed.Claims {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		claims = append(claims, store.Claim{Text: c, Author: doc.AuthorID, DocumentID: doc.ID})
	}

	summary := store.Summary{
		ID:         util.NewID("sum"),
		DocumentID: doc.ID,
		Title:      strings.TrimSpace(parsed.Title),
		Overview:   strings.TrimSpace(parsed.Overview),
		Claims:     claims,
		Keywords:   parsed.Keywords,
	}
	if err := s.store.InsertSummary(ctx, summary); err != nil {
		return fmt.Errorf("insert summary for %s: %w", doc.ID, err)
	}
	if err := s.completeStage(ctx, doc.ID, store.StageSummarize); err != nil {
		return err
	}

	if s.search != nil {
		if err := s.search.IndexSummary(search.SummaryRecord{
			ID:         summary.ID,
			DocumentID: doc.ID,
			TopicID:    doc.TopicID,
			Title:      summary.Title,
			Overview:   summary.Overview,
			Keywords:   summary.Keywords,
		}); err != nil {
			// Indexing is best effort; the summary row is the source of truth.
			s.logger.Warn("summary indexing failed", "document", doc.ID, "error", err)
		}
	}

	if _, err := s.queue.Enqueue(ctx, JobEvaluate, DocumentJob{DocumentID: doc.ID}); err != nil {
		return fmt.Errorf("enqueue evaluate for %s: %w", doc.ID, err)
	}
	s.logger.Info("stage completed", "document", doc.ID, "stage", store.StageSummarize)
	return nil
}

type evaluationResponse struct {
	Scores  map[string]float64 `json:"scores"`
	Verdict string             `json:"verdict"`
}

// Evaluate scores the document on its topic's discipline dimensions. Once
// at least two documents in the topic are fully evaluated, it enqueues
// consensus aggregation for the topic.
func (s *Service) Evaluate(ctx context.Context, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", documentID, err)
	}
	if err := s.beginStage(ctx, doc, store.StageEvaluate); err != nil {
		if errors.Is(err, errStageAlreadyCompleted) {
			return nil
		}
		return err
	}

	topic, err := s.store.GetTopic(ctx, doc.TopicID)
	if err != nil {
		return fmt.Errorf("load topic %s: %w", doc.TopicID, err)
	}
	dimensions := DimensionsFor(topic.Discipline)

	text, err := s.ai.Complete(ctx, ai.EvaluatePrompt(doc.ExtractedText, dimensions), ai.CompleteOptions{MaxTokens: 600})
	if err != nil {
		return s.failStage(ctx, doc.ID, store.StageEvaluate, fmt.Sprintf("model call: %v", err))
	}
	var parsed evaluationResponse
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err != nil {
		return s.failStage(ctx, doc.ID, store.StageEvaluate, fmt.Sprintf("malformed model response: %v", err))
	}

	scores := make(map[string]float64, len(dimensions))
	for _, dim := range dimensions {
		scores[dim] = clampScore(parsed.Scores[dim])
	}
	eval := store.Evaluation{
		ID:         util.NewID("eval"),
		DocumentID: doc.ID,
		Scores:     scores,
		Verdict:    strings.TrimSpace(parsed.Verdict),
	}
	if err := s.store.InsertEvaluation(ctx, eval); err != nil {
		return fmt.Errorf("insert evaluation for %s: %w", doc.ID, err)
	}
	if err := s.completeStage(ctx, doc.ID, store.StageEvaluate); err != nil {
		return err
	}
	s.logger.Info("stage completed", "document", doc.ID, "stage", store.StageEvaluate)

	evaluated, err := s.store.CountEvaluatedDocuments(ctx, doc.TopicID)
	if err != nil {
		return fmt.Errorf("count evaluated in %s: %w", doc.TopicID, err)
	}
	if evaluated >= 2 {
		if _, err := s.queue.Enqueue(ctx, consensus.JobAggregate, consensus.TopicJob{TopicID: doc.TopicID}); err != nil {
			return fmt.Errorf("enqueue aggregation for %s: %w", doc.TopicID, err)
		}
	}
	return nil
}

// DimensionsFor maps a topic discipline to its evaluation dimensions.
func DimensionsFor(discipline string) []string {
	switch discipline {
	case "science":
		return []string{"structure", "logic", "evidence", "methodology", "citation"}
	case "law":
		return []string{"structure", "logic", "precedent", "evidence", "citation"}
	default:
		return []string{"structure", "logic", "viewpoint", "evidence", "citation"}
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// extractText interprets an upload as UTF-8 text, dropping invalid bytes
// and normalizing line endings. Richer format parsing is out of scope.
func extractText(raw []byte) string {
	text := strings.ToValidUTF8(string(raw), "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if !utf8.ValidString(text) {
		return ""
	}
	return strings.TrimSpace(text)
}

// extractJSONObject pulls the first JSON object out of a model response that
// may be fenced or wrapped in prose.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}

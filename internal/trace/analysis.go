package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agora/api/internal/ai"
	"agora/api/internal/analysiscache"
	"agora/api/internal/queue"
	"agora/api/internal/store"
)

// analysisEnvelope wraps a stored analysis with the content hash it was
// computed for. The hash is the staleness check: an analysis whose hash no
// longer matches the trace content is never served as current.
type analysisEnvelope struct {
	ContentHash string          `json:"contentHash"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Result      json.RawMessage `json:"result"`
}

// AnalysisResult is what the read path returns. Stale means a prior analysis
// exists but the trace has been edited since; Analyzing means a recompute has
// been queued.
type AnalysisResult struct {
	Result      json.RawMessage `json:"result,omitempty"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Found       bool            `json:"found"`
	Stale       bool            `json:"stale"`
	Analyzing   bool            `json:"analyzing"`
}

// RegisterHandlers binds the analysis job.
func (s *Service) RegisterHandlers(w *queue.Worker) {
	w.Register(JobAnalyze, s.handleAnalyze)
}

func (s *Service) handleAnalyze(ctx context.Context, payload json.RawMessage) error {
	var job AnalyzeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode analyze payload: %w", err)
	}
	return s.Analyze(ctx, job.TraceID)
}

// Analyze runs the reasoning review for a trace. The trace is moved into
// analyzing for the duration and returned to published afterwards, whatever
// the outcome, so a failed model call never wedges the lifecycle.
func (s *Service) Analyze(ctx context.Context, traceID string) error {
	trace, err := s.store.TransitionTrace(ctx, traceID, func(current store.Trace) (store.Trace, error) {
		if Status(current.Status) != StatusPublished {
			// Draft, approved, or already analyzing elsewhere.
			return store.Trace{}, &TransitionError{From: Status(current.Status), To: StatusAnalyzing}
		}
		current.Status = string(StatusAnalyzing)
		return current, nil
	})
	var te *TransitionError
	if errors.As(err, &te) {
		s.logger.Info("skipping analysis, trace not published", "trace", traceID, "status", te.From)
		return nil
	}
	if err != nil {
		return err
	}

	analyzeErr := s.runAnalysis(ctx, trace)

	if _, err := s.store.TransitionTrace(ctx, traceID, func(current store.Trace) (store.Trace, error) {
		if Status(current.Status) != StatusAnalyzing {
			return current, nil
		}
		current.Status = string(StatusPublished)
		return current, nil
	}); err != nil {
		s.logger.Error("failed to release trace after analysis", "trace", traceID, "error", err)
	}
	return analyzeErr
}

func (s *Service) runAnalysis(ctx context.Context, trace store.Trace) error {
	citations, err := s.store.ListTraceCitations(ctx, trace.ID)
	if err != nil {
		return err
	}
	citations = SortByOrder(citations)

	hash, err := s.hash(trace.Body, citations)
	if err != nil {
		return err
	}

	// A hit under the current content hash means an identical trace (here or
	// elsewhere) was already analyzed; reuse it without calling the model.
	if cached, err := s.cache.Get(ctx, hash); err == nil {
		var envelope analysisEnvelope
		if json.Unmarshal(cached, &envelope) == nil && envelope.ContentHash == hash {
			return s.store.UpsertTraceAnalysis(ctx, trace.ID, cached)
		}
		if err := s.cache.Delete(ctx, hash); err != nil {
			s.logger.Warn("failed to evict corrupt analysis entry", "hash", hash, "error", err)
		}
	} else if !errors.Is(err, analysiscache.ErrMiss) {
		s.logger.Warn("analysis cache read failed", "trace", trace.ID, "error", err)
	}

	refs := make([]string, len(citations))
	for i, c := range citations {
		refs[i] = formatCitation(c)
	}
	text, err := s.ai.Complete(ctx, ai.AnalyzeTracePrompt(trace.Body, refs), ai.CompleteOptions{
		System:      "You are a rigorous reviewer of argument structure.",
		MaxTokens:   1200,
		Temperature: 0.2,
	})
	if err != nil {
		return fmt.Errorf("analyze %s: %w", trace.ID, err)
	}
	result := json.RawMessage(extractJSONObject(text))
	if !json.Valid(result) {
		return fmt.Errorf("analyze %s: malformed model response", trace.ID)
	}

	payload, err := json.Marshal(analysisEnvelope{
		ContentHash: hash,
		GeneratedAt: s.now().UTC(),
		Result:      result,
	})
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	if err := s.store.UpsertTraceAnalysis(ctx, trace.ID, payload); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, hash, payload, s.opts.CacheTTL); err != nil {
		s.logger.Warn("analysis cache write failed", "trace", trace.ID, "error", err)
	}
	return nil
}

// GetAnalysis serves the stored analysis for a trace. Before anything cached
// or stored is returned, the content hash is recomputed from the live body
// and citations and compared against the hash the analysis was generated for.
// A mismatch is reported as stale and a recompute is queued.
func (s *Service) GetAnalysis(ctx context.Context, traceID string) (AnalysisResult, error) {
	trace, err := s.store.GetTrace(ctx, traceID)
	if err != nil {
		return AnalysisResult{}, err
	}
	citations, err := s.store.ListTraceCitations(ctx, traceID)
	if err != nil {
		return AnalysisResult{}, err
	}
	hash, err := s.hash(trace.Body, SortByOrder(citations))
	if err != nil {
		return AnalysisResult{}, err
	}

	envelope, err := s.loadEnvelope(ctx, traceID, hash)
	if err != nil && !errors.Is(err, analysiscache.ErrMiss) {
		return AnalysisResult{}, err
	}

	if err == nil && envelope.ContentHash == hash {
		return AnalysisResult{Result: envelope.Result, GeneratedAt: envelope.GeneratedAt, Found: true}, nil
	}

	result := AnalysisResult{}
	if err == nil {
		// An analysis exists but describes an earlier version of the content.
		result.Result = envelope.Result
		result.GeneratedAt = envelope.GeneratedAt
		result.Found = true
		result.Stale = true
	}
	if Status(trace.Status) == StatusPublished || Status(trace.Status) == StatusAnalyzing {
		if _, err := s.queue.Enqueue(ctx, JobAnalyze, AnalyzeJob{TraceID: traceID, ContentHash: hash}); err != nil {
			s.logger.Warn("analysis enqueue failed", "trace", traceID, "error", err)
		} else {
			result.Analyzing = true
		}
	}
	return result, nil
}

// loadEnvelope checks the cache under the current hash first, then falls back
// to the database row, repopulating the cache on a database hit.
func (s *Service) loadEnvelope(ctx context.Context, traceID, hash string) (analysisEnvelope, error) {
	var envelope analysisEnvelope

	if cached, err := s.cache.Get(ctx, hash); err == nil {
		if json.Unmarshal(cached, &envelope) == nil && envelope.ContentHash == hash {
			return envelope, nil
		}
		if err := s.cache.Delete(ctx, hash); err != nil {
			s.logger.Warn("failed to evict corrupt analysis entry", "hash", hash, "error", err)
		}
	} else if !errors.Is(err, analysiscache.ErrMiss) {
		s.logger.Warn("analysis cache read failed", "trace", traceID, "error", err)
	}

	row, err := s.store.GetTraceAnalysis(ctx, traceID)
	if err != nil {
		return analysisEnvelope{}, errNotFoundAsMiss(err)
	}
	if err := json.Unmarshal(row.Payload, &envelope); err != nil {
		return analysisEnvelope{}, fmt.Errorf("decode stored analysis: %w", err)
	}
	if envelope.ContentHash == hash {
		if err := s.cache.Set(ctx, hash, row.Payload, s.opts.CacheTTL); err != nil {
			s.logger.Warn("analysis cache write failed", "trace", traceID, "error", err)
		}
	}
	return envelope, nil
}

func formatCitation(c store.Citation) string {
	parts := make([]string, 0, 4)
	if c.Title != "" {
		parts = append(parts, c.Title)
	}
	if c.Author != "" {
		parts = append(parts, c.Author)
	}
	if c.URL != "" {
		parts = append(parts, c.URL)
	} else if c.Publisher != "" {
		parts = append(parts, c.Publisher)
	}
	if c.Quote != "" {
		parts = append(parts, fmt.Sprintf("%q", c.Quote))
	}
	return strings.Join(parts, ", ")
}

// extractJSONObject trims any prose the model wraps around the JSON body.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}

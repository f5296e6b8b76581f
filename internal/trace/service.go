// Package trace manages argument traces: structured, citation-backed
// reasoning chains attached to a topic. A trace moves through a fixed
// lifecycle (draft, published, analyzing, approved) and every edit is
// fingerprinted so AI analyses can be cached by content.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agora/api/internal/ai"
	"agora/api/internal/analysiscache"
	"agora/api/internal/contenthash"
	"agora/api/internal/rbac"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/util"
)

// JobAnalyze is enqueued when a trace is published or when a read finds the
// stored analysis stale.
const JobAnalyze = "trace.analyze"

// AnalyzeJob carries the content hash at enqueue time so the handler can
// detect that the trace was edited while the job sat in the queue.
type AnalyzeJob struct {
	TraceID     string `json:"traceId"`
	ContentHash string `json:"contentHash"`
}

type dataStore interface {
	GetTrace(ctx context.Context, traceID string) (store.Trace, error)
	ListTraceCitations(ctx context.Context, traceID string) ([]store.Citation, error)
	ListTopicTraces(ctx context.Context, topicID string) ([]store.Trace, error)
	InsertTrace(ctx context.Context, trace store.Trace, citations []store.Citation) error
	SaveTraceEdit(ctx context.Context, traceID string, expectedVersion int, body, contentHash string, citations []store.Citation) (store.Trace, error)
	TransitionTrace(ctx context.Context, traceID string, decide func(store.Trace) (store.Trace, error)) (store.Trace, error)
	UpsertTraceAnalysis(ctx context.Context, traceID string, payload json.RawMessage) error
	GetTraceAnalysis(ctx context.Context, traceID string) (store.TraceAnalysis, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

// archiver records a revision of the trace content on every publish.
type archiver interface {
	Commit(ctx context.Context, traceID, author, body string, citations []store.Citation, message string) (string, error)
}

type traceIndexer interface {
	IndexTrace(rec search.TraceRecord) error
}

type Options struct {
	MinBodyLen int
	CacheTTL   time.Duration
}

type Service struct {
	store   dataStore
	cache   analysiscache.Store
	queue   enqueuer
	archive archiver
	search  traceIndexer
	ai      ai.Client
	authz   rbac.Authorizer
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func New(dataStore dataStore, cache analysiscache.Store, q enqueuer, archive archiver, indexer traceIndexer, aiClient ai.Client, authz rbac.Authorizer, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinBodyLen <= 0 {
		opts.MinBodyLen = 140
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	return &Service{
		store:   dataStore,
		cache:   cache,
		queue:   q,
		archive: archive,
		search:  indexer,
		ai:      aiClient,
		authz:   authz,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Create stores a new draft trace. Drafts carry no readiness requirements;
// the publish gate runs later.
func (s *Service) Create(ctx context.Context, topicID, editorID, body string, citations []store.Citation) (store.Trace, error) {
	citations = Renumber(citations)
	traceID := util.NewID("trc")
	for i := range citations {
		if citations[i].ID == "" {
			citations[i].ID = util.NewID("cit")
		}
		citations[i].TraceID = traceID
	}

	hash, err := s.hash(body, citations)
	if err != nil {
		return store.Trace{}, err
	}
	snapshot, err := json.Marshal(citations)
	if err != nil {
		return store.Trace{}, fmt.Errorf("marshal citations: %w", err)
	}

	trace := store.Trace{
		ID:            traceID,
		TopicID:       topicID,
		EditorID:      editorID,
		Body:          body,
		Status:        string(StatusDraft),
		Version:       1,
		ContentHash:   hash,
		CitationsJSON: snapshot,
	}
	if err := s.store.InsertTrace(ctx, trace, citations); err != nil {
		return store.Trace{}, err
	}
	return trace, nil
}

// Get returns a trace with its ordered citation list.
func (s *Service) Get(ctx context.Context, traceID string) (store.Trace, []store.Citation, error) {
	trace, err := s.store.GetTrace(ctx, traceID)
	if err != nil {
		return store.Trace{}, nil, err
	}
	citations, err := s.store.ListTraceCitations(ctx, traceID)
	if err != nil {
		return store.Trace{}, nil, err
	}
	return trace, SortByOrder(citations), nil
}

// ListByTopic returns all traces for a topic, newest first.
func (s *Service) ListByTopic(ctx context.Context, topicID string) ([]store.Trace, error) {
	return s.store.ListTopicTraces(ctx, topicID)
}

// Edit replaces the body and citation list under optimistic concurrency.
// expectedVersion must match the version the caller last read; a lost race
// surfaces as store.ErrVersionConflict and the caller re-reads and retries.
func (s *Service) Edit(ctx context.Context, traceID, actorID string, expectedVersion int, body string, citations []store.Citation) (store.Trace, error) {
	current, err := s.store.GetTrace(ctx, traceID)
	if err != nil {
		return store.Trace{}, err
	}
	if err := s.requireOwnerOrAdmin(ctx, traceID, actorID); err != nil {
		return store.Trace{}, err
	}
	switch Status(current.Status) {
	case StatusAnalyzing, StatusApproved:
		return store.Trace{}, ErrLocked
	}

	citations = Renumber(citations)
	for i := range citations {
		if citations[i].ID == "" {
			citations[i].ID = util.NewID("cit")
		}
		citations[i].TraceID = traceID
	}
	hash, err := s.hash(body, citations)
	if err != nil {
		return store.Trace{}, err
	}
	return s.store.SaveTraceEdit(ctx, traceID, expectedVersion, body, hash, citations)
}

// AddCitation inserts a citation at a 1-based position as a versioned edit;
// citations at or after the position shift down one place.
func (s *Service) AddCitation(ctx context.Context, traceID, actorID string, expectedVersion int, c store.Citation, pos int) (store.Trace, error) {
	current, citations, err := s.Get(ctx, traceID)
	if err != nil {
		return store.Trace{}, err
	}
	return s.Edit(ctx, traceID, actorID, expectedVersion, current.Body, InsertCitation(citations, c, pos))
}

// DeleteCitation removes the citation at a 1-based position as a versioned
// edit; the remaining citations are renumbered densely.
func (s *Service) DeleteCitation(ctx context.Context, traceID, actorID string, expectedVersion int, pos int) (store.Trace, error) {
	current, citations, err := s.Get(ctx, traceID)
	if err != nil {
		return store.Trace{}, err
	}
	if pos < 1 || pos > len(citations) {
		return store.Trace{}, &ValidationError{Violations: []string{fmt.Sprintf("no citation at position %d", pos)}}
	}
	return s.Edit(ctx, traceID, actorID, expectedVersion, current.Body, RemoveCitation(citations, pos))
}

// Publish moves a trace out of draft after the readiness gate passes, stamps
// the first publication time, then archives a revision, indexes the body for
// search and queues the reasoning analysis.
func (s *Service) Publish(ctx context.Context, traceID, actorID string) (store.Trace, error) {
	// Ownership never changes after create, so the permission check can run
	// before the row is locked.
	if err := s.requireOwnerOrAdmin(ctx, traceID, actorID); err != nil {
		return store.Trace{}, err
	}

	// The gate must judge the citations that belong to the locked row's body.
	// The trace row carries a citation snapshot rewritten with every edit, so
	// decoding it inside the callback keeps a concurrent edit from slipping a
	// different citation list under the check.
	var citations []store.Citation

	published, err := s.store.TransitionTrace(ctx, traceID, func(current store.Trace) (store.Trace, error) {
		if !CanTransition(Status(current.Status), StatusPublished) {
			return store.Trace{}, &TransitionError{From: Status(current.Status), To: StatusPublished}
		}
		citations = nil
		if len(current.CitationsJSON) > 0 {
			if err := json.Unmarshal(current.CitationsJSON, &citations); err != nil {
				return store.Trace{}, fmt.Errorf("decode citation snapshot: %w", err)
			}
		}
		citations = SortByOrder(citations)
		if err := PublishGate(current.Body, citations, s.opts.MinBodyLen); err != nil {
			return store.Trace{}, err
		}
		current.Status = string(StatusPublished)
		if current.PublishedAt == nil {
			at := s.now()
			current.PublishedAt = &at
		}
		return current, nil
	})
	if err != nil {
		return store.Trace{}, err
	}

	if s.archive != nil {
		msg := fmt.Sprintf("publish version %d", published.Version)
		if _, err := s.archive.Commit(ctx, traceID, published.EditorID, published.Body, citations, msg); err != nil {
			s.logger.Warn("revision archive failed", "trace", traceID, "error", err)
		}
	}
	if s.search != nil {
		if err := s.search.IndexTrace(search.TraceRecord{ID: published.ID, TopicID: published.TopicID, Body: published.Body}); err != nil {
			s.logger.Warn("trace index failed", "trace", traceID, "error", err)
		}
	}
	if _, err := s.queue.Enqueue(ctx, JobAnalyze, AnalyzeJob{TraceID: traceID, ContentHash: published.ContentHash}); err != nil {
		s.logger.Warn("analysis enqueue failed", "trace", traceID, "error", err)
	}
	return published, nil
}

// Approve finalizes a trace. Approval requires the approve capability and is
// terminal: no further edits or transitions are accepted.
func (s *Service) Approve(ctx context.Context, traceID, actorID string) (store.Trace, error) {
	allowed, err := s.hasAnyRole(ctx, actorID, rbac.RoleEditor, rbac.RoleAdmin)
	if err != nil {
		return store.Trace{}, err
	}
	if !allowed {
		return store.Trace{}, ErrPermissionDenied
	}
	return s.store.TransitionTrace(ctx, traceID, func(current store.Trace) (store.Trace, error) {
		if !CanTransition(Status(current.Status), StatusApproved) {
			return store.Trace{}, &TransitionError{From: Status(current.Status), To: StatusApproved}
		}
		current.Status = string(StatusApproved)
		at := s.now()
		current.ApprovedAt = &at
		return current, nil
	})
}

func (s *Service) requireOwnerOrAdmin(ctx context.Context, traceID, actorID string) error {
	owner, err := s.authz.IsOwner(ctx, traceID, actorID)
	if err != nil {
		return fmt.Errorf("check ownership: %w", err)
	}
	if owner {
		return nil
	}
	admin, err := s.authz.HasRole(ctx, actorID, rbac.RoleAdmin)
	if err != nil {
		return fmt.Errorf("check role: %w", err)
	}
	if !admin {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Service) hasAnyRole(ctx context.Context, actorID string, roles ...rbac.Role) (bool, error) {
	for _, role := range roles {
		ok, err := s.authz.HasRole(ctx, actorID, role)
		if err != nil {
			return false, fmt.Errorf("check role: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) hash(body string, citations []store.Citation) (string, error) {
	inputs := make([]contenthash.CitationInput, len(citations))
	for i, c := range citations {
		inputs[i] = contenthash.CitationInput{
			URL:    c.URL,
			Title:  c.Title,
			Quote:  c.Quote,
			Author: c.Author,
			Year:   c.Year,
		}
	}
	hash, err := contenthash.Hash(body, inputs)
	if err != nil {
		return "", fmt.Errorf("hash trace content: %w", err)
	}
	return hash, nil
}

// errNotFoundAsMiss folds store.ErrNotFound into a cache-style miss so the
// analysis read path has a single absent case.
func errNotFoundAsMiss(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return analysiscache.ErrMiss
	}
	return err
}

// Package app wires the domain services behind the HTTP surface: identity,
// topics, document intake, traces, consensus reads and exports.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agora/api/internal/consensus"
	"agora/api/internal/export"
	"agora/api/internal/pipeline"
	"agora/api/internal/queue"
	"agora/api/internal/ratelimit"
	"agora/api/internal/rbac"
	"agora/api/internal/revision"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/trace"
	"agora/api/internal/util"
)

type dataStore interface {
	Ping(context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SetRole(context.Context, string, string) error
	InsertTopic(context.Context, store.Topic) error
	GetTopic(context.Context, string) (store.Topic, error)
	ListTopics(context.Context) ([]store.Topic, error)
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListTopicDocuments(context.Context, string) ([]store.Document, error)
	LatestSummaryByDocument(context.Context, string) (store.Summary, error)
	LatestEvaluationByDocument(context.Context, string) (store.Evaluation, error)
	ListPairConsensus(context.Context, string) ([]store.UserPairConsensus, error)
	ListSnapshots(context.Context, string, int) ([]store.ConsensusSnapshot, error)
}

type traceService interface {
	Create(ctx context.Context, topicID, editorID, body string, citations []store.Citation) (store.Trace, error)
	Get(ctx context.Context, traceID string) (store.Trace, []store.Citation, error)
	ListByTopic(ctx context.Context, topicID string) ([]store.Trace, error)
	Edit(ctx context.Context, traceID, actorID string, expectedVersion int, body string, citations []store.Citation) (store.Trace, error)
	AddCitation(ctx context.Context, traceID, actorID string, expectedVersion int, c store.Citation, pos int) (store.Trace, error)
	DeleteCitation(ctx context.Context, traceID, actorID string, expectedVersion, pos int) (store.Trace, error)
	Publish(ctx context.Context, traceID, actorID string) (store.Trace, error)
	Approve(ctx context.Context, traceID, actorID string) (store.Trace, error)
	GetAnalysis(ctx context.Context, traceID string) (trace.AnalysisResult, error)
}

type consensusReader interface {
	PairConsensus(ctx context.Context, topicID, x, y string) (consensus.PairResult, error)
}

type searcher interface {
	Search(q search.Query) search.Response
}

type reporter interface {
	ConsensusReport(ctx context.Context, topicID string) (*export.Result, error)
}

type historian interface {
	History(ctx context.Context, traceID string, limit int) ([]revision.Revision, error)
}

type blobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type jobQueue interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
	DeadJobs(ctx context.Context, limit int) ([]queue.Job, error)
	Ping(ctx context.Context) error
}

type actorLimiter interface {
	Enforce(ctx context.Context, actorID, operation string, limit int) (ratelimit.Result, error)
}

// Limits are the per-actor fixed-window quotas.
type Limits struct {
	Upload  int
	Publish int
}

type Service struct {
	store     dataStore
	blobs     blobStore
	queue     jobQueue
	traces    traceService
	consensus consensusReader
	search    searcher
	export    reporter
	revisions historian
	limiter   actorLimiter
	limits    Limits
}

func NewService(
	dataStore dataStore,
	blobs blobStore,
	q jobQueue,
	traces traceService,
	consensusSvc consensusReader,
	searchSvc searcher,
	exportSvc reporter,
	revisions historian,
	limiter actorLimiter,
	limits Limits,
) *Service {
	if limits.Upload <= 0 {
		limits.Upload = 20
	}
	if limits.Publish <= 0 {
		limits.Publish = 5
	}
	return &Service{
		store:     dataStore,
		blobs:     blobs,
		queue:     q,
		traces:    traces,
		consensus: consensusSvc,
		search:    searchSvc,
		export:    exportSvc,
		revisions: revisions,
		limiter:   limiter,
		limits:    limits,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingQueue(ctx context.Context) error {
	return s.queue.Ping(ctx)
}

// Identify resolves the acting user from a display name, creating the user
// on first contact.
func (s *Service) Identify(ctx context.Context, name string) (store.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.User{}, domainError(401, "UNAUTHORIZED", "X-Actor header is required", nil)
	}
	return s.store.EnsureUserByName(ctx, name)
}

// SetUserRole grants a role. Admin only.
func (s *Service) SetUserRole(ctx context.Context, actor store.User, userID, role string) error {
	if err := requireAction(actor, rbac.ActionAdmin, "Only admins may change roles"); err != nil {
		return err
	}
	if !validRole(role) {
		return domainError(422, "VALIDATION_ERROR", "role must be member, editor or admin", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	return s.store.SetRole(ctx, userID, role)
}

// requireAction checks the actor's role against the capability matrix.
func requireAction(actor store.User, action rbac.Action, denied string) error {
	if !rbac.Can(rbac.Normalize(actor.Role), action) {
		return domainError(403, "FORBIDDEN", denied, nil)
	}
	return nil
}

func validRole(role string) bool {
	switch rbac.Role(role) {
	case rbac.RoleMember, rbac.RoleEditor, rbac.RoleAdmin:
		return true
	}
	return false
}

// --- topics ---

func (s *Service) CreateTopic(ctx context.Context, actor store.User, title, discipline string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	topic := store.Topic{
		ID:         util.NewID("top"),
		Title:      title,
		Discipline: strings.TrimSpace(discipline),
		CreatedBy:  actor.ID,
	}
	if err := s.store.InsertTopic(ctx, topic); err != nil {
		return nil, err
	}
	return topicPayload(topic), nil
}

func (s *Service) ListTopics(ctx context.Context) (map[string]any, error) {
	topics, err := s.store.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(topics))
	for _, t := range topics {
		items = append(items, topicPayload(t))
	}
	return map[string]any{"topics": items}, nil
}

func (s *Service) GetTopic(ctx context.Context, topicID string) (map[string]any, error) {
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.ListTopicDocuments(ctx, topicID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		items = append(items, documentPayload(d))
	}
	payload := topicPayload(topic)
	payload["documents"] = items
	return payload, nil
}

// --- documents ---

// UploadDocument stores the raw content, creates the document row with all
// stage slots pending and queues extraction. Rate limited per actor.
func (s *Service) UploadDocument(ctx context.Context, actor store.User, topicID string, parentID *string, content string) (map[string]any, error) {
	if err := requireAction(actor, rbac.ActionUpload, "Your role may not upload documents"); err != nil {
		return nil, err
	}
	if _, err := s.limiter.Enforce(ctx, actor.ID, "document.upload", s.limits.Upload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "content is required", nil)
	}
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	if parentID != nil {
		parent, err := s.store.GetDocument(ctx, *parentID)
		if err != nil {
			return nil, domainError(422, "VALIDATION_ERROR", "parent document does not exist", nil)
		}
		if parent.TopicID != topicID {
			return nil, domainError(422, "VALIDATION_ERROR", "parent document belongs to another topic", nil)
		}
	}

	docID := util.NewID("doc")
	key := fmt.Sprintf("uploads/%s/%s", topicID, docID)
	if err := s.blobs.Put(ctx, key, []byte(content), "text/plain; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	doc := store.Document{
		ID:              docID,
		TopicID:         topicID,
		AuthorID:        actor.ID,
		ParentID:        parentID,
		ContentKey:      key,
		ExtractStatus:   store.StagePending,
		SummarizeStatus: store.StagePending,
		EvaluateStatus:  store.StagePending,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, pipeline.JobExtract, pipeline.DocumentJob{DocumentID: docID}); err != nil {
		return nil, fmt.Errorf("enqueue extraction: %w", err)
	}
	return documentPayload(doc), nil
}

// DocumentStatus reports the stage slots plus the latest summary and
// evaluation, when present.
func (s *Service) DocumentStatus(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	payload := documentPayload(doc)

	summary, err := s.store.LatestSummaryByDocument(ctx, documentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		payload["summary"] = summaryPayload(summary)
	}

	eval, err := s.store.LatestEvaluationByDocument(ctx, documentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		payload["evaluation"] = map[string]any{
			"id":      eval.ID,
			"scores":  eval.Scores,
			"verdict": eval.Verdict,
		}
	}
	return payload, nil
}

// --- traces ---

// CitationInput is the citation shape accepted on trace create and edit.
type CitationInput struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Quote     string `json:"quote"`
	Author    string `json:"author"`
	Publisher string `json:"publisher"`
	Year      int    `json:"year"`
}

func toCitations(inputs []CitationInput) []store.Citation {
	out := make([]store.Citation, 0, len(inputs))
	for i, in := range inputs {
		out = append(out, store.Citation{
			Order:     i + 1,
			URL:       strings.TrimSpace(in.URL),
			Title:     strings.TrimSpace(in.Title),
			Quote:     in.Quote,
			Author:    strings.TrimSpace(in.Author),
			Publisher: strings.TrimSpace(in.Publisher),
			Year:      in.Year,
		})
	}
	return out
}

func (s *Service) CreateTrace(ctx context.Context, actor store.User, topicID, body string, citations []CitationInput) (map[string]any, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	created, err := s.traces.Create(ctx, topicID, actor.ID, body, toCitations(citations))
	if err != nil {
		return nil, err
	}
	return tracePayload(created, nil), nil
}

func (s *Service) GetTrace(ctx context.Context, traceID string) (map[string]any, error) {
	tr, citations, err := s.traces.Get(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return tracePayload(tr, citations), nil
}

func (s *Service) ListTopicTraces(ctx context.Context, topicID string) (map[string]any, error) {
	traces, err := s.traces.ListByTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(traces))
	for _, tr := range traces {
		items = append(items, tracePayload(tr, nil))
	}
	return map[string]any{"traces": items}, nil
}

func (s *Service) EditTrace(ctx context.Context, actor store.User, traceID string, expectedVersion int, body string, citations []CitationInput) (map[string]any, error) {
	updated, err := s.traces.Edit(ctx, traceID, actor.ID, expectedVersion, body, toCitations(citations))
	if err != nil {
		return nil, err
	}
	return tracePayload(updated, nil), nil
}

// AddTraceCitation inserts one citation at a position without resending the
// whole citation list. Positions are 1-based; the edit bumps the version.
func (s *Service) AddTraceCitation(ctx context.Context, actor store.User, traceID string, expectedVersion int, citation CitationInput, pos int) (map[string]any, error) {
	cits := toCitations([]CitationInput{citation})
	updated, err := s.traces.AddCitation(ctx, traceID, actor.ID, expectedVersion, cits[0], pos)
	if err != nil {
		return nil, err
	}
	return tracePayload(updated, nil), nil
}

// RemoveTraceCitation deletes the citation at a 1-based position and
// renumbers the rest densely.
func (s *Service) RemoveTraceCitation(ctx context.Context, actor store.User, traceID string, expectedVersion, pos int) (map[string]any, error) {
	updated, err := s.traces.DeleteCitation(ctx, traceID, actor.ID, expectedVersion, pos)
	if err != nil {
		return nil, err
	}
	return tracePayload(updated, nil), nil
}

func (s *Service) PublishTrace(ctx context.Context, actor store.User, traceID string) (map[string]any, error) {
	if _, err := s.limiter.Enforce(ctx, actor.ID, "trace.publish", s.limits.Publish); err != nil {
		return nil, err
	}
	published, err := s.traces.Publish(ctx, traceID, actor.ID)
	if err != nil {
		return nil, err
	}
	return tracePayload(published, nil), nil
}

func (s *Service) ApproveTrace(ctx context.Context, actor store.User, traceID string) (map[string]any, error) {
	approved, err := s.traces.Approve(ctx, traceID, actor.ID)
	if err != nil {
		return nil, err
	}
	return tracePayload(approved, nil), nil
}

func (s *Service) TraceAnalysis(ctx context.Context, traceID string) (map[string]any, error) {
	result, err := s.traces.GetAnalysis(ctx, traceID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"found":     result.Found,
		"stale":     result.Stale,
		"analyzing": result.Analyzing,
	}
	if result.Found {
		payload["analysis"] = result.Result
		payload["generatedAt"] = result.GeneratedAt
	}
	return payload, nil
}

func (s *Service) TraceHistory(ctx context.Context, traceID string, limit int) (map[string]any, error) {
	if _, _, err := s.traces.Get(ctx, traceID); err != nil {
		return nil, err
	}
	revisions, err := s.revisions.History(ctx, traceID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		items = append(items, map[string]any{
			"hash":      rev.Hash,
			"message":   rev.Message,
			"author":    rev.Author,
			"createdAt": rev.CreatedAt,
		})
	}
	return map[string]any{"revisions": items}, nil
}

// --- consensus ---

func (s *Service) PairConsensus(ctx context.Context, topicID, userA, userB string) (map[string]any, error) {
	if userA == "" || userB == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "userA and userB are required", nil)
	}
	result, err := s.consensus.PairConsensus(ctx, topicID, userA, userB)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"found":     result.Found,
		"analyzing": result.Analyzing,
	}
	if result.Found {
		pc := result.Consensus
		payload["consensus"] = map[string]any{
			"userA":              pc.UserA,
			"userB":              pc.UserB,
			"consensusScore":     pc.ConsensusScore,
			"divergenceScore":    pc.DivergenceScore,
			"consensusPoints":    pc.ConsensusPoints,
			"disagreementPoints": pc.DisagreementPoints,
			"lastAnalyzedAt":     pc.LastAnalyzedAt,
		}
	}
	return payload, nil
}

func (s *Service) TopicConsensus(ctx context.Context, topicID string) (map[string]any, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	pairs, err := s.store.ListPairConsensus(ctx, topicID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(pairs))
	for _, pc := range pairs {
		items = append(items, map[string]any{
			"userA":           pc.UserA,
			"userB":           pc.UserB,
			"consensusScore":  pc.ConsensusScore,
			"divergenceScore": pc.DivergenceScore,
			"lastAnalyzedAt":  pc.LastAnalyzedAt,
		})
	}
	return map[string]any{"pairs": items}, nil
}

func (s *Service) Snapshots(ctx context.Context, topicID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	snapshots, err := s.store.ListSnapshots(ctx, topicID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snapshots))
	for _, snap := range snapshots {
		items = append(items, map[string]any{
			"id":              snap.ID,
			"consensusScore":  snap.ConsensusScore,
			"divergenceScore": snap.DivergenceScore,
			"trend":           snap.Trend,
			"keyPoints":       snap.KeyPoints,
			"createdAt":       snap.CreatedAt,
		})
	}
	return map[string]any{"snapshots": items}, nil
}

func (s *Service) ConsensusReport(ctx context.Context, topicID string) (*export.Result, error) {
	return s.export.ConsensusReport(ctx, topicID)
}

// --- search ---

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

// --- operations ---

func (s *Service) DeadJobs(ctx context.Context, actor store.User, limit int) (map[string]any, error) {
	if err := requireAction(actor, rbac.ActionAdmin, "Only admins may inspect dead jobs"); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	jobs, err := s.queue.DeadJobs(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, map[string]any{
			"id":         job.ID,
			"name":       job.Name,
			"attempts":   job.Attempts,
			"enqueuedAt": job.EnqueuedAt,
		})
	}
	return map[string]any{"jobs": items}, nil
}

// --- payload helpers ---

func topicPayload(t store.Topic) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"title":      t.Title,
		"discipline": t.Discipline,
		"createdBy":  t.CreatedBy,
		"createdAt":  t.CreatedAt,
	}
}

func documentPayload(d store.Document) map[string]any {
	payload := map[string]any{
		"id":       d.ID,
		"topicId":  d.TopicID,
		"authorId": d.AuthorID,
		"stages": map[string]any{
			"extract":   d.ExtractStatus,
			"summarize": d.SummarizeStatus,
			"evaluate":  d.EvaluateStatus,
		},
		"createdAt": d.CreatedAt,
	}
	if d.ParentID != nil {
		payload["parentId"] = *d.ParentID
	}
	if d.StageErrorStage != "" {
		payload["stageError"] = map[string]any{
			"stage":   d.StageErrorStage,
			"message": d.StageErrorMsg,
		}
	}
	return payload
}

func summaryPayload(sum store.Summary) map[string]any {
	claims := make([]string, 0, len(sum.Claims))
	for _, c := range sum.Claims {
		claims = append(claims, c.Text)
	}
	return map[string]any{
		"id":       sum.ID,
		"title":    sum.Title,
		"overview": sum.Overview,
		"claims":   claims,
		"keywords": sum.Keywords,
	}
}

func tracePayload(tr store.Trace, citations []store.Citation) map[string]any {
	payload := map[string]any{
		"id":          tr.ID,
		"topicId":     tr.TopicID,
		"editorId":    tr.EditorID,
		"body":        tr.Body,
		"status":      tr.Status,
		"version":     tr.Version,
		"contentHash": tr.ContentHash,
		"createdAt":   tr.CreatedAt,
		"updatedAt":   tr.UpdatedAt,
	}
	if tr.PublishedAt != nil {
		payload["publishedAt"] = tr.PublishedAt
	}
	if tr.ApprovedAt != nil {
		payload["approvedAt"] = tr.ApprovedAt
	}
	if citations != nil {
		items := make([]map[string]any, 0, len(citations))
		for _, c := range citations {
			items = append(items, map[string]any{
				"id":        c.ID,
				"order":     c.Order,
				"url":       c.URL,
				"title":     c.Title,
				"quote":     c.Quote,
				"author":    c.Author,
				"publisher": c.Publisher,
				"year":      c.Year,
			})
		}
		payload["citations"] = items
	}
	return payload
}

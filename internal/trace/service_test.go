package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"agora/api/internal/ai"
	"agora/api/internal/analysiscache"
	"agora/api/internal/rbac"
	"agora/api/internal/search"
	"agora/api/internal/store"
)

// --- fakes ---

type fakeStore struct {
	mu        sync.Mutex
	traces    map[string]store.Trace
	citations map[string][]store.Citation
	analyses  map[string]json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		traces:    map[string]store.Trace{},
		citations: map[string][]store.Citation{},
		analyses:  map[string]json.RawMessage{},
	}
}

func (f *fakeStore) GetTrace(_ context.Context, traceID string) (store.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.traces[traceID]
	if !ok {
		return store.Trace{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListTraceCitations(_ context.Context, traceID string) ([]store.Citation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Citation, len(f.citations[traceID]))
	copy(out, f.citations[traceID])
	return out, nil
}

func (f *fakeStore) ListTopicTraces(_ context.Context, topicID string) ([]store.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Trace
	for _, t := range f.traces {
		if t.TopicID == topicID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertTrace(_ context.Context, trace store.Trace, citations []store.Citation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	trace.CitationsJSON = mustCitationsJSON(citations)
	f.traces[trace.ID] = trace
	f.citations[trace.ID] = citations
	return nil
}

func (f *fakeStore) SaveTraceEdit(_ context.Context, traceID string, expectedVersion int, body, contentHash string, citations []store.Citation) (store.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.traces[traceID]
	if !ok {
		return store.Trace{}, store.ErrNotFound
	}
	if t.Version != expectedVersion {
		return store.Trace{}, store.ErrVersionConflict
	}
	t.Body = body
	t.ContentHash = contentHash
	t.Version++
	t.CitationsJSON = mustCitationsJSON(citations)
	f.traces[traceID] = t
	f.citations[traceID] = citations
	return t, nil
}

func mustCitationsJSON(citations []store.Citation) json.RawMessage {
	raw, err := json.Marshal(citations)
	if err != nil {
		panic(err)
	}
	return raw
}

func (f *fakeStore) TransitionTrace(_ context.Context, traceID string, decide func(store.Trace) (store.Trace, error)) (store.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.traces[traceID]
	if !ok {
		return store.Trace{}, store.ErrNotFound
	}
	next, err := decide(t)
	if err != nil {
		return store.Trace{}, err
	}
	f.traces[traceID] = next
	return next, nil
}

func (f *fakeStore) UpsertTraceAnalysis(_ context.Context, traceID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses[traceID] = payload
	return nil
}

func (f *fakeStore) GetTraceAnalysis(_ context.Context, traceID string) (store.TraceAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.analyses[traceID]
	if !ok {
		return store.TraceAnalysis{}, store.ErrNotFound
	}
	return store.TraceAnalysis{TraceID: traceID, Payload: payload}, nil
}

func (f *fakeStore) status(traceID string) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status(f.traces[traceID].Status)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeQueue) Enqueue(_ context.Context, name string, _ any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, name)
	return fmt.Sprintf("job_%d", len(f.jobs)), nil
}

func (f *fakeQueue) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j == name {
			n++
		}
	}
	return n
}

type fakeAuthz struct {
	store *fakeStore
	roles map[string]rbac.Role
}

func (f *fakeAuthz) IsOwner(_ context.Context, entityID, actorID string) (bool, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	t, ok := f.store.traces[entityID]
	return ok && t.EditorID == actorID, nil
}

func (f *fakeAuthz) HasRole(_ context.Context, actorID string, role rbac.Role) (bool, error) {
	return f.roles[actorID] == role, nil
}

type fakeArchive struct {
	mu      sync.Mutex
	commits []string
}

func (f *fakeArchive) Commit(_ context.Context, traceID, _, _ string, _ []store.Citation, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, traceID)
	return fmt.Sprintf("rev_%d", len(f.commits)), nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []search.TraceRecord
}

func (f *fakeIndexer) IndexTrace(rec search.TraceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
	return nil
}

type fakeAI struct {
	mu       sync.Mutex
	calls    int
	response string
}

func (f *fakeAI) Complete(context.Context, string, ai.CompleteOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.response, nil
}

func (f *fakeAI) ClassifyClaims(context.Context, string, string) (ai.Classification, error) {
	return ai.Classification{Relation: ai.RelationUnrelated}, nil
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- harness ---

type harness struct {
	svc     *Service
	store   *fakeStore
	queue   *fakeQueue
	archive *fakeArchive
	index   *fakeIndexer
	ai      *fakeAI
	cache   *analysiscache.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		queue:   &fakeQueue{},
		archive: &fakeArchive{},
		index:   &fakeIndexer{},
		ai:      &fakeAI{response: `{"steps": [], "citationSupport": "strong", "grade": "A"}`},
		cache:   analysiscache.NewMemory(time.Minute),
	}
	t.Cleanup(h.cache.Close)
	authz := &fakeAuthz{store: h.store, roles: map[string]rbac.Role{"usr_admin": rbac.RoleAdmin, "usr_editor": rbac.RoleEditor}}
	h.svc = New(h.store, h.cache, h.queue, h.archive, h.index, h.ai, authz, Options{MinBodyLen: 140}, nil)
	return h
}

func sampleCitations() []store.Citation {
	return []store.Citation{{URL: "https://example.org/source", Title: "Source"}}
}

func publishableBody() string {
	return strings.Repeat("Every premise in this argument is spelled out. ", 5)
}

// --- tests ---

func TestCreateStartsAsDraftVersionOne(t *testing.T) {
	h := newHarness(t)
	trace, err := h.svc.Create(context.Background(), "top_1", "usr_1", "short note", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if trace.Status != string(StatusDraft) || trace.Version != 1 {
		t.Fatalf("got status=%s version=%d, want draft v1", trace.Status, trace.Version)
	}
	if trace.ContentHash == "" {
		t.Fatalf("content hash must be set on create")
	}
}

func TestConcurrentEditsExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, err := h.svc.Create(ctx, "top_1", "usr_1", "first draft", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, body := range []string{"edit from tab A", "edit from tab B"} {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			_, err := h.svc.Edit(ctx, trace.ID, "usr_1", 1, body, nil)
			results <- err
		}(body)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected edit error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("got %d wins and %d conflicts, want exactly one of each", wins, conflicts)
	}

	final, _ := h.store.GetTrace(ctx, trace.ID)
	if final.Version != 2 {
		t.Fatalf("version = %d, want 2 after one applied edit", final.Version)
	}
}

func TestEditAfterConflictSucceedsWithFreshVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", "first draft", nil)

	if _, err := h.svc.Edit(ctx, trace.ID, "usr_1", 1, "second draft", nil); err != nil {
		t.Fatalf("first edit: %v", err)
	}
	if _, err := h.svc.Edit(ctx, trace.ID, "usr_1", 1, "stale edit", nil); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	updated, err := h.svc.Edit(ctx, trace.ID, "usr_1", 2, "third draft", nil)
	if err != nil {
		t.Fatalf("retry with fresh version: %v", err)
	}
	if updated.Body != "third draft" || updated.Version != 3 {
		t.Fatalf("got body=%q version=%d", updated.Body, updated.Version)
	}
}

func TestEditPermission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_owner", "first draft", nil)

	if _, err := h.svc.Edit(ctx, trace.ID, "usr_other", 1, "hijack", nil); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("stranger edit: got %v, want permission denied", err)
	}
	if _, err := h.svc.Edit(ctx, trace.ID, "usr_admin", 1, "moderated", nil); err != nil {
		t.Fatalf("admin edit should be allowed: %v", err)
	}
}

func TestPositionalCitationEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr, err := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), []store.Citation{
		{URL: "https://a.example", Title: "A"},
		{URL: "https://b.example", Title: "B"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := h.svc.AddCitation(ctx, tr.ID, "usr_1", 1, store.Citation{URL: "https://c.example", Title: "C"}, 2)
	if err != nil {
		t.Fatalf("add citation: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2 after positional insert", updated.Version)
	}
	_, got, err := h.svc.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	titles := make([]string, len(got))
	for i, c := range got {
		titles[i] = c.Title
		if c.Order != i+1 {
			t.Fatalf("citation %q order = %d, want %d", c.Title, c.Order, i+1)
		}
	}
	if strings.Join(titles, "") != "ACB" {
		t.Fatalf("citation order = %v, want A C B", titles)
	}

	if _, err := h.svc.DeleteCitation(ctx, tr.ID, "usr_1", 2, 1); err != nil {
		t.Fatalf("delete citation: %v", err)
	}
	_, got, _ = h.svc.Get(ctx, tr.ID)
	if len(got) != 2 || got[0].Title != "C" || got[0].Order != 1 || got[1].Order != 2 {
		t.Fatalf("after delete got %v, want dense C B", got)
	}

	var verr *ValidationError
	if _, err := h.svc.DeleteCitation(ctx, tr.ID, "usr_1", 3, 9); !errors.As(err, &verr) {
		t.Fatalf("out-of-range delete: got %v, want validation error", err)
	}
}

type denyAllAuthz struct{}

func (denyAllAuthz) IsOwner(context.Context, string, string) (bool, error) { return false, nil }

func (denyAllAuthz) HasRole(context.Context, string, rbac.Role) (bool, error) { return false, nil }

func TestOwnershipDecidedByAuthorizer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), sampleCitations())

	// The editor column alone must not grant access; the authorizer owns the
	// ownership answer.
	svc := New(h.store, h.cache, h.queue, h.archive, h.index, h.ai, denyAllAuthz{}, Options{MinBodyLen: 140}, nil)
	if _, err := svc.Edit(ctx, trace.ID, "usr_1", 1, "changed", nil); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("edit: got %v, want permission denied", err)
	}
	if _, err := svc.Publish(ctx, trace.ID, "usr_1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("publish: got %v, want permission denied", err)
	}
}

func TestPublishGateFailureLeavesDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", "way too short", sampleCitations())

	_, err := h.svc.Publish(ctx, trace.ID, "usr_1")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := h.store.status(trace.ID); got != StatusDraft {
		t.Fatalf("status = %s, want draft after failed publish", got)
	}
	if h.queue.count(JobAnalyze) != 0 {
		t.Fatalf("no analysis job may be queued for a failed publish")
	}
}

// racingEditStore lands an edit right before the publish transition takes the
// row, standing in for a writer that wins the lock first.
type racingEditStore struct {
	*fakeStore
	editBody string
	raced    bool
}

func (r *racingEditStore) TransitionTrace(ctx context.Context, traceID string, decide func(store.Trace) (store.Trace, error)) (store.Trace, error) {
	if !r.raced {
		r.raced = true
		current, err := r.fakeStore.GetTrace(ctx, traceID)
		if err != nil {
			return store.Trace{}, err
		}
		if _, err := r.fakeStore.SaveTraceEdit(ctx, traceID, current.Version, r.editBody, "rehash", nil); err != nil {
			return store.Trace{}, err
		}
	}
	return r.fakeStore.TransitionTrace(ctx, traceID, decide)
}

func TestPublishGateJudgesCitationsOfLockedRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), sampleCitations())

	// The edit keeps the body long enough but drops every citation. The gate
	// must fail on the citation set saved with the locked row, not on a list
	// read before the transition.
	racing := &racingEditStore{fakeStore: h.store, editBody: publishableBody() + " Revised without sources."}
	authz := &fakeAuthz{store: h.store, roles: map[string]rbac.Role{}}
	svc := New(racing, h.cache, h.queue, h.archive, h.index, h.ai, authz, Options{MinBodyLen: 140}, nil)

	_, err := svc.Publish(ctx, trace.ID, "usr_1")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for the post-edit citation set, got %v", err)
	}
	if got := h.store.status(trace.ID); got != StatusDraft {
		t.Fatalf("status = %s, want draft after failed publish", got)
	}
	if h.queue.count(JobAnalyze) != 0 {
		t.Fatalf("no analysis job may be queued for a failed publish")
	}
}

func TestPublishStampsArchivesIndexesAndQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), sampleCitations())

	published, err := h.svc.Publish(ctx, trace.ID, "usr_1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published.Status != string(StatusPublished) {
		t.Fatalf("status = %s, want published", published.Status)
	}
	if published.PublishedAt == nil {
		t.Fatalf("publishedAt must be stamped")
	}
	if len(h.archive.commits) != 1 || h.archive.commits[0] != trace.ID {
		t.Fatalf("expected one revision commit for %s, got %v", trace.ID, h.archive.commits)
	}
	if len(h.index.indexed) != 1 || h.index.indexed[0].ID != trace.ID {
		t.Fatalf("expected the trace to be indexed, got %v", h.index.indexed)
	}
	if h.queue.count(JobAnalyze) != 1 {
		t.Fatalf("expected one queued analysis job, got %d", h.queue.count(JobAnalyze))
	}

	// Republish keeps the original publication time.
	first := *published.PublishedAt
	again, err := h.svc.Publish(ctx, trace.ID, "usr_1")
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if !again.PublishedAt.Equal(first) {
		t.Fatalf("republish must not restamp publishedAt")
	}
}

func TestApproveRequiresElevatedRoleAndIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), sampleCitations())
	if _, err := h.svc.Publish(ctx, trace.ID, "usr_1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := h.svc.Approve(ctx, trace.ID, "usr_1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("member approve: got %v, want permission denied", err)
	}
	approved, err := h.svc.Approve(ctx, trace.ID, "usr_editor")
	if err != nil {
		t.Fatalf("editor approve: %v", err)
	}
	if approved.ApprovedAt == nil {
		t.Fatalf("approvedAt must be stamped")
	}

	if _, err := h.svc.Edit(ctx, trace.ID, "usr_1", approved.Version, "post-approval edit", nil); !errors.Is(err, ErrLocked) {
		t.Fatalf("edit after approval: got %v, want locked", err)
	}
	var terr *TransitionError
	if _, err := h.svc.Publish(ctx, trace.ID, "usr_1"); !errors.As(err, &terr) {
		t.Fatalf("publish after approval: got %v, want transition error", err)
	}
}

func TestAnalyzeStoresResultAndRestoresPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), sampleCitations())
	if _, err := h.svc.Publish(ctx, trace.ID, "usr_1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := h.svc.Analyze(ctx, trace.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := h.store.status(trace.ID); got != StatusPublished {
		t.Fatalf("status = %s, want published after analysis", got)
	}

	result, err := h.svc.GetAnalysis(ctx, trace.ID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if !result.Found || result.Stale {
		t.Fatalf("expected a fresh analysis, got %+v", result)
	}
	if h.ai.callCount() != 1 {
		t.Fatalf("expected exactly one model call, got %d", h.ai.callCount())
	}
}

func TestAnalyzeReusesCacheForIdenticalContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _ := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), sampleCitations())
	second, _ := h.svc.Create(ctx, "top_1", "usr_2", publishableBody(), sampleCitations())
	for _, tr := range []store.Trace{first, second} {
		if _, err := h.svc.Publish(ctx, tr.ID, tr.EditorID); err != nil {
			t.Fatalf("publish %s: %v", tr.ID, err)
		}
	}

	if err := h.svc.Analyze(ctx, first.ID); err != nil {
		t.Fatalf("analyze first: %v", err)
	}
	if err := h.svc.Analyze(ctx, second.ID); err != nil {
		t.Fatalf("analyze second: %v", err)
	}

	if h.ai.callCount() != 1 {
		t.Fatalf("identical content must reuse the cached analysis, got %d model calls", h.ai.callCount())
	}
	if _, err := h.svc.GetAnalysis(ctx, second.ID); err != nil {
		t.Fatalf("second trace analysis must be readable: %v", err)
	}
}

func TestGetAnalysisDetectsStaleAfterEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), sampleCitations())
	if _, err := h.svc.Publish(ctx, trace.ID, "usr_1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.svc.Analyze(ctx, trace.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if _, err := h.svc.Edit(ctx, trace.ID, "usr_1", trace.Version, publishableBody()+" Amended conclusion.", sampleCitations()); err != nil {
		t.Fatalf("edit: %v", err)
	}

	queuedBefore := h.queue.count(JobAnalyze)
	result, err := h.svc.GetAnalysis(ctx, trace.ID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if !result.Found || !result.Stale {
		t.Fatalf("expected stale prior analysis, got %+v", result)
	}
	if !result.Analyzing {
		t.Fatalf("stale read must queue a recompute")
	}
	if h.queue.count(JobAnalyze) != queuedBefore+1 {
		t.Fatalf("expected one new analysis job")
	}
}

func TestAnalyzeSkipsDrafts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trace, _ := h.svc.Create(ctx, "top_1", "usr_1", publishableBody(), sampleCitations())

	if err := h.svc.Analyze(ctx, trace.ID); err != nil {
		t.Fatalf("analyzing a draft must be a no-op, got %v", err)
	}
	if h.ai.callCount() != 0 {
		t.Fatalf("no model call expected for a draft")
	}
	if got := h.store.status(trace.ID); got != StatusDraft {
		t.Fatalf("status = %s, want draft untouched", got)
	}
}

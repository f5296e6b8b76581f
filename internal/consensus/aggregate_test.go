package consensus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"agora/api/internal/ai"
	"agora/api/internal/store"
)

type fakeStore struct {
	docs      []store.Document
	summaries []store.Summary
	pairs     map[Pair]store.UserPairConsensus
	snapshots []store.ConsensusSnapshot
}

func newAggStore() *fakeStore {
	return &fakeStore{pairs: map[Pair]store.UserPairConsensus{}}
}

func (f *fakeStore) ListTopicDocuments(context.Context, string) ([]store.Document, error) {
	return f.docs, nil
}

func (f *fakeStore) LatestSummariesForTopic(context.Context, string) ([]store.Summary, error) {
	return f.summaries, nil
}

func (f *fakeStore) UpsertPairConsensus(_ context.Context, pc store.UserPairConsensus) error {
	pc.LastAnalyzedAt = time.Now()
	f.pairs[Pair{A: pc.UserA, B: pc.UserB}] = pc
	return nil
}

func (f *fakeStore) GetPairConsensus(_ context.Context, _, userA, userB string) (store.UserPairConsensus, error) {
	pc, ok := f.pairs[Pair{A: userA, B: userB}]
	if !ok {
		return store.UserPairConsensus{}, store.ErrNotFound
	}
	return pc, nil
}

func (f *fakeStore) ListPairConsensus(context.Context, string) ([]store.UserPairConsensus, error) {
	var out []store.UserPairConsensus
	for _, pc := range f.pairs {
		out = append(out, pc)
	}
	return out, nil
}

func (f *fakeStore) InsertSnapshot(_ context.Context, snap store.ConsensusSnapshot) error {
	snap.ID = int64(len(f.snapshots) + 1)
	snap.CreatedAt = time.Now()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) LatestSnapshot(context.Context, string) (store.ConsensusSnapshot, error) {
	if len(f.snapshots) == 0 {
		return store.ConsensusSnapshot{}, store.ErrNotFound
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

type fakeClassifier struct {
	relations map[string]ai.Relation
}

func (f *fakeClassifier) Complete(context.Context, string, ai.CompleteOptions) (string, error) {
	return "", nil
}

func (f *fakeClassifier) ClassifyClaims(_ context.Context, a, b string) (ai.Classification, error) {
	if rel, ok := f.relations[a+"|"+b]; ok {
		return ai.Classification{Relation: rel, Confidence: 0.9}, nil
	}
	return ai.Classification{Relation: ai.RelationUnrelated, Confidence: 0.5}, nil
}

type fakeEnqueuer struct {
	jobs []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, name string, _ any) (string, error) {
	f.jobs = append(f.jobs, name)
	return fmt.Sprintf("job_%d", len(f.jobs)), nil
}

func evaluatedDoc(id, author string, parent *string) store.Document {
	d := doc(id, author, parent)
	d.ExtractStatus = store.StageCompleted
	d.SummarizeStatus = store.StageCompleted
	d.EvaluateStatus = store.StageCompleted
	return d
}

func summaryWith(docID string, claims ...store.Claim) store.Summary {
	return store.Summary{ID: "sum_" + docID, DocumentID: docID, Claims: claims}
}

func newAggService(st *fakeStore, classifier ai.Client, q *fakeEnqueuer) *Service {
	return New(st, classifier, q, Options{FreshnessWindow: time.Hour, TrendEpsilon: 0.02, MaxClaimPairs: 40}, nil)
}

func TestAggregateRequiresTwoEvaluatedDocuments(t *testing.T) {
	st := newAggStore()
	st.docs = []store.Document{evaluatedDoc("d1", "A", nil), doc("d2", "B", ptr("d1"))}

	err := newAggService(st, &fakeClassifier{}, &fakeEnqueuer{}).Aggregate(context.Background(), "top_1")

	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PreconditionError, got %v", err)
	}
	if perr.Evaluated != 1 || perr.Required != 2 {
		t.Fatalf("unexpected precondition detail: %+v", perr)
	}
	if len(st.snapshots) != 0 {
		t.Fatalf("no snapshot may be written below the precondition")
	}
}

func TestAggregateRecordsDisagreementOverReplyPath(t *testing.T) {
	st := newAggStore()
	st.docs = []store.Document{
		evaluatedDoc("d1", "A", nil),
		evaluatedDoc("d2", "B", ptr("d1")),
	}
	st.summaries = []store.Summary{
		summaryWith("d1", store.Claim{Text: "X is true", Author: "A", DocumentID: "d1"}),
		summaryWith("d2", store.Claim{Text: "X is false", Author: "B", DocumentID: "d2"}),
	}
	classifier := &fakeClassifier{relations: map[string]ai.Relation{
		"X is true|X is false": ai.RelationContradicts,
	}}

	if err := newAggService(st, classifier, &fakeEnqueuer{}).Aggregate(context.Background(), "top_1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	pc, ok := st.pairs[Pair{A: "A", B: "B"}]
	if !ok {
		t.Fatalf("expected a stored pair aggregate, got %v", st.pairs)
	}
	if pc.DivergenceScore <= 0 {
		t.Fatalf("divergence score must be positive, got %f", pc.DivergenceScore)
	}
	if len(pc.DisagreementPoints) != 1 || pc.DisagreementPoints[0] != "X is false" {
		t.Fatalf("disagreement points = %v", pc.DisagreementPoints)
	}
	if len(st.snapshots) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(st.snapshots))
	}
	if st.snapshots[0].InputHash == "" {
		t.Fatalf("snapshot must record its input hash")
	}
}

func TestAggregateCountsEquivalentAsConsensus(t *testing.T) {
	st := newAggStore()
	st.docs = []store.Document{
		evaluatedDoc("d1", "A", nil),
		evaluatedDoc("d2", "B", ptr("d1")),
	}
	st.summaries = []store.Summary{
		summaryWith("d1", store.Claim{Text: "rates rose", Author: "A", DocumentID: "d1"}),
		summaryWith("d2", store.Claim{Text: "rates went up", Author: "B", DocumentID: "d2"}),
	}
	classifier := &fakeClassifier{relations: map[string]ai.Relation{
		"rates rose|rates went up": ai.RelationEquivalent,
	}}

	if err := newAggService(st, classifier, &fakeEnqueuer{}).Aggregate(context.Background(), "top_1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	pc := st.pairs[Pair{A: "A", B: "B"}]
	if pc.ConsensusScore != 1 {
		t.Fatalf("consensus score = %f, want 1 (single equivalent pair)", pc.ConsensusScore)
	}
	if pc.DivergenceScore != 0 {
		t.Fatalf("divergence score = %f, want 0", pc.DivergenceScore)
	}
}

func TestAggregateSkipsContradictionWithoutReplyPath(t *testing.T) {
	// A and B are paired through d1/d2. A's claim in d3 has no path to d2,
	// so a contradiction between those documents stays unverified.
	st := newAggStore()
	st.docs = []store.Document{
		evaluatedDoc("d1", "A", nil),
		evaluatedDoc("d2", "B", ptr("d1")),
		evaluatedDoc("d3", "A", nil),
	}
	st.summaries = []store.Summary{
		summaryWith("d1", store.Claim{Text: "claim one", Author: "A", DocumentID: "d1"}),
		summaryWith("d2", store.Claim{Text: "reply claim", Author: "B", DocumentID: "d2"}),
		summaryWith("d3", store.Claim{Text: "side claim", Author: "A", DocumentID: "d3"}),
	}
	classifier := &fakeClassifier{relations: map[string]ai.Relation{
		"side claim|reply claim": ai.RelationContradicts,
		"reply claim|side claim": ai.RelationContradicts,
	}}

	if err := newAggService(st, classifier, &fakeEnqueuer{}).Aggregate(context.Background(), "top_1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	pc := st.pairs[Pair{A: "A", B: "B"}]
	if len(pc.DisagreementPoints) != 0 {
		t.Fatalf("pathless contradiction must not count, got %v", pc.DisagreementPoints)
	}
	if pc.DivergenceScore != 0 {
		t.Fatalf("divergence score = %f, want 0", pc.DivergenceScore)
	}
}

type countingClassifier struct {
	fakeClassifier
	calls int
}

func (c *countingClassifier) ClassifyClaims(ctx context.Context, a, b string) (ai.Classification, error) {
	c.calls++
	return c.fakeClassifier.ClassifyClaims(ctx, a, b)
}

func TestAggregateCapsClassificationsAcrossAllClaims(t *testing.T) {
	st := newAggStore()
	st.docs = []store.Document{
		evaluatedDoc("d1", "A", nil),
		evaluatedDoc("d2", "B", ptr("d1")),
	}
	var claimsA, claimsB []store.Claim
	for i := 0; i < 3; i++ {
		claimsA = append(claimsA, store.Claim{Text: fmt.Sprintf("a%d", i), Author: "A", DocumentID: "d1"})
		claimsB = append(claimsB, store.Claim{Text: fmt.Sprintf("b%d", i), Author: "B", DocumentID: "d2"})
	}
	st.summaries = []store.Summary{summaryWith("d1", claimsA...), summaryWith("d2", claimsB...)}

	// Nine candidate pairs, capped at three. The cap bounds the whole pair
	// walk, not just one inner row.
	classifier := &countingClassifier{}
	svc := New(st, classifier, &fakeEnqueuer{}, Options{FreshnessWindow: time.Hour, TrendEpsilon: 0.02, MaxClaimPairs: 3}, nil)
	if err := svc.Aggregate(context.Background(), "top_1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if classifier.calls != 3 {
		t.Fatalf("classification calls = %d, want exactly 3", classifier.calls)
	}
}

func TestSnapshotTrend(t *testing.T) {
	st := newAggStore()
	st.docs = []store.Document{
		evaluatedDoc("d1", "A", nil),
		evaluatedDoc("d2", "B", ptr("d1")),
	}
	st.summaries = []store.Summary{
		summaryWith("d1", store.Claim{Text: "p", Author: "A", DocumentID: "d1"}),
		summaryWith("d2", store.Claim{Text: "q", Author: "B", DocumentID: "d2"}),
	}
	classifier := &fakeClassifier{relations: map[string]ai.Relation{
		"p|q": ai.RelationEquivalent,
	}}
	svc := newAggService(st, classifier, &fakeEnqueuer{})
	ctx := context.Background()

	// First run has no prior snapshot to compare with.
	if err := svc.Aggregate(ctx, "top_1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if st.snapshots[0].Trend != TrendStable {
		t.Fatalf("first snapshot trend = %s, want stable", st.snapshots[0].Trend)
	}

	// Seed a lower previous consensus so the next run converges.
	st.snapshots[0].ConsensusScore = 0.2
	if err := svc.Aggregate(ctx, "top_1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if st.snapshots[1].Trend != TrendConverging {
		t.Fatalf("second snapshot trend = %s, want converging", st.snapshots[1].Trend)
	}

	// Identical scores within epsilon read as stable.
	if err := svc.Aggregate(ctx, "top_1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if st.snapshots[2].Trend != TrendStable {
		t.Fatalf("third snapshot trend = %s, want stable", st.snapshots[2].Trend)
	}
}

func TestPairConsensusReadPath(t *testing.T) {
	st := newAggStore()
	q := &fakeEnqueuer{}
	svc := newAggService(st, &fakeClassifier{}, q)
	ctx := context.Background()

	// Missing row: queue a recompute, report analyzing.
	result, err := svc.PairConsensus(ctx, "top_1", "B", "A")
	if err != nil {
		t.Fatalf("pair consensus: %v", err)
	}
	if result.Found || !result.Analyzing {
		t.Fatalf("missing row: got %+v, want analyzing only", result)
	}
	if len(q.jobs) != 1 || q.jobs[0] != JobAggregate {
		t.Fatalf("expected one queued aggregation, got %v", q.jobs)
	}

	// Fresh row: served without queueing.
	st.pairs[Pair{A: "A", B: "B"}] = store.UserPairConsensus{
		TopicID: "top_1", UserA: "A", UserB: "B", ConsensusScore: 0.5, LastAnalyzedAt: time.Now(),
	}
	result, err = svc.PairConsensus(ctx, "top_1", "B", "A")
	if err != nil {
		t.Fatalf("pair consensus: %v", err)
	}
	if !result.Found || result.Analyzing {
		t.Fatalf("fresh row: got %+v, want found without analyzing", result)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("fresh read must not queue, got %v", q.jobs)
	}

	// Stale row: served, but a recompute is queued.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	result, err = svc.PairConsensus(ctx, "top_1", "A", "B")
	if err != nil {
		t.Fatalf("pair consensus: %v", err)
	}
	if !result.Found || !result.Analyzing {
		t.Fatalf("stale row: got %+v, want found and analyzing", result)
	}
	if len(q.jobs) != 2 {
		t.Fatalf("stale read must queue a recompute, got %v", q.jobs)
	}

	if _, err := svc.PairConsensus(ctx, "top_1", "A", "A"); err == nil {
		t.Fatalf("self-pair must be rejected")
	}
}

package consensus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"agora/api/internal/ai"
	"agora/api/internal/queue"
	"agora/api/internal/store"
)

const (
	TrendConverging = "converging"
	TrendDiverging  = "diverging"
	TrendStable     = "stable"
)

// minEvaluated is how many fully evaluated documents a topic needs before
// aggregation is meaningful.
const minEvaluated = 2

type dataStore interface {
	ListTopicDocuments(context.Context, string) ([]store.Document, error)
	LatestSummariesForTopic(context.Context, string) ([]store.Summary, error)
	UpsertPairConsensus(context.Context, store.UserPairConsensus) error
	GetPairConsensus(context.Context, string, string, string) (store.UserPairConsensus, error)
	ListPairConsensus(context.Context, string) ([]store.UserPairConsensus, error)
	InsertSnapshot(context.Context, store.ConsensusSnapshot) error
	LatestSnapshot(context.Context, string) (store.ConsensusSnapshot, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

type Options struct {
	// FreshnessWindow is how old a stored pair aggregate may be before a
	// read treats it as stale and triggers recomputation.
	FreshnessWindow time.Duration
	// TrendEpsilon is the minimum score movement that counts as a trend.
	TrendEpsilon float64
	// MaxClaimPairs caps the classification calls per author pair.
	MaxClaimPairs int
}

type Service struct {
	store  dataStore
	ai     ai.Client
	queue  enqueuer
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(dataStore dataStore, aiClient ai.Client, q enqueuer, opts Options, logger *slog.Logger) *Service {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = time.Hour
	}
	if opts.TrendEpsilon <= 0 {
		opts.TrendEpsilon = 0.02
	}
	if opts.MaxClaimPairs <= 0 {
		opts.MaxClaimPairs = 40
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: dataStore, ai: aiClient, queue: q, opts: opts, logger: logger, now: time.Now}
}

func (s *Service) RegisterHandlers(w *queue.Worker) {
	w.Register(JobAggregate, func(ctx context.Context, payload json.RawMessage) error {
		var job TopicJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decode aggregate payload: %w", err)
		}
		return s.Aggregate(ctx, job.TopicID)
	})
}

// bucketCounts tallies the classified claim relationships for one pair.
type bucketCounts struct {
	consensusPoints    []string
	disagreementPoints []string
	consensus          int
	disagreement       int
	unverified         int
}

func (b bucketCounts) scores() (consensus, divergence float64) {
	total := b.consensus + b.disagreement + b.unverified
	if total == 0 {
		return 0, 0
	}
	return float64(b.consensus) / float64(total), float64(b.disagreement) / float64(total)
}

// Aggregate recomputes every identified pair's consensus for the topic and
// appends one topic-level snapshot. Refused with *PreconditionError when
// fewer than two documents have completed evaluation.
func (s *Service) Aggregate(ctx context.Context, topicID string) error {
	docs, err := s.store.ListTopicDocuments(ctx, topicID)
	if err != nil {
		return fmt.Errorf("list documents for %s: %w", topicID, err)
	}

	evaluated := 0
	for _, d := range docs {
		if d.EvaluateStatus == store.StageCompleted {
			evaluated++
		}
	}
	if evaluated < minEvaluated {
		return &PreconditionError{TopicID: topicID, Evaluated: evaluated, Required: minEvaluated}
	}

	summaries, err := s.store.LatestSummariesForTopic(ctx, topicID)
	if err != nil {
		return fmt.Errorf("load summaries for %s: %w", topicID, err)
	}

	byID := make(map[string]store.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	claimsByAuthor := make(map[string][]store.Claim)
	for _, sum := range summaries {
		doc, ok := byID[sum.DocumentID]
		if !ok {
			continue
		}
		claimsByAuthor[doc.AuthorID] = append(claimsByAuthor[doc.AuthorID], sum.Claims...)
	}

	pairs := IdentifyPairs(docs)
	var topicTotal bucketCounts
	for _, pair := range pairs {
		claimsA := claimsByAuthor[pair.A]
		claimsB := claimsByAuthor[pair.B]
		if len(claimsA) == 0 || len(claimsB) == 0 {
			continue
		}
		buckets := s.classifyPair(ctx, byID, claimsA, claimsB)
		consensusScore, divergenceScore := buckets.scores()

		if err := s.store.UpsertPairConsensus(ctx, store.UserPairConsensus{
			TopicID:            topicID,
			UserA:              pair.A,
			UserB:              pair.B,
			ConsensusPoints:    buckets.consensusPoints,
			DisagreementPoints: buckets.disagreementPoints,
			ConsensusScore:     consensusScore,
			DivergenceScore:    divergenceScore,
		}); err != nil {
			return fmt.Errorf("persist pair %s/%s in %s: %w", pair.A, pair.B, topicID, err)
		}

		topicTotal.consensus += buckets.consensus
		topicTotal.disagreement += buckets.disagreement
		topicTotal.unverified += buckets.unverified
		topicTotal.consensusPoints = append(topicTotal.consensusPoints, buckets.consensusPoints...)
		topicTotal.disagreementPoints = append(topicTotal.disagreementPoints, buckets.disagreementPoints...)
	}

	return s.snapshot(ctx, topicID, topicTotal, docs, summaries)
}

// classifyPair relates each candidate claim pair across the two authors.
// Disagreement requires a reply path between the claims' documents; an
// equivalent classification counts as consensus regardless of path. Claims
// that never land in either bucket stay unverified.
func (s *Service) classifyPair(ctx context.Context, byID map[string]store.Document, claimsA, claimsB []store.Claim) bucketCounts {
	var buckets bucketCounts
	related := make(map[string]bool)
	calls := 0

pairs:
	for _, ca := range claimsA {
		for _, cb := range claimsB {
			if calls >= s.opts.MaxClaimPairs {
				break pairs
			}
			calls++

			// Orient the pair so the ancestor-side claim comes first.
			first, second := ca, cb
			hasPath := true
			switch {
			case isReplyAncestor(byID, ca.DocumentID, cb.DocumentID):
			case isReplyAncestor(byID, cb.DocumentID, ca.DocumentID):
				first, second = cb, ca
			default:
				hasPath = false
			}

			result, err := s.ai.ClassifyClaims(ctx, first.Text, second.Text)
			if err != nil {
				// Upstream degradation leaves the relationship unverified.
				s.logger.Warn("claim classification failed",
					"documentA", ca.DocumentID, "documentB", cb.DocumentID, "error", err)
				continue
			}
			switch result.Relation {
			case ai.RelationEquivalent:
				buckets.consensus++
				buckets.consensusPoints = append(buckets.consensusPoints, first.Text)
				related[claimKey(ca)] = true
				related[claimKey(cb)] = true
			case ai.RelationContradicts:
				if !hasPath {
					continue
				}
				buckets.disagreement++
				buckets.disagreementPoints = append(buckets.disagreementPoints, second.Text)
				related[claimKey(ca)] = true
				related[claimKey(cb)] = true
			}
		}
	}

	for _, c := range claimsA {
		if !related[claimKey(c)] {
			buckets.unverified++
		}
	}
	for _, c := range claimsB {
		if !related[claimKey(c)] {
			buckets.unverified++
		}
	}
	return buckets
}

func claimKey(c store.Claim) string {
	return c.DocumentID + "\x00" + c.Text
}

type keyPoints struct {
	Consensus    []string `json:"consensus"`
	Disagreement []string `json:"disagreement"`
}

func (s *Service) snapshot(ctx context.Context, topicID string, total bucketCounts, docs []store.Document, summaries []store.Summary) error {
	consensusScore, divergenceScore := total.scores()

	trend := TrendStable
	previous, err := s.store.LatestSnapshot(ctx, topicID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load previous snapshot for %s: %w", topicID, err)
	case consensusScore-previous.ConsensusScore > s.opts.TrendEpsilon:
		trend = TrendConverging
	case divergenceScore-previous.DivergenceScore > s.opts.TrendEpsilon:
		trend = TrendDiverging
	}

	points, err := json.Marshal(keyPoints{
		Consensus:    topN(total.consensusPoints, 5),
		Disagreement: topN(total.disagreementPoints, 5),
	})
	if err != nil {
		return fmt.Errorf("marshal key points for %s: %w", topicID, err)
	}

	snap := store.ConsensusSnapshot{
		TopicID:         topicID,
		ConsensusScore:  consensusScore,
		DivergenceScore: divergenceScore,
		Trend:           trend,
		KeyPoints:       points,
		InputHash:       inputHash(docs, summaries),
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("append snapshot for %s: %w", topicID, err)
	}
	s.logger.Info("consensus snapshot appended",
		"topic", topicID, "consensus", consensusScore, "divergence", divergenceScore, "trend", trend)
	return nil
}

func topN(points []string, n int) []string {
	if points == nil {
		return []string{}
	}
	if len(points) > n {
		return points[:n]
	}
	return points
}

// inputHash fingerprints the aggregation input: the evaluated document set
// and the summary rows the claims came from. A later read comparing hashes
// can tell whether the snapshot was computed against content since edited.
func inputHash(docs []store.Document, summaries []store.Summary) string {
	type input struct {
		DocumentID string `json:"documentId"`
		SummaryID  string `json:"summaryId"`
	}
	latest := make(map[string]string, len(summaries))
	for _, sum := range summaries {
		latest[sum.DocumentID] = sum.ID
	}
	inputs := make([]input, 0, len(docs))
	for _, d := range docs {
		if d.EvaluateStatus != store.StageCompleted {
			continue
		}
		inputs = append(inputs, input{DocumentID: d.ID, SummaryID: latest[d.ID]})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].DocumentID < inputs[j].DocumentID })
	payload, err := json.Marshal(inputs)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// PairResult is what the read path returns: the stored aggregate (if any)
// plus whether a recomputation is pending.
type PairResult struct {
	Consensus store.UserPairConsensus
	Found     bool
	Analyzing bool
}

// PairConsensus serves a pair aggregate, enqueueing recomputation when the
// stored row is missing or older than the freshness window. Recomputation
// never runs inline on the read path.
func (s *Service) PairConsensus(ctx context.Context, topicID, x, y string) (PairResult, error) {
	pair, ok := CanonicalPair(x, y)
	if !ok {
		return PairResult{}, fmt.Errorf("cannot pair a user with themselves")
	}

	pc, err := s.store.GetPairConsensus(ctx, topicID, pair.A, pair.B)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := s.queue.Enqueue(ctx, JobAggregate, TopicJob{TopicID: topicID}); err != nil {
			return PairResult{}, fmt.Errorf("enqueue aggregation for %s: %w", topicID, err)
		}
		return PairResult{Analyzing: true}, nil
	}
	if err != nil {
		return PairResult{}, fmt.Errorf("load pair consensus: %w", err)
	}

	if s.now().Sub(pc.LastAnalyzedAt) > s.opts.FreshnessWindow {
		if _, err := s.queue.Enqueue(ctx, JobAggregate, TopicJob{TopicID: topicID}); err != nil {
			return PairResult{}, fmt.Errorf("enqueue aggregation for %s: %w", topicID, err)
		}
		return PairResult{Consensus: pc, Found: true, Analyzing: true}, nil
	}
	return PairResult{Consensus: pc, Found: true}, nil
}

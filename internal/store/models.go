package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

type Topic struct {
	ID         string
	Title      string
	Discipline string
	CreatedBy  string
	CreatedAt  time.Time
}

// StageStatus is one slot of a document's three-stage status map.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Stage names, in dependency order.
const (
	StageExtract   = "extract"
	StageSummarize = "summarize"
	StageEvaluate  = "evaluate"
)

type Document struct {
	ID              string
	TopicID         string
	AuthorID        string
	ParentID        *string
	ContentKey      string
	ExtractedText   string
	ExtractStatus   StageStatus
	SummarizeStatus StageStatus
	EvaluateStatus  StageStatus
	StageErrorStage string
	StageErrorMsg   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StageOf returns the named stage slot.
func (d Document) StageOf(stage string) StageStatus {
	switch stage {
	case StageExtract:
		return d.ExtractStatus
	case StageSummarize:
		return d.SummarizeStatus
	case StageEvaluate:
		return d.EvaluateStatus
	}
	return ""
}

// Claim is one atomic assertion lifted from a document, tagged with its
// origin so the aggregator can attribute it to a participant.
type Claim struct {
	Text       string `json:"text"`
	Author     string `json:"author"`
	DocumentID string `json:"documentId"`
}

// Summary rows are append-only; the most recent row per document is
// authoritative.
type Summary struct {
	ID         string
	DocumentID string
	Title      string
	Overview   string
	Claims     []Claim
	Keywords   []string
	CreatedAt  time.Time
}

type Evaluation struct {
	ID         string
	DocumentID string
	Scores     map[string]float64
	Verdict    string
	CreatedAt  time.Time
}

type Trace struct {
	ID          string
	TopicID     string
	EditorID    string
	Body        string
	Status      string
	Version     int
	ContentHash string
	// CitationsJSON mirrors the citation rows for fast reads; rewritten on
	// every successful edit.
	CitationsJSON json.RawMessage
	PublishedAt   *time.Time
	ApprovedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Citation struct {
	ID        string `json:"id"`
	TraceID   string `json:"-"`
	Order     int    `json:"order"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Quote     string `json:"quote"`
	Author    string `json:"author"`
	Publisher string `json:"publisher"`
	Year      int    `json:"year"`
}

type TraceAnalysis struct {
	TraceID   string
	Payload   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserPairConsensus is keyed by (topic, canonical pair): UserA < UserB.
type UserPairConsensus struct {
	TopicID            string
	UserA              string
	UserB              string
	ConsensusPoints    []string
	DisagreementPoints []string
	ConsensusScore     float64
	DivergenceScore    float64
	LastAnalyzedAt     time.Time
}

type ConsensusSnapshot struct {
	ID              int64
	TopicID         string
	ConsensusScore  float64
	DivergenceScore float64
	Trend           string
	KeyPoints       json.RawMessage
	InputHash       string
	CreatedAt       time.Time
}

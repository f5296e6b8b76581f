// Package export renders the consensus report for a topic as a PDF: the
// overall agreement picture, every participant pair with its shared and
// contested points, and the recent snapshot history.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"agora/api/internal/store"
)

const snapshotHistoryLimit = 10

// Result is the generated artifact handed back to the HTTP layer.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates the headless browser is not installed.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")

// ErrNoConsensusData indicates the topic has no aggregation results yet.
var ErrNoConsensusData = errors.New("no consensus data for topic")

type DataStore interface {
	GetTopic(ctx context.Context, topicID string) (store.Topic, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListPairConsensus(ctx context.Context, topicID string) ([]store.UserPairConsensus, error)
	ListSnapshots(ctx context.Context, topicID string, limit int) ([]store.ConsensusSnapshot, error)
}

type Service struct {
	store DataStore
}

func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// ConsensusReport builds the report for a topic and renders it to PDF.
func (s *Service) ConsensusReport(ctx context.Context, topicID string) (*Result, error) {
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	pairs, err := s.store.ListPairConsensus(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	if len(pairs) == 0 {
		return nil, ErrNoConsensusData
	}
	snapshots, err := s.store.ListSnapshots(ctx, topicID, snapshotHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	names := map[string]string{}
	displayName := func(userID string) string {
		if name, ok := names[userID]; ok {
			return name
		}
		name := userID
		if user, err := s.store.GetUserByID(ctx, userID); err == nil && user.DisplayName != "" {
			name = user.DisplayName
		}
		names[userID] = name
		return name
	}

	data := reportData{
		TopicTitle:  topic.Title,
		Discipline:  topic.Discipline,
		GeneratedAt: time.Now(),
	}
	for _, p := range pairs {
		data.Pairs = append(data.Pairs, reportPair{
			NameA:              displayName(p.UserA),
			NameB:              displayName(p.UserB),
			ConsensusScore:     p.ConsensusScore,
			DivergenceScore:    p.DivergenceScore,
			ConsensusPoints:    p.ConsensusPoints,
			DisagreementPoints: p.DisagreementPoints,
		})
	}
	for _, snap := range snapshots {
		data.Snapshots = append(data.Snapshots, reportSnapshot{
			ConsensusScore:  snap.ConsensusScore,
			DivergenceScore: snap.DivergenceScore,
			Trend:           snap.Trend,
			CreatedAt:       snap.CreatedAt,
		})
	}
	if len(data.Snapshots) > 0 {
		data.Latest = &data.Snapshots[0]
	}

	html, err := renderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return renderPDF(html, topic.Title+" consensus report")
}

type reportData struct {
	TopicTitle  string
	Discipline  string
	GeneratedAt time.Time
	Latest      *reportSnapshot
	Pairs       []reportPair
	Snapshots   []reportSnapshot
}

type reportPair struct {
	NameA              string
	NameB              string
	ConsensusScore     float64
	DivergenceScore    float64
	ConsensusPoints    []string
	DisagreementPoints []string
}

type reportSnapshot struct {
	ConsensusScore  float64
	DivergenceScore float64
	Trend           string
	CreatedAt       time.Time
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"percent": func(score float64) string { return fmt.Sprintf("%.0f%%", score*100) },
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(reportHTML))

func renderReportHTML(data reportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.TopicTitle}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .scores { font-size: 1.1em; margin: 1rem 0; }
    .pair { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .pair h3 { margin-top: 0; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; }
    ul { margin: 0.3rem 0; }
  </style>
</head>
<body>
  <h1>{{.TopicTitle}}</h1>
  <div class="meta">{{.Discipline}} | generated {{formatDate .GeneratedAt "Jan 2, 2006 15:04"}}</div>

  {{if .Latest}}
  <div class="scores">
    Consensus {{percent .Latest.ConsensusScore}} &middot;
    Divergence {{percent .Latest.DivergenceScore}} &middot;
    Trend: {{.Latest.Trend}}
  </div>
  {{end}}

  <h2>Participant pairs</h2>
  {{range .Pairs}}
  <div class="pair">
    <h3>{{.NameA}} &amp; {{.NameB}}</h3>
    <div>Consensus {{percent .ConsensusScore}} &middot; Divergence {{percent .DivergenceScore}}</div>
    {{if .ConsensusPoints}}
    <h4>Shared points</h4>
    <ul>{{range .ConsensusPoints}}<li>{{.}}</li>{{end}}</ul>
    {{end}}
    {{if .DisagreementPoints}}
    <h4>Contested points</h4>
    <ul>{{range .DisagreementPoints}}<li>{{.}}</li>{{end}}</ul>
    {{end}}
  </div>
  {{end}}

  {{if .Snapshots}}
  <h2>History</h2>
  <table>
    <tr><th>Taken</th><th>Consensus</th><th>Divergence</th><th>Trend</th></tr>
    {{range .Snapshots}}
    <tr>
      <td>{{formatDate .CreatedAt "Jan 2, 2006 15:04"}}</td>
      <td>{{percent .ConsensusScore}}</td>
      <td>{{percent .DivergenceScore}}</td>
      <td>{{.Trend}}</td>
    </tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`

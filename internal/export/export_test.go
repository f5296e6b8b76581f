package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"agora/api/internal/store"
)

type fakeStore struct {
	topic     store.Topic
	users     map[string]store.User
	pairs     []store.UserPairConsensus
	snapshots []store.ConsensusSnapshot
}

func (f *fakeStore) GetTopic(context.Context, string) (store.Topic, error) { return f.topic, nil }

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) ListPairConsensus(context.Context, string) ([]store.UserPairConsensus, error) {
	return f.pairs, nil
}

func (f *fakeStore) ListSnapshots(context.Context, string, int) ([]store.ConsensusSnapshot, error) {
	return f.snapshots, nil
}

func TestRenderReportHTML(t *testing.T) {
	data := reportData{
		TopicTitle:  "Carbon pricing",
		Discipline:  "economics",
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Pairs: []reportPair{{
			NameA:              "Avery",
			NameB:              "Blake",
			ConsensusScore:     0.75,
			DivergenceScore:    0.25,
			ConsensusPoints:    []string{"A carbon tax changes producer behavior"},
			DisagreementPoints: []string{"Border adjustments are enforceable"},
		}},
		Snapshots: []reportSnapshot{{
			ConsensusScore:  0.75,
			DivergenceScore: 0.25,
			Trend:           "converging",
			CreatedAt:       time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		}},
	}
	data.Latest = &data.Snapshots[0]

	html, err := renderReportHTML(data)
	if err != nil {
		t.Fatalf("renderReportHTML() error = %v", err)
	}
	for _, want := range []string{
		"Carbon pricing",
		"Avery",
		"Blake",
		"75%",
		"converging",
		"A carbon tax changes producer behavior",
		"Border adjustments are enforceable",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered report missing %q", want)
		}
	}
}

func TestConsensusReportRequiresData(t *testing.T) {
	svc := NewService(&fakeStore{topic: store.Topic{ID: "top_1", Title: "Empty"}})
	_, err := svc.ConsensusReport(context.Background(), "top_1")
	if !errors.Is(err, ErrNoConsensusData) {
		t.Fatalf("expected ErrNoConsensusData, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Carbon pricing consensus report", "Carbon-pricing-consensus-report"},
		{"Taxes & tariffs: a review!", "Taxes--tariffs-a-review"},
		{"", "report"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.input); got != tt.expected {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("<p>a b</p>")
	if strings.Contains(got, "+") {
		t.Fatalf("spaces must encode as %%20, got %q", got)
	}
	if !strings.Contains(got, "%20") {
		t.Fatalf("expected %%20 in %q", got)
	}
	if !strings.Contains(got, "%3C") {
		t.Fatalf("expected angle bracket to be percent-encoded in %q", got)
	}
}

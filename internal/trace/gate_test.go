package trace

import (
	"errors"
	"strings"
	"testing"

	"agora/api/internal/store"
)

func longBody(n int) string {
	return strings.Repeat("a", n)
}

func TestPublishGatePasses(t *testing.T) {
	citations := []store.Citation{
		{Order: 1, URL: "https://example.org/paper", Title: "Paper"},
		{Order: 2, Publisher: "Journal of Examples", Title: "Book"},
	}
	if err := PublishGate(longBody(200), citations, 140); err != nil {
		t.Fatalf("expected gate to pass, got %v", err)
	}
}

func TestPublishGateCollectsAllViolations(t *testing.T) {
	citations := []store.Citation{
		{Order: 1},                                      // neither URL nor publisher
		{Order: 2, URL: "ftp://example.org/file"},       // wrong scheme
		{Order: 3, URL: "http://localhost:8080/secret"}, // loopback
	}
	err := PublishGate(longBody(10), citations, 140)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Violations) != 4 {
		t.Fatalf("expected 4 violations (short body + 3 citation problems), got %d: %v",
			len(verr.Violations), verr.Violations)
	}
}

func TestPublishGateRequiresCitations(t *testing.T) {
	err := PublishGate(longBody(200), nil, 140)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Violations) != 1 {
		t.Fatalf("expected exactly the missing-citation violation, got %v", verr.Violations)
	}
}

func TestPublishGateRejectsPrivateHosts(t *testing.T) {
	bad := []string{
		"http://127.0.0.1/x",
		"http://10.0.0.4/x",
		"http://192.168.1.1/x",
		"http://printer.local/x",
		"http://db.internal/x",
		"http://[::1]/x",
	}
	for _, u := range bad {
		err := PublishGate(longBody(200), []store.Citation{{Order: 1, URL: u}}, 140)
		if err == nil {
			t.Errorf("expected %s to be rejected", u)
		}
	}

	if err := PublishGate(longBody(200), []store.Citation{{Order: 1, URL: "https://arxiv.org/abs/1"}}, 140); err != nil {
		t.Errorf("public host rejected: %v", err)
	}
}

func TestPublishGateAllowsPublisherOnlyCitation(t *testing.T) {
	citations := []store.Citation{{Order: 1, Publisher: "Printed Monograph Press"}}
	if err := PublishGate(longBody(200), citations, 140); err != nil {
		t.Fatalf("publisher-only citation should pass, got %v", err)
	}
}

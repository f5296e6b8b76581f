package trace

import "testing"

func TestTransitionTableClosure(t *testing.T) {
	all := []Status{StatusDraft, StatusPublished, StatusAnalyzing, StatusApproved}
	allowed := map[[2]Status]bool{
		{StatusDraft, StatusDraft}:         true,
		{StatusDraft, StatusPublished}:     true,
		{StatusPublished, StatusAnalyzing}: true,
		{StatusPublished, StatusApproved}:  true,
		{StatusPublished, StatusPublished}: true,
		{StatusAnalyzing, StatusPublished}: true,
		{StatusAnalyzing, StatusApproved}:  true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestApprovedIsTerminal(t *testing.T) {
	for _, to := range []Status{StatusDraft, StatusPublished, StatusAnalyzing, StatusApproved} {
		if CanTransition(StatusApproved, to) {
			t.Errorf("approved must have no outgoing transition, but %s is allowed", to)
		}
	}
}

func TestValidStatus(t *testing.T) {
	if !ValidStatus(StatusAnalyzing) {
		t.Errorf("analyzing should be a valid status")
	}
	if ValidStatus(Status("archived")) {
		t.Errorf("archived is not a lifecycle state")
	}
}

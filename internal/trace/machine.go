package trace

// Status is a trace's lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusAnalyzing Status = "analyzing"
	StatusApproved  Status = "approved"
)

// transitions is the complete lifecycle table. Approved is terminal.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusDraft, StatusPublished},
	StatusPublished: {StatusAnalyzing, StatusApproved, StatusPublished},
	StatusAnalyzing: {StatusPublished, StatusApproved},
	StatusApproved:  {},
}

// CanTransition reports whether target is reachable from current.
func CanTransition(current, target Status) bool {
	for _, allowed := range transitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s names a lifecycle state at all.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

package consensus

import "fmt"

// PreconditionError refuses aggregation when too few documents in the topic
// have completed the evaluate stage.
type PreconditionError struct {
	TopicID   string
	Evaluated int
	Required  int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("topic %s has %d evaluated documents, need %d", e.TopicID, e.Evaluated, e.Required)
}

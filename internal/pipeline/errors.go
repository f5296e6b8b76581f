package pipeline

import (
	"errors"
	"fmt"
)

// errStageAlreadyCompleted signals a re-delivered job whose work is already
// done; handlers treat it as a successful no-op.
var errStageAlreadyCompleted = errors.New("stage already completed")

// StageError is a per-document, per-stage failure. It is recorded on the
// document row before being returned, so the failure stays visible on
// subsequent reads regardless of what the queue does with the job.
type StageError struct {
	DocumentID string
	Stage      string
	Message    string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for document %s: %s", e.Stage, e.DocumentID, e.Message)
}

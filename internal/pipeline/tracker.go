package pipeline

import (
	"context"
	"errors"
	"fmt"

	"agora/api/internal/store"
)

// prerequisite returns the stage that must be completed before the given
// stage may run; empty for the first stage.
func prerequisite(stage string) string {
	switch stage {
	case store.StageSummarize:
		return store.StageExtract
	case store.StageEvaluate:
		return store.StageSummarize
	}
	return ""
}

// beginStage decides whether a delivered stage job should run. A completed
// slot means a re-delivery: skip without error. An unmet prerequisite is
// recorded as a stage failure and returned so the queue's retry policy can
// reschedule the job after the prerequisite lands.
func (s *Service) beginStage(ctx context.Context, doc store.Document, stage string) error {
	if doc.StageOf(stage) == store.StageCompleted {
		return errStageAlreadyCompleted
	}
	prereq := prerequisite(stage)
	if prereq == "" {
		return nil
	}
	if doc.StageOf(prereq) != store.StageCompleted {
		return s.failStage(ctx, doc.ID, stage, fmt.Sprintf("prerequisite stage %s is %s", prereq, doc.StageOf(prereq)))
	}
	return nil
}

// completeStage flips the slot to completed. The store enforces the
// prerequisite again inside the UPDATE, so a stale in-memory read cannot
// complete a slot out of order; a rejected guard is recorded as a failure.
func (s *Service) completeStage(ctx context.Context, documentID, stage string) error {
	ok, err := s.store.MarkStageCompleted(ctx, documentID, stage)
	if err != nil {
		return fmt.Errorf("mark %s completed: %w", stage, err)
	}
	if !ok {
		return s.failStage(ctx, documentID, stage, "completion rejected: prerequisite no longer satisfied")
	}
	return nil
}

// failStage records the failure on the document and returns it as a
// *StageError. Recording errors are logged, never silently dropped.
func (s *Service) failStage(ctx context.Context, documentID, stage, message string) error {
	stageErr := &StageError{DocumentID: documentID, Stage: stage, Message: message}
	if err := s.store.MarkStageFailed(ctx, documentID, stage, message); err != nil {
		s.logger.Error("recording stage failure failed",
			"document", documentID, "stage", stage, "error", err)
		return errors.Join(stageErr, err)
	}
	return stageErr
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// seedOutputBatch validates an input batch and attaches a pending output
// batch with one pending output per input.
func seedOutputBatch(t *testing.T, s *Store, sectionCount int) (*SectionOutputBatch, []*SectionOutput) {
	t.Helper()
	ctx := context.Background()
	inputBatch, inputs := seedInputBatch(t, s, sectionCount)
	require.NoError(t, s.ValidateInputBatch(ctx, inputBatch.ID, "hash-"+inputBatch.ID.String()))

	batch := &SectionOutputBatch{
		InputBatchID:  inputBatch.ID,
		DocumentID:    inputBatch.DocumentID,
		VersionIntent: inputBatch.VersionIntent,
		TotalSections: sectionCount,
	}
	require.NoError(t, s.CreateOutputBatch(ctx, batch))

	outputs := make([]*SectionOutput, 0, sectionCount)
	for i, in := range inputs {
		o := &SectionOutput{
			BatchID:           batch.ID,
			GenerationInputID: in.ID,
			SectionID:         in.SectionID,
			SequenceOrder:     i,
			MaxRetries:        3,
		}
		require.NoError(t, s.CreateSectionOutput(ctx, o))
		outputs = append(outputs, o)
	}
	return batch, outputs
}

func TestCreateOutputBatchUniquePerInputBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, _ := seedOutputBatch(t, s, 1)

	dup := &SectionOutputBatch{
		InputBatchID:  batch.InputBatchID,
		DocumentID:    batch.DocumentID,
		VersionIntent: batch.VersionIntent,
		TotalSections: 1,
	}
	err := s.CreateOutputBatch(ctx, dup)
	assert.True(t, errs.HasCode(err, errs.CodeDuplicateOutputBatch), "got %v", err)

	byInput, err := s.OutputBatchByInputBatch(ctx, batch.InputBatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, byInput.ID)
}

func TestOutputBatchProgressFreezesOnCompletion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, _ := seedOutputBatch(t, s, 2)

	require.NoError(t, s.MarkOutputBatchInProgress(ctx, batch.ID))
	err := s.MarkOutputBatchInProgress(ctx, batch.ID)
	assert.True(t, errs.HasCode(err, errs.CodeInvalidTransition), "got %v", err)

	// Partial progress keeps the batch mutable.
	require.NoError(t, s.UpdateOutputBatchProgress(ctx, batch.ID, 1, 0))
	loaded, err := s.GetOutputBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, StageInProgress, loaded.Status)
	assert.Equal(t, 1, loaded.CompletedSections)
	assert.False(t, loaded.IsImmutable)

	// All sections terminal: completed and frozen in one step.
	require.NoError(t, s.UpdateOutputBatchProgress(ctx, batch.ID, 1, 1))
	loaded, err = s.GetOutputBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, loaded.Status)
	assert.Equal(t, 1, loaded.FailedSections)
	assert.True(t, loaded.IsImmutable)

	assert.True(t, errs.IsImmutabilityViolation(s.UpdateOutputBatchProgress(ctx, batch.ID, 2, 0)))
}

func TestSectionOutputValidatedIsTerminal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, outputs := seedOutputBatch(t, s, 1)
	out := outputs[0]

	require.NoError(t, s.MarkOutputInProgress(ctx, out.ID))
	require.NoError(t, s.MarkOutputValidated(ctx, out.ID, "Generated prose.", "content-hash",
		map[string]any{"valid": true}, map[string]any{"attempts": float64(1)}))

	loaded, err := s.GetSectionOutput(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, OutputValidated, loaded.Status)
	assert.Equal(t, "Generated prose.", loaded.GeneratedContent)
	assert.Equal(t, len("Generated prose."), loaded.ContentLength)
	assert.Equal(t, "content-hash", loaded.ContentHash)
	assert.Equal(t, true, loaded.ValidationResult["valid"])
	assert.True(t, loaded.IsImmutable)

	// Frozen rows reject every mutation.
	assert.True(t, errs.IsImmutabilityViolation(
		s.MarkOutputFailed(ctx, out.ID, "late", "generation", nil)))
	assert.True(t, errs.IsImmutabilityViolation(s.MarkOutputInProgress(ctx, out.ID)))

	byHash, err := s.OutputByContentHash(ctx, "content-hash")
	require.NoError(t, err)
	assert.Equal(t, out.ID, byHash.ID)

	bySection, err := s.OutputBySection(ctx, out.BatchID, out.SectionID)
	require.NoError(t, err)
	assert.Equal(t, out.ID, bySection.ID)
}

func TestSectionOutputRetryFlow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, outputs := seedOutputBatch(t, s, 1)
	out := outputs[0]

	require.NoError(t, s.MarkOutputInProgress(ctx, out.ID))
	require.NoError(t, s.MarkOutputRetrying(ctx, out.ID, RetryAttempt{
		AttemptNumber: 1, ErrorCode: "bounds_violation",
		ErrorMessage: "too short", Timestamp: time.Now()}))

	loaded, err := s.GetSectionOutput(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, OutputRetrying, loaded.Status)
	assert.Equal(t, 1, loaded.RetryCount)
	require.Len(t, loaded.RetryHistory, 1)
	assert.Equal(t, "bounds_violation", loaded.RetryHistory[0].ErrorCode)

	// Retrying rows can be claimed again.
	require.NoError(t, s.MarkOutputInProgress(ctx, out.ID))
	require.NoError(t, s.MarkOutputRetrying(ctx, out.ID, RetryAttempt{
		AttemptNumber: 2, ErrorCode: "bounds_violation",
		ErrorMessage: "still too short", Timestamp: time.Now()}))

	loaded, err = s.GetSectionOutput(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.RetryCount)
	require.Len(t, loaded.RetryHistory, 2)

	require.NoError(t, s.MarkOutputFailed(ctx, out.ID, "retry_exhausted", "generation",
		map[string]any{"attempts": float64(2)}))
	loaded, err = s.GetSectionOutput(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, OutputFailed, loaded.Status)
	assert.Equal(t, "retry_exhausted", loaded.ErrorCode)
	assert.Equal(t, "generation", loaded.FailureCategory)
	assert.True(t, loaded.IsImmutable)
	// History survives the terminal transition.
	require.Len(t, loaded.RetryHistory, 2)
}

func TestMarkOutputInProgressRejectsBadSource(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, outputs := seedOutputBatch(t, s, 1)

	stale := &SectionOutput{
		BatchID:           batch.ID,
		GenerationInputID: outputs[0].GenerationInputID,
		SectionID:         outputs[0].SectionID + 1,
		SequenceOrder:     1,
		Status:            OutputCompleted,
	}
	require.NoError(t, s.CreateSectionOutput(ctx, stale))

	err := s.MarkOutputInProgress(ctx, stale.ID)
	assert.True(t, errs.HasCode(err, errs.CodeInvalidTransition), "got %v", err)

	assert.True(t, errs.IsNotFound(s.MarkOutputInProgress(ctx, uuid.New())))
}

func TestOutputsByBatchOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, outputs := seedOutputBatch(t, s, 3)

	listed, err := s.OutputsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, o := range listed {
		assert.Equal(t, i, o.SequenceOrder)
		assert.Equal(t, outputs[i].ID, o.ID)
		assert.Equal(t, OutputPending, o.Status)
		assert.Equal(t, 3, o.MaxRetries)
	}
}

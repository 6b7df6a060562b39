package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// seedInputBatch builds the full fixture chain up to a pending input batch
// with one frozen input per section.
func seedInputBatch(t *testing.T, s *Store, sectionCount int) (*GenerationInputBatch, []*GenerationInput) {
	t.Helper()
	tv := seedTemplateVersion(t, s)
	doc := seedDocument(t, s, tv.ID)
	sections := seedSections(t, s, tv.ID, sectionCount)

	batch := &GenerationInputBatch{
		DocumentID:        doc.ID,
		TemplateVersionID: tv.ID,
		VersionIntent:     1,
	}
	inputs := make([]*GenerationInput, 0, sectionCount)
	for i, sec := range sections {
		inputs = append(inputs, &GenerationInput{
			SectionID:      sec.ID,
			SequenceOrder:  i,
			StructuralPath: sec.StructuralPath,
			PromptConfig:   map[string]any{"prompt": "write section"},
			ClientData:     map[string]any{"customer": "ACME"},
			InputHash:      "input-hash-" + sec.StructuralPath,
		})
	}
	require.NoError(t, s.CreateInputBatch(context.Background(), batch, inputs))
	return batch, inputs
}

func TestCreateInputBatchWithInputs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, inputs := seedInputBatch(t, s, 3)

	loaded, err := s.GetInputBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchPending, loaded.Status)
	assert.False(t, loaded.IsImmutable)
	assert.Equal(t, 1, loaded.VersionIntent)

	byIntent, err := s.InputBatchBy(ctx, batch.DocumentID, 1)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, byIntent.ID)

	listed, err := s.InputsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, in := range listed {
		assert.Equal(t, i, in.SequenceOrder)
		assert.Equal(t, batch.ID, in.BatchID)
		assert.Equal(t, "write section", in.PromptConfig["prompt"])
		assert.Equal(t, "ACME", in.ClientData["customer"])
	}

	one, err := s.GetGenerationInput(ctx, inputs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, inputs[1].InputHash, one.InputHash)

	_, err = s.InputBatchBy(ctx, batch.DocumentID, 9)
	assert.True(t, errs.IsNotFound(err))
	_, err = s.GetGenerationInput(ctx, uuid.New())
	assert.True(t, errs.IsNotFound(err))
}

func TestInputBatchUniquePerIntent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, _ := seedInputBatch(t, s, 1)

	dup := &GenerationInputBatch{
		DocumentID:        batch.DocumentID,
		TemplateVersionID: batch.TemplateVersionID,
		VersionIntent:     batch.VersionIntent,
	}
	assert.Error(t, s.CreateInputBatch(ctx, dup, nil))
}

func TestValidateInputBatchFreezes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, _ := seedInputBatch(t, s, 2)

	require.NoError(t, s.ValidateInputBatch(ctx, batch.ID, "batch-hash"))

	loaded, err := s.GetInputBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchValidated, loaded.Status)
	assert.Equal(t, "batch-hash", loaded.ContentHash)
	assert.True(t, loaded.IsImmutable)

	// Frozen: neither transition is allowed again.
	assert.True(t, errs.IsImmutabilityViolation(s.ValidateInputBatch(ctx, batch.ID, "other")))
	assert.True(t, errs.IsImmutabilityViolation(s.FailInputBatch(ctx, batch.ID)))

	byHash, err := s.InputBatchByContentHash(ctx, "batch-hash")
	require.NoError(t, err)
	assert.Equal(t, batch.ID, byHash.ID)

	_, err = s.InputBatchByContentHash(ctx, "unknown-hash")
	assert.True(t, errs.IsNotFound(err))
}

func TestFailInputBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, _ := seedInputBatch(t, s, 1)

	require.NoError(t, s.FailInputBatch(ctx, batch.ID))

	loaded, err := s.GetInputBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchFailed, loaded.Status)

	// Failed is terminal for validation even though the row is not frozen.
	err = s.ValidateInputBatch(ctx, batch.ID, "h")
	assert.True(t, errs.HasCode(err, errs.CodeInvalidTransition), "got %v", err)

	assert.True(t, errs.IsNotFound(s.ValidateInputBatch(ctx, uuid.New(), "h")))
	assert.True(t, errs.IsNotFound(s.FailInputBatch(ctx, uuid.New())))
}

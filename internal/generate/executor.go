package generate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// Executor fans the generator over a validated input batch, producing one
// SectionOutputBatch with per-section isolation.
type Executor struct {
	store     *store.Store
	generator *Generator
	logger    *slog.Logger
}

// NewExecutor wires an executor.
func NewExecutor(st *store.Store, g *Generator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: st, generator: g, logger: logger}
}

// Execute runs generation for every input in the batch, in sequence order.
// Section failures are recorded per output and never abort peers; the batch
// always reaches completed with its aggregate counts. The returned error
// covers preconditions and infrastructure faults only.
func (e *Executor) Execute(ctx context.Context, inputBatchID uuid.UUID) (*store.SectionOutputBatch, error) {
	inputBatch, err := e.store.GetInputBatch(ctx, inputBatchID)
	if err != nil {
		return nil, err
	}
	if inputBatch.Status != store.BatchValidated || !inputBatch.IsImmutable {
		return nil, errs.Newf(errs.CodeBatchNotValidated, errs.CategoryGeneration,
			"input batch %s is %s, expected validated", inputBatchID, inputBatch.Status)
	}

	inputs, err := e.store.InputsByBatch(ctx, inputBatchID)
	if err != nil {
		return nil, err
	}

	batch := &store.SectionOutputBatch{
		InputBatchID:  inputBatchID,
		DocumentID:    inputBatch.DocumentID,
		VersionIntent: inputBatch.VersionIntent,
		TotalSections: len(inputs),
	}
	if err := e.store.CreateOutputBatch(ctx, batch); err != nil {
		return nil, err
	}
	if err := e.store.MarkOutputBatchInProgress(ctx, batch.ID); err != nil {
		return nil, err
	}

	outputs := make([]*store.SectionOutput, 0, len(inputs))
	for _, input := range inputs {
		out := &store.SectionOutput{
			BatchID:           batch.ID,
			GenerationInputID: input.ID,
			SectionID:         input.SectionID,
			SequenceOrder:     input.SequenceOrder,
			MaxRetries:        e.generator.maxRetries,
		}
		if err := e.store.CreateSectionOutput(ctx, out); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	order := make([]int, len(inputs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return inputs[order[a]].SequenceOrder < inputs[order[b]].SequenceOrder
	})

	completed, failed := 0, 0
	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.runOne(ctx, outputs[i], inputs[i]); err != nil {
			return nil, err
		}
		final, err := e.store.GetSectionOutput(ctx, outputs[i].ID)
		if err != nil {
			return nil, err
		}
		if final.Status == store.OutputValidated {
			completed++
		} else {
			failed++
		}
	}

	if err := e.store.UpdateOutputBatchProgress(ctx, batch.ID, completed, failed); err != nil {
		return nil, err
	}
	e.logger.Info("section batch executed",
		"batch_id", batch.ID, "total", len(inputs), "completed", completed, "failed", failed)
	return e.store.GetOutputBatch(ctx, batch.ID)
}

// runOne isolates a single section: generator panics and unclassified errors
// become that section's failure instead of aborting the batch.
func (e *Executor) runOne(ctx context.Context, output *store.SectionOutput, input *store.GenerationInput) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("section generation panicked", "section_id", input.SectionID, "panic", r)
			err = e.store.MarkOutputFailed(ctx, output.ID, errs.CodeUnexpected, CategoryUnexpected,
				map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	genErr := e.generator.Generate(ctx, output, input)
	if genErr == nil || ctx.Err() != nil {
		return genErr
	}
	if errs.IsImmutabilityViolation(genErr) {
		return genErr
	}
	// Store-level faults for this section are recorded as its failure.
	e.logger.Error("section generation errored", "section_id", input.SectionID, "error", genErr)
	return e.store.MarkOutputFailed(ctx, output.ID, errs.CodeUnexpected, CategoryUnexpected,
		map[string]any{"error": genErr.Error()})
}

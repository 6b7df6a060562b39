package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/canonical"
	"git.home.luguber.info/inful/docgen/internal/docx"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
	"git.home.luguber.info/inful/docgen/internal/validate"
)

// prepareInputs freezes the per-section generation inputs for (document,
// version_intent). An existing validated batch is reused; a non-validated
// leftover from a cancelled run is re-validated in place.
func (c *Coordinator) prepareInputs(ctx context.Context, p GenerateParams) (*store.GenerationInputBatch, error) {
	existing, err := c.store.InputBatchBy(ctx, p.DocumentID, p.VersionIntent)
	if err == nil {
		if existing.Status == store.BatchValidated && existing.IsImmutable {
			return existing, nil
		}
		inputs, err := c.store.InputsByBatch(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		hash, err := batchContentHash(inputs)
		if err != nil {
			return nil, err
		}
		if err := c.store.ValidateInputBatch(ctx, existing.ID, hash); err != nil {
			return nil, err
		}
		return c.store.GetInputBatch(ctx, existing.ID)
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}

	sections, err := c.store.SectionsByTemplateVersion(ctx, p.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	parsed, err := c.loadParsedTemplate(ctx, p.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	contexts := deriveContexts(parsed)

	batch := &store.GenerationInputBatch{
		DocumentID:        p.DocumentID,
		TemplateVersionID: p.TemplateVersionID,
		VersionIntent:     p.VersionIntent,
	}
	var inputs []*store.GenerationInput
	for _, sec := range sections {
		if sec.SectionType != store.SectionDynamic {
			continue
		}
		if schema, ok := sec.PromptConfig["client_data_schema"].(map[string]any); ok {
			if err := validate.ValidateClientData(schema, p.ClientData); err != nil {
				return nil, errs.Wrap(err, errs.CodeMissingInput, errs.CategoryGeneration,
					fmt.Sprintf("client data rejected by schema of section %d", sec.ID))
			}
		}
		inputHash, err := canonical.Fingerprint(sec.ID, p.ClientData)
		if err != nil {
			return nil, err
		}
		bc := contexts[sec.StructuralPath]
		inputs = append(inputs, &store.GenerationInput{
			SectionID:          sec.ID,
			SequenceOrder:      sec.SequenceOrder,
			StructuralPath:     sec.StructuralPath,
			HierarchyContext:   bc.hierarchy,
			PromptConfig:       sec.PromptConfig,
			ClientData:         p.ClientData,
			SurroundingContext: bc.surrounding,
			InputHash:          inputHash,
		})
	}
	hash, err := batchContentHash(inputs)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateInputBatch(ctx, batch, inputs); err != nil {
		return nil, err
	}
	if err := c.store.ValidateInputBatch(ctx, batch.ID, hash); err != nil {
		return nil, err
	}
	return c.store.GetInputBatch(ctx, batch.ID)
}

// batchContentHash canonicalizes the ordered input hashes.
func batchContentHash(inputs []*store.GenerationInput) (string, error) {
	hashes := make([]string, len(inputs))
	for i, in := range inputs {
		hashes[i] = in.InputHash
	}
	return canonical.Hash(map[string]any{"input_hashes": hashes})
}

// generateSections reuses an immutable output batch or executes a new one.
func (c *Coordinator) generateSections(ctx context.Context, inputBatch *store.GenerationInputBatch) (*store.SectionOutputBatch, error) {
	existing, err := c.store.OutputBatchByInputBatch(ctx, inputBatch.ID)
	if err == nil {
		if existing.IsImmutable {
			return existing, nil
		}
		return nil, errs.Newf(errs.CodeDuplicateOutputBatch, errs.CategoryGeneration,
			"output batch %s exists but is not finalized", existing.ID)
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	return c.executor.Execute(ctx, inputBatch.ID)
}

// assembleDocument reuses a validated assembled document or assembles one.
func (c *Coordinator) assembleDocument(ctx context.Context, p GenerateParams,
	inputBatch *store.GenerationInputBatch, outputBatch *store.SectionOutputBatch) (*store.AssembledDocument, error) {
	existing, err := c.store.AssembledBy(ctx, p.DocumentID, p.VersionIntent)
	if err == nil {
		if existing.Status == store.StageValidated {
			return existing, nil
		}
		if existing.Status == store.StagePending {
			return c.assembler.Assemble(ctx, existing.ID)
		}
		return nil, errs.InvalidTransition("assembled_document", string(existing.Status), string(store.StageInProgress))
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}

	assembled := &store.AssembledDocument{
		DocumentID:           p.DocumentID,
		TemplateVersionID:    inputBatch.TemplateVersionID,
		VersionIntent:        p.VersionIntent,
		SectionOutputBatchID: outputBatch.ID,
	}
	if err := c.store.CreateAssembledDocument(ctx, assembled); err != nil {
		return nil, err
	}
	return c.assembler.Assemble(ctx, assembled.ID)
}

// renderDocument reuses an immutable rendered document unless the run forces
// regeneration, in which case an immutable artifact is a hard conflict.
func (c *Coordinator) renderDocument(ctx context.Context, p GenerateParams,
	assembled *store.AssembledDocument) (*store.RenderedDocument, error) {
	existing, err := c.store.RenderedBy(ctx, p.DocumentID, p.VersionIntent)
	if err == nil {
		if existing.IsImmutable {
			if p.ForceRegenerate {
				return nil, errs.Newf(errs.CodeAlreadyRendered, errs.CategoryRendering,
					"document %s version %d is already rendered and immutable", p.DocumentID, p.VersionIntent)
			}
			return existing, nil
		}
		if existing.Status == store.StagePending {
			return c.renderer.Render(ctx, existing.ID)
		}
		return nil, errs.InvalidTransition("rendered_document", string(existing.Status), string(store.StageInProgress))
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}

	rendered := &store.RenderedDocument{
		AssembledDocumentID: assembled.ID,
		DocumentID:          p.DocumentID,
		Version:             p.VersionIntent,
	}
	if err := c.store.CreateRenderedDocument(ctx, rendered); err != nil {
		return nil, err
	}
	return c.renderer.Render(ctx, rendered.ID)
}

// commitVersion creates the immutable DocumentVersion and advances the
// document's current version. An existing row for the intent is reused.
func (c *Coordinator) commitVersion(ctx context.Context, p GenerateParams,
	inputBatch *store.GenerationInputBatch, rendered *store.RenderedDocument,
	timings map[string]any) (*store.DocumentVersion, error) {
	existing, err := c.store.DocumentVersionBy(ctx, p.DocumentID, p.VersionIntent)
	if err == nil {
		return existing, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}

	metadata := map[string]any{
		"input_batch_id":     inputBatch.ID.String(),
		"batch_content_hash": inputBatch.ContentHash,
		"rendered_hash":      rendered.ContentHash,
		"correlation_id":     p.CorrelationID,
	}
	for stage, ms := range timings {
		metadata[stage] = ms
	}
	version := &store.DocumentVersion{
		DocumentID:         p.DocumentID,
		VersionNumber:      p.VersionIntent,
		RenderedBlobKey:    rendered.OutputBlobKey,
		GenerationMetadata: metadata,
	}
	if err := c.store.CommitDocumentVersion(ctx, version); err != nil {
		return nil, err
	}
	return version, nil
}

func (c *Coordinator) loadParsedTemplate(ctx context.Context, templateVersionID uuid.UUID) (*docx.ParsedDocument, error) {
	tv, err := c.store.GetTemplateVersion(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}
	if tv.ParsingStatus != store.ParsingCompleted || tv.ParsedBlobKey == "" {
		return nil, errs.Newf(errs.CodeMissingInput, errs.CategoryGeneration,
			"template version %s is not parsed", templateVersionID)
	}
	data, err := c.blobs.Get(ctx, tv.ParsedBlobKey)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeMissingInput, errs.CategoryGeneration,
			"parsed template blob unavailable")
	}
	var parsed docx.ParsedDocument
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode parsed template: %w", err)
	}
	return &parsed, nil
}

type blockContext struct {
	hierarchy   string
	surrounding string
}

const contextSnippetLen = 200

// deriveContexts walks the parsed template once and computes, per block, the
// heading chain above it and a snippet of its neighboring text.
func deriveContexts(parsed *docx.ParsedDocument) map[string]blockContext {
	contexts := make(map[string]blockContext, len(parsed.Blocks))
	var headings []string
	for i, block := range parsed.Blocks {
		if block.Type == docx.BlockHeading {
			lvl := block.HeadingLevel
			if lvl < 1 {
				lvl = 1
			}
			if lvl <= len(headings) {
				headings = headings[:lvl-1]
			}
			headings = append(headings, block.Text())
		}

		var neighbors []string
		if i > 0 {
			if text := strings.TrimSpace(parsed.Blocks[i-1].Text()); text != "" {
				neighbors = append(neighbors, snippet(text))
			}
		}
		if i+1 < len(parsed.Blocks) {
			if text := strings.TrimSpace(parsed.Blocks[i+1].Text()); text != "" {
				neighbors = append(neighbors, snippet(text))
			}
		}
		contexts[block.StructuralPath] = blockContext{
			hierarchy:   strings.Join(headings, " > "),
			surrounding: strings.Join(neighbors, "\n"),
		}
	}
	return contexts
}

func snippet(s string) string {
	if len(s) <= contextSnippetLen {
		return s
	}
	return s[:contextSnippetLen]
}

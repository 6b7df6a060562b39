// Package assemble splices validated dynamic section outputs into the parsed
// template's static skeleton, producing the assembled block structure.
package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/canonical"
	"git.home.luguber.info/inful/docgen/internal/docx"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// Assembler builds assembled documents from output batches and parsed
// template structures.
type Assembler struct {
	store  *store.Store
	blobs  blobstore.Store
	logger *slog.Logger
}

// NewAssembler wires an assembler.
func NewAssembler(st *store.Store, blobs blobstore.Store, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: st, blobs: blobs, logger: logger}
}

// Assemble drives a pending assembled document to validated or failed. A
// dynamic section without a validated output fails the whole assembly; the
// row is marked failed and the classified error returned.
func (a *Assembler) Assemble(ctx context.Context, assembledID uuid.UUID) (*store.AssembledDocument, error) {
	assembled, err := a.store.GetAssembledDocument(ctx, assembledID)
	if err != nil {
		return nil, err
	}
	if assembled.Status != store.StagePending {
		return nil, errs.InvalidTransition("assembled_document", string(assembled.Status), string(store.StageInProgress))
	}
	if err := a.store.MarkAssembledInProgress(ctx, assembledID); err != nil {
		return nil, err
	}

	result, err := a.build(ctx, assembled)
	if err != nil {
		if failErr := a.store.MarkAssembledFailed(ctx, assembledID); failErr != nil {
			a.logger.Error("cannot mark assembly failed", "assembled_id", assembledID, "error", failErr)
		}
		return nil, err
	}

	if err := a.store.MarkAssembledCompleted(ctx, assembledID, result); err != nil {
		return nil, err
	}
	// Self-consistency check gates the validated transition.
	if result.DynamicBlocksCount != result.InjectedSectionsCount ||
		result.TotalBlocks != result.StaticBlocksCount+result.DynamicBlocksCount {
		if failErr := a.store.MarkAssembledFailed(ctx, assembledID); failErr != nil {
			a.logger.Error("cannot mark assembly failed", "assembled_id", assembledID, "error", failErr)
		}
		return nil, errs.Newf(errs.CodeUnexpected, errs.CategoryAssembly,
			"assembled structure inconsistent: total=%d static=%d dynamic=%d injected=%d",
			result.TotalBlocks, result.StaticBlocksCount, result.DynamicBlocksCount, result.InjectedSectionsCount)
	}
	if err := a.store.MarkAssembledValidated(ctx, assembledID); err != nil {
		return nil, err
	}
	a.logger.Info("document assembled",
		"assembled_id", assembledID, "total_blocks", result.TotalBlocks,
		"injected", result.InjectedSectionsCount, "assembly_hash", result.AssemblyHash)
	return a.store.GetAssembledDocument(ctx, assembledID)
}

// build computes the spliced structure without touching row state.
func (a *Assembler) build(ctx context.Context, assembled *store.AssembledDocument) (*store.AssembledDocument, error) {
	parsed, err := a.loadParsedTemplate(ctx, assembled.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	sections, err := a.store.SectionsByTemplateVersion(ctx, assembled.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*store.Section, len(sections))
	for _, sec := range sections {
		byPath[sec.StructuralPath] = sec
	}

	outputs, err := a.store.OutputsByBatch(ctx, assembled.SectionOutputBatchID)
	if err != nil {
		return nil, err
	}
	validated := map[int64]*store.SectionOutput{}
	for _, out := range outputs {
		if out.Status == store.OutputValidated {
			validated[out.SectionID] = out
		}
	}

	blocks := make([]docx.Block, 0, len(parsed.Blocks))
	dynamic, injected := 0, 0
	for _, block := range parsed.Blocks {
		sec, ok := byPath[block.StructuralPath]
		if !ok || sec.SectionType != store.SectionDynamic {
			blocks = append(blocks, block)
			continue
		}
		dynamic++
		out, ok := validated[sec.ID]
		if !ok {
			return nil, errs.Newf(errs.CodeMissingContent, errs.CategoryAssembly,
				"no validated output for dynamic section %d (%s)", sec.ID, sec.StructuralPath).
				WithSeverity(errs.SeverityHigh)
		}
		// Generated text becomes a paragraph block carrying the original
		// block's style and alignment.
		blocks = append(blocks, docx.Block{
			Type:           docx.BlockParagraph,
			StructuralPath: block.StructuralPath,
			StyleName:      block.StyleName,
			Alignment:      block.Alignment,
			Runs:           []docx.Run{{Text: out.GeneratedContent}},
		})
		injected++
	}

	structure, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("serialize assembled structure: %w", err)
	}
	headers, err := json.Marshal(parsed.Headers)
	if err != nil {
		return nil, fmt.Errorf("serialize headers: %w", err)
	}
	footers, err := json.Marshal(parsed.Footers)
	if err != nil {
		return nil, fmt.Errorf("serialize footers: %w", err)
	}
	metadata, err := json.Marshal(parsed.Metadata)
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}
	hash, err := canonical.Hash(map[string]any{
		"blocks":   json.RawMessage(structure),
		"headers":  json.RawMessage(headers),
		"footers":  json.RawMessage(footers),
		"metadata": json.RawMessage(metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("hash assembled structure: %w", err)
	}

	result := *assembled
	result.AssemblyHash = hash
	result.TotalBlocks = len(blocks)
	result.DynamicBlocksCount = dynamic
	result.StaticBlocksCount = len(blocks) - dynamic
	result.InjectedSectionsCount = injected
	result.AssembledStructure = structure
	result.Headers = headers
	result.Footers = footers
	result.Metadata = metadata
	return &result, nil
}

func (a *Assembler) loadParsedTemplate(ctx context.Context, templateVersionID uuid.UUID) (*docx.ParsedDocument, error) {
	tv, err := a.store.GetTemplateVersion(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}
	if tv.ParsingStatus != store.ParsingCompleted || tv.ParsedBlobKey == "" {
		return nil, errs.Newf(errs.CodeMissingInput, errs.CategoryAssembly,
			"template version %s has no parsed structure", templateVersionID)
	}
	data, err := a.blobs.Get(ctx, tv.ParsedBlobKey)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeMissingInput, errs.CategoryAssembly,
			"parsed template blob unavailable")
	}
	var parsed docx.ParsedDocument
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode parsed template: %w", err)
	}
	return &parsed, nil
}

// Document reconstructs a docx document structure from a validated assembled
// row, for the renderer.
func Document(assembled *store.AssembledDocument) (*docx.ParsedDocument, error) {
	var blocks []docx.Block
	if err := json.Unmarshal(assembled.AssembledStructure, &blocks); err != nil {
		return nil, fmt.Errorf("decode assembled structure: %w", err)
	}
	doc := &docx.ParsedDocument{Blocks: blocks, Statistics: docx.Stats(blocks)}
	if len(assembled.Headers) > 0 {
		if err := json.Unmarshal(assembled.Headers, &doc.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	if len(assembled.Footers) > 0 {
		if err := json.Unmarshal(assembled.Footers, &doc.Footers); err != nil {
			return nil, fmt.Errorf("decode footers: %w", err)
		}
	}
	if len(assembled.Metadata) > 0 {
		if err := json.Unmarshal(assembled.Metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return doc, nil
}

// Package render adapts the Word codec into the pipeline: it turns a
// validated assembled document into a persisted, verified binary artifact.
package render

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/assemble"
	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/canonical"
	"git.home.luguber.info/inful/docgen/internal/docx"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// Renderer persists binary artifacts for assembled documents.
type Renderer struct {
	store  *store.Store
	blobs  blobstore.Store
	logger *slog.Logger
}

// NewRenderer wires a renderer.
func NewRenderer(st *store.Store, blobs blobstore.Store, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{store: st, blobs: blobs, logger: logger}
}

// Render drives a pending rendered document row to validated: render bytes,
// self-validate the container, persist to the object store, reload and verify
// the hash. Only after the reload comparison succeeds does the row become
// validated and immutable.
func (r *Renderer) Render(ctx context.Context, renderedID uuid.UUID) (*store.RenderedDocument, error) {
	rendered, err := r.store.GetRenderedDocument(ctx, renderedID)
	if err != nil {
		return nil, err
	}
	if rendered.Status != store.StagePending {
		return nil, errs.InvalidTransition("rendered_document", string(rendered.Status), string(store.StageInProgress))
	}
	if err := r.store.MarkRenderedInProgress(ctx, renderedID); err != nil {
		return nil, err
	}

	result, err := r.renderAndPersist(ctx, rendered)
	if err != nil {
		if failErr := r.store.MarkRenderedFailed(ctx, renderedID); failErr != nil {
			r.logger.Error("cannot mark render failed", "rendered_id", renderedID, "error", failErr)
		}
		return nil, err
	}

	if err := r.store.MarkRenderedCompleted(ctx, renderedID, result); err != nil {
		return nil, err
	}
	if err := r.store.MarkRenderedValidated(ctx, renderedID); err != nil {
		return nil, err
	}
	r.logger.Info("document rendered",
		"rendered_id", renderedID, "blob_key", result.OutputBlobKey,
		"file_size", result.FileSize, "content_hash", result.ContentHash)
	return r.store.GetRenderedDocument(ctx, renderedID)
}

func (r *Renderer) renderAndPersist(ctx context.Context, rendered *store.RenderedDocument) (*store.RenderedDocument, error) {
	assembled, err := r.store.GetAssembledDocument(ctx, rendered.AssembledDocumentID)
	if err != nil {
		return nil, err
	}
	if assembled.Status != store.StageValidated {
		return nil, errs.Newf(errs.CodeMissingInput, errs.CategoryRendering,
			"assembled document %s is %s, expected validated", assembled.ID, assembled.Status)
	}
	doc, err := assemble.Document(assembled)
	if err != nil {
		return nil, err
	}

	data, err := docx.Render(doc)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeUnexpected, errs.CategoryRendering, "codec render failed")
	}
	stats, err := selfValidate(data, assembled)
	if err != nil {
		return nil, err
	}

	key := blobstore.DocumentOutputKey(rendered.DocumentID, rendered.Version)
	if err := r.blobs.Put(ctx, key, data); err != nil {
		return nil, errs.Wrap(err, errs.CodePersistenceFailed, errs.CategoryRendering,
			"write rendered artifact").WithSeverity(errs.SeverityHigh)
	}
	// Reload from the store and compare: what readers will fetch must be
	// byte-identical to what was rendered.
	reloaded, err := r.blobs.Get(ctx, key)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodePersistenceFailed, errs.CategoryRendering,
			"reload rendered artifact").WithSeverity(errs.SeverityHigh)
	}
	hash := canonical.HashBytes(data)
	if canonical.HashBytes(reloaded) != hash {
		return nil, errs.Newf(errs.CodePersistenceFailed, errs.CategoryRendering,
			"reloaded artifact hash mismatch for %s", key).WithSeverity(errs.SeverityCritical)
	}

	result := *rendered
	result.OutputBlobKey = key
	result.ContentHash = hash
	result.FileSize = int64(len(data))
	result.ParagraphCount = stats.ParagraphCount
	result.HeadingCount = stats.HeadingCount
	result.TableCount = stats.TableCount
	result.ListCount = stats.ListCount
	return &result, nil
}

// selfValidate re-opens the rendered bytes through the parser: the file must
// be a well-formed container and its block population must match the
// assembled structure.
func selfValidate(data []byte, assembled *store.AssembledDocument) (docx.Statistics, error) {
	parsed, err := docx.Parse(data)
	if err != nil {
		return docx.Statistics{}, errs.Wrap(err, errs.CodeUnexpected, errs.CategoryRendering,
			"rendered artifact fails to re-parse")
	}
	stats := parsed.Statistics
	if stats.TotalBlocks < assembled.TotalBlocks {
		return docx.Statistics{}, errs.Newf(errs.CodeUnexpected, errs.CategoryRendering,
			"rendered artifact has %d blocks, assembled structure has %d",
			stats.TotalBlocks, assembled.TotalBlocks)
	}
	return stats, nil
}

// RerenderHash renders the assembled document once and returns the content
// hash of the produced bytes, without persisting anything.
func RerenderHash(assembled *store.AssembledDocument) (string, error) {
	doc, err := assemble.Document(assembled)
	if err != nil {
		return "", err
	}
	data, err := docx.Render(doc)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(data), nil
}

// VerifyDeterminism renders the assembled document twice and reports whether
// both passes produce byte-identical output.
func VerifyDeterminism(assembled *store.AssembledDocument) (bool, error) {
	doc, err := assemble.Document(assembled)
	if err != nil {
		return false, err
	}
	first, err := docx.Render(doc)
	if err != nil {
		return false, err
	}
	second, err := docx.Render(doc)
	if err != nil {
		return false, err
	}
	return bytes.Equal(first, second), nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// CreateRenderedDocument inserts a pending rendered document row.
func (s *Store) CreateRenderedDocument(ctx context.Context, r *RenderedDocument) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = StagePending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = fromUnixNano(now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rendered_documents
			(id, assembled_document_id, document_id, version, status, output_blob_key,
			 content_hash, file_size, paragraph_count, heading_count, table_count, list_count,
			 is_immutable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.AssembledDocumentID.String(), r.DocumentID.String(), r.Version,
		string(r.Status), nullableString(r.OutputBlobKey), nullableString(r.ContentHash),
		r.FileSize, r.ParagraphCount, r.HeadingCount, r.TableCount, r.ListCount,
		boolToInt(r.IsImmutable), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert rendered document: %w", err)
	}
	return nil
}

const renderedColumns = `id, assembled_document_id, document_id, version, status,
	COALESCE(output_blob_key, ''), COALESCE(content_hash, ''), file_size,
	paragraph_count, heading_count, table_count, list_count, is_immutable, created_at`

func scanRendered(row interface{ Scan(...any) error }) (*RenderedDocument, error) {
	var r RenderedDocument
	var id, assembledID, docID, status string
	var immutable int
	var createdAt int64
	if err := row.Scan(&id, &assembledID, &docID, &r.Version, &status, &r.OutputBlobKey,
		&r.ContentHash, &r.FileSize, &r.ParagraphCount, &r.HeadingCount, &r.TableCount,
		&r.ListCount, &immutable, &createdAt); err != nil {
		return nil, err
	}
	r.ID = uuid.MustParse(id)
	r.AssembledDocumentID = uuid.MustParse(assembledID)
	r.DocumentID = uuid.MustParse(docID)
	r.Status = StageStatus(status)
	r.IsImmutable = immutable != 0
	r.CreatedAt = fromUnixNano(createdAt)
	return &r, nil
}

// GetRenderedDocument loads a rendered document by id.
func (s *Store) GetRenderedDocument(ctx context.Context, id uuid.UUID) (*RenderedDocument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+renderedColumns+" FROM rendered_documents WHERE id = ?", id.String())
	r, err := scanRendered(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("rendered_document", id.String())
		}
		return nil, fmt.Errorf("get rendered document: %w", err)
	}
	return r, nil
}

// RenderedBy returns the rendered document for (document, version).
func (s *Store) RenderedBy(ctx context.Context, documentID uuid.UUID, version int) (*RenderedDocument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+renderedColumns+" FROM rendered_documents WHERE document_id = ? AND version = ?",
		documentID.String(), version)
	r, err := scanRendered(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("rendered_document", fmt.Sprintf("%s v%d", documentID, version))
		}
		return nil, fmt.Errorf("lookup rendered document: %w", err)
	}
	return r, nil
}

// RenderedByContentHash is the deduplication probe.
func (s *Store) RenderedByContentHash(ctx context.Context, contentHash string) (*RenderedDocument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+renderedColumns+" FROM rendered_documents WHERE content_hash = ? ORDER BY created_at DESC LIMIT 1",
		contentHash)
	r, err := scanRendered(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("rendered_document", "hash "+contentHash)
		}
		return nil, fmt.Errorf("lookup rendered document by hash: %w", err)
	}
	return r, nil
}

// MarkRenderedInProgress transitions pending -> in_progress.
func (s *Store) MarkRenderedInProgress(ctx context.Context, id uuid.UUID) error {
	return s.mutateRendered(ctx, id, func(tx *sql.Tx, existing *RenderedDocument) error {
		if existing.Status != StagePending {
			return errs.InvalidTransition("rendered_document", string(existing.Status), string(StageInProgress))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE rendered_documents SET status = ? WHERE id = ?",
			string(StageInProgress), id.String())
		return err
	})
}

// MarkRenderedCompleted records the render result; the row stays mutable
// until the persisted blob is verified.
func (s *Store) MarkRenderedCompleted(ctx context.Context, id uuid.UUID, r *RenderedDocument) error {
	return s.mutateRendered(ctx, id, func(tx *sql.Tx, existing *RenderedDocument) error {
		if existing.Status != StagePending && existing.Status != StageInProgress {
			return errs.InvalidTransition("rendered_document", string(existing.Status), string(StageCompleted))
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE rendered_documents
			SET status = ?, output_blob_key = ?, content_hash = ?, file_size = ?,
				paragraph_count = ?, heading_count = ?, table_count = ?, list_count = ?
			WHERE id = ?`,
			string(StageCompleted), r.OutputBlobKey, r.ContentHash, r.FileSize,
			r.ParagraphCount, r.HeadingCount, r.TableCount, r.ListCount, id.String())
		return err
	})
}

// MarkRenderedValidated transitions completed -> validated and freezes the row.
func (s *Store) MarkRenderedValidated(ctx context.Context, id uuid.UUID) error {
	return s.mutateRendered(ctx, id, func(tx *sql.Tx, existing *RenderedDocument) error {
		if existing.Status != StageCompleted {
			return errs.InvalidTransition("rendered_document", string(existing.Status), string(StageValidated))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE rendered_documents SET status = ?, is_immutable = 1 WHERE id = ?",
			string(StageValidated), id.String())
		return err
	})
}

// MarkRenderedFailed transitions a non-terminal rendered document to failed.
func (s *Store) MarkRenderedFailed(ctx context.Context, id uuid.UUID) error {
	return s.mutateRendered(ctx, id, func(tx *sql.Tx, existing *RenderedDocument) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE rendered_documents SET status = ? WHERE id = ?",
			string(StageFailed), id.String())
		return err
	})
}

func (s *Store) mutateRendered(ctx context.Context, id uuid.UUID, apply func(tx *sql.Tx, r *RenderedDocument) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+renderedColumns+" FROM rendered_documents WHERE id = ?", id.String())
		r, err := scanRendered(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("rendered_document", id.String())
			}
			return err
		}
		if r.IsImmutable {
			return errs.ImmutabilityViolation("rendered_document", id.String())
		}
		return apply(tx, r)
	})
}

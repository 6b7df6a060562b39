package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// CreateAssembledDocument inserts a pending assembled document. (document,
// version_intent) is unique; a concurrent double-create loses on the
// constraint and should re-read the winner's row.
func (s *Store) CreateAssembledDocument(ctx context.Context, a *AssembledDocument) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StagePending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = fromUnixNano(now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assembled_documents
			(id, document_id, template_version_id, version_intent, section_output_batch_id,
			 status, assembly_hash, total_blocks, static_blocks_count, dynamic_blocks_count,
			 injected_sections_count, assembled_structure, headers, footers, metadata,
			 is_immutable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.DocumentID.String(), a.TemplateVersionID.String(), a.VersionIntent,
		a.SectionOutputBatchID.String(), string(a.Status), nullableString(a.AssemblyHash),
		a.TotalBlocks, a.StaticBlocksCount, a.DynamicBlocksCount, a.InjectedSectionsCount,
		nullableRaw(a.AssembledStructure), nullableRaw(a.Headers), nullableRaw(a.Footers),
		nullableRaw(a.Metadata), boolToInt(a.IsImmutable), a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert assembled document: %w", err)
	}
	return nil
}

const assembledColumns = `id, document_id, template_version_id, version_intent,
	section_output_batch_id, status, COALESCE(assembly_hash, ''), total_blocks,
	static_blocks_count, dynamic_blocks_count, injected_sections_count,
	assembled_structure, headers, footers, metadata, is_immutable, created_at`

func scanAssembled(row interface{ Scan(...any) error }) (*AssembledDocument, error) {
	var a AssembledDocument
	var id, docID, tvID, batchID, status string
	var structure, headers, footers, metadata sql.NullString
	var immutable int
	var createdAt int64
	if err := row.Scan(&id, &docID, &tvID, &a.VersionIntent, &batchID, &status, &a.AssemblyHash,
		&a.TotalBlocks, &a.StaticBlocksCount, &a.DynamicBlocksCount, &a.InjectedSectionsCount,
		&structure, &headers, &footers, &metadata, &immutable, &createdAt); err != nil {
		return nil, err
	}
	a.ID = uuid.MustParse(id)
	a.DocumentID = uuid.MustParse(docID)
	a.TemplateVersionID = uuid.MustParse(tvID)
	a.SectionOutputBatchID = uuid.MustParse(batchID)
	a.Status = StageStatus(status)
	a.IsImmutable = immutable != 0
	a.CreatedAt = fromUnixNano(createdAt)
	a.AssembledStructure = rawOrNil(structure)
	a.Headers = rawOrNil(headers)
	a.Footers = rawOrNil(footers)
	a.Metadata = rawOrNil(metadata)
	return &a, nil
}

// GetAssembledDocument loads an assembled document by id.
func (s *Store) GetAssembledDocument(ctx context.Context, id uuid.UUID) (*AssembledDocument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+assembledColumns+" FROM assembled_documents WHERE id = ?", id.String())
	a, err := scanAssembled(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("assembled_document", id.String())
		}
		return nil, fmt.Errorf("get assembled document: %w", err)
	}
	return a, nil
}

// AssembledBy returns the assembled document for (document, version_intent).
func (s *Store) AssembledBy(ctx context.Context, documentID uuid.UUID, versionIntent int) (*AssembledDocument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+assembledColumns+" FROM assembled_documents WHERE document_id = ? AND version_intent = ?",
		documentID.String(), versionIntent)
	a, err := scanAssembled(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("assembled_document", fmt.Sprintf("%s intent=%d", documentID, versionIntent))
		}
		return nil, fmt.Errorf("lookup assembled document: %w", err)
	}
	return a, nil
}

// MarkAssembledInProgress transitions pending -> in_progress.
func (s *Store) MarkAssembledInProgress(ctx context.Context, id uuid.UUID) error {
	return s.mutateAssembled(ctx, id, func(tx *sql.Tx, existing *AssembledDocument) error {
		if existing.Status != StagePending {
			return errs.InvalidTransition("assembled_document", string(existing.Status), string(StageInProgress))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE assembled_documents SET status = ? WHERE id = ?",
			string(StageInProgress), id.String())
		return err
	})
}

// MarkAssembledCompleted stores the assembled structure and counts; the row
// stays mutable until validation.
func (s *Store) MarkAssembledCompleted(ctx context.Context, id uuid.UUID, a *AssembledDocument) error {
	return s.mutateAssembled(ctx, id, func(tx *sql.Tx, existing *AssembledDocument) error {
		if existing.Status != StagePending && existing.Status != StageInProgress {
			return errs.InvalidTransition("assembled_document", string(existing.Status), string(StageCompleted))
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE assembled_documents
			SET status = ?, assembly_hash = ?, total_blocks = ?, static_blocks_count = ?,
				dynamic_blocks_count = ?, injected_sections_count = ?, assembled_structure = ?,
				headers = ?, footers = ?, metadata = ?
			WHERE id = ?`,
			string(StageCompleted), a.AssemblyHash, a.TotalBlocks, a.StaticBlocksCount,
			a.DynamicBlocksCount, a.InjectedSectionsCount, nullableRaw(a.AssembledStructure),
			nullableRaw(a.Headers), nullableRaw(a.Footers), nullableRaw(a.Metadata), id.String())
		return err
	})
}

// MarkAssembledValidated transitions completed -> validated and freezes the
// row atomically.
func (s *Store) MarkAssembledValidated(ctx context.Context, id uuid.UUID) error {
	return s.mutateAssembled(ctx, id, func(tx *sql.Tx, existing *AssembledDocument) error {
		if existing.Status != StageCompleted {
			return errs.InvalidTransition("assembled_document", string(existing.Status), string(StageValidated))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE assembled_documents SET status = ?, is_immutable = 1 WHERE id = ?",
			string(StageValidated), id.String())
		return err
	})
}

// MarkAssembledFailed transitions a non-terminal assembled document to failed.
func (s *Store) MarkAssembledFailed(ctx context.Context, id uuid.UUID) error {
	return s.mutateAssembled(ctx, id, func(tx *sql.Tx, existing *AssembledDocument) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE assembled_documents SET status = ? WHERE id = ?",
			string(StageFailed), id.String())
		return err
	})
}

func (s *Store) mutateAssembled(ctx context.Context, id uuid.UUID, apply func(tx *sql.Tx, a *AssembledDocument) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+assembledColumns+" FROM assembled_documents WHERE id = ?", id.String())
		a, err := scanAssembled(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("assembled_document", id.String())
			}
			return err
		}
		if a.IsImmutable {
			return errs.ImmutabilityViolation("assembled_document", id.String())
		}
		return apply(tx, a)
	})
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

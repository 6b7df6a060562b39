package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// InsertDocument persists a new generation target.
func (s *Store) InsertDocument(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = fromUnixNano(now())
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, template_version_id, current_version, created_at) VALUES (?, ?, ?, ?)",
		d.ID.String(), d.TemplateVersionID.String(), d.CurrentVersion, d.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument loads a document by id.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, template_version_id, current_version, created_at FROM documents WHERE id = ?", id.String())
	var d Document
	var idStr, tvID string
	var createdAt int64
	if err := row.Scan(&idStr, &tvID, &d.CurrentVersion, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("document", id.String())
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.ID = uuid.MustParse(idStr)
	d.TemplateVersionID = uuid.MustParse(tvID)
	d.CreatedAt = fromUnixNano(createdAt)
	return &d, nil
}

// UpdateDocumentTemplateVersion rebinds a document to a new template version
// (template_update regeneration scope).
func (s *Store) UpdateDocumentTemplateVersion(ctx context.Context, id, templateVersionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET template_version_id = ? WHERE id = ?",
		templateVersionID.String(), id.String())
	if err != nil {
		return fmt.Errorf("update document template version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("document", id.String())
	}
	return nil
}

// CommitDocumentVersion creates the immutable DocumentVersion row and bumps
// Document.current_version in one transaction. The version number must be
// exactly current_version+1; anything else indicates a planner or coordinator
// bug and is rejected.
func (s *Store) CommitDocumentVersion(ctx context.Context, dv *DocumentVersion) error {
	if dv.ID == uuid.Nil {
		dv.ID = uuid.New()
	}
	if dv.CreatedAt.IsZero() {
		dv.CreatedAt = fromUnixNano(now())
	}
	metadata, err := marshalJSON(dv.GenerationMetadata)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		row := tx.QueryRowContext(ctx,
			"SELECT current_version FROM documents WHERE id = ?", dv.DocumentID.String())
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("document", dv.DocumentID.String())
			}
			return err
		}
		if dv.VersionNumber != current+1 {
			return errs.InvalidTransition("document_version",
				fmt.Sprintf("current=%d", current), fmt.Sprintf("version=%d", dv.VersionNumber))
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_versions (id, document_id, version_number, rendered_blob_key, generation_metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			dv.ID.String(), dv.DocumentID.String(), dv.VersionNumber,
			dv.RenderedBlobKey, metadata, dv.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert document version: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE documents SET current_version = ? WHERE id = ?",
			dv.VersionNumber, dv.DocumentID.String()); err != nil {
			return fmt.Errorf("bump current version: %w", err)
		}
		return nil
	})
}

const documentVersionColumns = `id, document_id, version_number, rendered_blob_key, generation_metadata, created_at`

func scanDocumentVersion(row interface{ Scan(...any) error }) (*DocumentVersion, error) {
	var dv DocumentVersion
	var id, docID string
	var metadata sql.NullString
	var createdAt int64
	if err := row.Scan(&id, &docID, &dv.VersionNumber, &dv.RenderedBlobKey, &metadata, &createdAt); err != nil {
		return nil, err
	}
	dv.ID = uuid.MustParse(id)
	dv.DocumentID = uuid.MustParse(docID)
	dv.CreatedAt = fromUnixNano(createdAt)
	if metadata.Valid {
		m, err := unmarshalJSON([]byte(metadata.String))
		if err != nil {
			return nil, err
		}
		dv.GenerationMetadata = m
	}
	return &dv, nil
}

// DocumentVersionBy returns the version row for (document, version_number).
func (s *Store) DocumentVersionBy(ctx context.Context, documentID uuid.UUID, version int) (*DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+documentVersionColumns+" FROM document_versions WHERE document_id = ? AND version_number = ?",
		documentID.String(), version)
	dv, err := scanDocumentVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("document_version", fmt.Sprintf("%s v%d", documentID, version))
		}
		return nil, fmt.Errorf("get document version: %w", err)
	}
	return dv, nil
}

// DocumentVersions lists all versions of a document, ascending.
func (s *Store) DocumentVersions(ctx context.Context, documentID uuid.UUID) ([]*DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentVersionColumns+" FROM document_versions WHERE document_id = ? ORDER BY version_number",
		documentID.String())
	if err != nil {
		return nil, fmt.Errorf("query document versions: %w", err)
	}
	defer rows.Close()

	var versions []*DocumentVersion
	for rows.Next() {
		dv, err := scanDocumentVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document version: %w", err)
		}
		versions = append(versions, dv)
	}
	return versions, rows.Err()
}

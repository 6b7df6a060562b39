package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// CreateTemplate inserts a new template container.
func (s *Store) CreateTemplate(ctx context.Context, name string) (*Template, error) {
	t := &Template{ID: uuid.New(), Name: name, CreatedAt: fromUnixNano(now())}
	return t, s.insertTemplate(ctx, t)
}

// InsertTemplate persists a template with a caller-chosen id (used by the
// demo seeder for stable fixture ids).
func (s *Store) InsertTemplate(ctx context.Context, t *Template) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = fromUnixNano(now())
	}
	return s.insertTemplate(ctx, t)
}

func (s *Store) insertTemplate(ctx context.Context, t *Template) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO templates (id, name, created_at) VALUES (?, ?, ?)",
		t.ID.String(), t.Name, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate loads a template by id.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM templates WHERE id = ?", id.String())
	var t Template
	var idStr string
	var createdAt int64
	if err := row.Scan(&idStr, &t.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("template", id.String())
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	t.ID = uuid.MustParse(idStr)
	t.CreatedAt = fromUnixNano(createdAt)
	return &t, nil
}

// TemplateByName loads a template by its unique name.
func (s *Store) TemplateByName(ctx context.Context, name string) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM templates WHERE name = ?", name)
	var t Template
	var idStr string
	var createdAt int64
	if err := row.Scan(&idStr, &t.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("template", name)
		}
		return nil, fmt.Errorf("lookup template by name: %w", err)
	}
	t.ID = uuid.MustParse(idStr)
	t.CreatedAt = fromUnixNano(createdAt)
	return &t, nil
}

// InsertTemplateVersion persists a template version in parsing_status pending
// unless the caller set a status explicitly.
func (s *Store) InsertTemplateVersion(ctx context.Context, tv *TemplateVersion) error {
	if tv.ID == uuid.Nil {
		tv.ID = uuid.New()
	}
	if tv.ParsingStatus == "" {
		tv.ParsingStatus = ParsingPending
	}
	if tv.CreatedAt.IsZero() {
		tv.CreatedAt = fromUnixNano(now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO template_versions
			(id, template_id, version_number, source_blob_key, parsed_blob_key, parsing_status, parsing_error, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tv.ID.String(), tv.TemplateID.String(), tv.VersionNumber, tv.SourceBlobKey,
		nullableString(tv.ParsedBlobKey), string(tv.ParsingStatus),
		nullableString(tv.ParsingError), nullableString(tv.ContentHash), tv.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert template version: %w", err)
	}
	return nil
}

const templateVersionColumns = `id, template_id, version_number, source_blob_key,
	COALESCE(parsed_blob_key, ''), parsing_status, COALESCE(parsing_error, ''),
	COALESCE(content_hash, ''), created_at`

func scanTemplateVersion(row interface{ Scan(...any) error }) (*TemplateVersion, error) {
	var tv TemplateVersion
	var id, templateID, status string
	var createdAt int64
	err := row.Scan(&id, &templateID, &tv.VersionNumber, &tv.SourceBlobKey,
		&tv.ParsedBlobKey, &status, &tv.ParsingError, &tv.ContentHash, &createdAt)
	if err != nil {
		return nil, err
	}
	tv.ID = uuid.MustParse(id)
	tv.TemplateID = uuid.MustParse(templateID)
	tv.ParsingStatus = ParsingStatus(status)
	tv.CreatedAt = fromUnixNano(createdAt)
	return &tv, nil
}

// GetTemplateVersion loads a template version by id.
func (s *Store) GetTemplateVersion(ctx context.Context, id uuid.UUID) (*TemplateVersion, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+templateVersionColumns+" FROM template_versions WHERE id = ?", id.String())
	tv, err := scanTemplateVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("template_version", id.String())
		}
		return nil, fmt.Errorf("get template version: %w", err)
	}
	return tv, nil
}

// LatestTemplateVersion returns the highest-numbered version for a template.
func (s *Store) LatestTemplateVersion(ctx context.Context, templateID uuid.UUID) (*TemplateVersion, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+templateVersionColumns+" FROM template_versions WHERE template_id = ? ORDER BY version_number DESC LIMIT 1",
		templateID.String())
	tv, err := scanTemplateVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("template_version", "latest of "+templateID.String())
		}
		return nil, fmt.Errorf("latest template version: %w", err)
	}
	return tv, nil
}

// MarkTemplateVersionParsing transitions pending -> in_progress.
func (s *Store) MarkTemplateVersionParsing(ctx context.Context, id uuid.UUID) error {
	return s.transitionTemplateVersion(ctx, id, ParsingPending, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE template_versions SET parsing_status = ? WHERE id = ?",
			string(ParsingInProgress), id.String())
		return err
	})
}

// MarkTemplateVersionParsed transitions in_progress -> completed with the
// parsed blob key and content hash. Completed versions are treated as
// immutable by every later mutator.
func (s *Store) MarkTemplateVersionParsed(ctx context.Context, id uuid.UUID, parsedBlobKey, contentHash string) error {
	return s.transitionTemplateVersion(ctx, id, ParsingInProgress, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE template_versions SET parsing_status = ?, parsed_blob_key = ?, content_hash = ? WHERE id = ?",
			string(ParsingCompleted), parsedBlobKey, contentHash, id.String())
		return err
	})
}

// MarkTemplateVersionFailed transitions in_progress -> failed with the error.
func (s *Store) MarkTemplateVersionFailed(ctx context.Context, id uuid.UUID, parseErr string) error {
	return s.transitionTemplateVersion(ctx, id, ParsingInProgress, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE template_versions SET parsing_status = ?, parsing_error = ? WHERE id = ?",
			string(ParsingFailed), parseErr, id.String())
		return err
	})
}

func (s *Store) transitionTemplateVersion(ctx context.Context, id uuid.UUID, expect ParsingStatus, apply func(tx *sql.Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		row := tx.QueryRowContext(ctx,
			"SELECT parsing_status FROM template_versions WHERE id = ?", id.String())
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("template_version", id.String())
			}
			return err
		}
		if ParsingStatus(status) == ParsingCompleted {
			return errs.ImmutabilityViolation("template_version", id.String())
		}
		if ParsingStatus(status) != expect {
			return errs.InvalidTransition("template_version", status, string(expect))
		}
		return apply(tx)
	})
}

// InsertSections persists the classification result for a template version in
// one transaction. Fails if the version already has sections (classification
// runs once; the section set is immutable afterwards).
func (s *Store) InsertSections(ctx context.Context, templateVersionID uuid.UUID, sections []*Section) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		row := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sections WHERE template_version_id = ?", templateVersionID.String())
		if err := row.Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return errs.ImmutabilityViolation("sections", templateVersionID.String())
		}
		for _, sec := range sections {
			promptConfig, err := marshalJSON(sec.PromptConfig)
			if err != nil {
				return err
			}
			createdAt := now()
			res, err := tx.ExecContext(ctx, `
				INSERT INTO sections (template_version_id, structural_path, section_type, prompt_config, sequence_order, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				templateVersionID.String(), sec.StructuralPath, string(sec.SectionType),
				promptConfig, sec.SequenceOrder, createdAt)
			if err != nil {
				return fmt.Errorf("insert section %s: %w", sec.StructuralPath, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			sec.ID = id
			sec.TemplateVersionID = templateVersionID
			sec.CreatedAt = fromUnixNano(createdAt)
		}
		return nil
	})
}

// SectionsByTemplateVersion lists sections in sequence order.
func (s *Store) SectionsByTemplateVersion(ctx context.Context, templateVersionID uuid.UUID) ([]*Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_version_id, structural_path, section_type, prompt_config, sequence_order, created_at
		FROM sections WHERE template_version_id = ? ORDER BY sequence_order`,
		templateVersionID.String())
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()

	var sections []*Section
	for rows.Next() {
		var sec Section
		var tvID string
		var promptConfig sql.NullString
		var createdAt int64
		if err := rows.Scan(&sec.ID, &tvID, &sec.StructuralPath, (*string)(&sec.SectionType), &promptConfig, &sec.SequenceOrder, &createdAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sec.TemplateVersionID = uuid.MustParse(tvID)
		sec.CreatedAt = fromUnixNano(createdAt)
		if promptConfig.Valid {
			cfg, err := unmarshalJSON([]byte(promptConfig.String))
			if err != nil {
				return nil, err
			}
			sec.PromptConfig = cfg
		}
		sections = append(sections, &sec)
	}
	return sections, rows.Err()
}

// GetSection loads one section by id.
func (s *Store) GetSection(ctx context.Context, id int64) (*Section, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, template_version_id, structural_path, section_type, prompt_config, sequence_order, created_at
		FROM sections WHERE id = ?`, id)
	var sec Section
	var tvID string
	var promptConfig sql.NullString
	var createdAt int64
	if err := row.Scan(&sec.ID, &tvID, &sec.StructuralPath, (*string)(&sec.SectionType), &promptConfig, &sec.SequenceOrder, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("section", fmt.Sprint(id))
		}
		return nil, fmt.Errorf("get section: %w", err)
	}
	sec.TemplateVersionID = uuid.MustParse(tvID)
	sec.CreatedAt = fromUnixNano(createdAt)
	if promptConfig.Valid {
		cfg, err := unmarshalJSON([]byte(promptConfig.String))
		if err != nil {
			return nil, err
		}
		sec.PromptConfig = cfg
	}
	return &sec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

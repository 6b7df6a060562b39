package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// CreateOutputBatch inserts the result batch for an input batch. The 1:1
// mapping is enforced by a unique constraint; a second create for the same
// input batch fails with duplicate_output_batch.
func (s *Store) CreateOutputBatch(ctx context.Context, b *SectionOutputBatch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = StagePending
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = fromUnixNano(now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO section_output_batches
			(id, input_batch_id, document_id, version_intent, status, total_sections,
			 completed_sections, failed_sections, is_immutable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.InputBatchID.String(), b.DocumentID.String(), b.VersionIntent,
		string(b.Status), b.TotalSections, b.CompletedSections, b.FailedSections,
		boolToInt(b.IsImmutable), b.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errs.Newf(errs.CodeDuplicateOutputBatch, errs.CategoryGeneration,
				"output batch already exists for input batch %s", b.InputBatchID)
		}
		return fmt.Errorf("insert output batch: %w", err)
	}
	return nil
}

const outputBatchColumns = `id, input_batch_id, document_id, version_intent, status,
	total_sections, completed_sections, failed_sections, is_immutable, created_at`

func scanOutputBatch(row interface{ Scan(...any) error }) (*SectionOutputBatch, error) {
	var b SectionOutputBatch
	var id, inputBatchID, docID, status string
	var immutable int
	var createdAt int64
	if err := row.Scan(&id, &inputBatchID, &docID, &b.VersionIntent, &status,
		&b.TotalSections, &b.CompletedSections, &b.FailedSections, &immutable, &createdAt); err != nil {
		return nil, err
	}
	b.ID = uuid.MustParse(id)
	b.InputBatchID = uuid.MustParse(inputBatchID)
	b.DocumentID = uuid.MustParse(docID)
	b.Status = StageStatus(status)
	b.IsImmutable = immutable != 0
	b.CreatedAt = fromUnixNano(createdAt)
	return &b, nil
}

// GetOutputBatch loads an output batch by id.
func (s *Store) GetOutputBatch(ctx context.Context, id uuid.UUID) (*SectionOutputBatch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+outputBatchColumns+" FROM section_output_batches WHERE id = ?", id.String())
	b, err := scanOutputBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("section_output_batch", id.String())
		}
		return nil, fmt.Errorf("get output batch: %w", err)
	}
	return b, nil
}

// OutputBatchByInputBatch returns the (unique) output batch for an input batch.
func (s *Store) OutputBatchByInputBatch(ctx context.Context, inputBatchID uuid.UUID) (*SectionOutputBatch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+outputBatchColumns+" FROM section_output_batches WHERE input_batch_id = ?", inputBatchID.String())
	b, err := scanOutputBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("section_output_batch", "input batch "+inputBatchID.String())
		}
		return nil, fmt.Errorf("lookup output batch: %w", err)
	}
	return b, nil
}

// MarkOutputBatchInProgress transitions pending -> in_progress.
func (s *Store) MarkOutputBatchInProgress(ctx context.Context, id uuid.UUID) error {
	return s.mutateOutputBatch(ctx, id, func(tx *sql.Tx, b *SectionOutputBatch) error {
		if b.Status != StagePending {
			return errs.InvalidTransition("section_output_batch", string(b.Status), string(StageInProgress))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE section_output_batches SET status = ? WHERE id = ?",
			string(StageInProgress), id.String())
		return err
	})
}

// UpdateOutputBatchProgress records aggregate counts; when every section has
// reached a terminal state the batch becomes completed and immutable in the
// same statement.
func (s *Store) UpdateOutputBatchProgress(ctx context.Context, id uuid.UUID, completed, failed int) error {
	return s.mutateOutputBatch(ctx, id, func(tx *sql.Tx, b *SectionOutputBatch) error {
		status := b.Status
		immutable := 0
		if completed+failed == b.TotalSections {
			status = StageCompleted
			immutable = 1
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE section_output_batches
			SET completed_sections = ?, failed_sections = ?, status = ?, is_immutable = ?
			WHERE id = ?`,
			completed, failed, string(status), immutable, id.String())
		return err
	})
}

func (s *Store) mutateOutputBatch(ctx context.Context, id uuid.UUID, apply func(tx *sql.Tx, b *SectionOutputBatch) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+outputBatchColumns+" FROM section_output_batches WHERE id = ?", id.String())
		b, err := scanOutputBatch(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("section_output_batch", id.String())
			}
			return err
		}
		if b.IsImmutable {
			return errs.ImmutabilityViolation("section_output_batch", id.String())
		}
		return apply(tx, b)
	})
}

// CreateSectionOutput inserts a pending output row for one input.
func (s *Store) CreateSectionOutput(ctx context.Context, o *SectionOutput) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = OutputPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = fromUnixNano(now())
	}
	retryHistory, err := marshalRetryHistory(o.RetryHistory)
	if err != nil {
		return err
	}
	validation, err := marshalJSON(o.ValidationResult)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(o.GenerationMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO section_outputs
			(id, batch_id, generation_input_id, section_id, sequence_order, status,
			 generated_content, content_length, content_hash, error_code, failure_category,
			 retry_count, max_retries, retry_history, validation_result, generation_metadata,
			 is_immutable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID.String(), o.BatchID.String(), o.GenerationInputID.String(), o.SectionID,
		o.SequenceOrder, string(o.Status), nullableString(o.GeneratedContent), o.ContentLength,
		nullableString(o.ContentHash), nullableString(o.ErrorCode), nullableString(o.FailureCategory),
		o.RetryCount, o.MaxRetries, retryHistory, validation, metadata,
		boolToInt(o.IsImmutable), o.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert section output: %w", err)
	}
	return nil
}

const sectionOutputColumns = `id, batch_id, generation_input_id, section_id, sequence_order, status,
	COALESCE(generated_content, ''), content_length, COALESCE(content_hash, ''),
	COALESCE(error_code, ''), COALESCE(failure_category, ''), retry_count, max_retries,
	retry_history, validation_result, generation_metadata, is_immutable, created_at`

func scanSectionOutput(row interface{ Scan(...any) error }) (*SectionOutput, error) {
	var o SectionOutput
	var id, batchID, inputID, status string
	var retryHistory, validation, metadata sql.NullString
	var immutable int
	var createdAt int64
	if err := row.Scan(&id, &batchID, &inputID, &o.SectionID, &o.SequenceOrder, &status,
		&o.GeneratedContent, &o.ContentLength, &o.ContentHash, &o.ErrorCode, &o.FailureCategory,
		&o.RetryCount, &o.MaxRetries, &retryHistory, &validation, &metadata, &immutable, &createdAt); err != nil {
		return nil, err
	}
	o.ID = uuid.MustParse(id)
	o.BatchID = uuid.MustParse(batchID)
	o.GenerationInputID = uuid.MustParse(inputID)
	o.Status = OutputStatus(status)
	o.IsImmutable = immutable != 0
	o.CreatedAt = fromUnixNano(createdAt)
	if retryHistory.Valid && retryHistory.String != "" {
		if err := json.Unmarshal([]byte(retryHistory.String), &o.RetryHistory); err != nil {
			return nil, fmt.Errorf("unmarshal retry history: %w", err)
		}
	}
	if validation.Valid {
		m, err := unmarshalJSON([]byte(validation.String))
		if err != nil {
			return nil, err
		}
		o.ValidationResult = m
	}
	if metadata.Valid {
		m, err := unmarshalJSON([]byte(metadata.String))
		if err != nil {
			return nil, err
		}
		o.GenerationMetadata = m
	}
	return &o, nil
}

// OutputsByBatch lists outputs in sequence order.
func (s *Store) OutputsByBatch(ctx context.Context, batchID uuid.UUID) ([]*SectionOutput, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sectionOutputColumns+" FROM section_outputs WHERE batch_id = ? ORDER BY sequence_order",
		batchID.String())
	if err != nil {
		return nil, fmt.Errorf("query section outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*SectionOutput
	for rows.Next() {
		o, err := scanSectionOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section output: %w", err)
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// GetSectionOutput loads a section output by id.
func (s *Store) GetSectionOutput(ctx context.Context, id uuid.UUID) (*SectionOutput, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sectionOutputColumns+" FROM section_outputs WHERE id = ?", id.String())
	o, err := scanSectionOutput(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("section_output", id.String())
		}
		return nil, fmt.Errorf("get section output: %w", err)
	}
	return o, nil
}

// OutputBySection returns the output for (batch, section).
func (s *Store) OutputBySection(ctx context.Context, batchID uuid.UUID, sectionID int64) (*SectionOutput, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sectionOutputColumns+" FROM section_outputs WHERE batch_id = ? AND section_id = ?",
		batchID.String(), sectionID)
	o, err := scanSectionOutput(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("section_output", fmt.Sprintf("batch %s section %d", batchID, sectionID))
		}
		return nil, fmt.Errorf("lookup section output: %w", err)
	}
	return o, nil
}

// OutputByContentHash is the content-addressed deduplication probe.
func (s *Store) OutputByContentHash(ctx context.Context, contentHash string) (*SectionOutput, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sectionOutputColumns+" FROM section_outputs WHERE content_hash = ? ORDER BY created_at DESC LIMIT 1",
		contentHash)
	o, err := scanSectionOutput(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("section_output", "hash "+contentHash)
		}
		return nil, fmt.Errorf("lookup section output by hash: %w", err)
	}
	return o, nil
}

// MarkOutputInProgress transitions pending|retrying -> in_progress.
func (s *Store) MarkOutputInProgress(ctx context.Context, id uuid.UUID) error {
	return s.mutateSectionOutput(ctx, id, func(tx *sql.Tx, o *SectionOutput) error {
		if o.Status != OutputPending && o.Status != OutputRetrying {
			return errs.InvalidTransition("section_output", string(o.Status), string(OutputInProgress))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE section_outputs SET status = ? WHERE id = ?",
			string(OutputInProgress), id.String())
		return err
	})
}

// MarkOutputRetrying records one failed attempt and moves the output back to
// retrying with the appended history entry.
func (s *Store) MarkOutputRetrying(ctx context.Context, id uuid.UUID, attempt RetryAttempt) error {
	return s.mutateSectionOutput(ctx, id, func(tx *sql.Tx, o *SectionOutput) error {
		history := append(o.RetryHistory, attempt)
		raw, err := marshalRetryHistory(history)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE section_outputs SET status = ?, retry_count = ?, retry_history = ? WHERE id = ?",
			string(OutputRetrying), len(history), raw, id.String())
		return err
	})
}

// MarkOutputValidated persists a successful generation and freezes the row.
func (s *Store) MarkOutputValidated(ctx context.Context, id uuid.UUID, content, contentHash string, validation, metadata map[string]any) error {
	return s.mutateSectionOutput(ctx, id, func(tx *sql.Tx, o *SectionOutput) error {
		validationRaw, err := marshalJSON(validation)
		if err != nil {
			return err
		}
		metadataRaw, err := marshalJSON(metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE section_outputs
			SET status = ?, generated_content = ?, content_length = ?, content_hash = ?,
				validation_result = ?, generation_metadata = ?, is_immutable = 1
			WHERE id = ?`,
			string(OutputValidated), content, len(content), contentHash,
			validationRaw, metadataRaw, id.String())
		return err
	})
}

// MarkOutputFailed persists a terminal failure and freezes the row.
func (s *Store) MarkOutputFailed(ctx context.Context, id uuid.UUID, errorCode, failureCategory string, metadata map[string]any) error {
	return s.mutateSectionOutput(ctx, id, func(tx *sql.Tx, o *SectionOutput) error {
		metadataRaw, err := marshalJSON(metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE section_outputs
			SET status = ?, error_code = ?, failure_category = ?, generation_metadata = ?, is_immutable = 1
			WHERE id = ?`,
			string(OutputFailed), errorCode, failureCategory, metadataRaw, id.String())
		return err
	})
}

func (s *Store) mutateSectionOutput(ctx context.Context, id uuid.UUID, apply func(tx *sql.Tx, o *SectionOutput) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+sectionOutputColumns+" FROM section_outputs WHERE id = ?", id.String())
		o, err := scanSectionOutput(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("section_output", id.String())
			}
			return err
		}
		if o.IsImmutable {
			return errs.ImmutabilityViolation("section_output", id.String())
		}
		return apply(tx, o)
	})
}

func marshalRetryHistory(history []RetryAttempt) (any, error) {
	if history == nil {
		return nil, nil
	}
	data, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

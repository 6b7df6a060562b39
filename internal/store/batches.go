package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// CreateInputBatch persists a batch and its child inputs in one transaction.
// The batch starts pending; children are ordered by sequence_order.
func (s *Store) CreateInputBatch(ctx context.Context, batch *GenerationInputBatch, inputs []*GenerationInput) error {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = BatchPending
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = fromUnixNano(now())
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO generation_input_batches
				(id, document_id, template_version_id, version_intent, status, content_hash, is_immutable, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			batch.ID.String(), batch.DocumentID.String(), batch.TemplateVersionID.String(),
			batch.VersionIntent, string(batch.Status), nullableString(batch.ContentHash),
			boolToInt(batch.IsImmutable), batch.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert input batch: %w", err)
		}
		for _, in := range inputs {
			if in.ID == uuid.Nil {
				in.ID = uuid.New()
			}
			in.BatchID = batch.ID
			if in.CreatedAt.IsZero() {
				in.CreatedAt = fromUnixNano(now())
			}
			promptConfig, err := marshalJSON(in.PromptConfig)
			if err != nil {
				return err
			}
			clientData, err := marshalJSON(in.ClientData)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO generation_inputs
					(id, batch_id, section_id, sequence_order, structural_path, hierarchy_context,
					 prompt_config, client_data, surrounding_context, input_hash, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				in.ID.String(), in.BatchID.String(), in.SectionID, in.SequenceOrder,
				in.StructuralPath, nullableString(in.HierarchyContext), promptConfig, clientData,
				nullableString(in.SurroundingContext), in.InputHash, in.CreatedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("insert generation input %s: %w", in.StructuralPath, err)
			}
		}
		return nil
	})
}

const inputBatchColumns = `id, document_id, template_version_id, version_intent, status,
	COALESCE(content_hash, ''), is_immutable, created_at`

func scanInputBatch(row interface{ Scan(...any) error }) (*GenerationInputBatch, error) {
	var b GenerationInputBatch
	var id, docID, tvID, status string
	var immutable int
	var createdAt int64
	if err := row.Scan(&id, &docID, &tvID, &b.VersionIntent, &status, &b.ContentHash, &immutable, &createdAt); err != nil {
		return nil, err
	}
	b.ID = uuid.MustParse(id)
	b.DocumentID = uuid.MustParse(docID)
	b.TemplateVersionID = uuid.MustParse(tvID)
	b.Status = BatchStatus(status)
	b.IsImmutable = immutable != 0
	b.CreatedAt = fromUnixNano(createdAt)
	return &b, nil
}

// GetInputBatch loads a batch by id.
func (s *Store) GetInputBatch(ctx context.Context, id uuid.UUID) (*GenerationInputBatch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+inputBatchColumns+" FROM generation_input_batches WHERE id = ?", id.String())
	b, err := scanInputBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("generation_input_batch", id.String())
		}
		return nil, fmt.Errorf("get input batch: %w", err)
	}
	return b, nil
}

// InputBatchBy returns the batch for (document, version_intent); the pair is
// unique so at most one row exists.
func (s *Store) InputBatchBy(ctx context.Context, documentID uuid.UUID, versionIntent int) (*GenerationInputBatch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+inputBatchColumns+" FROM generation_input_batches WHERE document_id = ? AND version_intent = ?",
		documentID.String(), versionIntent)
	b, err := scanInputBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("generation_input_batch", fmt.Sprintf("%s intent=%d", documentID, versionIntent))
		}
		return nil, fmt.Errorf("lookup input batch: %w", err)
	}
	return b, nil
}

// InputBatchByContentHash is the deduplication probe.
func (s *Store) InputBatchByContentHash(ctx context.Context, contentHash string) (*GenerationInputBatch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+inputBatchColumns+" FROM generation_input_batches WHERE content_hash = ? ORDER BY created_at DESC LIMIT 1",
		contentHash)
	b, err := scanInputBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("generation_input_batch", "hash "+contentHash)
		}
		return nil, fmt.Errorf("lookup input batch by hash: %w", err)
	}
	return b, nil
}

// InputsByBatch lists the frozen inputs in sequence order.
func (s *Store) InputsByBatch(ctx context.Context, batchID uuid.UUID) ([]*GenerationInput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, section_id, sequence_order, structural_path,
			COALESCE(hierarchy_context, ''), prompt_config, client_data,
			COALESCE(surrounding_context, ''), input_hash, created_at
		FROM generation_inputs WHERE batch_id = ? ORDER BY sequence_order`,
		batchID.String())
	if err != nil {
		return nil, fmt.Errorf("query generation inputs: %w", err)
	}
	defer rows.Close()

	var inputs []*GenerationInput
	for rows.Next() {
		var in GenerationInput
		var id, bID string
		var promptConfig, clientData sql.NullString
		var createdAt int64
		if err := rows.Scan(&id, &bID, &in.SectionID, &in.SequenceOrder, &in.StructuralPath,
			&in.HierarchyContext, &promptConfig, &clientData, &in.SurroundingContext,
			&in.InputHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan generation input: %w", err)
		}
		in.ID = uuid.MustParse(id)
		in.BatchID = uuid.MustParse(bID)
		in.CreatedAt = fromUnixNano(createdAt)
		if promptConfig.Valid {
			m, err := unmarshalJSON([]byte(promptConfig.String))
			if err != nil {
				return nil, err
			}
			in.PromptConfig = m
		}
		if clientData.Valid {
			m, err := unmarshalJSON([]byte(clientData.String))
			if err != nil {
				return nil, err
			}
			in.ClientData = m
		}
		inputs = append(inputs, &in)
	}
	return inputs, rows.Err()
}

// GetGenerationInput loads one frozen input by id.
func (s *Store) GetGenerationInput(ctx context.Context, id uuid.UUID) (*GenerationInput, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, section_id, sequence_order, structural_path,
			COALESCE(hierarchy_context, ''), prompt_config, client_data,
			COALESCE(surrounding_context, ''), input_hash, created_at
		FROM generation_inputs WHERE id = ?`, id.String())

	var in GenerationInput
	var inID, bID string
	var promptConfig, clientData sql.NullString
	var createdAt int64
	err := row.Scan(&inID, &bID, &in.SectionID, &in.SequenceOrder, &in.StructuralPath,
		&in.HierarchyContext, &promptConfig, &clientData, &in.SurroundingContext,
		&in.InputHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("generation_input", id.String())
		}
		return nil, fmt.Errorf("get generation input: %w", err)
	}
	in.ID = uuid.MustParse(inID)
	in.BatchID = uuid.MustParse(bID)
	in.CreatedAt = fromUnixNano(createdAt)
	if promptConfig.Valid {
		m, err := unmarshalJSON([]byte(promptConfig.String))
		if err != nil {
			return nil, err
		}
		in.PromptConfig = m
	}
	if clientData.Valid {
		m, err := unmarshalJSON([]byte(clientData.String))
		if err != nil {
			return nil, err
		}
		in.ClientData = m
	}
	return &in, nil
}

// ValidateInputBatch transitions a batch pending -> validated exactly once,
// freezing it and its children: is_immutable is set in the same transaction.
func (s *Store) ValidateInputBatch(ctx context.Context, id uuid.UUID, contentHash string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var immutable int
		row := tx.QueryRowContext(ctx,
			"SELECT status, is_immutable FROM generation_input_batches WHERE id = ?", id.String())
		if err := row.Scan(&status, &immutable); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("generation_input_batch", id.String())
			}
			return err
		}
		if immutable != 0 {
			return errs.ImmutabilityViolation("generation_input_batch", id.String())
		}
		if BatchStatus(status) != BatchPending {
			return errs.InvalidTransition("generation_input_batch", status, string(BatchValidated))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE generation_input_batches SET status = ?, content_hash = ?, is_immutable = 1 WHERE id = ?",
			string(BatchValidated), contentHash, id.String())
		return err
	})
}

// FailInputBatch transitions a batch pending -> failed.
func (s *Store) FailInputBatch(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var immutable int
		row := tx.QueryRowContext(ctx,
			"SELECT status, is_immutable FROM generation_input_batches WHERE id = ?", id.String())
		if err := row.Scan(&status, &immutable); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("generation_input_batch", id.String())
			}
			return err
		}
		if immutable != 0 {
			return errs.ImmutabilityViolation("generation_input_batch", id.String())
		}
		if BatchStatus(status) != BatchPending {
			return errs.InvalidTransition("generation_input_batch", status, string(BatchFailed))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE generation_input_batches SET status = ? WHERE id = ?",
			string(BatchFailed), id.String())
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

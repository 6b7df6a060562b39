package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendAudit writes one append-only audit entry. Audit rows are never
// mutated or deleted; there are no update or delete paths by design of the
// schema (no mutators exist).
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = fromUnixNano(now())
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, action, correlation_id, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.EntityType, e.EntityID, e.Action, nullableString(e.CorrelationID),
		metadata, e.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// AuditFilter narrows audit queries; zero values match everything.
type AuditFilter struct {
	EntityType    string
	EntityID      string
	Action        string
	CorrelationID string
	Limit         int
	Offset        int
	Ascending     bool // default newest first
}

// QueryAudit returns audit entries matching the filter with stable timestamp
// ordering (the autoincrement id breaks timestamp ties).
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	query := "SELECT id, entity_type, entity_id, action, COALESCE(correlation_id, ''), metadata, timestamp FROM audit_log WHERE 1=1"
	var args []any
	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, f.CorrelationID)
	}
	if f.Ascending {
		query += " ORDER BY timestamp ASC, id ASC"
	} else {
		query += " ORDER BY timestamp DESC, id DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var metadata sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.CorrelationID, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = fromUnixNano(ts)
		if metadata.Valid {
			m, err := unmarshalJSON([]byte(metadata.String))
			if err != nil {
				return nil, err
			}
			e.Metadata = m
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Package audit records the append-only pipeline audit trail and serves its
// query surface. Entries can additionally be published to NATS for external
// consumers; publication is best-effort and never fails the write.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/store"
)

// Actions recorded by the pipeline.
const (
	ActionStarted    = "started"
	ActionCompleted  = "completed"
	ActionFailed     = "failed"
	ActionRegenerate = "regenerate"
	ActionSeeded     = "seeded"
)

// Publisher pushes serialized audit entries to an external bus. *nats.Conn
// satisfies it directly.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Recorder writes audit entries through the store.
type Recorder struct {
	store     *store.Store
	publisher Publisher
	subject   string
	logger    *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPublisher mirrors every entry to the given bus subject.
func WithPublisher(p Publisher, subject string) RecorderOption {
	return func(r *Recorder) {
		r.publisher = p
		r.subject = subject
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder wires a recorder over the store.
func NewRecorder(st *store.Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: st, subject: "docgen.audit", logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one entry. Publication failures are logged, not returned;
// the durable store row is the source of truth.
func (r *Recorder) Record(ctx context.Context, entityType, entityID, action, correlationID string, metadata map[string]any) error {
	entry := &store.AuditEntry{
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		CorrelationID: correlationID,
		Metadata:      metadata,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return err
	}
	if r.publisher != nil {
		data, err := json.Marshal(map[string]any{
			"id":             entry.ID,
			"entity_type":    entry.EntityType,
			"entity_id":      entry.EntityID,
			"action":         entry.Action,
			"correlation_id": entry.CorrelationID,
			"metadata":       entry.Metadata,
			"timestamp":      entry.Timestamp,
		})
		if err == nil {
			err = r.publisher.Publish(r.subject, data)
		}
		if err != nil {
			r.logger.Warn("audit publication failed", "entry_id", entry.ID, "error", err)
		}
	}
	return nil
}

// Query proxies the store's filtered audit query.
func (r *Recorder) Query(ctx context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	return r.store.QueryAudit(ctx, f)
}

// RegenerationHistory is the stream of regenerate entries for a document,
// newest first.
func (r *Recorder) RegenerationHistory(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*store.AuditEntry, error) {
	return r.store.QueryAudit(ctx, store.AuditFilter{
		EntityType: "document",
		EntityID:   documentID.String(),
		Action:     ActionRegenerate,
		Limit:      limit,
		Offset:     offset,
	})
}

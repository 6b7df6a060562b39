// Package pipeline drives jobs through the document generation stages and
// hosts the parse and classify job handlers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/assemble"
	"git.home.luguber.info/inful/docgen/internal/audit"
	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/generate"
	"git.home.luguber.info/inful/docgen/internal/metrics"
	"git.home.luguber.info/inful/docgen/internal/render"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// Stage names, also used as audit entity types.
const (
	StageInputPreparation  = "input_preparation"
	StageSectionGeneration = "section_generation"
	StageAssembly          = "assembly"
	StageRendering         = "rendering"
	StageVersioning        = "versioning"
)

// GenerateParams parameterize one generate job.
type GenerateParams struct {
	DocumentID        uuid.UUID      `json:"document_id"`
	TemplateVersionID uuid.UUID      `json:"template_version_id"`
	VersionIntent     int            `json:"version_intent"`
	ClientData        map[string]any `json:"client_data,omitempty"`
	ForceRegenerate   bool           `json:"force_regenerate,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// Coordinator chains the pipeline stages for one job. Stages are sequential
// and individually idempotent: an existing validated artifact short-circuits
// its stage.
type Coordinator struct {
	store     *store.Store
	blobs     blobstore.Store
	executor  *generate.Executor
	assembler *assemble.Assembler
	renderer  *render.Renderer
	audit     *audit.Recorder
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMetrics injects a metrics recorder.
func WithMetrics(m metrics.Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator wires the stage drivers together.
func NewCoordinator(st *store.Store, blobs blobstore.Store, executor *generate.Executor,
	assembler *assemble.Assembler, renderer *render.Renderer, rec *audit.Recorder,
	opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     st,
		blobs:     blobs,
		executor:  executor,
		assembler: assembler,
		renderer:  renderer,
		audit:     rec,
		metrics:   metrics.NoopRecorder{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StageError carries the stage a pipeline run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Generate runs the five stages for the given parameters and returns the
// committed document version. Any stage failure aborts the run; validated
// artifacts from earlier stages remain in place and are reused on retry.
func (c *Coordinator) Generate(ctx context.Context, p GenerateParams) (*store.DocumentVersion, error) {
	log := c.logger.With("document_id", p.DocumentID, "version_intent", p.VersionIntent,
		"correlation_id", p.CorrelationID)
	log.Info("pipeline started")
	timings := map[string]any{}

	var inputBatch *store.GenerationInputBatch
	if err := c.runStage(ctx, p, StageInputPreparation, timings, func(ctx context.Context) (string, error) {
		b, err := c.prepareInputs(ctx, p)
		if err != nil {
			return "", err
		}
		inputBatch = b
		return b.ID.String(), nil
	}); err != nil {
		return nil, err
	}

	var outputBatch *store.SectionOutputBatch
	if err := c.runStage(ctx, p, StageSectionGeneration, timings, func(ctx context.Context) (string, error) {
		b, err := c.generateSections(ctx, inputBatch)
		if err != nil {
			return "", err
		}
		outputBatch = b
		return b.ID.String(), nil
	}); err != nil {
		return nil, err
	}

	var assembled *store.AssembledDocument
	if err := c.runStage(ctx, p, StageAssembly, timings, func(ctx context.Context) (string, error) {
		a, err := c.assembleDocument(ctx, p, inputBatch, outputBatch)
		if err != nil {
			return "", err
		}
		assembled = a
		return a.ID.String(), nil
	}); err != nil {
		return nil, err
	}

	var rendered *store.RenderedDocument
	if err := c.runStage(ctx, p, StageRendering, timings, func(ctx context.Context) (string, error) {
		r, err := c.renderDocument(ctx, p, assembled)
		if err != nil {
			return "", err
		}
		rendered = r
		return r.ID.String(), nil
	}); err != nil {
		return nil, err
	}

	var version *store.DocumentVersion
	if err := c.runStage(ctx, p, StageVersioning, timings, func(ctx context.Context) (string, error) {
		v, err := c.commitVersion(ctx, p, inputBatch, rendered, timings)
		if err != nil {
			return "", err
		}
		version = v
		return v.ID.String(), nil
	}); err != nil {
		return nil, err
	}

	log.Info("pipeline completed", "version", version.VersionNumber, "rendered_blob", version.RenderedBlobKey)
	return version, nil
}

// runStage wraps one stage with audit entries, metrics and error tagging. The
// started entry always precedes the completed/failed entry for a correlation
// id.
func (c *Coordinator) runStage(ctx context.Context, p GenerateParams, stage string,
	timings map[string]any, fn func(ctx context.Context) (string, error)) error {
	started := time.Now()
	if err := c.audit.Record(ctx, stage, p.DocumentID.String(), audit.ActionStarted, p.CorrelationID,
		map[string]any{"version_intent": p.VersionIntent}); err != nil {
		return &StageError{Stage: stage, Err: err}
	}

	artifactID, err := fn(ctx)
	elapsed := time.Since(started)
	c.metrics.ObserveStageDuration(stage, elapsed)
	timings[stage+"_ms"] = elapsed.Milliseconds()

	if err != nil {
		c.metrics.IncStageResult(stage, metrics.ResultFailed)
		if auditErr := c.audit.Record(ctx, stage, p.DocumentID.String(), audit.ActionFailed, p.CorrelationID,
			map[string]any{"error": err.Error(), "error_code": errs.CodeOf(err)}); auditErr != nil {
			c.logger.Error("audit write failed", "stage", stage, "error", auditErr)
		}
		return &StageError{Stage: stage, Err: err}
	}

	c.metrics.IncStageResult(stage, metrics.ResultSuccess)
	if auditErr := c.audit.Record(ctx, stage, p.DocumentID.String(), audit.ActionCompleted, p.CorrelationID,
		map[string]any{"artifact_id": artifactID, "version_intent": p.VersionIntent}); auditErr != nil {
		return &StageError{Stage: stage, Err: auditErr}
	}
	return nil
}

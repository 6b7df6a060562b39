// Package regen computes regeneration plans: which dynamic sections of a
// document must be regenerated and which previous outputs can be reused.
// The planner is advisory; callers compose its plan with the pipeline.
package regen

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/audit"
	"git.home.luguber.info/inful/docgen/internal/canonical"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// Scope selects how much of the document a request covers.
type Scope string

const (
	ScopeSection        Scope = "section"
	ScopeFull           Scope = "full"
	ScopeTemplateUpdate Scope = "template_update"
)

// Strategy refines section-scope requests.
type Strategy string

const (
	StrategyReuseUnchanged Strategy = "reuse_unchanged"
	StrategyForceAll       Strategy = "force_all"
)

// Request describes one regeneration ask.
type Request struct {
	DocumentID       uuid.UUID
	Scope            Scope
	Strategy         Strategy
	TargetSectionIDs []int64
	Force            bool
	ClientData       map[string]any
	// SectionOverrides are per-section client_data overlays merged onto
	// ClientData before hashing.
	SectionOverrides map[int64]map[string]any
	// NewTemplateVersionID is required for template_update scope.
	NewTemplateVersionID uuid.UUID
	CorrelationID        string
}

// Plan is the advisory output: disjoint regenerate and reuse sets covering
// every dynamic section of the resolved template version.
type Plan struct {
	DocumentID        uuid.UUID `json:"document_id"`
	TemplateVersionID uuid.UUID `json:"template_version_id"`
	VersionIntent     int       `json:"version_intent"`
	Regenerate        []int64   `json:"regenerate"`
	Reuse             []int64   `json:"reuse"`
}

// Planner resolves regeneration requests against stored artifacts.
type Planner struct {
	store  *store.Store
	audit  *audit.Recorder
	logger *slog.Logger
}

// NewPlanner wires a planner.
func NewPlanner(st *store.Store, rec *audit.Recorder, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{store: st, audit: rec, logger: logger}
}

// PlanRegeneration computes the plan and writes one regenerate audit entry.
func (p *Planner) PlanRegeneration(ctx context.Context, req Request) (*Plan, error) {
	doc, err := p.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	templateVersionID := doc.TemplateVersionID
	if req.Scope == ScopeTemplateUpdate {
		if req.NewTemplateVersionID == uuid.Nil {
			return nil, errs.New(errs.CodeMissingInput, errs.CategoryRegeneration,
				"template_update scope requires a new template version")
		}
		templateVersionID = req.NewTemplateVersionID
	}
	sections, err := p.store.SectionsByTemplateVersion(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		DocumentID:        req.DocumentID,
		TemplateVersionID: templateVersionID,
		VersionIntent:     doc.CurrentVersion + 1,
	}
	switch req.Scope {
	case ScopeFull, ScopeTemplateUpdate:
		for _, sec := range sections {
			if sec.SectionType == store.SectionDynamic {
				plan.Regenerate = append(plan.Regenerate, sec.ID)
			}
		}
	case ScopeSection:
		if err := p.planSections(ctx, req, sections, plan); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Newf(errs.CodeMissingInput, errs.CategoryRegeneration,
			"unknown regeneration scope %q", req.Scope)
	}

	if err := p.audit.Record(ctx, "document", req.DocumentID.String(), audit.ActionRegenerate,
		req.CorrelationID, map[string]any{
			"scope":               string(req.Scope),
			"strategy":            string(req.Strategy),
			"template_version_id": templateVersionID.String(),
			"version_intent":      plan.VersionIntent,
			"regenerate":          plan.Regenerate,
			"reuse":               plan.Reuse,
		}); err != nil {
		return nil, err
	}
	p.logger.Info("regeneration planned",
		"document_id", req.DocumentID, "scope", req.Scope,
		"regenerate", len(plan.Regenerate), "reuse", len(plan.Reuse))
	return plan, nil
}

// planSections handles section scope: targets regenerate per strategy, every
// other dynamic section reuses.
func (p *Planner) planSections(ctx context.Context, req Request, sections []*store.Section, plan *Plan) error {
	if len(req.TargetSectionIDs) == 0 {
		return errs.New(errs.CodeMissingInput, errs.CategoryRegeneration,
			"section scope requires a non-empty target set")
	}
	byID := make(map[int64]*store.Section, len(sections))
	for _, sec := range sections {
		byID[sec.ID] = sec
	}
	targets := map[int64]bool{}
	for _, id := range req.TargetSectionIDs {
		sec, ok := byID[id]
		if !ok {
			return errs.Newf(errs.CodeNotFound, errs.CategoryRegeneration,
				"section %d is not part of the document's template version", id)
		}
		if sec.SectionType == store.SectionStatic {
			return errs.Newf(errs.CodeStaticSection, errs.CategoryRegeneration,
				"section %d (%s) is static and cannot be regenerated", id, sec.StructuralPath)
		}
		targets[id] = true
	}

	prev, err := p.previousOutputs(ctx, req.DocumentID)
	if err != nil {
		return err
	}
	for _, sec := range sections {
		if sec.SectionType != store.SectionDynamic {
			continue
		}
		if !targets[sec.ID] {
			plan.Reuse = append(plan.Reuse, sec.ID)
			continue
		}
		regenerate := true
		if req.Strategy == StrategyReuseUnchanged && !req.Force {
			changed, err := p.inputChanged(ctx, req, sec, prev[sec.ID])
			if err != nil {
				return err
			}
			regenerate = changed
		}
		if regenerate {
			plan.Regenerate = append(plan.Regenerate, sec.ID)
		} else {
			plan.Reuse = append(plan.Reuse, sec.ID)
		}
	}
	return nil
}

// previousOutputs maps section id to its output from the document's latest
// batch, or an empty map when the document has never been generated.
func (p *Planner) previousOutputs(ctx context.Context, documentID uuid.UUID) (map[int64]*store.SectionOutput, error) {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.CurrentVersion == 0 {
		return map[int64]*store.SectionOutput{}, nil
	}
	inputBatch, err := p.store.InputBatchBy(ctx, documentID, doc.CurrentVersion)
	if err != nil {
		if errs.IsNotFound(err) {
			return map[int64]*store.SectionOutput{}, nil
		}
		return nil, err
	}
	outputBatch, err := p.store.OutputBatchByInputBatch(ctx, inputBatch.ID)
	if err != nil {
		if errs.IsNotFound(err) {
			return map[int64]*store.SectionOutput{}, nil
		}
		return nil, err
	}
	outputs, err := p.store.OutputsByBatch(ctx, outputBatch.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*store.SectionOutput, len(outputs))
	for _, out := range outputs {
		byID[out.SectionID] = out
	}
	return byID, nil
}

// inputChanged recomputes the section's input fingerprint and compares it to
// the hash frozen on the previous generation input. No previous output means
// changed.
func (p *Planner) inputChanged(ctx context.Context, req Request, sec *store.Section, prev *store.SectionOutput) (bool, error) {
	if prev == nil || prev.Status != store.OutputValidated {
		return true, nil
	}
	merged := canonical.MergeClientData(req.ClientData, req.SectionOverrides[sec.ID])
	fingerprint, err := canonical.Fingerprint(sec.ID, merged)
	if err != nil {
		return false, err
	}
	prevInput, err := p.store.GetGenerationInput(ctx, prev.GenerationInputID)
	if err != nil {
		return false, err
	}
	return fingerprint != prevInput.InputHash, nil
}

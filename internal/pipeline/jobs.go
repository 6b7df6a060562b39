package pipeline

import (
	"context"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// HandleGenerateJob adapts a queued generate job to the coordinator. The job
// id doubles as correlation id when the payload carries none.
func (c *Coordinator) HandleGenerateJob(ctx context.Context, job *store.Job) (map[string]any, error) {
	params, err := paramsFromPayload(job.Payload)
	if err != nil {
		return nil, err
	}
	if params.CorrelationID == "" {
		params.CorrelationID = job.ID.String()
	}
	if params.TemplateVersionID == uuid.Nil {
		doc, err := c.store.GetDocument(ctx, params.DocumentID)
		if err != nil {
			return nil, err
		}
		params.TemplateVersionID = doc.TemplateVersionID
	}

	version, err := c.Generate(ctx, params)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"document_version_id": version.ID.String(),
		"version_number":      version.VersionNumber,
		"rendered_blob_key":   version.RenderedBlobKey,
	}, nil
}

func paramsFromPayload(payload map[string]any) (GenerateParams, error) {
	var p GenerateParams
	docID, err := payloadUUID(payload, "document_id")
	if err != nil {
		return p, err
	}
	p.DocumentID = docID

	if raw, ok := payload["template_version_id"].(string); ok && raw != "" {
		tvID, err := uuid.Parse(raw)
		if err != nil {
			return p, errs.Newf(errs.CodeMissingInput, errs.CategoryInfrastructure,
				"job payload field template_version_id is not a uuid: %v", err)
		}
		p.TemplateVersionID = tvID
	}

	// JSON round-trips numbers as float64.
	switch v := payload["version_intent"].(type) {
	case float64:
		p.VersionIntent = int(v)
	case int:
		p.VersionIntent = v
	default:
		return p, errs.New(errs.CodeMissingInput, errs.CategoryInfrastructure,
			"job payload missing version_intent")
	}
	if p.VersionIntent < 1 {
		return p, errs.Newf(errs.CodeMissingInput, errs.CategoryInfrastructure,
			"version_intent %d is not positive", p.VersionIntent)
	}

	if data, ok := payload["client_data"].(map[string]any); ok {
		p.ClientData = data
	}
	if force, ok := payload["force_regenerate"].(bool); ok {
		p.ForceRegenerate = force
	}
	if correlation, ok := payload["correlation_id"].(string); ok {
		p.CorrelationID = correlation
	}
	return p, nil
}

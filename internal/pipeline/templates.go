package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/audit"
	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/docx"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// TemplateProcessor handles template intake: registration, the parse job and
// the classify job.
type TemplateProcessor struct {
	store  *store.Store
	blobs  blobstore.Store
	audit  *audit.Recorder
	logger *slog.Logger
}

// NewTemplateProcessor wires a processor.
func NewTemplateProcessor(st *store.Store, blobs blobstore.Store, rec *audit.Recorder, logger *slog.Logger) *TemplateProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateProcessor{store: st, blobs: blobs, audit: rec, logger: logger}
}

// RegisterTemplate stores the uploaded source, creates the next template
// version in pending and enqueues its parse job. The template is created on
// first upload.
func (t *TemplateProcessor) RegisterTemplate(ctx context.Context, name string, source []byte) (*store.TemplateVersion, error) {
	if len(source) == 0 {
		return nil, errs.New(errs.CodeEmptyFile, errs.CategoryParsing, "template upload is empty")
	}
	template, err := t.store.TemplateByName(ctx, name)
	if errs.IsNotFound(err) {
		template, err = t.store.CreateTemplate(ctx, name)
	}
	if err != nil {
		return nil, err
	}

	versionNumber := 1
	if latest, err := t.store.LatestTemplateVersion(ctx, template.ID); err == nil {
		versionNumber = latest.VersionNumber + 1
	} else if !errs.IsNotFound(err) {
		return nil, err
	}

	tv := &store.TemplateVersion{
		TemplateID:    template.ID,
		VersionNumber: versionNumber,
		SourceBlobKey: blobstore.TemplateSourceKey(template.ID, versionNumber),
	}
	if err := t.blobs.Put(ctx, tv.SourceBlobKey, source); err != nil {
		return nil, fmt.Errorf("store template source: %w", err)
	}
	if err := t.store.InsertTemplateVersion(ctx, tv); err != nil {
		return nil, err
	}
	if err := t.store.EnqueueJob(ctx, &store.Job{
		JobType: store.JobParse,
		Payload: map[string]any{"template_version_id": tv.ID.String()},
	}); err != nil {
		return nil, err
	}
	t.logger.Info("template registered", "template", name, "version", versionNumber)
	return tv, nil
}

// HandleParseJob parses the version's source bytes, persists the structure
// blob and enqueues classification. Parse failures land on the row, not the
// job.
func (t *TemplateProcessor) HandleParseJob(ctx context.Context, job *store.Job) (map[string]any, error) {
	tvID, err := payloadUUID(job.Payload, "template_version_id")
	if err != nil {
		return nil, err
	}
	tv, err := t.store.GetTemplateVersion(ctx, tvID)
	if err != nil {
		return nil, err
	}
	if tv.ParsingStatus == store.ParsingCompleted {
		return map[string]any{"reused": true, "parsed_blob_key": tv.ParsedBlobKey}, nil
	}
	if err := t.store.MarkTemplateVersionParsing(ctx, tvID); err != nil {
		return nil, err
	}

	source, err := t.blobs.Get(ctx, tv.SourceBlobKey)
	if err != nil {
		return nil, fmt.Errorf("load template source: %w", err)
	}
	parsed, parseErr := docx.Parse(source)
	if parseErr != nil {
		if err := t.store.MarkTemplateVersionFailed(ctx, tvID, parseErr.Error()); err != nil {
			return nil, err
		}
		t.recordTemplateAudit(ctx, tv, audit.ActionFailed, job, map[string]any{
			"error_code": errs.CodeOf(parseErr),
		})
		return nil, parseErr
	}

	parsedJSON, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("serialize parsed structure: %w", err)
	}
	parsedKey := blobstore.TemplateParsedKey(tv.TemplateID, tv.VersionNumber)
	if err := t.blobs.Put(ctx, parsedKey, parsedJSON); err != nil {
		return nil, fmt.Errorf("store parsed structure: %w", err)
	}
	if err := t.store.MarkTemplateVersionParsed(ctx, tvID, parsedKey, parsed.ContentHash); err != nil {
		return nil, err
	}
	if err := t.store.EnqueueJob(ctx, &store.Job{
		JobType: store.JobClassify,
		Payload: map[string]any{"template_version_id": tvID.String()},
	}); err != nil {
		return nil, err
	}

	t.recordTemplateAudit(ctx, tv, audit.ActionCompleted, job, map[string]any{
		"parsed_blob_key": parsedKey,
		"total_blocks":    parsed.Statistics.TotalBlocks,
	})
	return map[string]any{
		"parsed_blob_key": parsedKey,
		"content_hash":    parsed.ContentHash,
		"total_blocks":    parsed.Statistics.TotalBlocks,
	}, nil
}

// placeholderPattern marks dynamic sections in template text: {{instruction}}.
var placeholderPattern = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// HandleClassifyJob derives the section list from the parsed structure:
// body blocks whose text carries a placeholder become dynamic sections with
// the placeholder text as prompt instruction, everything else is static.
// Classification is one-shot per version.
func (t *TemplateProcessor) HandleClassifyJob(ctx context.Context, job *store.Job) (map[string]any, error) {
	tvID, err := payloadUUID(job.Payload, "template_version_id")
	if err != nil {
		return nil, err
	}
	tv, err := t.store.GetTemplateVersion(ctx, tvID)
	if err != nil {
		return nil, err
	}
	if existing, err := t.store.SectionsByTemplateVersion(ctx, tvID); err == nil && len(existing) > 0 {
		return map[string]any{"reused": true, "sections": len(existing)}, nil
	}
	if tv.ParsingStatus != store.ParsingCompleted {
		return nil, errs.Newf(errs.CodeMissingInput, errs.CategoryClassification,
			"template version %s is %s, expected parsed", tvID, tv.ParsingStatus)
	}

	data, err := t.blobs.Get(ctx, tv.ParsedBlobKey)
	if err != nil {
		return nil, fmt.Errorf("load parsed structure: %w", err)
	}
	var parsed docx.ParsedDocument
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode parsed structure: %w", err)
	}

	sections := classifyBlocks(tvID, parsed.Blocks)
	if err := t.store.InsertSections(ctx, tvID, sections); err != nil {
		return nil, err
	}
	dynamic := 0
	for _, sec := range sections {
		if sec.SectionType == store.SectionDynamic {
			dynamic++
		}
	}
	t.recordTemplateAudit(ctx, tv, audit.ActionCompleted, job, map[string]any{
		"sections": len(sections),
		"dynamic":  dynamic,
	})
	return map[string]any{"sections": len(sections), "dynamic": dynamic}, nil
}

func classifyBlocks(tvID uuid.UUID, blocks []docx.Block) []*store.Section {
	sections := make([]*store.Section, 0, len(blocks))
	for i, block := range blocks {
		sec := &store.Section{
			TemplateVersionID: tvID,
			StructuralPath:    block.StructuralPath,
			SectionType:       store.SectionStatic,
			SequenceOrder:     i,
		}
		if match := placeholderPattern.FindStringSubmatch(block.Text()); match != nil {
			sec.SectionType = store.SectionDynamic
			sec.PromptConfig = map[string]any{
				"instruction": strings.TrimSpace(match[1]),
			}
		}
		sections = append(sections, sec)
	}
	return sections
}

func (t *TemplateProcessor) recordTemplateAudit(ctx context.Context, tv *store.TemplateVersion, action string, job *store.Job, metadata map[string]any) {
	metadata["job_id"] = job.ID.String()
	metadata["job_type"] = string(job.JobType)
	if err := t.audit.Record(ctx, "template_version", tv.ID.String(), action, job.ID.String(), metadata); err != nil {
		t.logger.Error("audit write failed", "template_version_id", tv.ID, "error", err)
	}
}

// payloadUUID extracts a uuid field from an opaque job payload.
func payloadUUID(payload map[string]any, key string) (uuid.UUID, error) {
	raw, ok := payload[key].(string)
	if !ok {
		return uuid.Nil, errs.Newf(errs.CodeMissingInput, errs.CategoryInfrastructure,
			"job payload missing %s", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errs.Newf(errs.CodeMissingInput, errs.CategoryInfrastructure,
			"job payload field %s is not a uuid: %v", key, err)
	}
	return id, nil
}

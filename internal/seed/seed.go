// Package seed installs the deterministic demo fixture set: one parsed and
// classified template, one document ready for generation, and example jobs.
// All fixture ids are fixed so demos and tests can reference them directly.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/audit"
	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/docx"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// Fixed demo fixture ids.
var (
	TemplateID        = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	TemplateVersionID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	DocumentID        = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	ParseJobID        = uuid.MustParse("66666666-6666-6666-6666-666666666001")
	ClassifyJobID     = uuid.MustParse("66666666-6666-6666-6666-666666666002")
	GenerateJobID     = uuid.MustParse("66666666-6666-6666-6666-666666666003")
)

// Seeder installs demo fixtures into the store and blob store.
type Seeder struct {
	store  *store.Store
	blobs  blobstore.Store
	audit  *audit.Recorder
	logger *slog.Logger
}

// New wires a seeder.
func New(st *store.Store, blobs blobstore.Store, rec *audit.Recorder, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{store: st, blobs: blobs, audit: rec, logger: logger}
}

// template returns the demo template structure: five body blocks, two static
// and three dynamic placeholders, plus a default header and footer.
func template() *docx.ParsedDocument {
	blocks := []docx.Block{
		{Type: docx.BlockHeading, StructuralPath: "body/0", HeadingLevel: 1, StyleName: "Heading1",
			Runs: []docx.Run{{Text: "Project Report"}}},
		{Type: docx.BlockParagraph, StructuralPath: "body/1",
			Runs: []docx.Run{{Text: "{{Write a short introduction for the project report}}"}}},
		{Type: docx.BlockParagraph, StructuralPath: "body/2",
			Runs: []docx.Run{{Text: "This report was produced by the document generation demo."}}},
		{Type: docx.BlockParagraph, StructuralPath: "body/3",
			Runs: []docx.Run{{Text: "{{Describe the main findings in two or three sentences}}"}}},
		{Type: docx.BlockParagraph, StructuralPath: "body/4",
			Runs: []docx.Run{{Text: "{{Write a concluding paragraph summarizing next steps}}"}}},
	}
	return &docx.ParsedDocument{
		Blocks: blocks,
		Headers: []docx.HeaderFooter{{Kind: "default", Blocks: []docx.Block{
			{Type: docx.BlockHeader, StructuralPath: "header1/body/0", Runs: []docx.Run{{Text: "Demo Corp"}}},
		}}},
		Footers: []docx.HeaderFooter{{Kind: "default", Blocks: []docx.Block{
			{Type: docx.BlockFooter, StructuralPath: "footer1/body/0", Runs: []docx.Run{{Text: "Confidential"}}},
		}}},
		Metadata:   map[string]string{"title": "Project Report", "creator": "docgen demo"},
		Statistics: docx.Stats(blocks),
	}
}

// Seed installs the fixtures. Seeding twice returns an error from the first
// conflicting insert; callers treat that as already seeded.
func (s *Seeder) Seed(ctx context.Context) error {
	if _, err := s.store.GetTemplate(ctx, TemplateID); err == nil {
		return errs.New(errs.CodeInvalidTransition, errs.CategoryInfrastructure,
			"demo fixtures already seeded")
	} else if !errs.IsNotFound(err) {
		return err
	}

	doc := template()
	source, err := docx.Render(doc)
	if err != nil {
		return fmt.Errorf("render demo template source: %w", err)
	}
	// Re-parse the rendered source so the stored structure matches exactly
	// what the parse job would have produced.
	parsed, err := docx.Parse(source)
	if err != nil {
		return fmt.Errorf("demo template source does not round-trip: %w", err)
	}

	if err := s.store.InsertTemplate(ctx, &store.Template{ID: TemplateID, Name: "demo-report"}); err != nil {
		return err
	}
	sourceKey := blobstore.TemplateSourceKey(TemplateID, 1)
	parsedKey := blobstore.TemplateParsedKey(TemplateID, 1)
	if err := s.blobs.Put(ctx, sourceKey, source); err != nil {
		return fmt.Errorf("store demo source: %w", err)
	}
	parsedJSON, err := json.Marshal(parsed)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, parsedKey, parsedJSON); err != nil {
		return fmt.Errorf("store demo parsed structure: %w", err)
	}

	tv := &store.TemplateVersion{
		ID:            TemplateVersionID,
		TemplateID:    TemplateID,
		VersionNumber: 1,
		SourceBlobKey: sourceKey,
	}
	if err := s.store.InsertTemplateVersion(ctx, tv); err != nil {
		return err
	}
	if err := s.store.MarkTemplateVersionParsing(ctx, TemplateVersionID); err != nil {
		return err
	}
	if err := s.store.MarkTemplateVersionParsed(ctx, TemplateVersionID, parsedKey, parsed.ContentHash); err != nil {
		return err
	}

	if err := s.store.InsertSections(ctx, TemplateVersionID, demoSections(parsed)); err != nil {
		return err
	}
	if err := s.store.InsertDocument(ctx, &store.Document{
		ID:                DocumentID,
		TemplateVersionID: TemplateVersionID,
	}); err != nil {
		return err
	}

	if err := s.seedJobs(ctx); err != nil {
		return err
	}
	if err := s.audit.Record(ctx, "document", DocumentID.String(), audit.ActionSeeded, "", map[string]any{
		"template_id":         TemplateID.String(),
		"template_version_id": TemplateVersionID.String(),
	}); err != nil {
		return err
	}
	s.logger.Info("demo fixtures seeded",
		"template_id", TemplateID, "document_id", DocumentID)
	return nil
}

// demoSections classifies the demo blocks: placeholders become dynamic
// sections carrying the placeholder text as instruction.
func demoSections(parsed *docx.ParsedDocument) []*store.Section {
	var sections []*store.Section
	for i, block := range parsed.Blocks {
		sec := &store.Section{
			TemplateVersionID: TemplateVersionID,
			StructuralPath:    block.StructuralPath,
			SectionType:       store.SectionStatic,
			SequenceOrder:     i,
		}
		text := block.Text()
		if len(text) > 4 && text[:2] == "{{" && text[len(text)-2:] == "}}" {
			sec.SectionType = store.SectionDynamic
			sec.PromptConfig = map[string]any{"instruction": text[2 : len(text)-2]}
		}
		sections = append(sections, sec)
	}
	return sections
}

// seedJobs installs the example job rows: the parse and classify jobs the
// fixtures implicitly completed, and one pending generate job for the demo
// document.
func (s *Seeder) seedJobs(ctx context.Context) error {
	parseJob := &store.Job{
		ID:      ParseJobID,
		JobType: store.JobParse,
		Payload: map[string]any{"template_version_id": TemplateVersionID.String()},
	}
	classifyJob := &store.Job{
		ID:      ClassifyJobID,
		JobType: store.JobClassify,
		Payload: map[string]any{"template_version_id": TemplateVersionID.String()},
	}
	generateJob := &store.Job{
		ID:      GenerateJobID,
		JobType: store.JobGenerate,
		Payload: map[string]any{
			"document_id":         DocumentID.String(),
			"template_version_id": TemplateVersionID.String(),
			"version_intent":      1,
		},
	}
	for _, job := range []*store.Job{parseJob, classifyJob, generateJob} {
		if err := s.store.EnqueueJob(ctx, job); err != nil {
			return err
		}
	}
	// Parse and classify already happened during seeding; reflect that on
	// the job rows so only the generate job is claimable.
	for _, id := range []uuid.UUID{ParseJobID, ClassifyJobID} {
		if _, err := s.store.ClaimPendingJob(ctx, "seeder"); err != nil {
			return err
		}
		if err := s.store.CompleteJob(ctx, id, map[string]any{"seeded": true}); err != nil {
			return err
		}
	}
	return nil
}

// IDs returns the fixture id set for the demo endpoints.
func IDs() map[string]any {
	return map[string]any{
		"template_id":         TemplateID.String(),
		"template_version_id": TemplateVersionID.String(),
		"document_id":         DocumentID.String(),
		"jobs": map[string]string{
			"parse":    ParseJobID.String(),
			"classify": ClassifyJobID.String(),
			"generate": GenerateJobID.String(),
		},
	}
}

// Validate checks the fixture set is present and consistent; it returns a
// report map for the demo validate endpoint.
func (s *Seeder) Validate(ctx context.Context) (map[string]any, error) {
	report := map[string]any{}
	tv, err := s.store.GetTemplateVersion(ctx, TemplateVersionID)
	if err != nil {
		return nil, err
	}
	report["parsing_status"] = string(tv.ParsingStatus)

	sections, err := s.store.SectionsByTemplateVersion(ctx, TemplateVersionID)
	if err != nil {
		return nil, err
	}
	dynamic := 0
	for _, sec := range sections {
		if sec.SectionType == store.SectionDynamic {
			dynamic++
		}
	}
	report["sections"] = len(sections)
	report["dynamic_sections"] = dynamic

	doc, err := s.store.GetDocument(ctx, DocumentID)
	if err != nil {
		return nil, err
	}
	report["current_version"] = doc.CurrentVersion

	if ok, err := s.blobs.Exists(ctx, tv.ParsedBlobKey); err != nil || !ok {
		return nil, errs.New(errs.CodeMissingInput, errs.CategoryInfrastructure,
			"demo parsed structure blob missing")
	}
	report["consistent"] = tv.ParsingStatus == store.ParsingCompleted && len(sections) == 5 && dynamic == 3
	return report, nil
}

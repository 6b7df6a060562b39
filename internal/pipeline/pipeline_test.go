package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docgen/internal/assemble"
	"git.home.luguber.info/inful/docgen/internal/audit"
	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/docx"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/generate"
	"git.home.luguber.info/inful/docgen/internal/llm"
	"git.home.luguber.info/inful/docgen/internal/render"
	"git.home.luguber.info/inful/docgen/internal/store"
	"git.home.luguber.info/inful/docgen/internal/validate"
)

type env struct {
	store *store.Store
	blobs blobstore.Store
	rec   *audit.Recorder
	proc  *TemplateProcessor
	coord *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "docgen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	blobs := blobstore.NewMemoryStore()
	rec := audit.NewRecorder(s)
	constraints := validate.Constraints{
		MinMeaningful:      10,
		MinLength:          50,
		MaxLength:          10000,
		MaxRepetitionRatio: 0.4,
		MinUniqueWords:     3,
	}
	gen := generate.NewGenerator(s, llm.DeterministicMock{}, constraints)
	exec := generate.NewExecutor(s, gen, nil)
	asm := assemble.NewAssembler(s, blobs, nil)
	ren := render.NewRenderer(s, blobs, nil)

	return &env{
		store: s,
		blobs: blobs,
		rec:   rec,
		proc:  NewTemplateProcessor(s, blobs, rec, nil),
		coord: NewCoordinator(s, blobs, exec, asm, ren, rec),
	}
}

// templateSource renders a real Word template with two placeholder sections.
func templateSource(t *testing.T) []byte {
	t.Helper()
	doc := &docx.ParsedDocument{
		Blocks: []docx.Block{
			{Type: docx.BlockHeading, StructuralPath: "body/0", HeadingLevel: 1,
				StyleName: "Heading1", Runs: []docx.Run{{Text: "Overview"}}},
			{Type: docx.BlockParagraph, StructuralPath: "body/1",
				Runs: []docx.Run{{Text: "{{write the executive summary}}"}}},
			{Type: docx.BlockParagraph, StructuralPath: "body/2",
				Runs: []docx.Run{{Text: "This static disclaimer appears in every generated document."}}},
			{Type: docx.BlockParagraph, StructuralPath: "body/3",
				Runs: []docx.Run{{Text: "{{describe the risks}}"}}},
		},
		Metadata: map[string]string{"title": "Report Template"},
	}
	doc.Statistics = docx.Stats(doc.Blocks)
	data, err := docx.Render(doc)
	require.NoError(t, err)
	return data
}

// intake registers a template and runs its parse and classify jobs the way
// the scheduler would.
func intake(t *testing.T, e *env, name string, source []byte) *store.TemplateVersion {
	t.Helper()
	ctx := context.Background()

	tv, err := e.proc.RegisterTemplate(ctx, name, source)
	require.NoError(t, err)

	parseJob, err := e.store.ClaimPendingJob(ctx, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, parseJob)
	require.Equal(t, store.JobParse, parseJob.JobType)
	_, err = e.proc.HandleParseJob(ctx, parseJob)
	require.NoError(t, err)
	require.NoError(t, e.store.CompleteJob(ctx, parseJob.ID, nil))

	classifyJob, err := e.store.ClaimPendingJob(ctx, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, classifyJob)
	require.Equal(t, store.JobClassify, classifyJob.JobType)
	_, err = e.proc.HandleClassifyJob(ctx, classifyJob)
	require.NoError(t, err)
	require.NoError(t, e.store.CompleteJob(ctx, classifyJob.ID, nil))

	loaded, err := e.store.GetTemplateVersion(ctx, tv.ID)
	require.NoError(t, err)
	return loaded
}

func newDocument(t *testing.T, e *env, tv *store.TemplateVersion) *store.Document {
	t.Helper()
	doc := &store.Document{TemplateVersionID: tv.ID}
	require.NoError(t, e.store.InsertDocument(context.Background(), doc))
	return doc
}

func TestTemplateIntakeFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.proc.RegisterTemplate(ctx, "empty", nil)
	assert.True(t, errs.HasCode(err, errs.CodeEmptyFile), "got %v", err)

	tv := intake(t, e, "report", templateSource(t))
	assert.Equal(t, store.ParsingCompleted, tv.ParsingStatus)
	assert.NotEmpty(t, tv.ParsedBlobKey)
	assert.NotEmpty(t, tv.ContentHash)

	ok, err := e.blobs.Exists(ctx, tv.ParsedBlobKey)
	require.NoError(t, err)
	assert.True(t, ok)

	sections, err := e.store.SectionsByTemplateVersion(ctx, tv.ID)
	require.NoError(t, err)
	require.Len(t, sections, 4)

	var dynamic []*store.Section
	for _, sec := range sections {
		if sec.SectionType == store.SectionDynamic {
			dynamic = append(dynamic, sec)
		}
	}
	require.Len(t, dynamic, 2)
	assert.Equal(t, "write the executive summary", dynamic[0].PromptConfig["instruction"])
	assert.Equal(t, "describe the risks", dynamic[1].PromptConfig["instruction"])

	// A second upload of the same template becomes version 2.
	tv2, err := e.proc.RegisterTemplate(ctx, "report", templateSource(t))
	require.NoError(t, err)
	assert.Equal(t, 2, tv2.VersionNumber)
}

func TestGenerateEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tv := intake(t, e, "report", templateSource(t))
	doc := newDocument(t, e, tv)

	version, err := e.coord.Generate(ctx, GenerateParams{
		DocumentID:        doc.ID,
		TemplateVersionID: tv.ID,
		VersionIntent:     1,
		ClientData:        map[string]any{"customer": "ACME"},
		CorrelationID:     "corr-e2e",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, version.VersionNumber)
	assert.Equal(t, "corr-e2e", version.GenerationMetadata["correlation_id"])

	// The document advanced and the artifact is downloadable.
	loaded, err := e.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentVersion)

	data, err := e.blobs.Get(ctx, version.RenderedBlobKey)
	require.NoError(t, err)
	parsed, err := docx.Parse(data)
	require.NoError(t, err)

	var texts []string
	for _, b := range parsed.Blocks {
		texts = append(texts, b.Text())
	}
	assert.Contains(t, texts, "Overview")
	assert.Contains(t, texts, "This static disclaimer appears in every generated document.")
	for _, text := range texts {
		assert.NotContains(t, text, "{{", "no placeholder survives generation")
	}

	// Every stage wrote a started and a completed entry.
	entries, err := e.rec.Query(ctx, store.AuditFilter{CorrelationID: "corr-e2e", Limit: 50})
	require.NoError(t, err)
	assert.Len(t, entries, 10)

	// The rendered artifact row is frozen.
	rendered, err := e.store.RenderedBy(ctx, doc.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, store.StageValidated, rendered.Status)
	assert.True(t, rendered.IsImmutable)
}

func TestGenerateIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tv := intake(t, e, "report", templateSource(t))
	doc := newDocument(t, e, tv)

	params := GenerateParams{
		DocumentID:        doc.ID,
		TemplateVersionID: tv.ID,
		VersionIntent:     1,
		ClientData:        map[string]any{"customer": "ACME"},
	}
	first, err := e.coord.Generate(ctx, params)
	require.NoError(t, err)

	// A retry of the same intent reuses every validated artifact.
	second, err := e.coord.Generate(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.RenderedBlobKey, second.RenderedBlobKey)

	versions, err := e.store.DocumentVersions(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestGenerateForceConflictsWithImmutableRender(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tv := intake(t, e, "report", templateSource(t))
	doc := newDocument(t, e, tv)

	params := GenerateParams{
		DocumentID:        doc.ID,
		TemplateVersionID: tv.ID,
		VersionIntent:     1,
	}
	_, err := e.coord.Generate(ctx, params)
	require.NoError(t, err)

	params.ForceRegenerate = true
	_, err = e.coord.Generate(ctx, params)
	assert.True(t, errs.HasCode(err, errs.CodeAlreadyRendered), "got %v", err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageRendering, stageErr.Stage)
}

func TestGenerateIsDeterministicAcrossDocuments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tv := intake(t, e, "report", templateSource(t))
	docA := newDocument(t, e, tv)
	docB := newDocument(t, e, tv)

	clientData := map[string]any{"customer": "ACME"}
	_, err := e.coord.Generate(ctx, GenerateParams{
		DocumentID: docA.ID, TemplateVersionID: tv.ID, VersionIntent: 1, ClientData: clientData})
	require.NoError(t, err)
	_, err = e.coord.Generate(ctx, GenerateParams{
		DocumentID: docB.ID, TemplateVersionID: tv.ID, VersionIntent: 1, ClientData: clientData})
	require.NoError(t, err)

	renderedA, err := e.store.RenderedBy(ctx, docA.ID, 1)
	require.NoError(t, err)
	renderedB, err := e.store.RenderedBy(ctx, docB.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, renderedA.ContentHash, renderedB.ContentHash,
		"same template, same client data: byte-identical artifacts")
}

func TestPrepareInputsValidatesClientDataSchema(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// A hand-built template version whose dynamic section declares a schema.
	parsed := &docx.ParsedDocument{
		Blocks: []docx.Block{
			{Type: docx.BlockHeading, StructuralPath: "body/0", HeadingLevel: 1,
				Runs: []docx.Run{{Text: "Overview"}}},
			{Type: docx.BlockParagraph, StructuralPath: "body/1",
				Runs: []docx.Run{{Text: "{{summary}}"}}},
		},
	}
	parsed.Statistics = docx.Stats(parsed.Blocks)
	raw, err := json.Marshal(parsed)
	require.NoError(t, err)

	tpl, err := e.store.CreateTemplate(ctx, "schema-template")
	require.NoError(t, err)
	parsedKey := blobstore.TemplateParsedKey(tpl.ID, 1)
	require.NoError(t, e.blobs.Put(ctx, parsedKey, raw))
	tv := &store.TemplateVersion{
		TemplateID: tpl.ID, VersionNumber: 1, SourceBlobKey: "src",
		ParsedBlobKey: parsedKey, ParsingStatus: store.ParsingCompleted,
	}
	require.NoError(t, e.store.InsertTemplateVersion(ctx, tv))
	require.NoError(t, e.store.InsertSections(ctx, tv.ID, []*store.Section{
		{StructuralPath: "body/0", SectionType: store.SectionStatic, SequenceOrder: 0},
		{StructuralPath: "body/1", SectionType: store.SectionDynamic, SequenceOrder: 1,
			PromptConfig: map[string]any{
				"instruction": "summary",
				"client_data_schema": map[string]any{
					"type":     "object",
					"required": []any{"customer"},
				},
			}},
	}))
	doc := newDocument(t, e, tv)

	_, err = e.coord.Generate(ctx, GenerateParams{
		DocumentID: doc.ID, TemplateVersionID: tv.ID, VersionIntent: 1,
		ClientData: map[string]any{"other": "value"},
	})
	assert.True(t, errs.HasCode(err, errs.CodeMissingInput), "got %v", err)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageInputPreparation, stageErr.Stage)

	// Conforming data generates normally.
	version, err := e.coord.Generate(ctx, GenerateParams{
		DocumentID: doc.ID, TemplateVersionID: tv.ID, VersionIntent: 1,
		ClientData: map[string]any{"customer": "ACME"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, version.VersionNumber)
}

func TestParseJobFailureLandsOnRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tv, err := e.proc.RegisterTemplate(ctx, "broken", []byte("this is not a word document"))
	require.NoError(t, err)

	job, err := e.store.ClaimPendingJob(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, job)

	_, err = e.proc.HandleParseJob(ctx, job)
	assert.True(t, errs.HasCode(err, errs.CodeInvalidFormat), "got %v", err)

	loaded, err := e.store.GetTemplateVersion(ctx, tv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ParsingFailed, loaded.ParsingStatus)
	assert.NotEmpty(t, loaded.ParsingError)
}

func TestClassifyRequiresParsedVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tv, err := e.proc.RegisterTemplate(ctx, "pending", templateSource(t))
	require.NoError(t, err)

	// Run classify before parse ever happened.
	job := &store.Job{JobType: store.JobClassify,
		Payload: map[string]any{"template_version_id": tv.ID.String()}}
	require.NoError(t, e.store.EnqueueJob(ctx, job))

	_, err = e.proc.HandleClassifyJob(ctx, job)
	assert.True(t, errs.HasCode(err, errs.CodeMissingInput), "got %v", err)
}

func TestParamsFromPayload(t *testing.T) {
	docID := uuid.New()

	p, err := paramsFromPayload(map[string]any{
		"document_id":    docID.String(),
		"version_intent": float64(2),
		"client_data":    map[string]any{"k": "v"},
		"correlation_id": "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, docID, p.DocumentID)
	assert.Equal(t, 2, p.VersionIntent)
	assert.Equal(t, "v", p.ClientData["k"])
	assert.Equal(t, "c1", p.CorrelationID)

	_, err = paramsFromPayload(map[string]any{"version_intent": float64(1)})
	assert.True(t, errs.HasCode(err, errs.CodeMissingInput), "missing document_id: got %v", err)

	_, err = paramsFromPayload(map[string]any{"document_id": docID.String()})
	assert.True(t, errs.HasCode(err, errs.CodeMissingInput), "missing intent: got %v", err)

	_, err = paramsFromPayload(map[string]any{
		"document_id": docID.String(), "version_intent": float64(0)})
	assert.True(t, errs.HasCode(err, errs.CodeMissingInput), "non-positive intent: got %v", err)
}

func TestHandleGenerateJobResolvesTemplateVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tv := intake(t, e, "report", templateSource(t))
	doc := newDocument(t, e, tv)

	job := &store.Job{JobType: store.JobGenerate, Payload: map[string]any{
		"document_id":    doc.ID.String(),
		"version_intent": float64(1),
	}}
	require.NoError(t, e.store.EnqueueJob(ctx, job))

	result, err := e.coord.HandleGenerateJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, result["version_number"])
	assert.NotEmpty(t, result["rendered_blob_key"])
}

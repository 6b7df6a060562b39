package assemble

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/docx"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/store"
)

const (
	openingContent = "Generated opening prose for the first dynamic section of the document under test."
	closingContent = "Generated closing prose for the second dynamic section of the document under test."
)

type fixture struct {
	store     *store.Store
	blobs     blobstore.Store
	tv        *store.TemplateVersion
	outputs   []*store.SectionOutput
	assembled *store.AssembledDocument
}

// finalizeOutputs drives the two pending section outputs to their terminal
// states before the output batch progress is recorded.
type finalizeOutputs func(t *testing.T, ctx context.Context, s *store.Store, outputs []*store.SectionOutput)

func validateBoth(t *testing.T, ctx context.Context, s *store.Store, outputs []*store.SectionOutput) {
	contents := []string{openingContent, closingContent}
	for i, out := range outputs {
		require.NoError(t, s.MarkOutputInProgress(ctx, out.ID))
		require.NoError(t, s.MarkOutputValidated(ctx, out.ID, contents[i], "ch-"+out.ID.String(), nil, nil))
	}
}

func failSecond(t *testing.T, ctx context.Context, s *store.Store, outputs []*store.SectionOutput) {
	require.NoError(t, s.MarkOutputInProgress(ctx, outputs[0].ID))
	require.NoError(t, s.MarkOutputValidated(ctx, outputs[0].ID, openingContent, "ch-0", nil, nil))
	require.NoError(t, s.MarkOutputInProgress(ctx, outputs[1].ID))
	require.NoError(t, s.MarkOutputFailed(ctx, outputs[1].ID, errs.CodeRetryExhausted, "retry_exhaustion", nil))
}

// newFixtureWith builds the full chain: a parsed template with two static and
// two dynamic blocks, terminal outputs for both dynamic sections, and a
// pending assembled document.
func newFixtureWith(t *testing.T, finalize finalizeOutputs) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "docgen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	blobs := blobstore.NewMemoryStore()

	parsed := &docx.ParsedDocument{
		Blocks: []docx.Block{
			{Type: docx.BlockHeading, StructuralPath: "body/0", HeadingLevel: 1,
				StyleName: "Heading1", Runs: []docx.Run{{Text: "Introduction"}}},
			{Type: docx.BlockParagraph, StructuralPath: "body/1",
				Runs: []docx.Run{{Text: "{{opening}}"}}},
			{Type: docx.BlockParagraph, StructuralPath: "body/2",
				Runs: []docx.Run{{Text: "Fixed boilerplate paragraph."}}},
			{Type: docx.BlockParagraph, StructuralPath: "body/3", StyleName: "BodyText",
				Alignment: "both", Runs: []docx.Run{{Text: "{{closing}}"}}},
		},
		Headers: []docx.HeaderFooter{{Kind: "default", Blocks: []docx.Block{
			{Type: docx.BlockHeader, StructuralPath: "header1/body/0", Runs: []docx.Run{{Text: "Head"}}},
		}}},
		Metadata: map[string]string{"title": "Fixture"},
	}
	parsed.Statistics = docx.Stats(parsed.Blocks)
	raw, err := json.Marshal(parsed)
	require.NoError(t, err)

	tpl, err := s.CreateTemplate(ctx, "tpl-"+uuid.NewString())
	require.NoError(t, err)
	parsedKey := blobstore.TemplateParsedKey(tpl.ID, 1)
	require.NoError(t, blobs.Put(ctx, parsedKey, raw))

	tv := &store.TemplateVersion{
		TemplateID:    tpl.ID,
		VersionNumber: 1,
		SourceBlobKey: blobstore.TemplateSourceKey(tpl.ID, 1),
		ParsedBlobKey: parsedKey,
		ParsingStatus: store.ParsingCompleted,
		ContentHash:   "template-hash",
	}
	require.NoError(t, s.InsertTemplateVersion(ctx, tv))

	sections := []*store.Section{
		{StructuralPath: "body/0", SectionType: store.SectionStatic, SequenceOrder: 0},
		{StructuralPath: "body/1", SectionType: store.SectionDynamic,
			PromptConfig: map[string]any{"prompt": "write the opening"}, SequenceOrder: 1},
		{StructuralPath: "body/3", SectionType: store.SectionDynamic,
			PromptConfig: map[string]any{"prompt": "write the closing"}, SequenceOrder: 2},
	}
	require.NoError(t, s.InsertSections(ctx, tv.ID, sections))

	doc := &store.Document{TemplateVersionID: tv.ID}
	require.NoError(t, s.InsertDocument(ctx, doc))

	inputBatch := &store.GenerationInputBatch{
		DocumentID: doc.ID, TemplateVersionID: tv.ID, VersionIntent: 1,
	}
	inputs := []*store.GenerationInput{
		{SectionID: sections[1].ID, SequenceOrder: 0, StructuralPath: "body/1",
			PromptConfig: sections[1].PromptConfig, InputHash: "ih-1"},
		{SectionID: sections[2].ID, SequenceOrder: 1, StructuralPath: "body/3",
			PromptConfig: sections[2].PromptConfig, InputHash: "ih-3"},
	}
	require.NoError(t, s.CreateInputBatch(ctx, inputBatch, inputs))
	require.NoError(t, s.ValidateInputBatch(ctx, inputBatch.ID, "batch-hash"))

	outputBatch := &store.SectionOutputBatch{
		InputBatchID: inputBatch.ID, DocumentID: doc.ID, VersionIntent: 1, TotalSections: 2,
	}
	require.NoError(t, s.CreateOutputBatch(ctx, outputBatch))
	require.NoError(t, s.MarkOutputBatchInProgress(ctx, outputBatch.ID))

	outputs := make([]*store.SectionOutput, 0, 2)
	for i, in := range inputs {
		out := &store.SectionOutput{
			BatchID: outputBatch.ID, GenerationInputID: in.ID,
			SectionID: in.SectionID, SequenceOrder: i, MaxRetries: 3,
		}
		require.NoError(t, s.CreateSectionOutput(ctx, out))
		outputs = append(outputs, out)
	}
	finalize(t, ctx, s, outputs)

	completed, failed := 0, 0
	for _, out := range outputs {
		final, err := s.GetSectionOutput(ctx, out.ID)
		require.NoError(t, err)
		if final.Status == store.OutputValidated {
			completed++
		} else {
			failed++
		}
	}
	require.NoError(t, s.UpdateOutputBatchProgress(ctx, outputBatch.ID, completed, failed))

	assembled := &store.AssembledDocument{
		DocumentID:           doc.ID,
		TemplateVersionID:    tv.ID,
		VersionIntent:        1,
		SectionOutputBatchID: outputBatch.ID,
	}
	require.NoError(t, s.CreateAssembledDocument(ctx, assembled))

	return &fixture{store: s, blobs: blobs, tv: tv, outputs: outputs, assembled: assembled}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, validateBoth)
}

func TestAssembleSplicesDynamicSections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := NewAssembler(f.store, f.blobs, nil)

	result, err := a.Assemble(ctx, f.assembled.ID)
	require.NoError(t, err)

	assert.Equal(t, store.StageValidated, result.Status)
	assert.True(t, result.IsImmutable)
	assert.Equal(t, 4, result.TotalBlocks)
	assert.Equal(t, 2, result.StaticBlocksCount)
	assert.Equal(t, 2, result.DynamicBlocksCount)
	assert.Equal(t, 2, result.InjectedSectionsCount)
	assert.NotEmpty(t, result.AssemblyHash)

	doc, err := Document(result)
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 4)

	// Static blocks pass through untouched.
	assert.Equal(t, docx.BlockHeading, doc.Blocks[0].Type)
	assert.Equal(t, "Introduction", doc.Blocks[0].Text())
	assert.Equal(t, "Fixed boilerplate paragraph.", doc.Blocks[2].Text())

	// Dynamic blocks carry the generated text with the template block's style.
	assert.Equal(t, docx.BlockParagraph, doc.Blocks[1].Type)
	assert.Equal(t, openingContent, doc.Blocks[1].Text())
	assert.Equal(t, closingContent, doc.Blocks[3].Text())
	assert.Equal(t, "BodyText", doc.Blocks[3].StyleName)
	assert.Equal(t, "both", doc.Blocks[3].Alignment)

	// Headers and metadata survive the splice.
	require.Len(t, doc.Headers, 1)
	assert.Equal(t, "Head", doc.Headers[0].Blocks[0].Text())
	assert.Equal(t, "Fixture", doc.Metadata["title"])
}

func TestAssembleHashIsDeterministic(t *testing.T) {
	first := newFixture(t)
	second := newFixture(t)

	r1, err := NewAssembler(first.store, first.blobs, nil).Assemble(context.Background(), first.assembled.ID)
	require.NoError(t, err)
	r2, err := NewAssembler(second.store, second.blobs, nil).Assemble(context.Background(), second.assembled.ID)
	require.NoError(t, err)

	assert.Equal(t, r1.AssemblyHash, r2.AssemblyHash,
		"identical template and content must hash identically across runs")
}

func TestAssembleFailsWithoutValidatedOutput(t *testing.T) {
	f := newFixtureWith(t, failSecond)
	ctx := context.Background()
	a := NewAssembler(f.store, f.blobs, nil)

	_, err := a.Assemble(ctx, f.assembled.ID)
	assert.True(t, errs.HasCode(err, errs.CodeMissingContent), "got %v", err)

	loaded, getErr := f.store.GetAssembledDocument(ctx, f.assembled.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StageFailed, loaded.Status)
}

func TestAssembleFailsWithoutParsedTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Drop the parsed blob so the structure cannot be loaded.
	_, err := f.blobs.Delete(ctx, f.tv.ParsedBlobKey)
	require.NoError(t, err)

	_, err = NewAssembler(f.store, f.blobs, nil).Assemble(ctx, f.assembled.ID)
	assert.True(t, errs.HasCode(err, errs.CodeMissingInput), "got %v", err)
}

func TestAssembleRequiresPendingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := NewAssembler(f.store, f.blobs, nil)

	_, err := a.Assemble(ctx, f.assembled.ID)
	require.NoError(t, err)

	_, err = a.Assemble(ctx, f.assembled.ID)
	assert.True(t, errs.HasCode(err, errs.CodeInvalidTransition), "got %v", err)

	_, err = a.Assemble(ctx, uuid.New())
	assert.True(t, errs.IsNotFound(err))
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docgen/internal/assemble"
	"git.home.luguber.info/inful/docgen/internal/audit"
	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/docx"
	"git.home.luguber.info/inful/docgen/internal/generate"
	"git.home.luguber.info/inful/docgen/internal/llm"
	"git.home.luguber.info/inful/docgen/internal/pipeline"
	"git.home.luguber.info/inful/docgen/internal/regen"
	"git.home.luguber.info/inful/docgen/internal/render"
	"git.home.luguber.info/inful/docgen/internal/seed"
	"git.home.luguber.info/inful/docgen/internal/store"
	"git.home.luguber.info/inful/docgen/internal/validate"
)

type testAPI struct {
	server *Server
	store  *store.Store
	blobs  blobstore.Store
	coord  *pipeline.Coordinator
}

func newTestAPI(t *testing.T) *testAPI {
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
	renderer := render.NewRenderer(s, blobs, nil)
	coord := pipeline.NewCoordinator(s, blobs,
		generate.NewExecutor(s, gen, nil),
		assemble.NewAssembler(s, blobs, nil),
		renderer, rec)

	server := NewServer(":0", Deps{
		Store:     s,
		Blobs:     blobs,
		Planner:   regen.NewPlanner(s, rec, nil),
		Templates: pipeline.NewTemplateProcessor(s, blobs, rec, nil),
		Renderer:  renderer,
		Audit:     rec,
		Seeder:    seed.New(s, blobs, rec, nil),
	})
	return &testAPI{server: server, store: s, blobs: blobs, coord: coord}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.server.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	resp := decode(t, w)
	require.True(t, resp.Success, "expected success, got error %q", resp.Error)
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func (a *testAPI) seedDemo(t *testing.T) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/demo/seed", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

// generateVersion runs the pipeline directly to version 1 of the demo
// document so render and download endpoints have an artifact to serve.
func (a *testAPI) generateVersion(t *testing.T) {
	t.Helper()
	_, err := a.coord.Generate(context.Background(), pipeline.GenerateParams{
		DocumentID:        seed.DocumentID,
		TemplateVersionID: seed.TemplateVersionID,
		VersionIntent:     1,
		ClientData:        map[string]any{"customer": "ACME"},
	})
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestUploadTemplate(t *testing.T) {
	a := newTestAPI(t)

	doc := &docx.ParsedDocument{Blocks: []docx.Block{
		{Type: docx.BlockHeading, StructuralPath: "body/0", HeadingLevel: 1,
			Runs: []docx.Run{{Text: "Title"}}},
		{Type: docx.BlockParagraph, StructuralPath: "body/1",
			Runs: []docx.Run{{Text: "{{summary}}"}}},
	}}
	doc.Statistics = docx.Stats(doc.Blocks)
	source, err := docx.Render(doc)
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "quarterly-report.docx")
	require.NoError(t, err)
	_, err = part.Write(source)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/templates", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	a.server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := data(t, w)
	assert.Equal(t, float64(1), body["version_number"])
	assert.Equal(t, "pending", body["parsing_status"])

	// The name falls back to the filename without extension.
	tpl, err := a.store.TemplateByName(context.Background(), "quarterly-report")
	require.NoError(t, err)
	assert.NotNil(t, tpl)
}

func TestUploadTemplateRequiresFile(t *testing.T) {
	a := newTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "no-file"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/templates", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	a.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MISSING_INPUT", decode(t, w).ErrorCode)
}

func TestGenerateEnqueuesJob(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)

	w := a.do(t, http.MethodPost, "/generate", map[string]any{
		"document_id": seed.DocumentID.String(),
		"client_data": map[string]any{"customer": "ACME"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := data(t, w)
	// Intent defaults to the document's next version.
	assert.Equal(t, float64(1), body["version_intent"])

	jw := a.do(t, http.MethodGet, "/jobs/"+body["job_id"].(string), nil)
	require.Equal(t, http.StatusOK, jw.Code)
	job := data(t, jw)
	assert.Equal(t, "generate", job["job_type"])
	assert.Equal(t, "pending", job["status"])
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)

	w := a.do(t, http.MethodPost, "/generate", map[string]any{"document_id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/generate", map[string]any{
		"document_id": "99999999-9999-9999-9999-999999999999"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w).ErrorCode)

	w = a.do(t, http.MethodPost, "/generate", map[string]any{
		"document_id":    seed.DocumentID.String(),
		"version_intent": -1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDocumentWithVersions(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)
	a.generateVersion(t)

	w := a.do(t, http.MethodGet, "/documents/"+seed.DocumentID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := data(t, w)
	assert.Equal(t, float64(1), body["current_version"])
	versions := body["versions"].([]any)
	require.Len(t, versions, 1)
	assert.Equal(t, float64(1), versions[0].(map[string]any)["version_number"])
}

func TestDownloadVersionStreamsDocx(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)
	a.generateVersion(t)

	path := fmt.Sprintf("/documents/%s/versions/1", seed.DocumentID)
	w := a.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "wordprocessingml")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "v1.docx")

	parsed, err := docx.Parse(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "Project Report", parsed.Blocks[0].Text())

	missing := a.do(t, http.MethodGet, fmt.Sprintf("/documents/%s/versions/2", seed.DocumentID), nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestRegenerateFullPlansAndEnqueues(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)

	w := a.do(t, http.MethodPost, "/regenerate/full", map[string]any{
		"document_id":    seed.DocumentID.String(),
		"correlation_id": "regen-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := data(t, w)
	plan := body["plan"].(map[string]any)
	assert.Equal(t, float64(1), plan["version_intent"])
	assert.Len(t, plan["regenerate"].([]any), 3)
	assert.NotEmpty(t, body["job_id"])

	hw := a.do(t, http.MethodGet, "/regeneration-history?document_id="+seed.DocumentID.String(), nil)
	require.Equal(t, http.StatusOK, hw.Code)
	entries := data(t, hw)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "regen-1", entries[0].(map[string]any)["correlation_id"])
}

func TestRegenerateSectionsRejectsStaticTarget(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)

	sections, err := a.store.SectionsByTemplateVersion(context.Background(), seed.TemplateVersionID)
	require.NoError(t, err)
	var static int64
	for _, sec := range sections {
		if sec.SectionType == store.SectionStatic {
			static = sec.ID
			break
		}
	}
	require.NotZero(t, static)

	w := a.do(t, http.MethodPost, "/regenerate/sections", map[string]any{
		"document_id":        seed.DocumentID.String(),
		"target_section_ids": []int64{static},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "STATIC_SECTION_ERROR", decode(t, w).ErrorCode)

	empty := a.do(t, http.MethodPost, "/regenerate/sections", map[string]any{
		"document_id": seed.DocumentID.String(),
	})
	assert.Equal(t, http.StatusBadRequest, empty.Code)
	assert.Equal(t, "MISSING_INPUT", decode(t, empty).ErrorCode)
}

func TestRegenerateRejectsUnknownStrategy(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)

	w := a.do(t, http.MethodPost, "/regenerate/full", map[string]any{
		"document_id": seed.DocumentID.String(),
		"strategy":    "optimistic",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w).Error, "unknown strategy")
}

func TestRenderConflictsAndForcedVerify(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)
	a.generateVersion(t)

	// Version 1 is immutable: a plain render request conflicts.
	w := a.do(t, http.MethodPost, "/render", map[string]any{
		"document_id":    seed.DocumentID.String(),
		"version_intent": 1,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_RENDERED", decode(t, w).ErrorCode)

	// force_rerender re-renders without writing and verifies the hash.
	fw := a.do(t, http.MethodPost, "/render", map[string]any{
		"document_id":    seed.DocumentID.String(),
		"version_intent": 1,
		"force_rerender": true,
	})
	require.Equal(t, http.StatusOK, fw.Code, fw.Body.String())
	body := data(t, fw)
	assert.Equal(t, true, body["deterministic"])
	assert.Equal(t, true, body["hash_matches"])
	assert.Equal(t, true, body["reused"])
}

func TestRenderRequiresAssembledDocument(t *testing.T) {
	a := newTestAPI(t)
	a.seedDemo(t)

	w := a.do(t, http.MethodPost, "/render", map[string]any{
		"document_id":    seed.DocumentID.String(),
		"version_intent": 1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	bad := a.do(t, http.MethodPost, "/render", map[string]any{
		"document_id": seed.DocumentID.String(),
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestDemoEndpoints(t *testing.T) {
	a := newTestAPI(t)

	ids := data(t, a.do(t, http.MethodGet, "/demo/ids", nil))
	assert.Equal(t, seed.DocumentID.String(), ids["document_id"])

	a.seedDemo(t)

	// Seeding twice conflicts.
	again := a.do(t, http.MethodPost, "/demo/seed", nil)
	assert.Equal(t, http.StatusConflict, again.Code)

	report := data(t, a.do(t, http.MethodPost, "/demo/validate", nil))
	assert.Equal(t, true, report["consistent"])
	assert.Equal(t, float64(5), report["sections"])
}

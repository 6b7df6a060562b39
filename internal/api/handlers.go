package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/regen"
	"git.home.luguber.info/inful/docgen/internal/render"
	"git.home.luguber.info/inful/docgen/internal/seed"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// maxUploadSize bounds template upload request bodies.
const maxUploadSize = 64 << 20

// handleUploadTemplate accepts a multipart upload (field "file", optional
// field "name") and registers it as a new template version.
func (s *Server) handleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.Error(w, badRequest("request is not a valid multipart upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.Error(w, badRequest("multipart field 'file' is required"))
		return
	}
	defer file.Close()

	data, err := readUpload(file)
	if err != nil {
		s.Error(w, err)
		return
	}
	name := r.FormValue("name")
	if name == "" {
		name = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	if name == "" {
		s.Error(w, badRequest("template name cannot be derived, pass field 'name'"))
		return
	}

	tv, err := s.templates.RegisterTemplate(r.Context(), name, data)
	if err != nil {
		s.Error(w, err)
		return
	}
	s.Success(w, http.StatusAccepted, map[string]any{
		"template_id":         tv.TemplateID.String(),
		"template_version_id": tv.ID.String(),
		"version_number":      tv.VersionNumber,
		"parsing_status":      string(tv.ParsingStatus),
	})
}

func readUpload(file multipart.File) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCorruptedFile, errs.CategoryParsing, "read upload")
	}
	if len(data) > maxUploadSize {
		return nil, errs.Newf(errs.CodeFileTooLarge, errs.CategoryParsing,
			"upload exceeds %d bytes", maxUploadSize)
	}
	return data, nil
}

type generateRequest struct {
	DocumentID      string         `json:"document_id"`
	VersionIntent   int            `json:"version_intent"`
	ClientData      map[string]any `json:"client_data"`
	ForceRegenerate bool           `json:"force_regenerate"`
	CorrelationID   string         `json:"correlation_id"`
}

// handleGenerate enqueues a generate job for a document. The version intent
// defaults to the document's next version.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Error(w, badRequest("request body is not valid JSON"))
		return
	}
	docID, err := uuid.Parse(req.DocumentID)
	if err != nil {
		s.Error(w, badRequest("document_id must be a uuid"))
		return
	}
	doc, err := s.store.GetDocument(r.Context(), docID)
	if err != nil {
		s.Error(w, err)
		return
	}
	intent := req.VersionIntent
	if intent == 0 {
		intent = doc.CurrentVersion + 1
	}
	if intent < 1 {
		s.Error(w, badRequest("version_intent must be positive"))
		return
	}

	job, err := s.enqueueGenerate(r, docID, doc.TemplateVersionID, intent,
		req.ClientData, req.ForceRegenerate, req.CorrelationID)
	if err != nil {
		s.Error(w, err)
		return
	}
	s.Success(w, http.StatusAccepted, map[string]any{
		"job_id":         job.ID.String(),
		"document_id":    docID.String(),
		"version_intent": intent,
	})
}

func (s *Server) enqueueGenerate(r *http.Request, documentID, templateVersionID uuid.UUID,
	versionIntent int, clientData map[string]any, force bool, correlationID string) (*store.Job, error) {
	payload := map[string]any{
		"document_id":         documentID.String(),
		"template_version_id": templateVersionID.String(),
		"version_intent":      versionIntent,
	}
	if len(clientData) > 0 {
		payload["client_data"] = clientData
	}
	if force {
		payload["force_regenerate"] = true
	}
	if correlationID != "" {
		payload["correlation_id"] = correlationID
	}
	job := &store.Job{JobType: store.JobGenerate, Payload: payload}
	if err := s.store.EnqueueJob(r.Context(), job); err != nil {
		return nil, err
	}
	return job, nil
}

// handleGetJob returns queue state and result for one job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.Error(w, badRequest("job id must be a uuid"))
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.Error(w, err)
		return
	}
	s.Success(w, http.StatusOK, jobView(job))
}

func jobView(job *store.Job) map[string]any {
	view := map[string]any{
		"id":         job.ID.String(),
		"job_type":   string(job.JobType),
		"status":     string(job.Status),
		"payload":    job.Payload,
		"created_at": job.CreatedAt,
	}
	if job.Result != nil {
		view["result"] = job.Result
	}
	if job.Error != "" {
		view["error"] = job.Error
	}
	if job.WorkerID != "" {
		view["worker_id"] = job.WorkerID
	}
	if job.StartedAt != nil {
		view["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		view["completed_at"] = job.CompletedAt
	}
	return view
}

// handleGetDocument returns a document and its committed versions.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.Error(w, badRequest("document id must be a uuid"))
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.Error(w, err)
		return
	}
	versions, err := s.store.DocumentVersions(r.Context(), id)
	if err != nil {
		s.Error(w, err)
		return
	}
	views := make([]map[string]any, 0, len(versions))
	for _, dv := range versions {
		views = append(views, map[string]any{
			"id":                  dv.ID.String(),
			"version_number":      dv.VersionNumber,
			"rendered_blob_key":   dv.RenderedBlobKey,
			"generation_metadata": dv.GenerationMetadata,
			"created_at":          dv.CreatedAt,
		})
	}
	s.Success(w, http.StatusOK, map[string]any{
		"id":                  doc.ID.String(),
		"template_version_id": doc.TemplateVersionID.String(),
		"current_version":     doc.CurrentVersion,
		"created_at":          doc.CreatedAt,
		"versions":            views,
	})
}

// handleDownloadVersion streams the rendered binary for one document version.
func (s *Server) handleDownloadVersion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.Error(w, badRequest("document id must be a uuid"))
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		s.Error(w, badRequest("version must be a positive integer"))
		return
	}
	dv, err := s.store.DocumentVersionBy(r.Context(), id, version)
	if err != nil {
		s.Error(w, err)
		return
	}
	data, err := s.blobs.Get(r.Context(), dv.RenderedBlobKey)
	if err != nil {
		s.Error(w, err)
		return
	}
	w.Header().Set("Content-Type",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-v%d.docx"`, id, version))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type regenerateRequest struct {
	DocumentID           string                    `json:"document_id"`
	Strategy             string                    `json:"strategy"`
	TargetSectionIDs     []int64                   `json:"target_section_ids"`
	Force                bool                      `json:"force"`
	ClientData           map[string]any            `json:"client_data"`
	SectionOverrides     map[string]map[string]any `json:"section_overrides"`
	NewTemplateVersionID string                    `json:"new_template_version_id"`
	CorrelationID        string                    `json:"correlation_id"`
}

func (s *Server) handleRegenerateSections(w http.ResponseWriter, r *http.Request) {
	s.handleRegenerate(w, r, regen.ScopeSection)
}

func (s *Server) handleRegenerateFull(w http.ResponseWriter, r *http.Request) {
	s.handleRegenerate(w, r, regen.ScopeFull)
}

func (s *Server) handleRegenerateTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	s.handleRegenerate(w, r, regen.ScopeTemplateUpdate)
}

// handleRegenerate plans a regeneration and enqueues the generate job that
// will realize the plan's version intent.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request, scope regen.Scope) {
	var body regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.Error(w, badRequest("request body is not valid JSON"))
		return
	}
	req, err := body.toRequest(scope)
	if err != nil {
		s.Error(w, err)
		return
	}

	plan, err := s.planner.PlanRegeneration(r.Context(), req)
	if err != nil {
		s.Error(w, err)
		return
	}

	// template_update repoints the document before generation so the new
	// version is produced against the new structure.
	if scope == regen.ScopeTemplateUpdate {
		if err := s.store.UpdateDocumentTemplateVersion(r.Context(), req.DocumentID, plan.TemplateVersionID); err != nil {
			s.Error(w, err)
			return
		}
	}

	job, err := s.enqueueGenerate(r, plan.DocumentID, plan.TemplateVersionID,
		plan.VersionIntent, req.ClientData, req.Force, req.CorrelationID)
	if err != nil {
		s.Error(w, err)
		return
	}
	s.Success(w, http.StatusAccepted, map[string]any{
		"plan":   plan,
		"job_id": job.ID.String(),
	})
}

func (b regenerateRequest) toRequest(scope regen.Scope) (regen.Request, error) {
	var req regen.Request
	docID, err := uuid.Parse(b.DocumentID)
	if err != nil {
		return req, badRequest("document_id must be a uuid")
	}
	req.DocumentID = docID
	req.Scope = scope
	req.Strategy = regen.StrategyReuseUnchanged
	switch b.Strategy {
	case "", string(regen.StrategyReuseUnchanged):
	case string(regen.StrategyForceAll):
		req.Strategy = regen.StrategyForceAll
	default:
		return req, badRequest(fmt.Sprintf("unknown strategy %q", b.Strategy))
	}
	req.TargetSectionIDs = b.TargetSectionIDs
	req.Force = b.Force
	req.ClientData = b.ClientData
	req.CorrelationID = b.CorrelationID
	if len(b.SectionOverrides) > 0 {
		req.SectionOverrides = map[int64]map[string]any{}
		for key, overlay := range b.SectionOverrides {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return req, badRequest(fmt.Sprintf("section override key %q is not a section id", key))
			}
			req.SectionOverrides[id] = overlay
		}
	}
	if b.NewTemplateVersionID != "" {
		tvID, err := uuid.Parse(b.NewTemplateVersionID)
		if err != nil {
			return req, badRequest("new_template_version_id must be a uuid")
		}
		req.NewTemplateVersionID = tvID
	}
	return req, nil
}

// handleRegenerationHistory lists the regenerate audit entries for a document,
// newest first.
func (s *Server) handleRegenerationHistory(w http.ResponseWriter, r *http.Request) {
	docID, err := uuid.Parse(r.URL.Query().Get("document_id"))
	if err != nil {
		s.Error(w, badRequest("query parameter document_id must be a uuid"))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	entries, err := s.audit.RegenerationHistory(r.Context(), docID, limit, offset)
	if err != nil {
		s.Error(w, err)
		return
	}
	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		views = append(views, map[string]any{
			"id":             e.ID,
			"action":         e.Action,
			"correlation_id": e.CorrelationID,
			"metadata":       e.Metadata,
			"timestamp":      e.Timestamp,
		})
	}
	s.Success(w, http.StatusOK, map[string]any{
		"document_id": docID.String(),
		"entries":     views,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

type renderRequest struct {
	DocumentID    string `json:"document_id"`
	VersionIntent int    `json:"version_intent"`
	ForceRerender bool   `json:"force_rerender"`
}

// handleRender drives the standalone render operation for an assembled
// document. An immutable rendered version conflicts unless force_rerender is
// set, in which case the bytes are re-rendered and verified against the
// stored hash without mutating anything.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Error(w, badRequest("request body is not valid JSON"))
		return
	}
	docID, err := uuid.Parse(req.DocumentID)
	if err != nil {
		s.Error(w, badRequest("document_id must be a uuid"))
		return
	}
	if req.VersionIntent < 1 {
		s.Error(w, badRequest("version_intent must be positive"))
		return
	}
	ctx := r.Context()

	assembled, err := s.store.AssembledBy(ctx, docID, req.VersionIntent)
	if err != nil {
		s.Error(w, err)
		return
	}

	existing, err := s.store.RenderedBy(ctx, docID, req.VersionIntent)
	switch {
	case err == nil && existing.IsImmutable:
		if !req.ForceRerender {
			s.Error(w, errs.Newf(errs.CodeAlreadyRendered, errs.CategoryRendering,
				"document %s version %d is already rendered", docID, req.VersionIntent))
			return
		}
		s.rerenderVerify(w, r, assembled, existing)
		return
	case err == nil && existing.Status == store.StagePending:
		rendered, renderErr := s.renderer.Render(ctx, existing.ID)
		if renderErr != nil {
			s.Error(w, renderErr)
			return
		}
		s.Success(w, http.StatusOK, renderedView(rendered, false))
		return
	case err == nil:
		s.Error(w, errs.InvalidTransition("rendered_document",
			string(existing.Status), string(store.StageInProgress)))
		return
	case !errs.IsNotFound(err):
		s.Error(w, err)
		return
	}

	if assembled.Status != store.StageValidated {
		s.Error(w, errs.Newf(errs.CodeBatchNotValidated, errs.CategoryRendering,
			"assembled document %s is %s, expected validated", assembled.ID, assembled.Status))
		return
	}
	rendered := &store.RenderedDocument{
		AssembledDocumentID: assembled.ID,
		DocumentID:          docID,
		Version:             req.VersionIntent,
	}
	if err := s.store.CreateRenderedDocument(ctx, rendered); err != nil {
		s.Error(w, err)
		return
	}
	result, err := s.renderer.Render(ctx, rendered.ID)
	if err != nil {
		s.Error(w, err)
		return
	}
	s.Success(w, http.StatusOK, renderedView(result, false))
}

// rerenderVerify re-renders the immutable version's bytes and checks they
// still hash to the stored content hash. Nothing is written.
func (s *Server) rerenderVerify(w http.ResponseWriter, r *http.Request,
	assembled *store.AssembledDocument, rendered *store.RenderedDocument) {
	deterministic, err := render.VerifyDeterminism(assembled)
	if err != nil {
		s.Error(w, err)
		return
	}
	hash, err := render.RerenderHash(assembled)
	if err != nil {
		s.Error(w, err)
		return
	}
	view := renderedView(rendered, true)
	view["deterministic"] = deterministic
	view["hash_matches"] = hash == rendered.ContentHash
	s.Success(w, http.StatusOK, view)
}

func renderedView(rendered *store.RenderedDocument, reused bool) map[string]any {
	return map[string]any{
		"rendered_document_id": rendered.ID.String(),
		"document_id":          rendered.DocumentID.String(),
		"version":              rendered.Version,
		"status":               string(rendered.Status),
		"output_blob_key":      rendered.OutputBlobKey,
		"content_hash":         rendered.ContentHash,
		"file_size":            rendered.FileSize,
		"reused":               reused,
	}
}

// handleDemoSeed installs the demo fixture set.
func (s *Server) handleDemoSeed(w http.ResponseWriter, r *http.Request) {
	if err := s.seeder.Seed(r.Context()); err != nil {
		s.Error(w, err)
		return
	}
	s.Success(w, http.StatusCreated, seed.IDs())
}

// handleDemoIDs returns the fixed fixture ids.
func (s *Server) handleDemoIDs(w http.ResponseWriter, r *http.Request) {
	s.Success(w, http.StatusOK, seed.IDs())
}

// handleDemoValidate reports the fixture consistency check.
func (s *Server) handleDemoValidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.seeder.Validate(r.Context())
	if err != nil {
		s.Error(w, err)
		return
	}
	s.Success(w, http.StatusOK, report)
}

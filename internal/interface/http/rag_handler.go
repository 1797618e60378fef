package http

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/jobqueue"
	"github.com/yanqian/study-abroad-rag/internal/domain/query"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval/index"
	"github.com/yanqian/study-abroad-rag/internal/domain/session"
	"github.com/yanqian/study-abroad-rag/internal/interface/http/sse"
	apperrors "github.com/yanqian/study-abroad-rag/pkg/errors"
)

// adminState holds the mutating-but-ephemeral admin surfaces: retrieval
// tuning overrides, bilingual prompt preambles, and a bounded ingest audit
// log. Read by C4/C7 on each query per spec §9's no-global-config-at-call
// discipline (the orchestrator reads a snapshot taken once per request,
// never a live pointer).
type adminState struct {
	mu sync.Mutex

	alpha float64
	topK  int
	kCite int

	preambles map[string]string // language -> preamble text

	audit    []auditEntry
	auditCap int
}

type auditEntry struct {
	At      time.Time `json:"at"`
	DocID   string    `json:"doc_id"`
	Actor   string    `json:"actor"`
	Action  string    `json:"action"`
	Outcome string    `json:"outcome"`
}

func newAdminState() *adminState {
	return &adminState{
		alpha:    index.DefaultAlpha,
		topK:     8,
		kCite:    3,
		auditCap: 200,
		preambles: map[string]string{
			"en": "You are a study-abroad consultation assistant. Answer only from the provided citations.",
			"zh": "你是留学咨询助手。请仅根据提供的引用内容作答。",
		},
	}
}

// tuning returns the current alpha/top_k/k_cite overrides.
func (a *adminState) tuning() (alpha float64, topK, kCite int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alpha, a.topK, a.kCite
}

func (a *adminState) setTuning(alpha *float64, topK, kCite *int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alpha != nil {
		a.alpha = *alpha
	}
	if topK != nil {
		a.topK = *topK
	}
	if kCite != nil {
		a.kCite = *kCite
	}
}

func (a *adminState) recordAudit(e auditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audit = append(a.audit, e)
	if len(a.audit) > a.auditCap {
		a.audit = a.audit[len(a.audit)-a.auditCap:]
	}
}

func (a *adminState) auditLog() []auditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]auditEntry, len(a.audit))
	copy(out, a.audit)
	return out
}

func (a *adminState) preamble(language string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.preambles[language]; ok {
		return p
	}
	return a.preambles["en"]
}

func (a *adminState) setPreamble(language, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preambles[language] = text
}

// IngestAdapters groups the ingestion-side collaborators the RAG handlers
// need beyond the chunk store: extraction, chunking, object storage, the
// hybrid index, and the async job queue.
type IngestAdapters struct {
	Pipeline *ingest.Pipeline
	Index    *index.Index
	Queue    *jobqueue.Queue
	Storage  ingest.ObjectStorage
	SlotCtlg []session.SlotSchema
}

// Ingest handles synchronous document ingestion. The route requires an
// authenticated caller; no admin role is checked.
func (h *Handler) Ingest(c *gin.Context, ad *IngestAdapters) {
	var req ingest.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	if req.Text != "" {
		req.Content = []byte(req.Text)
	}
	resp, err := h.runIngest(c, ad, req)
	if err != nil {
		abortWithError(c, classifyIngestError(err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// IngestUpload handles a multipart upload, synchronously or async
// (?async=true) via the job queue.
func (h *Handler) IngestUpload(c *gin.Context, ad *IngestAdapters) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", "missing file", err))
		return
	}
	defer file.Close()

	data := make([]byte, header.Size)
	if _, err := file.Read(data); err != nil && header.Size > 0 {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", "failed to read upload", err))
		return
	}

	req := ingest.IngestRequest{
		DocID:      c.PostForm("doc_id"),
		SourceName: header.Filename,
		Language:   c.DefaultPostForm("language", "en"),
		Domain:     c.PostForm("domain"),
		Content:    data,
		MimeType:   header.Header.Get("Content-Type"),
	}

	if c.Query("async") == "true" {
		actor := resolvePrincipal(c)
		resp, err := ad.Queue.Enqueue(c.Request.Context(), req, actor)
		if err != nil {
			abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
			return
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}

	resp, err := h.runIngest(c, ad, req)
	if err != nil {
		abortWithError(c, classifyIngestError(err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) runIngest(c *gin.Context, ad *IngestAdapters, req ingest.IngestRequest) (ingest.IngestResponse, error) {
	if req.DocID == "" {
		sum := sha256.Sum256(append([]byte(req.SourceName), req.Content...))
		req.DocID = hex.EncodeToString(sum[:])
	}
	actor := resolvePrincipal(c)
	chunkCount, err := ad.Pipeline.Run(c.Request.Context(), req)
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	h.admin.recordAudit(auditEntry{At: time.Now(), DocID: req.DocID, Actor: actor, Action: "ingest", Outcome: outcome})
	if err != nil {
		return ingest.IngestResponse{}, err
	}
	doc, _, derr := h.store.GetDocument(c.Request.Context(), req.DocID)
	if derr != nil {
		return ingest.IngestResponse{}, derr
	}
	return ingest.IngestResponse{
		DocID:      req.DocID,
		Version:    doc.Version,
		ChunkCount: chunkCount,
		Health:     ad.Index.Health(),
	}, nil
}

func classifyIngestError(err error) *HTTPError {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case apperrors.IsCode(err, apperrors.CodeValidation):
		status = http.StatusBadRequest
		code = "invalid_request"
	case apperrors.IsCode(err, apperrors.CodeExtraction):
		status = http.StatusUnprocessableEntity
		code = "extraction_error"
	case apperrors.IsCode(err, apperrors.CodeProvider):
		status = http.StatusBadGateway
		code = "provider_error"
	}
	return NewHTTPError(status, code, errMessage(err), err)
}

// IndexHealth reports the most recently committed generation's stats.
func (h *Handler) IndexHealth(c *gin.Context, idx *index.Index) {
	c.JSON(http.StatusOK, idx.Health())
}

// IndexRebuild forces a synchronous rebuild from the chunk store.
func (h *Handler) IndexRebuild(c *gin.Context, idx *index.Index) {
	if err := idx.Rebuild(c.Request.Context()); err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	c.JSON(http.StatusOK, idx.Health())
}

// GetChunk returns one chunk's text, metadata, and query-relative
// highlight offsets when a ?q= query string is present.
func (h *Handler) GetChunk(c *gin.Context) {
	chunkID := c.Param("chunk_id")
	chunk, ok, err := h.store.GetChunk(c.Request.Context(), chunkID)
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	if !ok {
		abortWithError(c, NewHTTPError(http.StatusNotFound, "not_found", "chunk not found", nil))
		return
	}
	resp := gin.H{
		"chunk_id": chunk.ChunkID,
		"doc_id":   chunk.DocID,
		"text":     chunk.Text,
		"metadata": chunk.Meta,
	}
	if q := c.Query("q"); q != "" {
		resp["highlights"] = findHighlights(chunk.Text, q)
	}
	c.JSON(http.StatusOK, resp)
}

// findHighlights returns the [start,end) rune offsets of each query term
// found in text, case-insensitively.
func findHighlights(text, q string) [][2]int {
	lowerText := strings.ToLower(text)
	var spans [][2]int
	for _, term := range strings.Fields(strings.ToLower(q)) {
		if term == "" {
			continue
		}
		from := 0
		for {
			idx := strings.Index(lowerText[from:], term)
			if idx < 0 {
				break
			}
			start := from + idx
			startRune := utf8.RuneCountInString(lowerText[:start])
			spans = append(spans, [2]int{startRune, startRune + utf8.RuneCountInString(term)})
			from = start + len(term)
		}
	}
	return spans
}

// Slots returns the session slot schema catalog.
func (h *Handler) Slots(c *gin.Context, catalog []session.SlotSchema) {
	c.JSON(http.StatusOK, gin.H{"slots": catalog})
}

// GetSession returns one session's current state.
func (h *Handler) GetSession(c *gin.Context) {
	userID, sessionID := resolvePrincipal(c), c.Param("session_id")
	st, ok, err := h.sessions.Get(c.Request.Context(), userID, sessionID)
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	if !ok {
		abortWithError(c, NewHTTPError(http.StatusNotFound, "not_found", "session not found", nil))
		return
	}
	c.JSON(http.StatusOK, st)
}

type patchSessionRequest struct {
	Title    *string `json:"title"`
	Pinned   *bool   `json:"pinned"`
	Archived *bool   `json:"archived"`
}

// PatchSession updates a session's title/pinned/archived metadata.
func (h *Handler) PatchSession(c *gin.Context) {
	userID, sessionID := resolvePrincipal(c), c.Param("session_id")
	var req patchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	st, err := h.sessions.UpdateMetadata(c.Request.Context(), userID, sessionID, req.Title, req.Pinned, req.Archived)
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	c.JSON(http.StatusOK, st)
}

// DeleteSession removes a session; its logged messages are not removed.
func (h *Handler) DeleteSession(c *gin.Context) {
	userID, sessionID := resolvePrincipal(c), c.Param("session_id")
	if err := h.sessions.Delete(c.Request.Context(), userID, sessionID); err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	c.Status(http.StatusNoContent)
}

type queryRequest struct {
	SessionID      string         `json:"session_id"`
	Question       string         `json:"question" binding:"required"`
	Language       string         `json:"language"`
	UseRAG         *bool          `json:"use_rag"`
	TopK           int            `json:"top_k"`
	Alpha          float64        `json:"alpha"`
	KCite          int            `json:"k_cite"`
	ExplainLikeNew bool           `json:"explain_like_new"`
	SlotUpdates    map[string]any `json:"slot_updates"`
	ResetSlots     []string       `json:"reset_slots"`
	Attachments    []string       `json:"attachments"`
}

func (h *Handler) toOrchestratorRequest(c *gin.Context, req queryRequest) query.Request {
	useRAG := true
	if req.UseRAG != nil {
		useRAG = *req.UseRAG
	}
	alpha, topK, kCite := h.admin.tuning()
	if req.Alpha != 0 {
		alpha = req.Alpha
	}
	if req.TopK != 0 {
		topK = req.TopK
	}
	if req.KCite != 0 {
		kCite = req.KCite
	}
	return query.Request{
		UserID:         resolvePrincipal(c),
		SessionID:      req.SessionID,
		Question:       req.Question,
		Language:       req.Language,
		UseRAG:         useRAG,
		TopK:           topK,
		Alpha:          alpha,
		KCite:          kCite,
		ExplainLikeNew: req.ExplainLikeNew,
		SlotUpdates:    req.SlotUpdates,
		ResetSlots:     req.ResetSlots,
		Attachments:    req.Attachments,
	}
}

// Query answers a question, non-streaming or (when the client sends
// Accept: text/event-stream and ?stream=true) as an SSE upgrade.
func (h *Handler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	orchReq := h.toOrchestratorRequest(c, req)

	wantsStream := c.Query("stream") == "true" && c.GetHeader("Accept") == "text/event-stream"
	if wantsStream {
		events, err := h.orch.AnswerStream(c.Request.Context(), orchReq)
		if err != nil {
			abortWithError(c, classifyQueryError(err))
			return
		}
		sse.Write(c, events)
		return
	}

	resp, err := h.orch.Answer(c.Request.Context(), orchReq)
	if err != nil {
		abortWithError(c, classifyQueryError(err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func classifyQueryError(err error) *HTTPError {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case apperrors.IsCode(err, apperrors.CodeValidation):
		status = http.StatusBadRequest
		code = "invalid_request"
	case apperrors.IsCode(err, apperrors.CodeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	}
	return NewHTTPError(status, code, errMessage(err), err)
}

// Metrics returns the raw snapshot C11 holds.
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// Status combines the index health digest with the metrics status digest
// into the single green/amber/red view ops dashboards poll.
func (h *Handler) Status(c *gin.Context, idx *index.Index) {
	c.JSON(http.StatusOK, gin.H{
		"index_health": idx.Health(),
		"status":       h.metrics.StatusDigest(),
	})
}

// AdminListSources lists the currently indexed documents.
func (h *Handler) AdminListSources(c *gin.Context) {
	docs, err := h.store.ListDocuments(c.Request.Context())
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": docs})
}

// AdminDeleteSource removes a document (and, on next rebuild, its chunks).
func (h *Handler) AdminDeleteSource(c *gin.Context, idx *index.Index) {
	docID := c.Param("doc_id")
	if err := h.store.DeleteDocument(c.Request.Context(), docID); err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	h.admin.recordAudit(auditEntry{At: time.Now(), DocID: docID, Actor: resolvePrincipal(c), Action: "delete_source", Outcome: "succeeded"})
	if err := idx.Rebuild(c.Request.Context()); err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	c.Status(http.StatusNoContent)
}

// AdminGetPrompt returns the configured preamble for a language.
func (h *Handler) AdminGetPrompt(c *gin.Context) {
	language := c.DefaultQuery("language", "en")
	c.JSON(http.StatusOK, gin.H{"language": language, "preamble": h.admin.preamble(language)})
}

type adminPromptRequest struct {
	Language string `json:"language" binding:"required"`
	Preamble string `json:"preamble" binding:"required"`
}

// AdminSetPrompt overwrites the preamble for one language.
func (h *Handler) AdminSetPrompt(c *gin.Context) {
	var req adminPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	h.admin.setPreamble(req.Language, req.Preamble)
	c.JSON(http.StatusOK, gin.H{"language": req.Language, "preamble": req.Preamble})
}

type adminTuningRequest struct {
	Alpha *float64 `json:"alpha"`
	TopK  *int     `json:"top_k"`
	KCite *int     `json:"k_cite"`
}

// AdminGetTuning returns the live alpha/top_k/k_cite overrides.
func (h *Handler) AdminGetTuning(c *gin.Context) {
	alpha, topK, kCite := h.admin.tuning()
	c.JSON(http.StatusOK, gin.H{"alpha": alpha, "top_k": topK, "k_cite": kCite})
}

// AdminSetTuning updates any subset of alpha/top_k/k_cite.
func (h *Handler) AdminSetTuning(c *gin.Context) {
	var req adminTuningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	h.admin.setTuning(req.Alpha, req.TopK, req.KCite)
	alpha, topK, kCite := h.admin.tuning()
	c.JSON(http.StatusOK, gin.H{"alpha": alpha, "top_k": topK, "k_cite": kCite})
}

// AdminAudit returns the bounded ingest audit log.
func (h *Handler) AdminAudit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"audit": h.admin.auditLog()})
}

// AdminGetJob returns one ingest job's status by id.
func (h *Handler) AdminGetJob(c *gin.Context, store jobqueue.Store) {
	jobID := c.Param("job_id")
	job, ok, err := store.Get(c.Request.Context(), jobID)
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "internal", errMessage(err), err))
		return
	}
	if !ok {
		abortWithError(c, NewHTTPError(http.StatusNotFound, "not_found", "job not found", nil))
		return
	}
	c.JSON(http.StatusOK, job)
}

// parseIntQuery reads an optional integer query parameter, returning def
// when it is absent or not an integer. No handler calls it at present.
func parseIntQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

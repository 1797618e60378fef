package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval/index"
	"github.com/yanqian/study-abroad-rag/internal/domain/session"
	"github.com/yanqian/study-abroad-rag/internal/infra/metrics/registry"
	"github.com/yanqian/study-abroad-rag/internal/infra/retrieval/reranker"
	apperrors "github.com/yanqian/study-abroad-rag/pkg/errors"
)

// Config carries the orchestrator's defaults and thresholds.
type Config struct {
	TopKDefault            int
	KCiteDefault           int
	Alpha                  float64
	LowConfidenceTau       float64 // default 0.2
	AttachmentSummaryChars int     // default 1500

	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.TopKDefault <= 0 {
		c.TopKDefault = 8
	}
	if c.KCiteDefault <= 0 {
		c.KCiteDefault = 3
	}
	if c.Alpha == 0 {
		c.Alpha = index.DefaultAlpha
	}
	if c.LowConfidenceTau == 0 {
		c.LowConfidenceTau = 0.2
	}
	if c.AttachmentSummaryChars <= 0 {
		c.AttachmentSummaryChars = 1500
	}
	return c
}

// Service is the C7 query orchestrator: it composes the session store,
// hybrid index, reranker, chunk store, and chat provider into one
// answer(request) -> response call, timing each phase.
type Service struct {
	cfg     Config
	store   ingest.ChunkStore
	index   *index.Index
	rerank  *reranker.Client
	chat    ChatProvider
	metrics *registry.Registry
	catalog []session.SlotSchema

	sessions *session.Store
}

// New constructs the orchestrator from its already-built collaborators.
func New(cfg Config, sessions *session.Store, store ingest.ChunkStore, idx *index.Index, rerank *reranker.Client, chat ChatProvider, metrics *registry.Registry, catalog []session.SlotSchema) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		store:    store,
		index:    idx,
		rerank:   rerank,
		chat:     chat,
		metrics:  metrics,
		catalog:  catalog,
	}
}

var fixedNoMatchMessage = map[string]string{
	"zh": "未找到匹配的资料，知识库可能尚未建立索引或与该问题无关。",
	"en": "I couldn't find any indexed material matching that question.",
}

// Answer implements the full 10-phase pipeline described at package level.
func (s *Service) Answer(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	var diag Diagnostics

	// Phase 1: resolve session.
	state, err := s.sessions.Upsert(ctx, req.UserID, req.SessionID, req.Language, req.SlotUpdates, req.ResetSlots, s.catalog)
	if err != nil {
		return Response{}, err
	}
	language := state.Language
	if language == "" {
		language = "en"
	}
	missing := session.MissingRequired(s.catalog, state.Slots)

	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.TopKDefault
	}
	kCite := req.KCite
	if kCite <= 0 {
		kCite = s.cfg.KCiteDefault
	}
	alpha := req.Alpha
	if alpha == 0 {
		alpha = s.cfg.Alpha
	}

	// The whole turn — user message through assistant message — runs
	// inside one WithSessionLock call so a concurrent request on the same
	// session cannot land its own turn's messages in between this one's
	// (spec §5/§8 property 8).
	var resp Response
	lockErr := s.sessions.WithSessionLock(req.UserID, state.SessionID, func(ops session.LockedOps) error {
		now := time.Now()
		userMsg := session.Message{
			SessionID: state.SessionID,
			Role:      session.RoleUser,
			Content:   req.Question,
			CreatedAt: now,
			Language:  language,
		}
		if err := ops.Append(ctx, userMsg); err != nil {
			return err
		}

		if !req.UseRAG {
			r, err := s.answerWithoutRetrieval(ctx, req, state, missing, language, start, ops)
			resp = r
			return err
		}

		// Phase 2: compose retrieval question.
		retrievalQuestion := s.composeRetrievalQuestion(req)

		// Phase 3: retrieve.
		retrieveStart := time.Now()
		retrieved, rdiag, err := s.index.Query(ctx, retrievalQuestion, topK, alpha)
		diag.RetrievalMs = time.Since(retrieveStart).Milliseconds()
		diag.Degraded = rdiag.Degraded
		if err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.RecordPhase("retrieval", float64(diag.RetrievalMs))
		}

		if len(retrieved) == 0 {
			if s.metrics != nil {
				s.metrics.IncrementCounter("empty_retrieval", 1)
			}
			r, err := s.shortCircuitNoMatch(ctx, req, state, missing, language, start, diag, ops)
			resp = r
			return err
		}

		// Phase 4: rerank, truncate, select citation candidates.
		rerankStart := time.Now()
		reranked := s.rerank.Rerank(ctx, req.Question, retrieved, language)
		diag.RerankMs = time.Since(rerankStart).Milliseconds()
		if s.metrics != nil {
			s.metrics.RecordPhase("rerank", float64(diag.RerankMs))
		}
		if len(reranked) > topK {
			reranked = reranked[:topK]
		}
		citeCandidates := reranked
		if len(citeCandidates) > kCite {
			citeCandidates = citeCandidates[:kCite]
		}

		// Phase 5: build citations & context.
		candidates := s.buildCitationCandidates(ctx, citeCandidates, req.Question)

		// Phase 6: compose prompt.
		messages := s.composePrompt(req, state, language, candidates)

		// Phase 7: generate.
		genStart := time.Now()
		answerText, degraded, genErr := s.generate(ctx, req, messages)
		diag.GenerationMs = time.Since(genStart).Milliseconds()
		if s.metrics != nil {
			s.metrics.RecordPhase("generation", float64(diag.GenerationMs))
		}
		if genErr != nil {
			return genErr
		}

		var citations []Citation
		if !degraded {
			// Phase 8: citation mapping.
			answerText, citations = remapCitations(answerText, candidates)
		}

		// Phase 9: diagnostics.
		topScore := 0.0
		if len(reranked) > 0 {
			topScore = reranked[0].Score
		}
		coverage := 0.0
		if kCite > 0 {
			coverage = float64(len(citations)) / float64(kCite)
		}
		diag.CitationCoverage = coverage
		diag.LowConfidence = degraded || coverage < 0.5 || topScore < s.cfg.LowConfidenceTau
		diag.EndToEndMs = time.Since(start).Milliseconds()

		priorStreak := ops.LowConfidenceStreak()
		diag.ReviewSuggested = diag.LowConfidence && priorStreak >= 1

		// Phase 10: persist.
		assistantMsg := session.Message{
			SessionID:     state.SessionID,
			Role:          session.RoleAssistant,
			Content:       answerText,
			CreatedAt:     time.Now(),
			Language:      language,
			CitationIDs:   citationIDs(citations),
			LowConfidence: diag.LowConfidence,
			Diagnostics:   diagnosticsMap(diag),
		}
		if err := ops.Append(ctx, assistantMsg); err != nil {
			return err
		}

		resp = Response{
			SessionID:    state.SessionID,
			Answer:       answerText,
			Citations:    citations,
			Diagnostics:  diag,
			MissingSlots: missing,
		}
		return nil
	})
	if lockErr != nil {
		return Response{}, lockErr
	}
	return resp, nil
}

func (s *Service) answerWithoutRetrieval(ctx context.Context, req Request, state session.State, missing []string, language string, start time.Time, ops session.LockedOps) (Response, error) {
	messages := s.composePrompt(req, state, language, nil)
	genStart := time.Now()
	answerText, degraded, err := s.generate(ctx, req, messages)
	genMs := time.Since(genStart).Milliseconds()
	if err != nil {
		return Response{}, err
	}
	diag := Diagnostics{
		GenerationMs:     genMs,
		EndToEndMs:       time.Since(start).Milliseconds(),
		CitationCoverage: 0,
		LowConfidence:    degraded,
	}
	assistantMsg := session.Message{
		SessionID:     state.SessionID,
		Role:          session.RoleAssistant,
		Content:       answerText,
		CreatedAt:     time.Now(),
		Language:      language,
		LowConfidence: diag.LowConfidence,
		Diagnostics:   diagnosticsMap(diag),
	}
	if err := ops.Append(ctx, assistantMsg); err != nil {
		return Response{}, err
	}
	return Response{
		SessionID:    state.SessionID,
		Answer:       answerText,
		Citations:    []Citation{},
		Diagnostics:  diag,
		MissingSlots: missing,
	}, nil
}

func (s *Service) shortCircuitNoMatch(ctx context.Context, req Request, state session.State, missing []string, language string, start time.Time, diag Diagnostics, ops session.LockedOps) (Response, error) {
	body := fixedNoMatchMessage[language]
	if body == "" {
		body = fixedNoMatchMessage["en"]
	}
	diag.EndToEndMs = time.Since(start).Milliseconds()
	diag.LowConfidence = true
	assistantMsg := session.Message{
		SessionID:     state.SessionID,
		Role:          session.RoleAssistant,
		Content:       body,
		CreatedAt:     time.Now(),
		Language:      language,
		LowConfidence: true,
		Diagnostics:   diagnosticsMap(diag),
	}
	if err := ops.Append(ctx, assistantMsg); err != nil {
		return Response{}, err
	}
	return Response{
		SessionID:    state.SessionID,
		Answer:       body,
		Citations:    []Citation{},
		Diagnostics:  diag,
		MissingSlots: missing,
	}, nil
}

func (s *Service) composeRetrievalQuestion(req Request) string {
	if len(req.Attachments) == 0 {
		return req.Question
	}
	var b strings.Builder
	b.WriteString(req.Question)
	for _, a := range req.Attachments {
		summary := a
		if runes := []rune(a); len(runes) > s.cfg.AttachmentSummaryChars {
			summary = string(runes[:s.cfg.AttachmentSummaryChars])
		}
		b.WriteString("\n\nAttachment: ")
		b.WriteString(summary)
	}
	return b.String()
}

// buildCitationCandidates resolves each reranked item's document, computes
// a bounded snippet, and finds non-overlapping query-term highlights.
func (s *Service) buildCitationCandidates(ctx context.Context, items []retrieval.Retrieved, query string) []Citation {
	out := make([]Citation, 0, len(items))
	for _, it := range items {
		doc, found, err := s.store.GetDocument(ctx, it.DocID)
		sourceName, url := it.DocID, ""
		var lastVerified time.Time
		if err == nil && found {
			sourceName = doc.SourceName
			url = doc.URL
			lastVerified = doc.UpdatedAt
		}
		snippet := buildSnippet(it.Text, query)
		out = append(out, Citation{
			ChunkID:        it.ChunkID,
			DocID:          it.DocID,
			Snippet:        snippet,
			Score:          it.Score,
			SourceName:     sourceName,
			URL:            url,
			LastVerifiedAt: lastVerified,
			Highlights:     highlightsWithin(snippet, query),
		})
	}
	return out
}

const systemPreambleEN = "You are a study-abroad consultation assistant. Answer using only the numbered context below and cite sources as [n]. If the context does not answer the question, say so plainly."
const systemPreambleZH = "你是一名留学咨询助手。只能依据下方编号的参考资料作答，并以 [n] 形式标注引用。若资料无法回答问题，请如实说明。"
const beginnerPreambleEN = "Explain as if the reader is new to study-abroad applications: avoid jargon, define any term you must use."
const beginnerPreambleZH = "请假设读者是留学申请新手：避免使用术语，必须使用时请做简要解释。"

func (s *Service) composePrompt(req Request, state session.State, language string, candidates []Citation) []ChatMessage {
	preamble := systemPreambleEN
	beginner := beginnerPreambleEN
	if language == "zh" {
		preamble = systemPreambleZH
		beginner = beginnerPreambleZH
	}

	var messages []ChatMessage
	system := preamble
	if req.ExplainLikeNew {
		system = beginner + " " + system
	}
	messages = append(messages, ChatMessage{Role: "system", Content: system})

	if slotSummary := summarizeSlots(state); slotSummary != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: "Known details: " + slotSummary})
	}

	if len(candidates) > 0 {
		var ctxBuilder strings.Builder
		for i, c := range candidates {
			ctxBuilder.WriteString(fmt.Sprintf("[%d] (%s) %s\n\n", i+1, c.SourceName, c.Snippet))
		}
		messages = append(messages, ChatMessage{Role: "system", Content: "Context:\n" + ctxBuilder.String()})
	}

	messages = append(messages, ChatMessage{Role: "user", Content: req.Question})
	return messages
}

func summarizeSlots(state session.State) string {
	if len(state.Slots) == 0 {
		return ""
	}
	var parts []string
	for name, v := range state.Slots {
		switch v.Kind {
		case session.SlotString:
			parts = append(parts, name+"="+v.Str)
		case session.SlotEnum:
			parts = append(parts, name+"="+v.Enum)
		case session.SlotInt:
			parts = append(parts, fmt.Sprintf("%s=%d", name, v.Int))
		case session.SlotFloat:
			parts = append(parts, fmt.Sprintf("%s=%g", name, v.Float))
		case session.SlotDate:
			parts = append(parts, name+"="+v.Date.Format("2006-01-02"))
		}
	}
	return strings.Join(parts, ", ")
}

// generate calls the chat provider. Non-retryable upstream failures are
// returned as an error (fatal per spec); a retryable failure exhausted by
// the provider's own retry policy degrades to a fixed answer instead of
// surfacing an error to the client.
func (s *Service) generate(ctx context.Context, req Request, messages []ChatMessage) (string, bool, error) {
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	chatReq := ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: orDefault(req.Temperature, s.cfg.Temperature),
		TopP:        orDefault(req.TopP, s.cfg.TopP),
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	if chatReq.MaxTokens == 0 {
		chatReq.MaxTokens = s.cfg.MaxTokens
	}

	text, err := s.chat.Generate(ctx, chatReq)
	if err == nil {
		return text, false, nil
	}
	if !apperrors.IsRetryable(err) {
		return "", false, err
	}
	return degradedAnswerFor(messages), true, nil
}

func degradedAnswerFor(messages []ChatMessage) string {
	lang := "en"
	for _, m := range messages {
		if m.Role == "system" && strings.Contains(m.Content, "留学") {
			lang = "zh"
		}
	}
	if lang == "zh" {
		return "暂时无法联系问答服务，请稍后再试。"
	}
	return "The answer service is temporarily unavailable. Please try again shortly."
}

func orDefault(v, def float32) float32 {
	if v == 0 {
		return def
	}
	return v
}

func citationIDs(cs []Citation) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ChunkID)
	}
	return out
}

func diagnosticsMap(d Diagnostics) map[string]any {
	return map[string]any{
		"retrieval_ms":      d.RetrievalMs,
		"rerank_ms":         d.RerankMs,
		"generation_ms":     d.GenerationMs,
		"end_to_end_ms":     d.EndToEndMs,
		"citation_coverage": d.CitationCoverage,
		"low_confidence":    d.LowConfidence,
		"review_suggested":  d.ReviewSuggested,
		"degraded":          d.Degraded,
	}
}

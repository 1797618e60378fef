package query

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/yanqian/study-abroad-rag/internal/domain/session"
)

// StreamEventKind discriminates the four SSE frame types the bridge emits.
type StreamEventKind string

const (
	StreamCitations StreamEventKind = "citations"
	StreamChunk     StreamEventKind = "chunk"
	StreamCompleted StreamEventKind = "completed"
	StreamError     StreamEventKind = "error"
)

// StreamEvent is one frame the streaming bridge (C8) renders as SSE. Only
// the field matching Kind is populated.
type StreamEvent struct {
	Kind      StreamEventKind
	Citations []Citation
	Delta     string
	Completed *Response
	Message   string
}

// generationStoppedSuffix marks a partial assistant message persisted after
// client cancellation, per spec §4.8's cancellation contract.
const generationStoppedSuffix = " [generation_stopped]"

// AnswerStream runs the same pipeline as Answer but yields generation
// tokens as they arrive instead of returning a single Response. The
// returned channel is closed once a completed or error event has been
// sent. ctx cancellation (client disconnect) stops the upstream call and
// persists whatever text has been produced up to the last full sentence.
func (s *Service) AnswerStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	start := time.Now()
	state, err := s.sessions.Upsert(ctx, req.UserID, req.SessionID, req.Language, req.SlotUpdates, req.ResetSlots, s.catalog)
	if err != nil {
		return nil, err
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

	out := make(chan StreamEvent, 4)

	// The whole turn — user message, generation, assistant message — runs
	// inside one WithSessionLock call so a concurrent query on the same
	// session cannot interleave its own turn between this one's two
	// appends (spec §5/§8 property 8).
	go func() {
		lockErr := s.sessions.WithSessionLock(req.UserID, state.SessionID, func(ops session.LockedOps) error {
			userMsg := session.Message{
				SessionID: state.SessionID,
				Role:      session.RoleUser,
				Content:   req.Question,
				CreatedAt: time.Now(),
				Language:  language,
			}
			if err := ops.Append(ctx, userMsg); err != nil {
				return err
			}

			if !req.UseRAG {
				s.streamWithoutRetrieval(ctx, req, state, missing, language, start, out, ops)
				return nil
			}
			s.streamWithRetrieval(ctx, req, state, missing, language, start, topK, kCite, alpha, out, ops)
			return nil
		})
		if lockErr != nil {
			out <- StreamEvent{Kind: StreamError, Message: lockErr.Error()}
			close(out)
		}
	}()
	return out, nil
}

func (s *Service) streamWithoutRetrieval(ctx context.Context, req Request, state session.State, missing []string, language string, start time.Time, out chan<- StreamEvent, ops session.LockedOps) {
	defer close(out)
	messages := s.composePrompt(req, state, language, nil)
	out <- StreamEvent{Kind: StreamCitations, Citations: []Citation{}}
	s.runGeneration(ctx, req, state, missing, language, start, nil, 0, messages, out, ops)
}

func (s *Service) streamWithRetrieval(ctx context.Context, req Request, state session.State, missing []string, language string, start time.Time, topK, kCite int, alpha float64, out chan<- StreamEvent, ops session.LockedOps) {
	defer close(out)

	retrievalQuestion := s.composeRetrievalQuestion(req)
	retrieveStart := time.Now()
	retrieved, _, err := s.index.Query(ctx, retrievalQuestion, topK, alpha)
	retrievalMs := time.Since(retrieveStart).Milliseconds()
	if s.metrics != nil {
		s.metrics.RecordPhase("retrieval", float64(retrievalMs))
	}
	if err != nil {
		out <- StreamEvent{Kind: StreamError, Message: err.Error()}
		return
	}

	if len(retrieved) == 0 {
		if s.metrics != nil {
			s.metrics.IncrementCounter("empty_retrieval", 1)
		}
		resp, persistErr := s.shortCircuitNoMatch(ctx, req, state, missing, language, start, Diagnostics{RetrievalMs: retrievalMs}, ops)
		if persistErr != nil {
			out <- StreamEvent{Kind: StreamError, Message: persistErr.Error()}
			return
		}
		out <- StreamEvent{Kind: StreamCitations, Citations: []Citation{}}
		out <- StreamEvent{Kind: StreamChunk, Delta: resp.Answer}
		out <- StreamEvent{Kind: StreamCompleted, Completed: &resp}
		return
	}

	rerankStart := time.Now()
	reranked := s.rerank.Rerank(ctx, req.Question, retrieved, language)
	rerankMs := time.Since(rerankStart).Milliseconds()
	if s.metrics != nil {
		s.metrics.RecordPhase("rerank", float64(rerankMs))
	}
	if len(reranked) > topK {
		reranked = reranked[:topK]
	}
	citeCandidates := reranked
	if len(citeCandidates) > kCite {
		citeCandidates = citeCandidates[:kCite]
	}
	candidates := s.buildCitationCandidates(ctx, citeCandidates, req.Question)
	out <- StreamEvent{Kind: StreamCitations, Citations: candidates}

	messages := s.composePrompt(req, state, language, candidates)
	topScore := 0.0
	if len(reranked) > 0 {
		topScore = reranked[0].Score
	}
	s.runGeneration(ctx, req, state, missing, language, start, candidates, topScore, messages, out, ops)
}

// runGeneration streams tokens from the chat provider, detects
// cancellation, and persists either the full mapped answer or a truncated
// partial message, emitting completed/error as the terminal frame. ops is
// the session's held lock handed down from WithSessionLock so the
// assistant append lands as part of the same turn as the user message.
func (s *Service) runGeneration(ctx context.Context, req Request, state session.State, missing []string, language string, start time.Time, candidates []Citation, topScore float64, messages []ChatMessage, out chan<- StreamEvent, ops session.LockedOps) {
	genStart := time.Now()
	stream, err := s.chat.GenerateStream(ctx, s.toChatRequest(req, messages))
	if err != nil {
		out <- StreamEvent{Kind: StreamError, Message: err.Error()}
		return
	}
	defer stream.Close()

	var builder strings.Builder
	cancelled := false
	for {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		delta, recvErr := stream.Next()
		if delta != "" {
			builder.WriteString(delta)
			out <- StreamEvent{Kind: StreamChunk, Delta: delta}
		}
		if recvErr != nil {
			if recvErr != io.EOF {
				cancelled = ctx.Err() != nil
			}
			break
		}
	}
	genMs := time.Since(genStart).Milliseconds()
	if s.metrics != nil {
		s.metrics.RecordPhase("generation", float64(genMs))
	}

	if cancelled {
		partial := truncateToLastSentence(builder.String()) + generationStoppedSuffix
		assistantMsg := session.Message{
			SessionID:     state.SessionID,
			Role:          session.RoleAssistant,
			Content:       partial,
			CreatedAt:     time.Now(),
			Language:      language,
			LowConfidence: true,
			CitationIDs:   citationIDs(candidates),
		}
		_ = ops.Append(context.Background(), assistantMsg)
		out <- StreamEvent{Kind: StreamError, Message: "client_cancelled"}
		return
	}

	answerText := builder.String()
	var citations []Citation
	if len(candidates) > 0 {
		answerText, citations = remapCitations(answerText, candidates)
	}

	kCite := req.KCite
	if kCite <= 0 {
		kCite = s.cfg.KCiteDefault
	}
	coverage := 0.0
	if kCite > 0 {
		coverage = float64(len(citations)) / float64(kCite)
	}
	diag := Diagnostics{
		GenerationMs:     genMs,
		EndToEndMs:       time.Since(start).Milliseconds(),
		CitationCoverage: coverage,
		LowConfidence:    coverage < 0.5 || topScore < s.cfg.LowConfidenceTau,
	}
	priorStreak := ops.LowConfidenceStreak()
	diag.ReviewSuggested = diag.LowConfidence && priorStreak >= 1

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
		out <- StreamEvent{Kind: StreamError, Message: err.Error()}
		return
	}

	resp := Response{
		SessionID:    state.SessionID,
		Answer:       answerText,
		Citations:    citations,
		Diagnostics:  diag,
		MissingSlots: missing,
	}
	out <- StreamEvent{Kind: StreamCompleted, Completed: &resp}
}

func (s *Service) toChatRequest(req Request, messages []ChatMessage) ChatRequest {
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.cfg.MaxTokens
	}
	return ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: orDefault(req.Temperature, s.cfg.Temperature),
		TopP:        orDefault(req.TopP, s.cfg.TopP),
		MaxTokens:   maxTokens,
		Stop:        req.Stop,
	}
}

// truncateToLastSentence cuts text at the last sentence-ending punctuation
// so a cancelled stream never persists a mid-word fragment.
func truncateToLastSentence(text string) string {
	boundaries := []string{"。", "！", "？", ". ", "! ", "? "}
	cut := -1
	for _, b := range boundaries {
		if idx := strings.LastIndex(text, b); idx >= 0 {
			end := idx + len(b)
			if end > cut {
				cut = end
			}
		}
	}
	if cut <= 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:cut])
}

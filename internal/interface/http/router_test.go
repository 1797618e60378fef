package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/study-abroad-rag/internal/domain/auth"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/chunker"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/jobqueue"
	"github.com/yanqian/study-abroad-rag/internal/domain/query"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval/index"
	"github.com/yanqian/study-abroad-rag/internal/domain/session"
	"github.com/yanqian/study-abroad-rag/internal/infra/config"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/memchunkstore"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/memjobqueue"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/objectstorage"
	"github.com/yanqian/study-abroad-rag/internal/infra/metrics/registry"
	"github.com/yanqian/study-abroad-rag/internal/infra/query/chatprovider"
	"github.com/yanqian/study-abroad-rag/internal/infra/retrieval/reranker"
	"github.com/yanqian/study-abroad-rag/internal/infra/session/memlog"
	"github.com/yanqian/study-abroad-rag/internal/infra/retrieval/embedder"
	"github.com/yanqian/study-abroad-rag/internal/interface/http/ratelimit"
	apperrors "github.com/yanqian/study-abroad-rag/pkg/errors"
)

// stubExtractor treats its input bytes as already-extracted text, so
// tests never depend on a real PDF/OCR/STT backend.
type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, data []byte, mimeType string, ocrFallback bool, language string) (string, error) {
	return string(data), nil
}

type testDeps struct {
	store    ingest.ChunkStore
	index    *index.Index
	pipeline *ingest.Pipeline
	queue    *jobqueue.Queue
	jobStore jobqueue.Store
	storage  ingest.ObjectStorage
	sessions *session.Store
	metrics  *registry.Registry
	orch     *query.Service
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	store := memchunkstore.New()
	emb := embedder.NewDeterministicEmbedder(16)
	idx := index.New(store, emb)
	metrics := registry.New()
	rerank := reranker.New(reranker.Config{}, metrics)
	chat := chatprovider.NewEcho()
	sessions := session.New(24*time.Hour, memlog.New())

	orchCfg := query.Config{
		TopKDefault:  8,
		KCiteDefault: 3,
		Alpha:        index.DefaultAlpha,
	}
	orch := query.New(orchCfg, sessions, store, idx, rerank, chat, metrics, nil)

	pipeline := &ingest.Pipeline{
		Store:   store,
		Chunker: chunker.New(chunker.DefaultMaxChars, chunker.DefaultOverlap),
		Extract: stubExtractor{},
		Index:   idx,
	}
	jobStore := memjobqueue.New()
	queue := jobqueue.New(jobStore)
	storage := objectstorage.NewMemoryStorage()

	return &testDeps{
		store:    store,
		index:    idx,
		pipeline: pipeline,
		queue:    queue,
		jobStore: jobStore,
		storage:  storage,
		sessions: sessions,
		metrics:  metrics,
		orch:     orch,
	}
}

func newRouterUnderTest(t *testing.T, authSvc auth.Service, overrides ...func(*config.Config)) (*http.Server, *testDeps) {
	return newRouterUnderTestWithLimiter(t, authSvc, nil, overrides...)
}

func newRouterUnderTestWithLimiter(t *testing.T, authSvc auth.Service, limiter *ratelimit.Limiter, overrides ...func(*config.Config)) (*http.Server, *testDeps) {
	t.Helper()
	if authSvc == nil {
		authSvc = &stubAuth{
			validateFn: func(ctx context.Context, token string) (auth.Claims, error) {
				if token != defaultAuthToken {
					return auth.Claims{}, apperrors.Wrap("invalid_token", "invalid token", nil)
				}
				return auth.Claims{UserID: 1, Email: "tester@example.com", ExpiresAt: time.Now().Add(time.Hour)}, nil
			},
			profileFn: func(ctx context.Context, userID int64) (auth.UserView, error) {
				return auth.UserView{ID: userID, Email: "tester@example.com", Nickname: "Tester"}, nil
			},
		}
	}

	deps := newTestDeps(t)
	handler := NewHandler(authSvc, deps.store, deps.sessions, deps.orch, deps.metrics, newTestLogger())

	ingestAdapters := &IngestAdapters{
		Pipeline: deps.pipeline,
		Index:    deps.index,
		Queue:    deps.queue,
		Storage:  deps.storage,
		SlotCtlg: nil,
	}
	routerDeps := &RouterDeps{
		Ingest:   ingestAdapters,
		Index:    deps.index,
		JobStore: deps.jobStore,
		Limiter:  limiter,
		Catalog:  nil,
	}

	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Address:        ":0",
			ReadTimeout:    time.Second,
			WriteTimeout:   time.Second,
			AllowedOrigins: []string{"*"},
			RateLimit:      config.RateLimitConfig{Enabled: false},
			Retry:          config.RetryConfig{Enabled: false},
		},
		Auth: config.AuthConfig{AllowAnonymous: false},
	}
	for _, override := range overrides {
		override(cfg)
	}

	return NewRouter(cfg, handler, routerDeps), deps
}

func TestRouter_QuerySuccess(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)

	recorder := performRequest("/v1/query", `{"question":"What visa do I need?","language":"en"}`, server)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp query.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Answer)
}

func TestRouter_QueryInvalidJSON(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)

	recorder := performRequest("/v1/query", `{"question":123}`, server)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	errBody := decodeErrorBody(t, recorder.Body.Bytes())
	require.Equal(t, "invalid_request", errBody["error"]["code"])
}

func TestRouter_IngestThenIndexHealth(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)

	ingestBody := `{"source_name":"visa-faq.txt","language":"en","content":"Apply for an F-1 visa at your nearest consulate."}`
	recorder := performRequest("/v1/ingest", ingestBody, server)
	require.Equal(t, http.StatusOK, recorder.Code)

	var ingestResp ingest.IngestResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &ingestResp))
	require.NotEmpty(t, ingestResp.DocID)
	require.Equal(t, 1, ingestResp.Version)
	require.Greater(t, ingestResp.ChunkCount, 0)

	health := performJSONRequest(http.MethodGet, "/v1/index/health", "", server)
	require.Equal(t, http.StatusOK, health.Code)

	var h ingest.IndexHealth
	require.NoError(t, json.Unmarshal(health.Body.Bytes(), &h))
	require.Equal(t, 1, h.DocumentCount)
}

func TestRouter_IngestIdempotentOnUnchangedChecksum(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)
	body := `{"doc_id":"fixed-doc","source_name":"a.txt","language":"en","content":"same text every time"}`

	first := performRequest("/v1/ingest", body, server)
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp ingest.IngestResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.Equal(t, 1, firstResp.Version)

	second := performRequest("/v1/ingest", body, server)
	require.Equal(t, http.StatusOK, second.Code)
	var secondResp ingest.IngestResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	require.Equal(t, 0, secondResp.ChunkCount)
	require.Equal(t, firstResp.Version, secondResp.Version)
}

func TestRouter_ChunkNotFound(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)
	recorder := performJSONRequest(http.MethodGet, "/v1/chunks/does-not-exist", "", server)
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRouter_AdminTuningRoundtrip(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)

	put := performJSONRequest(http.MethodPut, "/v1/admin/tuning", `{"alpha":0.75,"top_k":5}`, server)
	require.Equal(t, http.StatusOK, put.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(put.Body.Bytes(), &body))
	require.InDelta(t, 0.75, body["alpha"], 0.0001)
	require.EqualValues(t, 5, body["top_k"])
}

func TestRouter_AdminPromptRoundtrip(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)

	put := performJSONRequest(http.MethodPut, "/v1/admin/prompts", `{"language":"zh","preamble":"仅根据引用作答。"}`, server)
	require.Equal(t, http.StatusOK, put.Code)

	get := performJSONRequest(http.MethodGet, "/v1/admin/prompts?language=zh", "", server)
	require.Equal(t, http.StatusOK, get.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &body))
	require.Equal(t, "仅根据引用作答。", body["preamble"])
}

func TestRouter_CORSPreflight(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/query", nil)
	recorder := httptest.NewRecorder()
	server.Handler.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusNoContent, recorder.Code)
	require.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_RegisterSuccess(t *testing.T) {
	authSvc := &stubAuth{
		registerFn: func(ctx context.Context, req auth.RegisterRequest) (auth.UserView, error) {
			require.Equal(t, "user@example.com", req.Email)
			return auth.UserView{ID: 42, Email: req.Email, Nickname: req.Nickname}, nil
		},
	}
	server, _ := newRouterUnderTest(t, authSvc)
	recorder := performRequest("/v1/auth/register", `{"email":"user@example.com","password":"password123","nickname":"Nickname"}`, server)
	require.Equal(t, http.StatusCreated, recorder.Code)
}

func TestRouter_LoginInvalidCredentials(t *testing.T) {
	authSvc := &stubAuth{
		loginFn: func(ctx context.Context, req auth.LoginRequest) (auth.LoginResponse, error) {
			return auth.LoginResponse{}, apperrors.Wrap("invalid_credentials", "invalid", nil)
		},
	}
	server, _ := newRouterUnderTest(t, authSvc)
	recorder := performRequest("/v1/auth/login", `{"email":"user@example.com","password":"wrong"}`, server)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	errBody := decodeErrorBody(t, recorder.Body.Bytes())
	require.Equal(t, "invalid_credentials", errBody["error"]["code"])
}

func TestRouter_ProtectedRequiresAuth(t *testing.T) {
	server, _ := newRouterUnderTest(t, nil)
	recorder := performJSONRequest(http.MethodPost, "/v1/query", `{"question":"hello"}`, server, withoutAuth())
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	errBody := decodeErrorBody(t, recorder.Body.Bytes())
	require.Equal(t, "unauthorized", errBody["error"]["code"])
}

func TestRouter_Profile(t *testing.T) {
	authSvc := &stubAuth{
		validateFn: func(ctx context.Context, token string) (auth.Claims, error) {
			return auth.Claims{UserID: 99, Email: "me@example.com", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		profileFn: func(ctx context.Context, userID int64) (auth.UserView, error) {
			return auth.UserView{ID: userID, Email: "me@example.com", Nickname: "MeNick"}, nil
		},
	}
	server, _ := newRouterUnderTest(t, authSvc)
	recorder := performJSONRequest(http.MethodGet, "/v1/auth/me", "", server)
	require.Equal(t, http.StatusOK, recorder.Code)

	var body struct {
		User auth.UserView `json:"user"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "MeNick", body.User.Nickname)
}

func TestRouter_RateLimitExceeded(t *testing.T) {
	limiter := ratelimit.New(1, time.Minute)
	server, _ := newRouterUnderTestWithLimiter(t, nil, limiter, func(cfg *config.Config) {
		cfg.HTTP.RateLimit.Enabled = true
	})

	first := performRequest("/v1/query", `{"question":"hello"}`, server)
	require.Equal(t, http.StatusOK, first.Code)

	second := performRequest("/v1/query", `{"question":"hello again"}`, server)
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	errBody := decodeErrorBody(t, second.Body.Bytes())
	require.Equal(t, "rate_limit_exceeded", errBody["error"]["code"])
}

func performRequest(path, body string, server *http.Server) *httptest.ResponseRecorder {
	return performJSONRequest(http.MethodPost, path, body, server)
}

func performJSONRequest(method, path, body string, server *http.Server, opts ...requestOption) *httptest.ResponseRecorder {
	var payload io.Reader
	if body != "" {
		payload = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, payload)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.10")
	req.RemoteAddr = "203.0.113.1:1234"
	req.Header.Set("Authorization", "Bearer "+defaultAuthToken)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	return rec
}

const defaultAuthToken = "valid-token"

type requestOption func(req *http.Request)

func withoutAuth() requestOption {
	return func(req *http.Request) {
		req.Header.Del("Authorization")
	}
}

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, nil)
	return slog.New(handler)
}

type stubAuth struct {
	registerFn func(ctx context.Context, req auth.RegisterRequest) (auth.UserView, error)
	loginFn    func(ctx context.Context, req auth.LoginRequest) (auth.LoginResponse, error)
	refreshFn  func(ctx context.Context, token string) (auth.LoginResponse, error)
	validateFn func(ctx context.Context, token string) (auth.Claims, error)
	profileFn  func(ctx context.Context, userID int64) (auth.UserView, error)
	logoutFn   func(ctx context.Context, userID int64) error
}

func (s *stubAuth) GoogleAuthURL(ctx context.Context, state, codeChallenge string) (string, error) {
	return "", nil
}

func (s *stubAuth) GoogleCallback(ctx context.Context, code, codeVerifier string) (auth.LoginResponse, error) {
	return auth.LoginResponse{}, nil
}

func (s *stubAuth) Register(ctx context.Context, req auth.RegisterRequest) (auth.UserView, error) {
	if s.registerFn != nil {
		return s.registerFn(ctx, req)
	}
	return auth.UserView{}, nil
}

func (s *stubAuth) Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResponse, error) {
	if s.loginFn != nil {
		return s.loginFn(ctx, req)
	}
	return auth.LoginResponse{}, nil
}

func (s *stubAuth) Refresh(ctx context.Context, token string) (auth.LoginResponse, error) {
	if s.refreshFn != nil {
		return s.refreshFn(ctx, token)
	}
	return auth.LoginResponse{}, nil
}

func (s *stubAuth) ValidateToken(ctx context.Context, token string) (auth.Claims, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, token)
	}
	return auth.Claims{}, nil
}

func (s *stubAuth) Profile(ctx context.Context, userID int64) (auth.UserView, error) {
	if s.profileFn != nil {
		return s.profileFn(ctx, userID)
	}
	return auth.UserView{}, nil
}

func (s *stubAuth) Logout(ctx context.Context, userID int64) error {
	if s.logoutFn != nil {
		return s.logoutFn(ctx, userID)
	}
	return nil
}

func decodeErrorBody(t *testing.T, raw []byte) map[string]map[string]string {
	t.Helper()
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

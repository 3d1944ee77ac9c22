//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVMHW/roger/internal/conversation"
	"github.com/CVMHW/roger/internal/correction"
	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/generator"
	"github.com/CVMHW/roger/internal/identity"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/pipeline"
	"github.com/CVMHW/roger/internal/store"
)

const testUser = "anon_0123456789abcdef0123456789abcdef"

func noSleep(context.Context, time.Duration) error { return nil }

type env struct {
	repo   *store.SQLiteStore
	orch   *pipeline.Orchestrator
	router chi.Router
}

func newRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "roger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newEnv(t *testing.T, repo *store.SQLiteStore, opts ...Option) *env {
	t.Helper()
	p, err := pipeline.Build(lexicon.MustDefault(), pipeline.DefaultConfig(), nil,
		[]correction.Option{correction.WithSleeper(noSleep)})
	require.NoError(t, err)
	orch := pipeline.NewOrchestrator(p, nil, pipeline.WithRecorder(repo), pipeline.WithMemory(repo, 0))
	h := NewHandler(repo, conversation.NewManager(conversation.Options{}, nil), orch, nil, opts...)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := identity.WithIdentity(r.Context(), testUser, r.Header.Get(identity.SessionHeaderName))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	h.RegisterRoutes(r)
	return &env{repo: repo, orch: orch, router: r}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(identity.SessionHeaderName, "s1")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type sessionBody struct {
	SessionID string                     `json:"session_id"`
	Context   domain.ConversationContext `json:"context"`
	Audits    []json.RawMessage          `json:"audits"`
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHandleTurnCrisis(t *testing.T) {
	e := newEnv(t, newRepo(t))

	w := e.do(t, http.MethodPost, "/api/turns", turnRequest{
		Candidate: "That sounds difficult. What else is going on?",
		UserInput: "I want to kill myself",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got turnResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, 1, got.Turn)
	assert.True(t, lexicon.MustDefault().HasCrisisResource(got.Text), got.Text)
}

func TestHandleTurnValidation(t *testing.T) {
	e := newEnv(t, newRepo(t))

	w := e.do(t, http.MethodPost, "/api/turns", turnRequest{Candidate: "Hello there."})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/turns", strings.NewReader(`{"candidate":`))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGenerateWithoutGenerator(t *testing.T) {
	e := newEnv(t, newRepo(t))
	w := e.do(t, http.MethodPost, "/api/turns/generate", turnRequest{UserInput: "Hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type fakeGenerator struct {
	reply string
	err   error
	got   generator.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req generator.Request) (string, error) {
	f.got = req
	return f.reply, f.err
}

func TestHandleGenerate(t *testing.T) {
	gen := &fakeGenerator{reply: "Thanks for letting me know. What would you like to focus on today?"}
	e := newEnv(t, newRepo(t), WithGenerator(gen))

	w := e.do(t, http.MethodPost, "/api/turns/generate", turnRequest{UserInput: "Hi there"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got turnResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, gen.reply, got.Text)
	assert.Equal(t, "Hi there", gen.got.UserInput)
	assert.Equal(t, conversation.Key(testUser, "s1"), gen.got.SessionID)
}

func TestHandleGenerateFailureFallsBack(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("unavailable")}
	e := newEnv(t, newRepo(t), WithGenerator(gen))

	w := e.do(t, http.MethodPost, "/api/turns/generate", turnRequest{UserInput: "Hi there"})
	require.Equal(t, http.StatusOK, w.Code)
	var got turnResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.NotEmpty(t, strings.TrimSpace(got.Text))
	assert.Equal(t, 1, got.Turn)
}

func TestSessionRestoredAfterRestart(t *testing.T) {
	repo := newRepo(t)
	first := newEnv(t, repo)
	w := first.do(t, http.MethodPost, "/api/turns", turnRequest{
		Candidate: "Thanks for telling me. What would you like to focus on?",
		UserInput: "Hi, I'm having a rough week.",
	})
	require.Equal(t, http.StatusOK, w.Code)

	second := newEnv(t, repo)
	w = second.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got sessionBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 1, got.Context.TurnCount)
	require.Len(t, got.Context.Utterances, 2)
	assert.Equal(t, "Hi, I'm having a rough week.", got.Context.Utterances[0].Text)
	assert.Len(t, got.Audits, 1)
}

func TestHandleReset(t *testing.T) {
	e := newEnv(t, newRepo(t))
	w := e.do(t, http.MethodPost, "/api/turns", turnRequest{
		Candidate: "Thanks for telling me. What would you like to focus on?",
		UserInput: "Hi there",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/api/session/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got sessionBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Zero(t, got.Context.TurnCount)
	assert.Empty(t, got.Context.Utterances)
	assert.Empty(t, got.Audits)
}

func TestWebSocketTurns(t *testing.T) {
	e := newEnv(t, newRepo(t), WithDevMode(true))
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set(identity.SessionHeaderName, "ws1")
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/turns",
		&websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	require.NoError(t, wsjson.Write(ctx, conn, turnRequest{
		Candidate: "Thanks for telling me. What would you like to focus on?",
		UserInput: "Hi there",
	}))
	var reply wsReply
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	assert.Equal(t, 1, reply.Turn)
	assert.NotEmpty(t, reply.Text)

	require.NoError(t, wsjson.Write(ctx, conn, turnRequest{Candidate: "Okay."}))
	reply = wsReply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	assert.Equal(t, "user_input is required", reply.Error)

	require.NoError(t, wsjson.Write(ctx, conn, turnRequest{
		Candidate: "That sounds difficult. What else is going on?",
		UserInput: "I want to end my life",
	}))
	reply = wsReply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	assert.Equal(t, 2, reply.Turn)
	assert.True(t, lexicon.MustDefault().HasCrisisResource(reply.Text), reply.Text)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeGenHealth struct{ err error }

func (f fakeGenHealth) Health(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		db     error
		gen    GeneratorHealth
		code   int
		status string
	}{
		{"healthy without generator", nil, nil, http.StatusOK, "healthy"},
		{"healthy with generator", nil, fakeGenHealth{}, http.StatusOK, "healthy"},
		{"generator down", nil, fakeGenHealth{err: generator.ErrNotServing}, http.StatusOK, "degraded"},
		{"database down", errors.New("closed"), nil, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(fakePinger{err: tt.db}, tt.gen, time.Second)
			r := chi.NewRouter()
			h.RegisterHealth(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.code, w.Code)

			var got map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
			assert.Equal(t, tt.status, got["status"])
		})
	}
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/models"
)

// fakeBackend is an httptest server that answers every request with a fixed
// status and body and records what it received.
type fakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	calls    int
	requests []*http.Request
	bodies   [][]byte
}

func newFakeBackend(t *testing.T, status int, body string) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.calls++
		fb.requests = append(fb.requests, r.Clone(context.Background()))
		fb.bodies = append(fb.bodies, raw)
		fb.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) callCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.calls
}

func (fb *fakeBackend) lastRequest() (*http.Request, []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := len(fb.requests)
	return fb.requests[n-1], fb.bodies[n-1]
}

func testRagConfig(searchURL, chatURL string) config.RagConfig {
	return config.RagConfig{
		Search: config.SearchConfig{
			Provider:   config.ProviderAzure,
			Endpoint:   searchURL,
			APIKey:     "search-key",
			IndexName:  "handbook",
			APIVersion: "2023-11-01",
			Top:        3,
		},
		Chat: config.ChatConfig{
			Provider:     config.ProviderAzure,
			Endpoint:     chatURL,
			APIKey:       "chat-key",
			Model:        "gpt-4o",
			APIVersion:   "2024-06-01",
			Temperature:  0.1,
			SystemPrompt: config.DefaultSystemPrompt,
		},
		EmptyContext: config.EmptyContextProceed,
	}
}

func newTestOrchestrator(t *testing.T, cfg config.RagConfig, metrics *Metrics) *Orchestrator {
	t.Helper()
	client := NewHTTPClient(5 * time.Second)
	return NewOrchestrator(cfg,
		NewAzureSearchRetriever(client, cfg.Search),
		NewAzureChatGenerator(client, cfg.Chat),
		zaptest.NewLogger(t), metrics)
}

func chatResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func userMessage(t *testing.T, chat *fakeBackend) string {
	t.Helper()
	_, body := chat.lastRequest()
	var req models.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(body, &req))
	require.Len(t, req.Messages, 2)
	assert.Equal(t, models.RoleUser, req.Messages[1].Role)
	return req.Messages[1].Content
}

func TestAnswer_ContextIsJoinedBetweenMarkers(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"},{"content":"B"}]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("answer"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	got, err := o.Answer(context.Background(), "what?")
	require.NoError(t, err)
	assert.Equal(t, "answer", got.Answer)
	assert.Equal(t, "A\nB", got.Context)

	assert.Contains(t, userMessage(t, chat), "question:\n\nA\nB\n\nQuestion:")
}

func TestAnswer_SendsSearchRequestContract(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"}]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("ok"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	_, err := o.Answer(context.Background(), "What is the refund policy?")
	require.NoError(t, err)

	req, body := search.lastRequest()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/indexes/handbook/docs/search", req.URL.Path)
	assert.Equal(t, "2023-11-01", req.URL.Query().Get("api-version"))
	assert.Equal(t, "search-key", req.Header.Get("api-key"))
	assert.JSONEq(t, `{"search":"What is the refund policy?","top":3}`, string(body))
}

func TestAnswer_SendsChatRequestContract(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"ctx"}]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("ok"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	_, err := o.Answer(context.Background(), "why?")
	require.NoError(t, err)

	req, body := chat.lastRequest()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/openai/deployments/gpt-4o/chat/completions", req.URL.Path)
	assert.Equal(t, "2024-06-01", req.URL.Query().Get("api-version"))
	assert.Equal(t, "Bearer chat-key", req.Header.Get("Authorization"))

	var payload models.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.InDelta(t, 0.1, payload.Temperature, 1e-9)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, models.ChatMessage{Role: models.RoleSystem, Content: config.DefaultSystemPrompt}, payload.Messages[0])
	assert.Equal(t, "Use the following context to answer the question:\n\nctx\n\nQuestion: why?", payload.Messages[1].Content)
}

func TestAnswer_SearchFailureSkipsGeneration(t *testing.T) {
	search := newFakeBackend(t, http.StatusInternalServerError, `{"error":"boom"}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("never"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	got, err := o.Answer(context.Background(), "q")
	require.Error(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrRetrievalFailed)
	assert.NotErrorIs(t, err, ErrGenerationFailed)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, StageRetrieval, upstream.Stage)
	assert.Equal(t, http.StatusInternalServerError, upstream.StatusCode)
	assert.Equal(t, `{"error":"boom"}`, upstream.Body)
	assert.False(t, upstream.Malformed())

	assert.Equal(t, 0, chat.callCount())
}

func TestAnswer_SkipsHitsWithoutContent(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK,
		`{"value":[{"content":"A"},{"title":"no content"},{"content":""},{"content":5},{"content":null},{"content":"B"}]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("fine"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	got, err := o.Answer(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "A\nB", got.Context)
	assert.Len(t, got.Hits, 2)
	assert.Contains(t, userMessage(t, chat), "question:\n\nA\nB\n\nQuestion:")
}

func TestAnswer_MalformedSearchResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing value", body: `{"@odata.count":0}`},
		{name: "value not an array", body: `{"value":{"content":"A"}}`},
		{name: "not json", body: `<html>gateway</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			search := newFakeBackend(t, http.StatusOK, tt.body)
			chat := newFakeBackend(t, http.StatusOK, chatResponse("never"))
			o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

			_, err := o.Answer(context.Background(), "q")
			assert.ErrorIs(t, err, ErrRetrievalFailed)
			assert.ErrorIs(t, err, ErrMalformedResponse)
			assert.Equal(t, 0, chat.callCount())
		})
	}
}

func TestAnswer_EmptyChoicesIsMalformedGeneration(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"}]}`)
	chat := newFakeBackend(t, http.StatusOK, `{"choices":[]}`)
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	_, err := o.Answer(context.Background(), "q")
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.True(t, upstream.Malformed())
	assert.Equal(t, StageGeneration, upstream.Stage)
}

func TestAnswer_MalformedChatShapes(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"choices":[{"message":{}}]}`,
		`{"choices":[{"message":{"content":""}}]}`,
		`{"choices":[{"message":{"content":42}}]}`,
		`{"choices":{"0":{"message":{"content":"x"}}}}`,
		`not json`,
	}
	for _, body := range bodies {
		search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"}]}`)
		chat := newFakeBackend(t, http.StatusOK, body)
		o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

		_, err := o.Answer(context.Background(), "q")
		assert.ErrorIs(t, err, ErrMalformedResponse, "body %s", body)
		assert.ErrorIs(t, err, ErrGenerationFailed, "body %s", body)
	}
}

func TestAnswer_ChatStatusFailure(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"}]}`)
	chat := newFakeBackend(t, http.StatusTooManyRequests, `{"error":{"code":"429"}}`)
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	_, err := o.Answer(context.Background(), "q")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, StageGeneration, upstream.Stage)
	assert.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
	assert.Equal(t, `{"error":{"code":"429"}}`, upstream.Body)
	assert.Equal(t, 1, chat.callCount())
}

func TestAnswer_IsDeterministic(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"},{"content":"B"}]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("same every time"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	var answers []string
	var userMessages []string
	for i := 0; i < 3; i++ {
		got, err := o.Answer(context.Background(), "fixed question")
		require.NoError(t, err)
		answers = append(answers, got.Answer)
		userMessages = append(userMessages, userMessage(t, chat))
	}
	assert.Equal(t, []string{"same every time", "same every time", "same every time"}, answers)
	assert.Equal(t, userMessages[0], userMessages[1])
	assert.Equal(t, userMessages[1], userMessages[2])
}

func TestAnswer_RefundPolicyScenario(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"@search.score":1.2,"content":"Refunds are issued within 30 days."}]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("Refunds are issued within 30 days of purchase."))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	got, err := o.Answer(context.Background(), "What is the refund policy?")
	require.NoError(t, err)
	assert.Equal(t, "Refunds are issued within 30 days of purchase.", got.Answer)
	assert.Equal(t, "Refunds are issued within 30 days.", got.Context)
}

func TestAnswer_EmptyContextPolicy(t *testing.T) {
	t.Run("proceed", func(t *testing.T) {
		search := newFakeBackend(t, http.StatusOK, `{"value":[]}`)
		chat := newFakeBackend(t, http.StatusOK, chatResponse("I don't know."))
		o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

		got, err := o.Answer(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, "", got.Context)
		assert.Equal(t, 1, chat.callCount())
		assert.Contains(t, userMessage(t, chat), "question:\n\n\n\nQuestion: q")
	})

	t.Run("fail", func(t *testing.T) {
		search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":""}]}`)
		chat := newFakeBackend(t, http.StatusOK, chatResponse("never"))
		cfg := testRagConfig(search.URL, chat.URL)
		cfg.EmptyContext = config.EmptyContextFail
		o := newTestOrchestrator(t, cfg, nil)

		_, err := o.Answer(context.Background(), "q")
		assert.ErrorIs(t, err, ErrNoContextFound)
		assert.Equal(t, 0, chat.callCount())
	})
}

func TestAnswer_EmptyQuestion(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("never"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	_, err := o.Answer(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Equal(t, 0, search.callCount())
}

func TestAnswer_AlreadyCancelled(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"}]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("never"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Answer(ctx, "q")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, search.callCount())
	assert.Equal(t, 0, chat.callCount())
}

func TestAnswer_CancelledDuringSearch(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(search.Close)
	t.Cleanup(func() { close(release) })
	chat := newFakeBackend(t, http.StatusOK, chatResponse("never"))
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	_, err := o.Answer(ctx, "q")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, chat.callCount())
}

func TestAnswer_CancelledDuringGeneration(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"}]}`)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(chat.Close)
	t.Cleanup(func() { close(release) })
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	start := time.Now()
	got, err := o.Answer(ctx, "q")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrGenerationFailed)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, 1, search.callCount())
}

func TestAnswer_TransportFailureHasNoStatus(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[]}`)
	deadURL := search.URL
	search.Close()
	chat := newFakeBackend(t, http.StatusOK, chatResponse("never"))
	o := newTestOrchestrator(t, testRagConfig(deadURL, chat.URL), nil)

	_, err := o.Answer(context.Background(), "q")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, StageRetrieval, upstream.Stage)
	assert.Zero(t, upstream.StatusCode)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, chat.callCount())
}

func TestAnswer_RecordsOutcomeMetrics(t *testing.T) {
	search := newFakeBackend(t, http.StatusOK, `{"value":[{"content":"A"}]}`)
	chat := newFakeBackend(t, http.StatusOK, chatResponse("ok"))
	metrics := NewMetrics(nil)
	o := newTestOrchestrator(t, testRagConfig(search.URL, chat.URL), metrics)

	_, err := o.Answer(context.Background(), "q")
	require.NoError(t, err)
	_, err = o.Answer(context.Background(), "")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("error")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.stageDuration))
}

type stubRetriever struct {
	hits []models.SearchHit
	err  error
}

func (s stubRetriever) Retrieve(context.Context, string) ([]models.SearchHit, error) {
	return s.hits, s.err
}

type recordingGenerator struct {
	got   []models.ChatMessage
	reply string
}

func (g *recordingGenerator) Generate(_ context.Context, messages []models.ChatMessage) (string, error) {
	g.got = messages
	return g.reply, nil
}

func TestOrchestrator_WorksWithAnyBackend(t *testing.T) {
	gen := &recordingGenerator{reply: "local answer"}
	o := NewOrchestrator(testRagConfig("", ""), stubRetriever{hits: []models.SearchHit{{Content: "x"}, {Content: "y"}}}, gen, nil, nil)

	got, err := o.Answer(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "local answer", got.Answer)
	assert.Equal(t, BuildMessages(config.DefaultSystemPrompt, "x\ny", "q"), gen.got)
}

func TestOrchestrator_PassesThroughUntypedRetrieverErrors(t *testing.T) {
	boom := errors.New("boom")
	gen := &recordingGenerator{}
	o := NewOrchestrator(testRagConfig("", ""), stubRetriever{err: boom}, gen, nil, nil)

	_, err := o.Answer(context.Background(), "q")
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, gen.got)
}

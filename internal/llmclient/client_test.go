package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{
		BaseURL:       server.URL,
		EmbedModel:    "test-embed",
		GenerateModel: "test-generate",
		RetryMax:      0,
	})
}

func newTestClientWithDimension(t *testing.T, dimension int, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{
		BaseURL:        server.URL,
		EmbedModel:     "test-embed",
		GenerateModel:  "test-generate",
		RetryMax:       0,
		EmbedDimension: dimension,
	})
}

func TestEmbedReturnsVector(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)
		assert.Equal(t, "hello", req.Input)

		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	})

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	c := newTestClientWithDimension(t, 4, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	})

	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, xerrors.VectorDim, xerrors.KindOf(err))
}

func TestEmbedAcceptsAnyDimensionWhenUnconfigured(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	})

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 3)
}

func TestGenerateReturnsResponseText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "an answer"})
	})

	text, err := c.Generate(context.Background(), "a prompt", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "an answer", text)
}

func TestGeneratePassesStopListAndClampsTemperature(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"\n\n", "END"}, req.Options.Stop)
		assert.Equal(t, maxTemperature, req.Options.Temperature)

		_ = json.NewEncoder(w).Encode(generateResponse{Response: "an answer"})
	})

	_, err := c.Generate(context.Background(), "a prompt", GenerateOptions{
		Stop:        []string{"\n\n", "END"},
		Temperature: 5.0,
	})
	require.NoError(t, err)
}

func TestClampTemperatureBounds(t *testing.T) {
	assert.Equal(t, minTemperature, clampTemperature(-1))
	assert.Equal(t, maxTemperature, clampTemperature(10))
	assert.Equal(t, 0.7, clampTemperature(0.7))
}

func TestRemoteErrorStatusIsClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("model not loaded"))
	})

	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, xerrors.RemoteError, xerrors.KindOf(err))
}

func TestMalformedResponseIsClassifiedAsMalformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})

	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, xerrors.Malformed, xerrors.KindOf(err))
}

func TestUnreachableServerIsClassifiedAsUnreachable(t *testing.T) {
	c := New(Config{
		BaseURL:       "http://127.0.0.1:1",
		EmbedModel:    "test-embed",
		GenerateModel: "test-generate",
		RetryMax:      0,
		EmbedTimeout:  2 * time.Second,
	})

	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, []xerrors.Kind{xerrors.Unreachable, xerrors.Timeout}, xerrors.KindOf(err))
}

func TestSummarizePromptVariesByLength(t *testing.T) {
	short := SummarizePrompt("Title", "body text", SummaryShort)
	long := SummarizePrompt("Title", "body text", SummaryLong)
	assert.NotEqual(t, short, long)
	assert.Contains(t, short, "one or two sentences")
	assert.Contains(t, long, "detailed paragraphs")
}

func TestAskPromptIncludesQuestionAndContext(t *testing.T) {
	prompt := AskPrompt("Title", "context text", "What is X?")
	assert.Contains(t, prompt, "context text")
	assert.Contains(t, prompt, "What is X?")
}

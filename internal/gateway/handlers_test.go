package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinewiki/wikicore/internal/article"
	"github.com/offlinewiki/wikicore/internal/relstore"
)

func newTestRelStore(t *testing.T) *relstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wiki.db")
	s, errE := relstore.Open(context.Background(), path)
	require.NoError(t, errE)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetArticleMissingProducesArticleNotFound(t *testing.T) {
	h := &Handlers{RelStore: newTestRelStore(t)}

	req := httptest.NewRequest(http.MethodGet, "/articles/9999999", nil)
	rec := httptest.NewRecorder()
	h.GetArticle(rec, req, httprouter.Params{{Key: "id", Value: "9999999"}})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeErrorEnvelope(t, rec)
	assert.Equal(t, "ARTICLE_NOT_FOUND", body.Error.Code)
}

func TestGetArticleRoundTrip(t *testing.T) {
	s := newTestRelStore(t)
	h := &Handlers{RelStore: s}

	id, errE := s.InsertOrUpdate(context.Background(), &article.Article{
		Title:        "Go (programming language)",
		Body:         "Go is a statically typed, compiled language.",
		LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, errE)

	req := httptest.NewRequest(http.MethodGet, "/articles/1", nil)
	rec := httptest.NewRecorder()
	h.GetArticle(rec, req, httprouter.Params{{Key: "id", Value: strconv.FormatUint(id, 10)}})

	assert.Equal(t, http.StatusOK, rec.Code)
	var body dataEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Go (programming language)", data["Title"])
	assert.Equal(t, "Go is a statically typed, compiled language.", data["Body"])
}

func TestGetArticleInvalidIDIsValidationError(t *testing.T) {
	h := &Handlers{RelStore: newTestRelStore(t)}

	req := httptest.NewRequest(http.MethodGet, "/articles/not-a-number", nil)
	rec := httptest.NewRecorder()
	h.GetArticle(rec, req, httprouter.Params{{Key: "id", Value: "not-a-number"}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorEnvelope(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	assert.Equal(t, "id", body.Error.Details["field"])
}

func TestSearchRejectsOverlongQueryWithFieldDetail(t *testing.T) {
	h := &Handlers{RelStore: newTestRelStore(t)}

	longQuery := strings.Repeat("a", 201)
	req := httptest.NewRequest(http.MethodGet, "/search?q="+longQuery, nil)
	rec := httptest.NewRecorder()
	h.Search(rec, req, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorEnvelope(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	require.NotNil(t, body.Error.Details)
	assert.Equal(t, "q", body.Error.Details["field"])
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	h := &Handlers{RelStore: newTestRelStore(t)}

	req := httptest.NewRequest(http.MethodGet, "/search?q=", nil)
	rec := httptest.NewRecorder()
	h.Search(rec, req, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorEnvelope(t, rec)
	assert.Equal(t, "q", body.Error.Details["field"])
}

func TestSearchFindsInsertedArticle(t *testing.T) {
	s := newTestRelStore(t)
	h := &Handlers{RelStore: s}

	_, errE := s.InsertOrUpdate(context.Background(), &article.Article{
		Title:        "Go (programming language)",
		Body:         "Go is a statically typed, compiled language designed at Google.",
		LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, errE)

	req := httptest.NewRequest(http.MethodGet, "/search?q=Google", nil)
	rec := httptest.NewRecorder()
	h.Search(rec, req, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body dataEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), data["total"])
	items, ok := data["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "Go (programming language)", items[0].(map[string]interface{})["Title"])
}

func TestParsePageLimitRejectsOutOfRangeLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/articles?limit=500", nil)
	_, _, errE := parsePageLimit(req)
	require.Error(t, errE)

	rec := httptest.NewRecorder()
	writeError(rec, req, errE)
	body := decodeErrorEnvelope(t, rec)
	assert.Equal(t, "limit", body.Error.Details["field"])
}

func TestParsePageLimitDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/articles", nil)
	page, limit, errE := parsePageLimit(req)
	require.NoError(t, errE)
	assert.Equal(t, 1, page)
	assert.Equal(t, 20, limit)
}

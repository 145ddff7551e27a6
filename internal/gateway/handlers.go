package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/julienschmidt/httprouter"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/article"
	"github.com/offlinewiki/wikicore/internal/llmclient"
	"github.com/offlinewiki/wikicore/internal/relstore"
	"github.com/offlinewiki/wikicore/internal/xerrors"
)

// listResponse matches spec.md §6's list response shape.
type listResponse struct {
	Total       int         `json:"total"`
	Pages       int         `json:"pages"`
	CurrentPage int         `json:"current_page"`
	Items       interface{} `json:"items"`
}

func parsePageLimit(req *http.Request) (page, limit int, errE errors.E) {
	page = 1
	limit = 20

	if v := req.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, xerrors.WithDetail(xerrors.New(xerrors.Validation, "page must be a positive integer"), "field", "page")
		}
		page = n
	}
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return 0, 0, xerrors.WithDetail(xerrors.New(xerrors.Validation, "limit must be in [1, 100]"), "field", "limit")
		}
		limit = n
	}
	return page, limit, nil
}

func parseID(ps httprouter.Params) (uint64, errors.E) {
	raw := ps.ByName("id")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.WithDetail(xerrors.Newf(xerrors.Validation, "invalid article id %q", raw), "field", "id")
	}
	return n, nil
}

// validateSearchQuery enforces spec.md §4.6's search-term bounds: length
// 1..200 characters, and no control characters (tab and newline count as
// control characters). No other character class is rejected. Every
// rejection carries a "field": "q" detail (spec.md §8 scenario 5).
func validateSearchQuery(q string) errors.E {
	if q == "" || utf8.RuneCountInString(q) > 200 {
		return xerrors.WithDetail(xerrors.New(xerrors.Validation, "q must be 1 to 200 characters"), "field", "q")
	}
	for _, r := range q {
		if unicode.IsControl(r) {
			return xerrors.WithDetail(xerrors.New(xerrors.Validation, "q must not contain control characters"), "field", "q")
		}
	}
	return nil
}

// validateQuestion enforces the longer bound spec.md §4.6 gives question
// text on the answer endpoint: length 1..500.
func validateQuestion(q string) errors.E {
	if q == "" || utf8.RuneCountInString(q) > 500 {
		return xerrors.WithDetail(xerrors.New(xerrors.Validation, "q must be 1 to 500 characters"), "field", "q")
	}
	for _, r := range q {
		if unicode.IsControl(r) {
			return xerrors.WithDetail(xerrors.New(xerrors.Validation, "q must not contain control characters"), "field", "q")
		}
	}
	return nil
}

// Handlers bundles the dependencies every route handler needs.
type Handlers struct {
	RelStore    *relstore.Store
	VectorStore VectorSearcher
	LLM         *llmclient.Client
}

// VectorSearcher is the subset of vectorstore.Store the gateway depends
// on, narrowed so handlers can be tested against a fake.
type VectorSearcher interface {
	Search(q []float32, k int) ([]struct {
		ID    uint64
		Score float32
	}, errors.E)
}

// ListArticles handles GET /articles.
func (h *Handlers) ListArticles(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	page, limit, errE := parsePageLimit(req)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	sort := relstore.SortByID
	if req.URL.Query().Get("sort") == "title" {
		sort = relstore.SortByTitle
	}

	total, items, errE := h.RelStore.List(req.Context(), page, limit, sort)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	writeData(w, listResponse{
		Total:       total,
		Pages:       pageCount(total, limit),
		CurrentPage: page,
		Items:       items,
	})
}

// GetArticle handles GET /articles/{id}.
func (h *Handlers) GetArticle(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id, errE := parseID(ps)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	a, errE := h.RelStore.Get(req.Context(), id)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	writeData(w, a)
}

// RelatedArticles handles GET /articles/{id}/related.
func (h *Handlers) RelatedArticles(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id, errE := parseID(ps)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	limit := 5
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, req, xerrors.WithDetail(xerrors.New(xerrors.Validation, "limit must be in [1, 100]"), "field", "limit"))
			return
		}
		limit = n
	}

	a, errE := h.RelStore.Get(req.Context(), id)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	prefix := a.Body
	if len(prefix) > 4096 {
		prefix = prefix[:4096]
	}
	vector, errE := h.LLM.Embed(req.Context(), a.Title+"\n\n"+prefix)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	hits, errE := h.VectorStore.Search(vector, limit+1)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	related := make([]article.RelatedHit, 0, limit)
	for _, hit := range hits {
		if hit.ID == id {
			continue
		}
		related = append(related, article.RelatedHit{ID: hit.ID, Score: hit.Score})
		if len(related) == limit {
			break
		}
	}

	writeData(w, related)
}

// Summary handles GET /articles/{id}/summary.
func (h *Handlers) Summary(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id, errE := parseID(ps)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	length := llmclient.SummaryLength(req.URL.Query().Get("length"))
	switch length {
	case llmclient.SummaryShort, llmclient.SummaryMedium, llmclient.SummaryLong:
	case "":
		length = llmclient.SummaryMedium
	default:
		writeError(w, req, xerrors.WithDetail(xerrors.New(xerrors.Validation, "length must be one of short, medium, long"), "field", "length"))
		return
	}

	a, errE := h.RelStore.Get(req.Context(), id)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	prompt := llmclient.SummarizePrompt(a.Title, a.Body, length)
	text, errE := h.LLM.Generate(req.Context(), prompt, llmclient.GenerateOptions{})
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	writeData(w, map[string]string{"summary": text})
}

// Ask handles GET /articles/{id}/ask.
func (h *Handlers) Ask(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id, errE := parseID(ps)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	question := req.URL.Query().Get("q")
	if errE := validateQuestion(question); errE != nil {
		writeError(w, req, errE)
		return
	}

	a, errE := h.RelStore.Get(req.Context(), id)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	prompt := llmclient.AskPrompt(a.Title, a.Body, question)
	answer, errE := h.LLM.Generate(req.Context(), prompt, llmclient.GenerateOptions{})
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	writeData(w, map[string]string{"answer": answer})
}

// Search handles GET /search (lexical, BM25-ranked).
func (h *Handlers) Search(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	q := strings.TrimSpace(req.URL.Query().Get("q"))
	if errE := validateSearchQuery(q); errE != nil {
		writeError(w, req, errE)
		return
	}

	page, limit, errE := parsePageLimit(req)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	total, hits, errE := h.RelStore.Search(req.Context(), q, page, limit)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	writeData(w, listResponse{
		Total:       total,
		Pages:       pageCount(total, limit),
		CurrentPage: page,
		Items:       hits,
	})
}

// SemanticSearch handles GET /semantic-search (dense vector search).
func (h *Handlers) SemanticSearch(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	q := strings.TrimSpace(req.URL.Query().Get("q"))
	if errE := validateSearchQuery(q); errE != nil {
		writeError(w, req, errE)
		return
	}

	page, limit, errE := parsePageLimit(req)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	vector, errE := h.LLM.Embed(req.Context(), q)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	// The vector store has no native pagination; we over-fetch to page*limit
	// and slice, which is acceptable at the bounded k<=100 scale spec.md
	// allows.
	k := page * limit
	if k > 100 {
		k = 100
	}
	hits, errE := h.VectorStore.Search(vector, k)
	if errE != nil {
		writeError(w, req, errE)
		return
	}

	start := (page - 1) * limit
	var pageItems []struct {
		ID    uint64
		Score float32
	}
	if start < len(hits) {
		end := start + limit
		if end > len(hits) {
			end = len(hits)
		}
		pageItems = hits[start:end]
	}

	writeData(w, listResponse{
		Total:       len(hits),
		Pages:       pageCount(len(hits), limit),
		CurrentPage: page,
		Items:       pageItems,
	})
}

func pageCount(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	pages := total / limit
	if total%limit != 0 {
		pages++
	}
	return pages
}

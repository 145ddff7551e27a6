package gateway

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/offlinewiki/wikicore/internal/llmclient"
	"github.com/offlinewiki/wikicore/internal/relstore"
)

// Config configures a gateway Router.
type Config struct {
	RelStore       *relstore.Store
	VectorStore    VectorSearcher
	LLM            *llmclient.Client
	Logger         zerolog.Logger
	AllowedOrigins []string
	GeneratorPing  func(ctx context.Context) bool
}

// NewRouter builds the full HTTP handler: the authoritative endpoint
// surface of spec.md §6, each wrapped in the shared middleware chain plus
// its endpoint class's rate limiter, except /status, which gets the shared
// chain only and is not rate limited.
func NewRouter(cfg Config) http.Handler {
	h := &Handlers{RelStore: cfg.RelStore, VectorStore: cfg.VectorStore, LLM: cfg.LLM}
	limiter := NewLimiter()
	chain := Chain(cfg.Logger, cfg.AllowedOrigins)

	router := httprouter.New()
	router.RedirectTrailingSlash = true
	router.RedirectFixedPath = true
	router.HandleMethodNotAllowed = true

	route := func(method, path string, class Class, handle httprouter.Handle) {
		router.Handle(method, path, func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
			withRateLimit(chain, limiter, class).Then(
				http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					handle(w, req, ps)
				}),
			).ServeHTTP(w, req)
		})
	}

	route(http.MethodGet, "/articles", ClassStandard, h.ListArticles)
	route(http.MethodGet, "/articles/:id", ClassStandard, h.GetArticle)
	route(http.MethodGet, "/articles/:id/related", ClassRestricted, h.RelatedArticles)
	route(http.MethodGet, "/articles/:id/summary", ClassGeneration, h.Summary)
	route(http.MethodGet, "/articles/:id/ask", ClassGeneration, h.Ask)
	route(http.MethodGet, "/search", ClassStandard, h.Search)
	route(http.MethodGet, "/semantic-search", ClassStandard, h.SemanticSearch)

	statusHandler := newStatusHandler(cfg)
	router.Handle(http.MethodGet, "/status", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		chain.Then(http.HandlerFunc(statusHandler)).ServeHTTP(w, req)
	})

	return router
}

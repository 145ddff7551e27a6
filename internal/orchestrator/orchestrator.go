// Package orchestrator drives the acquire -> parse -> index -> embed
// pipeline as a single resumable run, bounding embed concurrency and
// logging per-article failures without aborting.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/offlinewiki/wikicore/internal/acquire"
	"github.com/offlinewiki/wikicore/internal/article"
	"github.com/offlinewiki/wikicore/internal/llmclient"
	"github.com/offlinewiki/wikicore/internal/parser"
	"github.com/offlinewiki/wikicore/internal/relstore"
	"github.com/offlinewiki/wikicore/internal/vectorstore"
	"github.com/offlinewiki/wikicore/internal/xerrors"
)

// ProgressFunc reports pipeline progress, the shape spec.md §4.5 step 4
// names: a stage label, a completion fraction in [0, 1], and a
// human-readable message.
type ProgressFunc func(stage string, fraction float64, message string)

// EmbedPrefixBytes bounds how much of an article's body is sent to the
// embedder, per spec.md §4.5 step 3.
const EmbedPrefixBytes = 4096

// DefaultEmbedConcurrency is the default bound on in-flight embed calls
// (spec.md §5's "bounded in-flight generator calls").
const DefaultEmbedConcurrency = 4

// Config configures a Run.
type Config struct {
	DumpURL      string
	DumpPath     string
	ParserOpts   parser.Options
	HTTPClient   *retryablehttp.Client
	RelStore     *relstore.Store
	VectorStore  *vectorstore.Store
	LLM          *llmclient.Client
	EmbedWorkers int
	Logger       zerolog.Logger
	Progress     ProgressFunc
}

// Summary reports what a Run accomplished.
type Summary struct {
	ArticlesIndexed  int
	ArticlesEmbedded int
	ArticlesSkipped  int
	EmbedsFailed     int
}

func (c *Config) progress(stage string, fraction float64, format string, args ...interface{}) {
	if c.Progress == nil {
		return
	}
	c.Progress(stage, fraction, fmt.Sprintf(format, args...))
}

// Run executes the full pipeline: acquire the dump if needed, stream it
// into the relational store in batches, then backfill embeddings for any
// article that does not yet have one. Every stage is safe to re-run: a
// crash midway leaves the stores in a state from which Run can resume.
func Run(ctx context.Context, cfg Config) (Summary, errors.E) {
	var summary Summary

	cfg.progress("acquire", 0, "checking for local dump")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = acquire.NewHTTPClient()
	}
	result, errE := acquire.Acquire(ctx, httpClient, cfg.DumpURL, cfg.DumpPath)
	if errE != nil {
		return summary, errE
	}
	if result.AlreadyFresh {
		cfg.progress("acquire", 1, "dump already present and verified")
	} else {
		cfg.progress("acquire", 1, "downloaded %d bytes", result.BytesWritten)
	}

	indexed, errE := indexDump(ctx, cfg, result.Path)
	if errE != nil {
		return summary, errE
	}
	summary.ArticlesIndexed = indexed

	embedded, failed, errE := backfillEmbeddings(ctx, cfg)
	if errE != nil {
		return summary, errE
	}
	summary.ArticlesEmbedded = embedded
	summary.EmbedsFailed = failed

	cfg.progress("done", 1, "indexed %d articles, embedded %d, %d embed failures", summary.ArticlesIndexed, summary.ArticlesEmbedded, summary.EmbedsFailed)
	return summary, nil
}

// indexDump streams the dump into the relational store in batches,
// recording a resumable progress marker after each flush. Articles at or
// before the last recorded marker are skipped, so a restarted run does
// not re-insert them; it still decodes the dump from the beginning of the
// file (the underlying bz2 stream has no seek index).
func indexDump(ctx context.Context, cfg Config, dumpPath string) (int, errors.E) {
	lastTitle, errE := cfg.RelStore.Progress(ctx)
	if errE != nil {
		return 0, errE
	}

	dump, errE := parser.Open(dumpPath, cfg.ParserOpts)
	if errE != nil {
		return 0, errE
	}
	defer dump.Close() //nolint:errcheck

	resuming := lastTitle != ""
	count := 0
	batch := 0

	for {
		if ctx.Err() != nil {
			return count, xerrors.Wrap(xerrors.Cancelled, ctx.Err(), "ingest cancelled")
		}

		a, ok, errE := dump.Next()
		if errE != nil {
			return count, errE
		}
		if !ok {
			break
		}

		if resuming {
			if a.Title == lastTitle {
				resuming = false
			}
			continue
		}

		if _, errE := cfg.RelStore.InsertOrUpdate(ctx, a); errE != nil {
			return count, errE
		}
		count++
		batch++

		if batch >= relstore.BatchSize {
			if errE := cfg.RelStore.SaveProgress(ctx, a.Title); errE != nil {
				return count, errE
			}
			batch = 0
			cfg.progress("index", 0, "indexed %d articles so far", count)
		}
	}

	for _, skipped := range dump.Skipped() {
		cfg.Logger.Warn().Str("title", skipped.Title).Str("reason", skipped.Reason).Msg("skipped malformed page")
	}

	cfg.progress("index", 1, "indexed %d articles total", count)
	return count, nil
}

// backfillEmbeddings iterates every article without an embedding (a left
// anti-join between the relational store and the vector store) and
// requests one, bounding in-flight generator calls to cfg.EmbedWorkers.
// Grounded on the teacher's updateEmbeddedDocuments fan-out: a single
// producer goroutine feeds a bounded channel, consumed by a fixed pool of
// workers under an errgroup.
func backfillEmbeddings(ctx context.Context, cfg Config) (embedded, failed int, errE errors.E) {
	workers := cfg.EmbedWorkers
	if workers <= 0 {
		workers = DefaultEmbedConcurrency
	}

	total, errE := cfg.RelStore.CountArticles(ctx)
	if errE != nil {
		return 0, 0, errE
	}
	if total == 0 {
		return 0, 0, nil
	}

	type pending struct {
		id    uint64
		title string
		body  string
	}

	g, gctx := errgroup.WithContext(ctx)
	items := make(chan pending, workers)

	g.Go(func() error {
		defer close(items)
		return cfg.RelStore.IterateIDs(gctx, func(id uint64, title, body string) errors.E {
			has, errE := cfg.VectorStore.HasID(id)
			if errE != nil {
				return errE
			}
			if has {
				return nil
			}
			select {
			case items <- pending{id: id, title: title, body: body}:
				return nil
			case <-gctx.Done():
				return xerrors.Wrap(xerrors.Cancelled, gctx.Err(), "embed backfill cancelled")
			}
		})
	})

	var embeddedCount, failedCount int64
	for range workers {
		g.Go(func() error {
			for {
				select {
				case p, ok := <-items:
					if !ok {
						return nil
					}
					if errE := embedOne(gctx, cfg, p.id, p.title, p.body); errE != nil {
						atomic.AddInt64(&failedCount, 1)
						cfg.Logger.Error().Err(errE).Uint64("article_id", p.id).Msg("embedding failed, skipping")
						continue
					}
					atomic.AddInt64(&embeddedCount, 1)
				case <-gctx.Done():
					return xerrors.Wrap(xerrors.Cancelled, gctx.Err(), "embed backfill cancelled")
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		var asE errors.E
		if errors.As(err, &asE) {
			return int(embeddedCount), int(failedCount), asE
		}
		return int(embeddedCount), int(failedCount), xerrors.Wrap(xerrors.Internal, err, "embed backfill")
	}

	cfg.progress("embed", 1, "embedded %d articles, %d failed", embeddedCount, failedCount)
	return int(embeddedCount), int(failedCount), nil
}

func embedOne(ctx context.Context, cfg Config, id uint64, title, body string) errors.E {
	prefix := body
	if len(prefix) > EmbedPrefixBytes {
		prefix = prefix[:EmbedPrefixBytes]
	}
	text := title + "\n\n" + prefix

	vector, errE := cfg.LLM.Embed(ctx, text)
	if errE != nil {
		return errE
	}
	return cfg.VectorStore.Put(id, vector)
}

// RebuildIndex re-streams the dump and replaces the relational store's
// contents wholesale, for the maintenance path that does not touch
// embeddings (spec.md §3's FTS-rebuild invariant).
func RebuildIndex(ctx context.Context, relStore *relstore.Store, dumpPath string, opts parser.Options) errors.E {
	dump, errE := parser.Open(dumpPath, opts)
	if errE != nil {
		return errE
	}
	defer dump.Close() //nolint:errcheck

	return relStore.ReplaceAll(ctx, func() (*article.Article, bool, errors.E) {
		return dump.Next()
	})
}

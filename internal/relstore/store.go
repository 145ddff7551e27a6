// Package relstore is the relational store: durable Article storage plus
// a BM25-ranked full-text index, backed by SQLite (wiki.db).
//
// Concurrency follows a single-writer/many-reader model: Store holds one
// writable connection (used for all mutations, serialized by SQLite
// itself) and a bounded read-only connection pool for Get/List/Search.
package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/article"
	"github.com/offlinewiki/wikicore/internal/parser"
	"github.com/offlinewiki/wikicore/internal/xerrors"
)

const (
	// MaxReaders is the hard cap on pooled read connections (spec.md §5).
	MaxReaders = 8

	// BatchSize is the number of rows per write transaction during bulk
	// ingest (spec.md §4.2: "transactions of 1k-10k rows").
	BatchSize = 2000
)

// SortOrder is one of the two supported list orderings.
type SortOrder string

const (
	SortByID    SortOrder = "id"
	SortByTitle SortOrder = "title"
)

// Store is a single wiki.db relational store.
type Store struct {
	writer *sql.DB
	reader *sql.DB
}

// Open opens or creates the SQLite database at path and runs pending
// migrations.
func Open(ctx context.Context, path string) (*Store, errors.E) {
	writer, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "opening writer connection")
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_query_only=true&mode=ro", path))
	if err != nil {
		_ = writer.Close()
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "opening reader pool")
	}
	reader.SetMaxOpenConns(MaxReaders)

	s := &Store{writer: writer, reader: reader}

	if errE := s.migrate(ctx); errE != nil {
		_ = s.Close()
		return nil, errE
	}

	return s, nil
}

// Close releases both connection handles.
func (s *Store) Close() error {
	err1 := s.writer.Close()
	err2 := s.reader.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Store) migrate(ctx context.Context) errors.E {
	var version int
	_, err := s.writer.ExecContext(ctx, migrations[0])
	if err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "creating migrations table")
	}

	_ = s.writer.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_migrations`).Scan(&version)

	for i := 1; i < len(migrations); i++ {
		if i <= version {
			continue
		}
		if _, err := s.writer.ExecContext(ctx, migrations[i]); err != nil {
			return xerrors.Wrap(xerrors.StorageIo, err, fmt.Sprintf("running migration %d", i))
		}
		if _, err := s.writer.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?)`, i); err != nil {
			return xerrors.Wrap(xerrors.StorageIo, err, "recording migration version")
		}
	}

	return nil
}

// withSqliteError wraps a raw database/sql error into a classified
// errors.E, mapping SQLite's unique-constraint violation onto Conflict
// and everything else onto StorageIo. Mirrors the teacher's
// internal/store/postgres.go WithPgxError.
func withSqliteError(err error) errors.E {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return xerrors.Wrap(xerrors.Conflict, err, "constraint violation")
		}
	}
	return xerrors.Wrap(xerrors.StorageIo, err, "sqlite error")
}

// InsertOrUpdate upserts an article keyed by its normalized title and
// returns the assigned id. Re-ingest of an existing title updates body,
// categories, and last_modified in place (spec.md §3: "update path is
// the default in re-ingest").
func (s *Store) InsertOrUpdate(ctx context.Context, a *article.Article) (uint64, errors.E) {
	titleNorm := normalizeForUniqueness(a.Title)

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.StorageIo, err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	id, errE := s.insertOrUpdateTx(ctx, tx, a, titleNorm)
	if errE != nil {
		return 0, errE
	}

	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.StorageIo, err, "committing transaction")
	}

	return id, nil
}

func (s *Store) insertOrUpdateTx(ctx context.Context, tx *sql.Tx, a *article.Article, titleNorm string) (uint64, errors.E) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM articles WHERE title_norm = ?`, titleNorm).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO articles(title, title_norm, body, last_modified) VALUES (?, ?, ?, ?)`,
			a.Title, titleNorm, a.Body, a.LastModified.Format(time.RFC3339))
		if err != nil {
			return 0, withSqliteError(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, xerrors.Wrap(xerrors.StorageIo, err, "reading last insert id")
		}
	case err != nil:
		return 0, xerrors.Wrap(xerrors.StorageIo, err, "looking up existing article")
	default:
		// articles_fts is an external-content table: its delete must run
		// against the still-old articles row, before body is overwritten,
		// or FTS5 removes the terms of the new content instead of the old
		// and the index desyncs.
		if err := s.deleteFTSRow(ctx, tx, id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE articles SET title = ?, body = ?, last_modified = ? WHERE id = ?`,
			a.Title, a.Body, a.LastModified.Format(time.RFC3339), id); err != nil {
			return 0, withSqliteError(err)
		}
	}

	if err := s.insertFTSRow(ctx, tx, id, a.Title, a.Body); err != nil {
		return 0, err
	}
	if err := s.replaceCategories(ctx, tx, id, a.Categories); err != nil {
		return 0, err
	}

	return uint64(id), nil
}

func (s *Store) deleteFTSRow(ctx context.Context, tx *sql.Tx, id int64) errors.E {
	if _, err := tx.ExecContext(ctx, `DELETE FROM articles_fts WHERE rowid = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "clearing fts row")
	}
	return nil
}

func (s *Store) insertFTSRow(ctx context.Context, tx *sql.Tx, id int64, title, body string) errors.E {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO articles_fts(rowid, title, body) VALUES (?, ?, ?)`, id, title, body); err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "writing fts row")
	}
	return nil
}

func (s *Store) replaceCategories(ctx context.Context, tx *sql.Tx, id int64, categories []string) errors.E {
	if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE article_id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "clearing categories")
	}
	for i, c := range categories {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO categories(article_id, category, position) VALUES (?, ?, ?)`, id, c, i); err != nil {
			return xerrors.Wrap(xerrors.StorageIo, err, "writing category")
		}
	}
	return nil
}

// normalizeForUniqueness folds titles for the uniqueness comparison:
// parser.NormalizeTitle (NFC, trim, collapsed whitespace) followed by a
// lower-case fold, so the comparison is case-insensitive.
func normalizeForUniqueness(title string) string {
	return strings.ToLower(parser.NormalizeTitle(title))
}

// Get fetches a single article by id.
func (s *Store) Get(ctx context.Context, id uint64) (*article.Article, errors.E) {
	a := &article.Article{ID: id}
	var lastModified string
	err := s.reader.QueryRowContext(ctx,
		`SELECT title, body, last_modified FROM articles WHERE id = ?`, id,
	).Scan(&a.Title, &a.Body, &lastModified)
	if err == sql.ErrNoRows {
		return nil, xerrors.WithDetail(xerrors.Newf(xerrors.NotFound, "article %d not found", id), "resource", "article")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "fetching article")
	}
	a.LastModified, _ = time.Parse(time.RFC3339, lastModified)

	categories, errE := s.categoriesFor(ctx, id)
	if errE != nil {
		return nil, errE
	}
	a.Categories = categories

	return a, nil
}

func (s *Store) categoriesFor(ctx context.Context, id uint64) ([]string, errors.E) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT category FROM categories WHERE article_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "fetching categories")
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, xerrors.Wrap(xerrors.StorageIo, err, "scanning category")
		}
		categories = append(categories, c)
	}
	return categories, xerrors.Wrap(xerrors.StorageIo, rows.Err(), "iterating categories")
}

// List returns a page of articles ordered by sort.
func (s *Store) List(ctx context.Context, page, limit int, sort SortOrder) (int, []article.Article, errors.E) {
	if page < 1 {
		return 0, nil, xerrors.New(xerrors.Validation, "page must be >= 1")
	}
	if limit < 1 || limit > 100 {
		return 0, nil, xerrors.New(xerrors.Validation, "limit must be in [1, 100]")
	}

	var total int
	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&total); err != nil {
		return 0, nil, xerrors.Wrap(xerrors.StorageIo, err, "counting articles")
	}

	orderBy := "id"
	if sort == SortByTitle {
		orderBy = "title_norm"
	}

	rows, err := s.reader.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, title, body, last_modified FROM articles ORDER BY %s ASC LIMIT ? OFFSET ?`, orderBy),
		limit, (page-1)*limit)
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.StorageIo, err, "listing articles")
	}
	defer rows.Close()

	var items []article.Article
	for rows.Next() {
		var a article.Article
		var id int64
		var lastModified string
		if err := rows.Scan(&id, &a.Title, &a.Body, &lastModified); err != nil {
			return 0, nil, xerrors.Wrap(xerrors.StorageIo, err, "scanning article")
		}
		a.ID = uint64(id)
		a.LastModified, _ = time.Parse(time.RFC3339, lastModified)
		items = append(items, a)
	}

	return total, items, xerrors.Wrap(xerrors.StorageIo, rows.Err(), "iterating articles")
}

// Search performs a ranked BM25 full-text search over title and body,
// returning a page of hits with snippets.
func (s *Store) Search(ctx context.Context, query string, page, limit int) (int, []article.Hit, errors.E) {
	if page < 1 {
		return 0, nil, xerrors.New(xerrors.Validation, "page must be >= 1")
	}
	if limit < 1 || limit > 100 {
		return 0, nil, xerrors.New(xerrors.Validation, "limit must be in [1, 100]")
	}

	matchQuery := buildMatchQuery(query)

	var total int
	if err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM articles_fts WHERE articles_fts MATCH ?`, matchQuery,
	).Scan(&total); err != nil {
		return 0, nil, xerrors.Wrap(xerrors.Malformed, err, "counting search matches")
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT articles.id, articles.title,
		       snippet(articles_fts, 1, '[[', ']]', '...', 24) AS snippet,
		       bm25(articles_fts) AS rank
		FROM articles_fts
		JOIN articles ON articles.id = articles_fts.rowid
		WHERE articles_fts MATCH ?
		ORDER BY rank ASC
		LIMIT ? OFFSET ?`,
		matchQuery, limit, (page-1)*limit)
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.Malformed, err, "searching articles")
	}
	defer rows.Close()

	var hits []article.Hit
	for rows.Next() {
		var h article.Hit
		var id int64
		var rank float64
		if err := rows.Scan(&id, &h.Title, &h.Snippet, &rank); err != nil {
			return 0, nil, xerrors.Wrap(xerrors.StorageIo, err, "scanning search hit")
		}
		h.ID = uint64(id)
		// bm25() in SQLite's FTS5 returns lower-is-better; we expose a
		// higher-is-better score to callers.
		h.Score = -rank
		hits = append(hits, h)
	}

	return total, hits, xerrors.Wrap(xerrors.StorageIo, rows.Err(), "iterating search hits")
}

// buildMatchQuery turns a free-form user query into an FTS5 MATCH
// expression. Tokens are quoted individually (treated as literal phrases)
// unless the query already uses FTS5 syntax (it contains a double quote
// or a "*" prefix marker anywhere), in which case it is passed through so that explicit
// phrase and prefix queries keep working (spec.md §4.2).
func buildMatchQuery(query string) string {
	query = strings.TrimSpace(query)
	if strings.ContainsAny(query, `"*`) {
		return query
	}

	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

// ReplaceAll atomically replaces the entire article set with the articles
// produced by next, used to rebuild the store without data loss (spec.md
// §3's FTS-rebuild invariant). next follows the pull-iterator contract
// of parser.Dump.Next: it returns (nil, false, nil) when exhausted.
func (s *Store) ReplaceAll(ctx context.Context, next func() (*article.Article, bool, errors.E)) errors.E {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "beginning replace-all transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM articles_fts`,
		`DELETE FROM categories`,
		`DELETE FROM articles`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.StorageIo, err, "clearing store")
		}
	}

	for {
		a, ok, errE := next()
		if errE != nil {
			return errE
		}
		if !ok {
			break
		}
		if _, errE := s.insertOrUpdateTx(ctx, tx, a, normalizeForUniqueness(a.Title)); errE != nil {
			return errE
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "committing replace-all")
	}
	return nil
}

// RebuildFTS repopulates articles_fts from articles, used when the index
// needs to be rebuilt without touching Article rows (spec.md §3).
func (s *Store) RebuildFTS(ctx context.Context) errors.E {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "beginning fts rebuild transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM articles_fts`); err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "clearing fts")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO articles_fts(rowid, title, body) SELECT id, title, body FROM articles`); err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "repopulating fts")
	}

	return xerrors.Wrap(xerrors.StorageIo, tx.Commit(), "committing fts rebuild")
}

// SaveProgress records the last article title seen by a batch flush, so
// a restarted orchestrator run can resume without rescanning the dump
// (spec.md §4.5 step 2).
func (s *Store) SaveProgress(ctx context.Context, lastTitle string) errors.E {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO ingest_progress(id, last_title, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_title = excluded.last_title, updated_at = excluded.updated_at`,
		lastTitle, time.Now().UTC().Format(time.RFC3339))
	return xerrors.Wrap(xerrors.StorageIo, err, "saving ingest progress")
}

// Progress returns the last-recorded ingest progress marker, or an empty
// string if ingest has never run.
func (s *Store) Progress(ctx context.Context) (string, errors.E) {
	var lastTitle string
	err := s.reader.QueryRowContext(ctx, `SELECT last_title FROM ingest_progress WHERE id = 1`).Scan(&lastTitle)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return lastTitle, xerrors.Wrap(xerrors.StorageIo, err, "reading ingest progress")
}

// CountArticles returns the total number of stored articles, used by the
// orchestrator's embed-backfill anti-join.
func (s *Store) CountArticles(ctx context.Context) (int, errors.E) {
	var n int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n)
	return n, xerrors.Wrap(xerrors.StorageIo, err, "counting articles")
}

// IterateIDs calls fn for every article id in ascending order, used by
// the embed backfill step to anti-join against the vector store.
func (s *Store) IterateIDs(ctx context.Context, fn func(id uint64, title, body string) errors.E) errors.E {
	rows, err := s.reader.QueryContext(ctx, `SELECT id, title, body FROM articles ORDER BY id ASC`)
	if err != nil {
		return xerrors.Wrap(xerrors.StorageIo, err, "iterating article ids")
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var title, body string
		if err := rows.Scan(&id, &title, &body); err != nil {
			return xerrors.Wrap(xerrors.StorageIo, err, "scanning article id")
		}
		if errE := fn(uint64(id), title, body); errE != nil {
			return errE
		}
	}
	return xerrors.Wrap(xerrors.StorageIo, rows.Err(), "iterating article ids")
}

// Ping checks that the store is reachable, used by /status.
func (s *Store) Ping(ctx context.Context) errors.E {
	return xerrors.Wrap(xerrors.StorageIo, s.reader.PingContext(ctx), "pinging relational store")
}

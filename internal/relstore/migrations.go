package relstore

// migrations is the ordered list of schema statements applied to a fresh
// or existing wiki.db. The first entry creates schema_migrations itself and
// runs on every open; each later entry is applied at most once, tracked by
// schema_migrations, mirroring the teacher's guarded, ordered migration
// idiom (internal/store/postgres.go) simplified to SQLite's single-file
// model.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`,

	`CREATE TABLE IF NOT EXISTS articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		title_norm TEXT NOT NULL UNIQUE,
		body TEXT NOT NULL,
		last_modified TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS categories (
		article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		position INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS categories_article_id_idx ON categories(article_id)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS articles_fts USING fts5(
		title, body, content='articles', content_rowid='id', tokenize='porter unicode61'
	)`,

	`CREATE TABLE IF NOT EXISTS ingest_progress (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_title TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	)`,
}

package relstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/article"
	"github.com/offlinewiki/wikicore/internal/xerrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wiki.db")
	s, errE := Open(context.Background(), path)
	require.NoError(t, errE)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleArticle() *article.Article {
	return &article.Article{
		Title:        "Go (programming language)",
		Body:         "Go is a statically typed, compiled programming language.",
		Categories:   []string{"Programming languages", "Google software"},
		LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestInsertOrUpdateThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, errE := s.InsertOrUpdate(ctx, sampleArticle())
	require.NoError(t, errE)
	assert.NotZero(t, id)

	got, errE := s.Get(ctx, id)
	require.NoError(t, errE)
	assert.Equal(t, "Go (programming language)", got.Title)
	assert.Equal(t, []string{"Programming languages", "Google software"}, got.Categories)
}

func TestInsertOrUpdateOnExistingTitleUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleArticle()
	id1, errE := s.InsertOrUpdate(ctx, a)
	require.NoError(t, errE)

	a.Body = "Go is an open source programming language supported by Google."
	a.Categories = []string{"Programming languages"}
	id2, errE := s.InsertOrUpdate(ctx, a)
	require.NoError(t, errE)

	assert.Equal(t, id1, id2, "re-ingesting an existing title must update, not duplicate")

	got, errE := s.Get(ctx, id1)
	require.NoError(t, errE)
	assert.Contains(t, got.Body, "open source")
	assert.Equal(t, []string{"Programming languages"}, got.Categories)

	total, _, errE := s.List(ctx, 1, 10, SortByID)
	require.NoError(t, errE)
	assert.Equal(t, 1, total)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, errE := s.Get(context.Background(), 999)
	require.Error(t, errE)
	assert.Equal(t, xerrors.NotFound, xerrors.KindOf(errE))
}

func TestListPaginatesAndSorts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	titles := []string{"Banana", "Apple", "Cherry"}
	for _, title := range titles {
		_, errE := s.InsertOrUpdate(ctx, &article.Article{Title: title, Body: "body of " + title})
		require.NoError(t, errE)
	}

	total, items, errE := s.List(ctx, 1, 2, SortByTitle)
	require.NoError(t, errE)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "Apple", items[0].Title)
	assert.Equal(t, "Banana", items[1].Title)
}

func TestListRejectsOutOfRangeLimit(t *testing.T) {
	s := newTestStore(t)
	_, _, errE := s.List(context.Background(), 1, 0, SortByID)
	require.Error(t, errE)
	assert.Equal(t, xerrors.Validation, xerrors.KindOf(errE))
}

func TestSearchFindsMatchingArticleByBM25(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, errE := s.InsertOrUpdate(ctx, &article.Article{
		Title: "Octopus", Body: "The octopus is a soft-bodied eight-limbed mollusc.",
	})
	require.NoError(t, errE)
	_, errE = s.InsertOrUpdate(ctx, &article.Article{
		Title: "Giraffe", Body: "The giraffe is a tall African hoofed mammal.",
	})
	require.NoError(t, errE)

	total, hits, errE := s.Search(ctx, "octopus", 1, 10)
	require.NoError(t, errE)
	assert.Equal(t, 1, total)
	require.Len(t, hits, 1)
	assert.Equal(t, "Octopus", hits[0].Title)
}

func TestSearchWithNoMatchesReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	total, hits, errE := s.Search(context.Background(), "nonexistentterm", 1, 10)
	require.NoError(t, errE)
	assert.Equal(t, 0, total)
	assert.Empty(t, hits)
}

func TestReplaceAllClearsAndReinserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, errE := s.InsertOrUpdate(ctx, &article.Article{Title: "Old Article", Body: "stale"})
	require.NoError(t, errE)

	next := []*article.Article{
		{Title: "New One", Body: "fresh"},
		{Title: "New Two", Body: "fresh too"},
	}
	i := 0
	errE = s.ReplaceAll(ctx, func() (*article.Article, bool, errors.E) {
		if i >= len(next) {
			return nil, false, nil
		}
		a := next[i]
		i++
		return a, true, nil
	})
	require.NoError(t, errE)

	total, items, errE := s.List(ctx, 1, 10, SortByTitle)
	require.NoError(t, errE)
	assert.Equal(t, 2, total)
	assert.Equal(t, "New One", items[0].Title)
}

func TestSaveProgressAndProgressRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lastTitle, errE := s.Progress(ctx)
	require.NoError(t, errE)
	assert.Empty(t, lastTitle)

	require.NoError(t, s.SaveProgress(ctx, "Some Title"))

	lastTitle, errE = s.Progress(ctx)
	require.NoError(t, errE)
	assert.Equal(t, "Some Title", lastTitle)
}

func TestIterateIDsVisitsEveryArticleInAscendingOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"A", "B", "C"} {
		_, errE := s.InsertOrUpdate(ctx, &article.Article{Title: title, Body: "body"})
		require.NoError(t, errE)
	}

	var seen []uint64
	errE := s.IterateIDs(ctx, func(id uint64, title, body string) errors.E {
		seen = append(seen, id)
		return nil
	})
	require.NoError(t, errE)
	require.Len(t, seen, 3)
	assert.Less(t, seen[0], seen[1])
	assert.Less(t, seen[1], seen[2])
}

func TestPingSucceedsOnOpenStore(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

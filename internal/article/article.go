// Package article defines the Article entity shared by the parser, the
// relational store, the vector store, and the gateway.
package article

import "time"

// Article is one encyclopedia entry.
//
// ID is zero until the article has been inserted into the relational
// store; the store assigns it on first insert.
type Article struct {
	ID           uint64
	Title        string
	Body         string
	Categories   []string
	LastModified time.Time
}

// Hit is one lexical search result: an Article summary plus a ranking
// score and a highlighted snippet.
type Hit struct {
	ID      uint64
	Title   string
	Snippet string
	Score   float64
}

// RelatedHit is one semantic-search result: an article id plus cosine
// similarity score, descending.
type RelatedHit struct {
	ID    uint64
	Score float32
}

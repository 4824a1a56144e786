// Package search indexes saved blocks and answers block searches, through
// Meilisearch when it is reachable and PostgreSQL full-text search otherwise.
package search

import "context"

// Result is a single block hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Snippet    string `json:"snippet"`
	ContextKey string `json:"contextKey"`
	TypeKey    string `json:"typeKey"`
}

// Query describes a search request. OrganisationID is mandatory; the other
// filters are optional.
type Query struct {
	Text           string
	OrganisationID string
	ContextKey     string
	TypeKey        string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push blocks into a search index.
type Indexer interface {
	IndexBlocks(records []BlockRecord) error
	DeleteBlock(id string) error
	Healthy() bool
}

// BlockRecord is the data we index for a block.
type BlockRecord struct {
	ID             string `json:"id"`
	OrganisationID string `json:"organisationId"`
	ContextKey     string `json:"contextKey"`
	TypeKey        string `json:"typeKey"`
	Name           string `json:"name"`
	Text           string `json:"text"`
}

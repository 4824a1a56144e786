package search

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
)

// Engine is the external index: searchable and writable. *Meili satisfies it.
type Engine interface {
	Searcher
	Indexer
}

// Fallback answers searches from the primary store and knows which blocks
// were archived there. *PgFTS satisfies it.
type Fallback interface {
	Searcher
	ArchivedBlockIDs(ctx context.Context, organisationID, contextKey string) ([]string, error)
	LoadAllRecords(ctx context.Context) ([]BlockRecord, error)
}

// Service is the facade that tries the external engine first and falls back
// to PG FTS.
type Service struct {
	engine   Engine
	fallback Fallback
	log      zerolog.Logger
}

// NewService creates a search service. engine may be nil if Meilisearch is
// not configured.
func NewService(engine Engine, fallback Fallback, log zerolog.Logger) *Service {
	return &Service{engine: engine, fallback: fallback, log: log}
}

// Search tries the engine if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if q.OrganisationID == "" {
		return Response{}, fmt.Errorf("search: organisation is required")
	}
	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
		}
		s.log.Warn().Err(err).Msg("search engine failed, falling back to pgfts")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return Response{}, fmt.Errorf("search: %w", err)
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
}

// EnvironmentSaved pushes the saved blocks to the engine and drops the ones
// archived by the save.
func (s *Service) EnvironmentSaved(ctx context.Context, env block.Environment, meta block.Meta) error {
	if s.engine == nil || !s.engine.Healthy() {
		return nil
	}
	records, err := Records(env)
	if err != nil {
		return err
	}
	if err := s.engine.IndexBlocks(records); err != nil {
		return fmt.Errorf("index environment %s: %w", env.ContextKey, err)
	}
	archived, err := s.fallback.ArchivedBlockIDs(ctx, env.OrganisationID, env.ContextKey)
	if err != nil {
		return err
	}
	for _, id := range archived {
		if err := s.engine.DeleteBlock(id); err != nil {
			return fmt.Errorf("unindex block %s: %w", id, err)
		}
	}
	s.log.Debug().
		Str("context_key", env.ContextKey).
		Int64("version", meta.Version).
		Int("indexed", len(records)).
		Int("removed", len(archived)).
		Msg("environment indexed")
	return nil
}

// Reindex rebuilds the engine from every live block in PostgreSQL.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, fmt.Errorf("reindex: no search engine configured")
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	if err := s.engine.IndexBlocks(records); err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	return len(records), nil
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}

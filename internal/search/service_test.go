package search

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizdesk/api/internal/block"
)

type fakeEngine struct {
	healthy bool
	err     error
	results []Result
	indexed []BlockRecord
	deleted []string
}

func (f *fakeEngine) Search(context.Context, Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}
func (f *fakeEngine) Healthy() bool { return f.healthy }
func (f *fakeEngine) IndexBlocks(records []BlockRecord) error {
	f.indexed = append(f.indexed, records...)
	return nil
}
func (f *fakeEngine) DeleteBlock(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeFallback struct {
	results  []Result
	archived []string
	all      []BlockRecord
	queries  []Query
}

func (f *fakeFallback) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.queries = append(f.queries, q)
	return f.results, len(f.results), nil
}
func (f *fakeFallback) Healthy() bool { return true }
func (f *fakeFallback) ArchivedBlockIDs(context.Context, string, string) ([]string, error) {
	return f.archived, nil
}
func (f *fakeFallback) LoadAllRecords(context.Context) ([]BlockRecord, error) {
	return f.all, nil
}

func savedEnvironment() block.Environment {
	note := block.NewContentNode(block.Block{ID: "blk_note", Name: "Kickoff", TypeRef: block.TypeRef{Key: "note", Version: 1},
		Payload: block.ContentMetadata{Data: map[string]any{"body": "Quarterly review", "tags": []any{"finance", " ", 3}}}})
	old := block.NewContentNode(block.Block{ID: "blk_old", Archived: true, Payload: block.ContentMetadata{}})
	page := block.NewContentNode(block.Block{ID: "blk_page", TypeRef: block.TypeRef{Key: "page", Version: 1}, Payload: block.ContentMetadata{}})
	page.Children = map[string][]block.Node{block.DefaultSlot: {note, old}}
	return block.Environment{OrganisationID: "org_1", ContextKey: "client:c1", Trees: []block.BlockTree{{Root: page}}}
}

func TestRecordsSkipArchivedBlocks(t *testing.T) {
	records, err := Records(savedEnvironment())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "blk_page", records[0].ID)
	note := records[1]
	assert.Equal(t, BlockRecord{
		ID:             "blk_note",
		OrganisationID: "org_1",
		ContextKey:     "client:c1",
		TypeKey:        "note",
		Name:           "Kickoff",
		Text:           "Quarterly review finance",
	}, note)
}

func TestSearchPrefersHealthyEngine(t *testing.T) {
	engine := &fakeEngine{healthy: true, results: []Result{{ID: "blk_a"}}}
	fallback := &fakeFallback{results: []Result{{ID: "blk_b"}}}
	svc := NewService(engine, fallback, zerolog.Nop())

	resp, err := svc.Search(context.Background(), Query{Text: "review", OrganisationID: "org_1"})
	require.NoError(t, err)
	assert.Equal(t, []Result{{ID: "blk_a"}}, resp.Results)
	assert.Empty(t, fallback.queries)
}

func TestSearchFallsBackOnEngineError(t *testing.T) {
	engine := &fakeEngine{healthy: true, err: errors.New("boom")}
	fallback := &fakeFallback{}
	svc := NewService(engine, fallback, zerolog.Nop())

	resp, err := svc.Search(context.Background(), Query{Text: "review", OrganisationID: "org_1"})
	require.NoError(t, err)
	assert.Equal(t, []Result{}, resp.Results)
	assert.Equal(t, "review", resp.Query)
	require.Len(t, fallback.queries, 1)
}

func TestSearchRequiresOrganisation(t *testing.T) {
	svc := NewService(nil, &fakeFallback{}, zerolog.Nop())
	_, err := svc.Search(context.Background(), Query{Text: "x"})
	assert.Error(t, err)
}

func TestEnvironmentSavedIndexesAndPrunes(t *testing.T) {
	engine := &fakeEngine{healthy: true}
	fallback := &fakeFallback{archived: []string{"blk_old"}}
	svc := NewService(engine, fallback, zerolog.Nop())

	require.NoError(t, svc.EnvironmentSaved(context.Background(), savedEnvironment(), block.Meta{Version: 2}))
	assert.Len(t, engine.indexed, 2)
	assert.Equal(t, []string{"blk_old"}, engine.deleted)
}

func TestEnvironmentSavedSkipsUnhealthyEngine(t *testing.T) {
	engine := &fakeEngine{healthy: false}
	svc := NewService(engine, &fakeFallback{archived: []string{"blk_old"}}, zerolog.Nop())

	require.NoError(t, svc.EnvironmentSaved(context.Background(), savedEnvironment(), block.Meta{Version: 2}))
	assert.Empty(t, engine.indexed)
	assert.Empty(t, engine.deleted)
}

func TestReindexLoadsEveryLiveBlock(t *testing.T) {
	engine := &fakeEngine{healthy: true}
	fallback := &fakeFallback{all: []BlockRecord{{ID: "blk_a"}, {ID: "blk_b"}}}
	svc := NewService(engine, fallback, zerolog.Nop())

	n, err := svc.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, engine.indexed, 2)

	_, err = NewService(nil, fallback, zerolog.Nop()).Reindex(context.Background())
	assert.Error(t, err)
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/auth"
	"bizdesk/api/internal/block"
	"bizdesk/api/internal/command"
	"bizdesk/api/internal/config"
	"bizdesk/api/internal/environment"
	"bizdesk/api/internal/history"
	"bizdesk/api/internal/registry"
	"bizdesk/api/internal/resolve"
	"bizdesk/api/internal/search"
)

const (
	testSecret = "test-secret"
	testOrg    = "org_1"
	testKey    = "client:c1"
)

type fakeStore struct {
	lookup  *registry.StaticLookup
	pingFn  func(context.Context) error
	clients map[string]any
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) RegisterResolvers(d *resolve.Dispatcher, organisationID string) {
	d.Register(block.EntityClient, resolve.ResolverFunc(func(_ context.Context, ids []string) (map[string]any, error) {
		out := make(map[string]any, len(ids))
		if organisationID != testOrg {
			return out, nil
		}
		for _, id := range ids {
			if v, ok := f.clients[id]; ok {
				out[id] = v
			}
		}
		return out, nil
	}))
}

func (f *fakeStore) PublishBlockType(_ context.Context, t block.BlockType) error {
	return f.lookup.Publish(t)
}

type fakeSearch struct {
	queries []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) (search.Response, error) {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{ID: "blk_note", Name: "Kickoff"}}, Total: 1, Query: q.Text}, nil
}

func testTypes() []block.BlockType {
	return []block.BlockType{
		{ID: "bt_page_1", Key: "page", Version: 1, DisplayName: "Page", Kind: "PAGE", Strictness: block.StrictnessNone, OrganisationScope: block.SystemScope,
			Nesting: &block.Nesting{AllowedTypes: []block.ComponentKind{"WIDGET"}}},
		{ID: "bt_note_1", Key: "note", Version: 1, DisplayName: "Note", Kind: "WIDGET", Strictness: block.StrictnessNone, OrganisationScope: block.SystemScope},
		{ID: "bt_clients_1", Key: "clients", Version: 1, DisplayName: "Clients", Kind: "WIDGET", Strictness: block.StrictnessNone, OrganisationScope: block.SystemScope},
	}
}

type testEnv struct {
	service *Service
	store   *fakeStore
	envs    *environment.Service
	search  *fakeSearch
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	lookup := registry.NewStaticLookup(testTypes()...)
	types, err := registry.New(lookup, 16)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	fs := &fakeStore{lookup: lookup, clients: map[string]any{"c1": map[string]any{"name": "Acme"}}}
	log := history.New(t.TempDir(), zerolog.Nop())
	envs := environment.NewService(environment.NewMemoryStore(), zerolog.Nop(), log).
		WithChecker(command.Checker{Types: types})
	t.Cleanup(envs.Wait)
	searcher := &fakeSearch{}
	svc := NewService(config.Config{
		JWTSecret:                   testSecret,
		HydrationMaxDepth:           4,
		HydrationDefaultExpandDepth: 1,
	}, Deps{
		Store:        fs,
		Environments: envs,
		Types:        types,
		History:      log,
		Search:       searcher,
		Log:          zerolog.Nop(),
	})
	return &testEnv{
		service: svc,
		store:   fs,
		envs:    envs,
		search:  searcher,
		handler: NewHTTPServer(svc, "*", zerolog.Nop()).Handler(),
	}
}

func typed(b block.Block, key string) block.Block {
	b.TypeRef = block.TypeRef{Key: key, Version: 1}
	return b
}

// seedEnvironment stores version 1: a page holding a note and a client list.
func seedEnvironment(t *testing.T, envs *environment.Service) {
	t.Helper()
	note := block.NewContentNode(typed(block.Block{ID: "blk_note", Name: "Kickoff", Payload: block.ContentMetadata{Data: map[string]any{"title": "Kickoff"}}}, "note"))
	list, err := block.NewReferenceNode(typed(block.Block{ID: "blk_list", Payload: block.EntityReferenceMetadata{Items: []block.ReferenceItem{
		{ID: "ref_c1", EntityType: block.EntityClient, EntityID: "c1"},
	}}}, "clients"))
	if err != nil {
		t.Fatalf("reference node: %v", err)
	}
	page := block.NewContentNode(typed(block.Block{ID: "blk_page", Payload: block.ContentMetadata{}}, "page"))
	page.Children = map[string][]block.Node{block.DefaultSlot: {note, list}}
	res, err := envs.Save(context.Background(), environment.SaveRequest{
		OrganisationID: testOrg,
		ContextKey:     testKey,
		Environment: block.Environment{
			Layout: block.GridLayout{Items: map[string]block.GridRect{"blk_note": {Width: 2, Height: 1}}},
			Trees:  []block.BlockTree{{Root: page}},
		},
		ModifiedBy: "seed",
	})
	if err != nil || !res.Success {
		t.Fatalf("seed environment: %+v %v", res, err)
	}
}

func tokenFor(t *testing.T, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.NewClaims("user-1", "Avery", testOrg, role, time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func claimsFor(role string) auth.Claims {
	return auth.NewClaims("user-1", "Avery", testOrg, role, time.Hour)
}

func request(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestApplyCommandsRejectsStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)

	res, err := env.service.ApplyCommands(context.Background(), claimsFor("editor"), testKey, CommandsInput{
		Version:  0,
		Commands: []command.Spec{{Op: "resize", BlockID: "blk_note", Width: 3, Height: 3}},
	})
	if err != nil {
		t.Fatalf("apply commands: %v", err)
	}
	if !res.Conflict || res.LatestVersion != 1 {
		t.Fatalf("expected conflict at version 1, got %+v", res)
	}
	if res.LastModifiedBy != "seed" || res.LastModifiedAt == nil {
		t.Fatalf("conflict must carry the last modifier, got %+v", res)
	}
}

func TestApplyCommandsReportsStructuralErrors(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)
	page := block.NewContentNode(typed(block.Block{ID: "tmp_page", Payload: block.ContentMetadata{}}, "page"))
	raw, err := block.MarshalNode(page)
	if err != nil {
		t.Fatalf("marshal node: %v", err)
	}

	_, err = env.service.ApplyCommands(context.Background(), claimsFor("editor"), testKey, CommandsInput{
		Version:  1,
		Commands: []command.Spec{{Op: "add", ParentID: "blk_note", Node: raw}},
	})
	if !errors.Is(err, command.ErrInvalidNesting) {
		t.Fatalf("expected ErrInvalidNesting, got %v", err)
	}
	status, code, _, _ := mapError(err)
	if status != http.StatusUnprocessableEntity || code != "STRUCTURAL_ERROR" {
		t.Fatalf("unexpected mapping %d %s", status, code)
	}

	snap, err := env.envs.Load(context.Background(), testOrg, testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Meta.Version != 1 {
		t.Fatalf("rejected commands must not save, version %d", snap.Meta.Version)
	}
}

func TestBlockIDOfAnotherEnvironmentMapsToDuplicateID(t *testing.T) {
	err := fmt.Errorf("save environment: %w", fmt.Errorf("upsert block blk_x: %w", environment.ErrBlockIDTaken))
	status, code, _, details := mapError(err)
	if status != http.StatusUnprocessableEntity || code != "STRUCTURAL_ERROR" {
		t.Fatalf("unexpected mapping %d %s", status, code)
	}
	if kind := details.(map[string]any)["kind"]; kind != command.KindDuplicateID {
		t.Fatalf("expected DUPLICATE_ID, got %v", kind)
	}
}

func TestApplyCommandsRejectsMalformedSpecs(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.ApplyCommands(context.Background(), claimsFor("editor"), testKey, CommandsInput{
		Commands: []command.Spec{{Op: "explode"}},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_COMMAND" {
		t.Fatalf("expected INVALID_COMMAND, got %v", err)
	}
}

func TestSearchScopesToCallerOrganisation(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.service.Search(context.Background(), claimsFor("viewer"), SearchInput{Text: "kickoff", Limit: 500})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Total != 1 || len(env.search.queries) != 1 {
		t.Fatalf("unexpected search response %+v", resp)
	}
	q := env.search.queries[0]
	if q.OrganisationID != testOrg || q.Limit != 20 {
		t.Fatalf("unexpected query %+v", q)
	}

	empty, err := env.service.Search(context.Background(), claimsFor("viewer"), SearchInput{Text: "  "})
	if err != nil {
		t.Fatalf("blank search: %v", err)
	}
	if len(empty.Results) != 0 || len(env.search.queries) != 1 {
		t.Fatalf("blank queries must not reach the index: %+v", empty)
	}
}

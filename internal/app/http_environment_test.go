package app

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/command"
	"bizdesk/api/internal/gridsync"
)

const envPath = "/api/environments/client:c1"

// lookupPath walks decoded JSON through object keys and array indexes.
func lookupPath(t *testing.T, value any, path ...any) any {
	t.Helper()
	for _, step := range path {
		switch key := step.(type) {
		case string:
			obj, ok := value.(map[string]any)
			if !ok {
				t.Fatalf("expected object at %q, got %T", key, value)
			}
			value = obj[key]
		case int:
			arr, ok := value.([]any)
			if !ok || key >= len(arr) {
				t.Fatalf("expected array with index %d, got %v", key, value)
			}
			value = arr[key]
		}
	}
	return value
}

func TestLoadMissingEnvironmentReturnsEmptyVersion(t *testing.T) {
	env := newTestEnv(t)

	rr := request(t, env.handler, http.MethodGet, "/api/environments/client:unknown", tokenFor(t, "viewer"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	decode(t, rr, &payload)
	if v := lookupPath(t, payload, "meta", "version"); v != float64(0) {
		t.Fatalf("expected version 0, got %v", v)
	}
	if key := lookupPath(t, payload, "environment", "contextKey"); key != "client:unknown" {
		t.Fatalf("unexpected context key %v", key)
	}
}

func TestSaveAllocatesPermanentIDs(t *testing.T) {
	env := newTestEnv(t)
	editor := tokenFor(t, "editor")

	note := block.NewContentNode(typed(block.Block{ID: "tmp_note", Payload: block.ContentMetadata{Data: map[string]any{"title": "Draft"}}}, "note"))
	body := SaveInput{
		Version: 0,
		Environment: block.Environment{
			Layout: block.GridLayout{Items: map[string]block.GridRect{"tmp_note": {Width: 2, Height: 2}}},
			Trees:  []block.BlockTree{{Root: note}},
		},
	}
	rr := request(t, env.handler, http.MethodPost, envPath+"/save", editor, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res map[string]any
	decode(t, rr, &res)
	if res["success"] != true || res["newVersion"] != float64(1) {
		t.Fatalf("unexpected save result %v", res)
	}
	permanent, _ := lookupPath(t, res, "idMappings", "tmp_note").(string)
	if !strings.HasPrefix(permanent, "blk_") {
		t.Fatalf("expected a permanent id, got %q", permanent)
	}

	snap, err := env.envs.Load(context.Background(), testOrg, testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Meta.LastModifiedBy != "user-1" {
		t.Fatalf("expected the caller as modifier, got %q", snap.Meta.LastModifiedBy)
	}
	if _, ok := snap.Environment.Layout.Items[permanent]; !ok {
		t.Fatalf("layout must follow the permanent id: %v", snap.Environment.Layout.Items)
	}
}

func TestStaleSaveConflicts(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)

	rr := request(t, env.handler, http.MethodPost, envPath+"/save", tokenFor(t, "editor"), SaveInput{Version: 0})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	var res map[string]any
	decode(t, rr, &res)
	if res["latestVersion"] != float64(1) || res["lastModifiedBy"] != "seed" {
		t.Fatalf("unexpected conflict body %v", res)
	}
}

func TestSaveRejectsInvalidForest(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)
	editor := tokenFor(t, "editor")

	nestedPage := block.NewContentNode(typed(block.Block{ID: "blk_inner", Payload: block.ContentMetadata{}}, "page"))
	note := block.NewContentNode(typed(block.Block{ID: "blk_note", Payload: block.ContentMetadata{Data: map[string]any{"title": "Kickoff"}}}, "note"))
	note.Children = map[string][]block.Node{block.DefaultSlot: {nestedPage}}
	dup := func() block.Node {
		return block.NewContentNode(typed(block.Block{ID: "blk_dup", Payload: block.ContentMetadata{Data: map[string]any{"title": "Twin"}}}, "note"))
	}

	cases := map[string]struct {
		trees []block.BlockTree
		kind  string
	}{
		"forbidden nesting": {trees: []block.BlockTree{{Root: note}}, kind: string(command.KindInvalidNesting)},
		"duplicate ids":     {trees: []block.BlockTree{{Root: dup()}, {Root: dup()}}, kind: string(command.KindDuplicateID)},
	}
	for name, tc := range cases {
		rr := request(t, env.handler, http.MethodPost, envPath+"/save", editor, SaveInput{
			Version:     1,
			Environment: block.Environment{Trees: tc.trees},
		})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d: %s", name, rr.Code, rr.Body.String())
		}
		var res map[string]any
		decode(t, rr, &res)
		if res["code"] != "STRUCTURAL_ERROR" || lookupPath(t, res, "details", "kind") != tc.kind {
			t.Fatalf("%s: unexpected error body %v", name, res)
		}
	}

	snap, err := env.envs.Load(context.Background(), testOrg, testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Meta.Version != 1 {
		t.Fatalf("rejected saves must not write, version %d", snap.Meta.Version)
	}
}

func TestEditEndpointsReportConflictMetadata(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)
	editor := tokenFor(t, "editor")

	bodies := map[string]any{
		"/commands": CommandsInput{
			Version:  0,
			Commands: []command.Spec{{Op: "resize", BlockID: "blk_note", Width: 3, Height: 3}},
		},
		"/grid": GridInput{
			Version: 0,
			Events: []gridsync.Event{{Kind: gridsync.EventResizeStop, Widgets: []gridsync.Widget{
				{BlockID: "blk_note", Rect: block.GridRect{Width: 3, Height: 2}, Grid: &gridsync.Grid{ID: "g-page", OwnerBlockID: "blk_page"}},
			}}},
		},
	}
	for suffix, body := range bodies {
		rr := request(t, env.handler, http.MethodPost, envPath+suffix, editor, body)
		if rr.Code != http.StatusConflict {
			t.Fatalf("%s: expected 409, got %d: %s", suffix, rr.Code, rr.Body.String())
		}
		var res map[string]any
		decode(t, rr, &res)
		if res["latestVersion"] != float64(1) || res["lastModifiedBy"] != "seed" {
			t.Fatalf("%s: unexpected conflict body %v", suffix, res)
		}
		if at, _ := res["lastModifiedAt"].(string); at == "" {
			t.Fatalf("%s: expected lastModifiedAt, got %v", suffix, res)
		}
	}
}

func TestHydrateResolvesEntities(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)

	rr := request(t, env.handler, http.MethodPost, envPath+"/hydrate", tokenFor(t, "viewer"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	decode(t, rr, &payload)
	item := lookupPath(t, payload, "environment", "trees", 0, "root", "children", block.DefaultSlot, 1, "reference", "items", 0)
	if name := lookupPath(t, item, "entity", "name"); name != "Acme" {
		t.Fatalf("expected hydrated client, got %v", item)
	}

	stored, err := env.envs.Load(context.Background(), testOrg, testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Meta.Version != 1 {
		t.Fatalf("hydration must not save, version %d", stored.Meta.Version)
	}
}

func TestHydrateRejectsUnknownPolicy(t *testing.T) {
	env := newTestEnv(t)
	rr := request(t, env.handler, http.MethodPost, envPath+"/hydrate", tokenFor(t, "viewer"), map[string]any{"policy": "SOMETIMES"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestCommandsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)
	editor := tokenFor(t, "editor")

	body := CommandsInput{
		Version:  1,
		Commands: []command.Spec{{Op: "resize", BlockID: "blk_note", Width: 4, Height: 3}},
	}
	rr := request(t, env.handler, http.MethodPost, envPath+"/commands", editor, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res map[string]any
	decode(t, rr, &res)
	if res["newVersion"] != float64(2) {
		t.Fatalf("unexpected result %v", res)
	}
	snap, err := env.envs.Load(context.Background(), testOrg, testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rect := snap.Environment.Layout.Items["blk_note"]; rect.Width != 4 || rect.Height != 3 {
		t.Fatalf("unexpected rect %+v", rect)
	}

	rr = request(t, env.handler, http.MethodPost, envPath+"/commands", editor, body)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCommandsEndpointReportsStructuralKind(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)

	rr := request(t, env.handler, http.MethodPost, envPath+"/commands", tokenFor(t, "editor"), CommandsInput{
		Version:  1,
		Commands: []command.Spec{{Op: "move", BlockID: "blk_page", ParentID: "blk_note"}},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
	var res map[string]any
	decode(t, rr, &res)
	if res["code"] != "STRUCTURAL_ERROR" {
		t.Fatalf("unexpected error body %v", res)
	}
	if kind, _ := lookupPath(t, res, "details", "kind").(string); kind == "" {
		t.Fatalf("expected an error kind, got %v", res)
	}
}

func TestCommandsEndpointRequiresCommands(t *testing.T) {
	env := newTestEnv(t)
	rr := request(t, env.handler, http.MethodPost, envPath+"/commands", tokenFor(t, "editor"), CommandsInput{Version: 0})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	rr = request(t, env.handler, http.MethodPost, envPath+"/commands", tokenFor(t, "editor"), "not an object")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", rr.Code)
	}
}

func TestGridEndpointAppliesLayout(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)

	page := &gridsync.Grid{ID: "g-page", OwnerBlockID: "blk_page"}
	rr := request(t, env.handler, http.MethodPost, envPath+"/grid", tokenFor(t, "editor"), GridInput{
		Version: 1,
		Events: []gridsync.Event{
			{Kind: gridsync.EventChange, Widgets: []gridsync.Widget{{BlockID: "blk_note", Rect: block.GridRect{X: 1, Y: 0, Width: 3, Height: 1}, Grid: page}}},
			{Kind: gridsync.EventResizeStop, Widgets: []gridsync.Widget{{BlockID: "blk_note", Rect: block.GridRect{X: 1, Y: 0, Width: 3, Height: 2}, Grid: page}}},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	snap, err := env.envs.Load(context.Background(), testOrg, testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Meta.Version != 2 {
		t.Fatalf("expected one save for the batch, version %d", snap.Meta.Version)
	}
	want := block.GridRect{X: 1, Y: 0, Width: 3, Height: 2}
	if got := snap.Environment.Layout.Items["blk_note"]; got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	viewer := tokenFor(t, "viewer")

	rr := request(t, env.handler, http.MethodGet, "/api/blocks/search?q=kick&contextKey=client:c1&type=note&limit=5", viewer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res map[string]any
	decode(t, rr, &res)
	if id := lookupPath(t, res, "results", 0, "id"); id != "blk_note" {
		t.Fatalf("unexpected results %v", res)
	}
	q := env.search.queries[0]
	if q.ContextKey != testKey || q.TypeKey != "note" || q.Limit != 5 || q.OrganisationID != testOrg {
		t.Fatalf("unexpected query %+v", q)
	}

	rr = request(t, env.handler, http.MethodGet, "/api/blocks/search?q=kick&limit=-1", viewer, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a negative limit, got %d", rr.Code)
	}
}

package app

import (
	"context"
	"net/http"
	"testing"

	"bizdesk/api/internal/command"
	"bizdesk/api/internal/history"
)

func TestHistoryListsSavedVersions(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)
	env.envs.Wait()
	viewer := tokenFor(t, "viewer")

	_, err := env.service.ApplyCommands(context.Background(), claimsFor("editor"), testKey, CommandsInput{
		Version:  1,
		Commands: []command.Spec{{Op: "resize", BlockID: "blk_note", Width: 5, Height: 5}},
	})
	if err != nil {
		t.Fatalf("apply commands: %v", err)
	}
	env.envs.Wait()

	rr := request(t, env.handler, http.MethodGet, envPath+"/history", viewer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload HistoryPayload
	decode(t, rr, &payload)
	if len(payload.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", payload.Entries)
	}
	latest, first := payload.Entries[0], payload.Entries[1]
	if latest.Version != 2 || first.Version != 1 {
		t.Fatalf("expected newest first, got %d then %d", latest.Version, first.Version)
	}
	if latest.Author != "user-1" {
		t.Fatalf("unexpected author %q", latest.Author)
	}

	rr = request(t, env.handler, http.MethodGet, envPath+"/history?limit=1", viewer, nil)
	decode(t, rr, &payload)
	if len(payload.Entries) != 1 {
		t.Fatalf("expected limit to apply, got %d entries", len(payload.Entries))
	}

	rr = request(t, env.handler, http.MethodGet, envPath+"/history/"+first.Hash, viewer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var version map[string]any
	decode(t, rr, &version)
	rect := lookupPath(t, version, "environment", "layout", "items", "blk_note")
	if width := lookupPath(t, rect, "width"); width != float64(2) {
		t.Fatalf("expected the first version's layout, got %v", rect)
	}
}

func TestHistoryUnknownHash(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)
	env.envs.Wait()

	rr := request(t, env.handler, http.MethodGet, envPath+"/history/deadbeef", tokenFor(t, "viewer"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHistoryDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.service.history = nil

	rr := request(t, env.handler, http.MethodGet, envPath+"/history", tokenFor(t, "viewer"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var res map[string]any
	decode(t, rr, &res)
	if res["code"] != "HISTORY_DISABLED" {
		t.Fatalf("unexpected body %v", res)
	}
}

var _ historyLog = (*history.Service)(nil)

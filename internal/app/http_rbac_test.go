package app

import (
	"net/http"
	"testing"
	"time"

	"bizdesk/api/internal/auth"
	"bizdesk/api/internal/block"
)

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rr := request(t, env.handler, http.MethodGet, "/api/environments/client:c1", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr = request(t, env.handler, http.MethodGet, "/api/environments/client:c1", "garbage", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with invalid token, got %d", rr.Code)
	}

	expired, err := auth.IssueToken([]byte(testSecret), auth.NewClaims("user-1", "Avery", testOrg, "admin", -time.Minute))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rr = request(t, env.handler, http.MethodGet, "/api/environments/client:c1", expired, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired token, got %d", rr.Code)
	}
}

func TestRoleMatrix(t *testing.T) {
	env := newTestEnv(t)
	seedEnvironment(t, env.envs)

	cases := []struct {
		name   string
		role   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "viewer loads", role: "viewer", method: http.MethodGet, path: "/api/environments/client:c1", status: http.StatusOK},
		{name: "viewer cannot save", role: "viewer", method: http.MethodPost, path: "/api/environments/client:c1/save", body: SaveInput{Version: 1}, status: http.StatusForbidden},
		{name: "viewer cannot apply commands", role: "viewer", method: http.MethodPost, path: "/api/environments/client:c1/commands", body: CommandsInput{Version: 1}, status: http.StatusForbidden},
		{name: "editor cannot publish types", role: "editor", method: http.MethodPost, path: "/api/block-types", body: block.BlockType{Key: "card"}, status: http.StatusForbidden},
		{name: "unknown role reads", role: "guest", method: http.MethodGet, path: "/api/block-types/page", status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := request(t, env.handler, tc.method, tc.path, tokenFor(t, tc.role), tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAdminPublishesBlockType(t *testing.T) {
	env := newTestEnv(t)
	admin := tokenFor(t, "admin")

	card := block.BlockType{Key: "card", Version: 1, DisplayName: "Card", Kind: "WIDGET", Strictness: block.StrictnessSoft, OrganisationScope: testOrg}
	rr := request(t, env.handler, http.MethodPost, "/api/block-types", admin, card)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = request(t, env.handler, http.MethodGet, "/api/block-types/card?version=1", admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got block.BlockType
	decode(t, rr, &got)
	if got.ID != "bt_card_1" || got.DisplayName != "Card" {
		t.Fatalf("unexpected type: %+v", got)
	}

	invalid := block.BlockType{Key: "broken", Version: 1}
	rr = request(t, env.handler, http.MethodPost, "/api/block-types", admin, invalid)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an invalid definition, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = request(t, env.handler, http.MethodGet, "/api/block-types/ghost", admin, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown type, got %d", rr.Code)
	}
}

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/resolve"
)

// FetchBlocks returns the stored sub-trees of the given live blocks of one
// organisation, keyed by block id. Archived and unknown ids are left out.
func (s *PostgresStore) FetchBlocks(ctx context.Context, organisationID string, ids []string) (map[string]any, error) {
	out := make(map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	wanted, err := idList(ids)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, e.context_key, e.trees
		FROM blocks b
		JOIN environments e ON e.organisation_id = b.organisation_id AND e.context_key = b.context_key
		WHERE b.organisation_id=$1 AND b.archived=FALSE
			AND b.id IN (SELECT jsonb_array_elements_text($2::jsonb))
	`, organisationID, wanted)
	if err != nil {
		return nil, fmt.Errorf("fetch blocks: %w", err)
	}
	defer rows.Close()

	// several ids usually share one environment
	forests := make(map[string][]block.BlockTree)
	for rows.Next() {
		var id, contextKey string
		var raw []byte
		if err := rows.Scan(&id, &contextKey, &raw); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		trees, ok := forests[contextKey]
		if !ok {
			if err := json.Unmarshal(raw, &trees); err != nil {
				return nil, fmt.Errorf("decode trees of %s: %w", contextKey, err)
			}
			forests[contextKey] = trees
		}
		if n := findNode(trees, id); n != nil {
			out[id] = block.CloneNode(n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

func findNode(trees []block.BlockTree, id string) block.Node {
	var found block.Node
	for _, tree := range trees {
		_ = block.Walk(tree.Root, func(n block.Node, _ block.Node, _ string, _ int) bool {
			if found != nil {
				return false
			}
			if n.Base().ID == id {
				found = n
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// BlockResolver resolves BLOCK references of one organisation from saved
// environments.
func (s *PostgresStore) BlockResolver(organisationID string) resolve.Resolver {
	return resolve.ResolverFunc(func(ctx context.Context, ids []string) (map[string]any, error) {
		return s.FetchBlocks(ctx, organisationID, ids)
	})
}

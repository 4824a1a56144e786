package store

import (
	"context"
	"encoding/json"
	"fmt"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/resolve"
)

// FetchEntities loads entities of one kind by id. Each entity is returned as
// its stored data with id and name filled in.
func (s *PostgresStore) FetchEntities(ctx context.Context, organisationID string, kind block.EntityType, ids []string) (map[string]any, error) {
	out := make(map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	wanted, err := idList(ids)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, data
		FROM entities
		WHERE organisation_id=$1 AND kind=$2
			AND id IN (SELECT jsonb_array_elements_text($3::jsonb))
	`, organisationID, string(kind), wanted)
	if err != nil {
		return nil, fmt.Errorf("fetch %s entities: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		var raw []byte
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		data := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &data); err != nil {
				return nil, fmt.Errorf("decode entity %s: %w", id, err)
			}
		}
		data["id"] = id
		data["name"] = name
		out[id] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertEntity(ctx context.Context, item EntityRow) error {
	data := item.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, kind, organisation_id, name, data)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, data=EXCLUDED.data, updated_at=NOW()
	`, item.ID, item.Kind, item.OrganisationID, item.Name, string(data))
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// organisationEntities scopes entity lookups to one organisation.
type organisationEntities struct {
	store          *PostgresStore
	organisationID string
}

func (o organisationEntities) FetchEntities(ctx context.Context, kind block.EntityType, ids []string) (map[string]any, error) {
	return o.store.FetchEntities(ctx, o.organisationID, kind, ids)
}

// Entities returns the entity source of one organisation for the resolvers.
func (s *PostgresStore) Entities(organisationID string) resolve.EntitySource {
	return organisationEntities{store: s, organisationID: organisationID}
}

// RegisterResolvers wires every stored entity kind and BLOCK into d for one
// organisation.
func (s *PostgresStore) RegisterResolvers(d *resolve.Dispatcher, organisationID string) {
	source := s.Entities(organisationID)
	for _, kind := range []block.EntityType{block.EntityClient, block.EntityOrganisation, block.EntityCompany, block.EntityInvoice} {
		d.Register(kind, resolve.StoreResolver{Kind: kind, Source: source})
	}
	d.Register(block.EntityBlock, s.BlockResolver(organisationID))
}

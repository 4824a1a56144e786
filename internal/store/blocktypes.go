package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/registry"
)

// LookupBlockType reads a published type version; version 0 reads the latest.
func (s *PostgresStore) LookupBlockType(ctx context.Context, key string, version int) (block.BlockType, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT definition
		FROM block_types
		WHERE key=$1 AND (version=$2 OR $2=0)
		ORDER BY version DESC
		LIMIT 1
	`, key, version).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return block.BlockType{}, fmt.Errorf("%w: %s@%d", registry.ErrTypeNotFound, key, version)
	}
	if err != nil {
		return block.BlockType{}, fmt.Errorf("lookup block type: %w", err)
	}
	var t block.BlockType
	if err := json.Unmarshal(raw, &t); err != nil {
		return block.BlockType{}, fmt.Errorf("decode block type %s@%d: %w", key, version, err)
	}
	return t, nil
}

// PublishBlockType stores a new type version. Published versions are
// immutable, so republishing an existing version is a no-op.
func (s *PostgresStore) PublishBlockType(ctx context.Context, t block.BlockType) error {
	if err := registry.CheckDefinition(t); err != nil {
		return err
	}
	definition, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode block type: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO block_types (id, key, version, organisation_scope, definition)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (key, version) DO NOTHING
	`, t.ID, t.Key, t.Version, t.OrganisationScope, string(definition))
	if err != nil {
		return fmt.Errorf("publish block type %s@%d: %w", t.Key, t.Version, err)
	}
	return nil
}

var _ registry.TypeLookup = (*PostgresStore)(nil)

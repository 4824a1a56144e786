package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/environment"
)

func (s *PostgresStore) LoadEnvironment(ctx context.Context, organisationID, contextKey string) (environment.Snapshot, error) {
	row := EnvironmentRow{OrganisationID: organisationID, ContextKey: contextKey}
	var layout, trees []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT version, layout, trees, last_modified_by, last_modified_at
		FROM environments
		WHERE organisation_id=$1 AND context_key=$2
	`, organisationID, contextKey).Scan(&row.Version, &layout, &trees, &row.LastModifiedBy, &row.LastModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return environment.Snapshot{}, fmt.Errorf("%w: %s/%s", environment.ErrNotFound, organisationID, contextKey)
	}
	if err != nil {
		return environment.Snapshot{}, fmt.Errorf("load environment: %w", err)
	}
	row.Layout, row.Trees = layout, trees
	env, err := decodeEnvironment(row)
	if err != nil {
		return environment.Snapshot{}, err
	}
	return environment.Snapshot{
		Environment: env,
		Meta: block.Meta{
			Version:        row.Version,
			LastModifiedBy: row.LastModifiedBy,
			LastModifiedAt: row.LastModifiedAt,
		},
	}, nil
}

func decodeEnvironment(row EnvironmentRow) (block.Environment, error) {
	env := block.Environment{
		OrganisationID: row.OrganisationID,
		ContextKey:     row.ContextKey,
		Version:        row.Version,
	}
	if len(row.Layout) > 0 {
		if err := json.Unmarshal(row.Layout, &env.Layout); err != nil {
			return block.Environment{}, fmt.Errorf("decode layout: %w", err)
		}
	}
	if len(row.Trees) > 0 {
		if err := json.Unmarshal(row.Trees, &env.Trees); err != nil {
			return block.Environment{}, fmt.Errorf("decode trees: %w", err)
		}
	}
	return env, nil
}

// CompareAndSwap writes the environment and its block rows in one
// transaction, guarded by the stored version.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, in environment.SaveInput) (environment.CASResult, error) {
	layout, err := json.Marshal(in.Environment.Layout)
	if err != nil {
		return environment.CASResult{}, fmt.Errorf("encode layout: %w", err)
	}
	trees := in.Environment.Trees
	if trees == nil {
		trees = []block.BlockTree{}
	}
	encodedTrees, err := json.Marshal(trees)
	if err != nil {
		return environment.CASResult{}, fmt.Errorf("encode trees: %w", err)
	}
	rows, err := flatten(in.Environment)
	if err != nil {
		return environment.CASResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return environment.CASResult{}, fmt.Errorf("begin save tx: %w", err)
	}

	var res sql.Result
	if in.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO environments (organisation_id, context_key, version, layout, trees, last_modified_by, last_modified_at)
			VALUES ($1, $2, 1, $3::jsonb, $4::jsonb, $5, $6)
			ON CONFLICT (organisation_id, context_key) DO NOTHING
		`, in.OrganisationID, in.ContextKey, string(layout), string(encodedTrees), in.ModifiedBy, in.ModifiedAt)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE environments
			SET version=version+1, layout=$3::jsonb, trees=$4::jsonb, last_modified_by=$5, last_modified_at=$6
			WHERE organisation_id=$1 AND context_key=$2 AND version=$7
		`, in.OrganisationID, in.ContextKey, string(layout), string(encodedTrees), in.ModifiedBy, in.ModifiedAt, in.ExpectedVersion)
	}
	if err != nil {
		_ = tx.Rollback()
		return environment.CASResult{}, fmt.Errorf("write environment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return environment.CASResult{}, fmt.Errorf("write environment: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		meta, err := s.loadMeta(ctx, in.OrganisationID, in.ContextKey)
		if err != nil {
			return environment.CASResult{}, err
		}
		return environment.CASResult{Swapped: false, Meta: meta}, nil
	}

	if err := syncBlocks(ctx, tx, in, rows); err != nil {
		_ = tx.Rollback()
		return environment.CASResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return environment.CASResult{}, fmt.Errorf("commit save tx: %w", err)
	}
	return environment.CASResult{
		Swapped: true,
		Meta: block.Meta{
			Version:        in.ExpectedVersion + 1,
			LastModifiedBy: in.ModifiedBy,
			LastModifiedAt: in.ModifiedAt,
		},
	}, nil
}

func (s *PostgresStore) loadMeta(ctx context.Context, organisationID, contextKey string) (block.Meta, error) {
	var meta block.Meta
	err := s.db.QueryRowContext(ctx, `
		SELECT version, last_modified_by, last_modified_at
		FROM environments
		WHERE organisation_id=$1 AND context_key=$2
	`, organisationID, contextKey).Scan(&meta.Version, &meta.LastModifiedBy, &meta.LastModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return block.Meta{}, nil
	}
	if err != nil {
		return block.Meta{}, fmt.Errorf("load environment version: %w", err)
	}
	return meta, nil
}

// flatten lists every block of env with its tree position.
func flatten(env block.Environment) ([]BlockRow, error) {
	var rows []BlockRow
	positions := make(map[string]int)
	for _, tree := range env.Trees {
		var encodeErr error
		err := block.Walk(tree.Root, func(n block.Node, parent block.Node, slot string, _ int) bool {
			b := n.Base()
			payload, err := block.MarshalMetadata(b.Payload)
			if err != nil {
				encodeErr = fmt.Errorf("encode block %s: %w", b.ID, err)
				return false
			}
			row := BlockRow{
				ID:          b.ID,
				TypeKey:     b.TypeRef.Key,
				TypeVersion: b.TypeRef.Version,
				Name:        b.Name,
				Payload:     payload,
				CreatedAt:   b.Audit.CreatedAt,
				CreatedBy:   b.Audit.CreatedBy,
				UpdatedAt:   b.Audit.UpdatedAt,
				UpdatedBy:   b.Audit.UpdatedBy,
			}
			if parent != nil {
				row.ParentID = parent.Base().ID
				row.Slot = slot
				key := row.ParentID + "\x00" + slot
				row.Position = positions[key]
				positions[key]++
			}
			rows = append(rows, row)
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("flatten environment: %w", err)
		}
		if encodeErr != nil {
			return nil, encodeErr
		}
	}
	return rows, nil
}

// syncBlocks upserts the block rows of a saved environment and archives the
// rows of blocks it no longer contains.
func syncBlocks(ctx context.Context, tx *sql.Tx, in environment.SaveInput, rows []BlockRow) error {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		createdAt := row.CreatedAt
		if createdAt.IsZero() {
			createdAt = in.ModifiedAt
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (id, organisation_id, context_key, parent_id, slot, position, type_key, type_version, name, payload, archived, created_at, created_by, updated_at, updated_by)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10::jsonb, FALSE, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				parent_id=EXCLUDED.parent_id,
				slot=EXCLUDED.slot,
				position=EXCLUDED.position,
				type_key=EXCLUDED.type_key,
				type_version=EXCLUDED.type_version,
				name=EXCLUDED.name,
				payload=EXCLUDED.payload,
				archived=FALSE,
				updated_at=EXCLUDED.updated_at,
				updated_by=EXCLUDED.updated_by
			WHERE blocks.organisation_id=EXCLUDED.organisation_id AND blocks.context_key=EXCLUDED.context_key
		`, row.ID, in.OrganisationID, in.ContextKey, row.ParentID, row.Slot, row.Position, row.TypeKey, row.TypeVersion, row.Name, string(row.Payload),
			createdAt, row.CreatedBy, in.ModifiedAt, in.ModifiedBy)
		if err != nil {
			return fmt.Errorf("upsert block %s: %w", row.ID, err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("upsert block %s: %w", row.ID, err)
		} else if affected == 0 {
			return fmt.Errorf("upsert block %s: %w", row.ID, environment.ErrBlockIDTaken)
		}
		ids = append(ids, row.ID)
	}

	kept, err := idList(ids)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE blocks
		SET archived=TRUE, updated_at=$3, updated_by=$4
		WHERE organisation_id=$1 AND context_key=$2 AND archived=FALSE
			AND id NOT IN (SELECT jsonb_array_elements_text($5::jsonb))
	`, in.OrganisationID, in.ContextKey, in.ModifiedAt, in.ModifiedBy, kept)
	if err != nil {
		return fmt.Errorf("archive removed blocks: %w", err)
	}
	return nil
}

// ListBlocks returns the block rows of one environment, archived rows
// included when archived is true.
func (s *PostgresStore) ListBlocks(ctx context.Context, organisationID, contextKey string, archived bool) ([]BlockRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(parent_id, ''), slot, position, type_key, type_version, name, payload, archived, created_at, created_by, updated_at, updated_by
		FROM blocks
		WHERE organisation_id=$1 AND context_key=$2 AND (archived=FALSE OR $3)
		ORDER BY parent_id NULLS FIRST, slot, position
	`, organisationID, contextKey, archived)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	items := make([]BlockRow, 0)
	for rows.Next() {
		item := BlockRow{OrganisationID: organisationID, ContextKey: contextKey}
		var payload []byte
		if err := rows.Scan(&item.ID, &item.ParentID, &item.Slot, &item.Position, &item.TypeKey, &item.TypeVersion, &item.Name, &payload,
			&item.Archived, &item.CreatedAt, &item.CreatedBy, &item.UpdatedAt, &item.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		item.Payload = payload
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return items, nil
}

var _ environment.Persistence = (*PostgresStore)(nil)


package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/registry"
)

type typeStore interface {
	LookupBlockType(ctx context.Context, key string, version int) (block.BlockType, error)
	PublishBlockType(ctx context.Context, t block.BlockType) error
}

// seedTypes publishes every type of file that is not stored yet. Published
// versions are immutable, so existing ones are left alone.
func seedTypes(ctx context.Context, types typeStore, file string, log zerolog.Logger) (int, error) {
	seed, err := registry.LoadSeedFile(file)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, t := range seed {
		_, err := types.LookupBlockType(ctx, t.Key, t.Version)
		if err == nil {
			continue
		}
		if !errors.Is(err, registry.ErrTypeNotFound) {
			return published, fmt.Errorf("lookup %s@%d: %w", t.Key, t.Version, err)
		}
		if err := types.PublishBlockType(ctx, t); err != nil {
			return published, fmt.Errorf("publish %s@%d: %w", t.Key, t.Version, err)
		}
		log.Info().Str("key", t.Key).Int("version", t.Version).Msg("block type published")
		published++
	}
	return published, nil
}

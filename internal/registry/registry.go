// Package registry resolves block types and answers the nesting and payload
// validation questions the command layer asks before every structural write.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
)

var ErrTypeNotFound = errors.New("block type not found")

// TypeLookup is the authoring/storage side of block types. Version 0 asks
// for the latest published version.
type TypeLookup interface {
	LookupBlockType(ctx context.Context, key string, version int) (block.BlockType, error)
}

// Cache is a shared second-level cache for published type versions.
type Cache interface {
	Get(ctx context.Context, key string, version int) (block.BlockType, bool, error)
	Set(ctx context.Context, t block.BlockType) error
}

type Option func(*Registry)

func WithCache(cache Cache) Option {
	return func(r *Registry) { r.shared = cache }
}

func WithSchemaValidator(v SchemaValidator) Option {
	return func(r *Registry) { r.schema = v }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

type Registry struct {
	lookup TypeLookup
	local  *lru.Cache[string, block.BlockType]
	shared Cache
	schema SchemaValidator
	log    zerolog.Logger
}

func New(lookup TypeLookup, cacheSize int, opts ...Option) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	local, err := lru.New[string, block.BlockType](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create type cache: %w", err)
	}
	r := &Registry{
		lookup: lookup,
		local:  local,
		schema: GJSONValidator{},
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func cacheKey(key string, version int) string {
	return fmt.Sprintf("%s:%d", key, version)
}

// Resolve returns the block type for key and version. Only concrete versions
// are cached since "latest" moves when a new version is published.
func (r *Registry) Resolve(ctx context.Context, key string, version int) (block.BlockType, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return block.BlockType{}, fmt.Errorf("resolve block type: %w: empty key", ErrTypeNotFound)
	}
	if version > 0 {
		if t, ok := r.local.Get(cacheKey(key, version)); ok {
			return t, nil
		}
		if r.shared != nil {
			t, ok, err := r.shared.Get(ctx, key, version)
			if err != nil {
				r.log.Warn().Err(err).Str("key", key).Int("version", version).Msg("block type cache read failed")
			} else if ok {
				r.local.Add(cacheKey(key, version), t)
				return t, nil
			}
		}
	}

	t, err := r.lookup.LookupBlockType(ctx, key, version)
	if err != nil {
		if errors.Is(err, ErrTypeNotFound) {
			return block.BlockType{}, err
		}
		return block.BlockType{}, fmt.Errorf("resolve block type %s@%d: %w", key, version, err)
	}

	r.local.Add(cacheKey(t.Key, t.Version), t)
	if r.shared != nil {
		if err := r.shared.Set(ctx, t); err != nil {
			r.log.Warn().Err(err).Str("key", t.Key).Int("version", t.Version).Msg("block type cache write failed")
		}
	}
	return t, nil
}

// ResolveRef is Resolve for a block's TypeRef.
func (r *Registry) ResolveRef(ctx context.Context, ref block.TypeRef) (block.BlockType, error) {
	return r.Resolve(ctx, ref.Key, ref.Version)
}

// CanNest reports whether parent accepts another child of type child given
// the number of children it already holds.
func CanNest(parent, child block.BlockType, currentChildren int) bool {
	if parent.Nesting == nil {
		return false
	}
	if !parent.Nesting.Allows(child.Kind) {
		return false
	}
	if parent.Nesting.Max != nil && currentChildren >= *parent.Nesting.Max {
		return false
	}
	return true
}

func (r *Registry) CanNest(parent, child block.BlockType, currentChildren int) bool {
	return CanNest(parent, child, currentChildren)
}

// Validate checks a payload against its type. NONE skips the check, SOFT
// returns the issues without an error and STRICT turns them into a
// *ValidationError.
func (r *Registry) Validate(t block.BlockType, payload block.Metadata) ([]ValidationIssue, error) {
	if t.Strictness == block.StrictnessNone || t.Strictness == "" {
		return nil, nil
	}
	issues, err := validatePayload(r.schema, t, payload)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, nil
	}
	if t.Strictness == block.StrictnessStrict {
		return issues, &ValidationError{TypeKey: t.Key, Version: t.Version, Issues: issues}
	}
	return issues, nil
}

// Package resolve fans references out to per-entity-kind batch resolvers.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/metrics"
)

// Resolver batch-fetches entities of one kind. Ids without a match are left
// out of the result; an error means the whole batch could not be fetched.
type Resolver interface {
	Fetch(ctx context.Context, ids []string) (map[string]any, error)
}

type ResolverFunc func(ctx context.Context, ids []string) (map[string]any, error)

func (f ResolverFunc) Fetch(ctx context.Context, ids []string) (map[string]any, error) {
	return f(ctx, ids)
}

type Dispatcher struct {
	mu        sync.RWMutex
	resolvers map[block.EntityType]Resolver
	log       zerolog.Logger
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		resolvers: make(map[block.EntityType]Resolver),
		log:       log,
	}
}

func (d *Dispatcher) Register(kind block.EntityType, r Resolver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolvers[kind] = r
}

func (d *Dispatcher) Resolver(kind block.EntityType) (Resolver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.resolvers[kind]
	return r, ok
}

// WithResolver returns a copy of the dispatcher with one kind overridden. The
// editor uses it to resolve BLOCK references against its own forest.
func (d *Dispatcher) WithResolver(kind block.EntityType, r Resolver) *Dispatcher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := &Dispatcher{resolvers: make(map[block.EntityType]Resolver, len(d.resolvers)+1), log: d.log}
	for k, v := range d.resolvers {
		out.resolvers[k] = v
	}
	out.resolvers[kind] = r
	return out
}

type batchResult struct {
	kind     block.EntityType
	entities map[string]any
	err      error
	missing  bool // no resolver registered
}

// Hydrate resolves every reference with one fetch per entity kind. Kinds are
// fetched concurrently. It never fails: absent ids become MISSING, kinds
// without a resolver UNSUPPORTED and failed batches REQUIRES_LOADING.
func (d *Dispatcher) Hydrate(ctx context.Context, refs []block.Reference) []block.Reference {
	if len(refs) == 0 {
		return []block.Reference{}
	}

	groups := make(map[block.EntityType][]string)
	seen := make(map[block.EntityType]map[string]struct{})
	var kinds []block.EntityType
	for _, ref := range refs {
		ids, ok := seen[ref.EntityType]
		if !ok {
			ids = make(map[string]struct{})
			seen[ref.EntityType] = ids
			kinds = append(kinds, ref.EntityType)
		}
		if _, dup := ids[ref.EntityID]; dup {
			continue
		}
		ids[ref.EntityID] = struct{}{}
		groups[ref.EntityType] = append(groups[ref.EntityType], ref.EntityID)
	}

	results := make([]batchResult, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		i, kind := i, kind
		resolver, ok := d.Resolver(kind)
		if !ok {
			results[i] = batchResult{kind: kind, missing: true}
			continue
		}
		g.Go(func() error {
			start := time.Now()
			entities, err := resolver.Fetch(gctx, groups[kind])
			metrics.ResolverFetchDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.ResolverFetches.WithLabelValues(string(kind), "error").Inc()
				d.log.Warn().Err(err).Str("entity_type", string(kind)).Int("ids", len(groups[kind])).Msg("resolver fetch failed")
			} else {
				metrics.ResolverFetches.WithLabelValues(string(kind), "ok").Inc()
			}
			results[i] = batchResult{kind: kind, entities: entities, err: err}
			// batch failures are non-fatal and must not cancel sibling kinds
			return nil
		})
	}
	_ = g.Wait()

	byKind := make(map[block.EntityType]batchResult, len(results))
	for _, res := range results {
		byKind[res.kind] = res
	}

	out := make([]block.Reference, len(refs))
	for i, ref := range refs {
		res := byKind[ref.EntityType]
		switch {
		case res.missing:
			out[i] = ref.WithWarning(block.WarningUnsupported)
		case res.err != nil:
			out[i] = ref.WithWarning(block.WarningRequiresLoading)
		default:
			entity, ok := res.entities[ref.EntityID]
			if !ok || entity == nil {
				out[i] = ref.WithWarning(block.WarningMissing)
			} else {
				out[i] = ref.WithEntity(entity)
			}
		}
	}
	SortByOrderIndex(out)
	return out
}

// SortByOrderIndex orders references by OrderIndex ascending. References
// without an index keep their relative input order after the indexed ones.
func SortByOrderIndex(refs []block.Reference) {
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i].OrderIndex, refs[j].OrderIndex
		switch {
		case a != nil && b != nil:
			return *a < *b
		case a != nil:
			return true
		default:
			return false
		}
	})
}

// Chain asks each resolver in turn for the ids the previous ones did not
// return.
func Chain(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context, ids []string) (map[string]any, error) {
		found := make(map[string]any, len(ids))
		remaining := ids
		for _, r := range resolvers {
			if len(remaining) == 0 {
				break
			}
			batch, err := r.Fetch(ctx, remaining)
			if err != nil {
				return nil, err
			}
			next := remaining[:0:0]
			for _, id := range remaining {
				if entity, ok := batch[id]; ok {
					found[id] = entity
					continue
				}
				next = append(next, id)
			}
			remaining = next
		}
		return found, nil
	})
}

// EntitySource is the storage side of the non-block resolvers.
type EntitySource interface {
	FetchEntities(ctx context.Context, kind block.EntityType, ids []string) (map[string]any, error)
}

// StoreResolver adapts an EntitySource to one entity kind.
type StoreResolver struct {
	Kind   block.EntityType
	Source EntitySource
}

func (r StoreResolver) Fetch(ctx context.Context, ids []string) (map[string]any, error) {
	entities, err := r.Source.FetchEntities(ctx, r.Kind, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch %s entities: %w", r.Kind, err)
	}
	return entities, nil
}

// NodeLookup finds a block's node in some forest.
type NodeLookup func(id string) (block.Node, bool)

// ForestResolver resolves BLOCK references to cloned sub-trees found by the
// lookup. Clones keep hydration from writing into the source forest.
func ForestResolver(lookup NodeLookup) Resolver {
	return ResolverFunc(func(_ context.Context, ids []string) (map[string]any, error) {
		out := make(map[string]any, len(ids))
		for _, id := range ids {
			if n, ok := lookup(id); ok && n != nil && !n.Base().Archived {
				out[id] = block.CloneNode(n)
			}
		}
		return out, nil
	})
}

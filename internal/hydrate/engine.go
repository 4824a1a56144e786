// Package hydrate resolves the references of block trees for rendering. It
// works on copies and never fails on business data: every problem is recorded
// as a warning on the reference.
package hydrate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/metrics"
	"bizdesk/api/internal/resolve"
)

// Fetcher resolves a batch of references. *resolve.Dispatcher satisfies it.
type Fetcher interface {
	Hydrate(ctx context.Context, refs []block.Reference) []block.Reference
}

type Config struct {
	// MaxDepth caps every block-tree expansion regardless of its ExpandDepth.
	MaxDepth int
	// DefaultExpandDepth applies to block-tree references with ExpandDepth 0.
	DefaultExpandDepth int
}

type Options struct {
	// Visible reports whether a reference block is on screen. Nil means
	// everything is visible.
	Visible func(block.Node) bool
	// DefaultPolicy applies to references whose payload sets none.
	DefaultPolicy block.FetchPolicy
}

type Engine struct {
	fetcher Fetcher
	cfg     Config
	log     zerolog.Logger
}

func New(fetcher Fetcher, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 8
	}
	if cfg.DefaultExpandDepth <= 0 {
		cfg.DefaultExpandDepth = 1
	}
	if cfg.DefaultExpandDepth > cfg.MaxDepth {
		cfg.DefaultExpandDepth = cfg.MaxDepth
	}
	return &Engine{fetcher: fetcher, cfg: cfg, log: log}
}

// WithFetcher returns an engine sharing the configuration but resolving
// through fetcher.
func (e *Engine) WithFetcher(fetcher Fetcher) *Engine {
	out := *e
	out.fetcher = fetcher
	return &out
}

// Hydrate returns a hydrated deep copy of root.
func (e *Engine) Hydrate(ctx context.Context, root block.Node, opts Options) (block.Node, error) {
	out, err := e.hydrate(ctx, []block.Node{root}, opts)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *Engine) HydrateTree(ctx context.Context, tree block.BlockTree, opts Options) (block.BlockTree, error) {
	root, err := e.Hydrate(ctx, tree.Root, opts)
	if err != nil {
		return block.BlockTree{}, err
	}
	return block.BlockTree{Root: root}, nil
}

// HydrateEnvironment hydrates every tree of env in shared fetch rounds.
func (e *Engine) HydrateEnvironment(ctx context.Context, env block.Environment, opts Options) (block.Environment, error) {
	out := env.Clone()
	roots := make([]block.Node, len(out.Trees))
	for i, tree := range out.Trees {
		roots[i] = tree.Root
	}
	hydrated, err := e.hydrate(ctx, roots, opts)
	if err != nil {
		return block.Environment{}, err
	}
	for i := range out.Trees {
		out.Trees[i].Root = hydrated[i]
	}
	return out, nil
}

// task is one reference node waiting for the next fetch round.
type task struct {
	node    *block.ReferenceNode
	path    map[string]bool
	limit   int // remaining expansion budget inherited from an enclosing inclusion, -1 when none
	visible bool
}

// pending points a batched reference back at its task.
type pending struct {
	task int
	item int
}

func (e *Engine) hydrate(ctx context.Context, roots []block.Node, opts Options) ([]block.Node, error) {
	out := make([]block.Node, len(roots))
	var frontier []task
	for i, root := range roots {
		if root == nil {
			continue
		}
		if err := block.Walk(root, func(block.Node, block.Node, string, int) bool { return true }); err != nil {
			return nil, fmt.Errorf("hydrate: %w", err)
		}
		out[i] = block.CloneNode(root)
		tasks, err := collect(out[i], nil, -1, opts)
		if err != nil {
			return nil, err
		}
		frontier = append(frontier, tasks...)
	}

	for round := 0; len(frontier) > 0; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("hydrate round %d: %w", round, err)
		}
		next, err := e.round(ctx, frontier, opts)
		if err != nil {
			return nil, err
		}
		frontier = next
	}
	return out, nil
}

// round settles every reference of the frontier with at most one fetch call
// and returns the reference nodes found inside included block trees.
func (e *Engine) round(ctx context.Context, frontier []task, opts Options) ([]task, error) {
	results := make([][]block.Reference, len(frontier))
	budgets := make([]int, len(frontier))
	var batch []block.Reference
	var back []pending

	for ti, t := range frontier {
		if t.node.Reference == nil {
			if err := t.node.SyncReference(); err != nil {
				e.log.Warn().Err(err).Str("block_id", t.node.Block.ID).Msg("reference block without reference payload")
				continue
			}
		}
		refs := t.node.Reference.References()
		settled := make([]block.Reference, len(refs))
		results[ti] = settled

		lazy := e.policy(t.node, opts) == block.FetchLazy && !t.visible
		budget := e.budget(t)
		budgets[ti] = budget
		for ri, ref := range refs {
			ref = ref.Unresolved()
			blockRef := ref.EntityType == block.EntityBlock
			switch {
			case lazy:
				settled[ri] = ref.WithWarning(block.WarningRequiresLoading)
			case blockRef && t.path[ref.EntityID]:
				settled[ri] = ref.WithWarning(block.WarningCircular)
			case blockRef && budget <= 0:
				settled[ri] = ref.WithWarning(block.WarningDepthExceeded)
			default:
				settled[ri] = ref
				unordered := ref
				unordered.OrderIndex = nil
				batch = append(batch, unordered)
				back = append(back, pending{task: ti, item: ri})
			}
		}
	}

	if len(batch) > 0 {
		fetched := e.fetcher.Hydrate(ctx, batch)
		if len(fetched) != len(batch) {
			return nil, fmt.Errorf("hydrate: fetcher returned %d references for %d", len(fetched), len(batch))
		}
		for i, p := range back {
			ref := results[p.task][p.item]
			got := fetched[i]
			if got.Warning != "" {
				results[p.task][p.item] = ref.WithWarning(got.Warning)
			} else {
				results[p.task][p.item] = ref.WithEntity(got.Entity)
			}
		}
	}

	var next []task
	for ti, t := range frontier {
		settled := results[ti]
		if settled == nil {
			continue
		}
		for ri, ref := range settled {
			if ref.Warning != "" {
				metrics.ReferenceWarnings.WithLabelValues(string(ref.Warning)).Inc()
				continue
			}
			included, ok := ref.Entity.(block.Node)
			if !ok || ref.EntityType != block.EntityBlock {
				continue
			}
			// the same target may back several references, each gets its own copy
			included = block.CloneNode(included)
			settled[ri] = ref.WithEntity(included)
			nested, err := collect(included, t.path, budgets[ti]-1, opts)
			if err != nil {
				return nil, err
			}
			next = append(next, nested...)
		}
		resolve.SortByOrderIndex(settled)
		t.node.Reference.SetReferences(settled)
	}
	return next, nil
}

func (e *Engine) policy(n *block.ReferenceNode, opts Options) block.FetchPolicy {
	var policy block.FetchPolicy
	switch p := n.Block.Payload.(type) {
	case block.EntityReferenceMetadata:
		policy = p.FetchPolicy
	case block.BlockReferenceMetadata:
		policy = p.FetchPolicy
	}
	if policy == "" {
		policy = opts.DefaultPolicy
	}
	if policy == "" {
		policy = block.FetchEager
	}
	return policy
}

// budget is how many more levels a block-tree reference may expand.
func (e *Engine) budget(t task) int {
	budget := e.cfg.DefaultExpandDepth
	if tree, ok := t.node.Reference.(*block.BlockTreeReference); ok && tree.ExpandDepth > 0 {
		budget = tree.ExpandDepth
	}
	if budget > e.cfg.MaxDepth {
		budget = e.cfg.MaxDepth
	}
	if t.limit >= 0 && t.limit < budget {
		budget = t.limit
	}
	return budget
}

// collect gathers the reference nodes under n. path holds the ids between
// the hydration root and n and is copied, never shared between branches.
func collect(n block.Node, path map[string]bool, limit int, opts Options) ([]task, error) {
	var tasks []task
	var visit func(n block.Node, path map[string]bool) error
	visit = func(n block.Node, path map[string]bool) error {
		here := make(map[string]bool, len(path)+1)
		for id := range path {
			here[id] = true
		}
		here[n.Base().ID] = true
		switch node := n.(type) {
		case *block.ContentNode:
			for _, child := range node.AllChildren() {
				if err := visit(child, here); err != nil {
					return err
				}
			}
			return nil
		case *block.ReferenceNode:
			// blocks inside an inclusion are on screen with the reference that included them
			visible := limit >= 0 || opts.Visible == nil || opts.Visible(node)
			tasks = append(tasks, task{node: node, path: here, limit: limit, visible: visible})
			return nil
		default:
			return fmt.Errorf("hydrate: %w: %T", block.ErrUnknownNode, n)
		}
	}
	if err := visit(n, path); err != nil {
		return nil, err
	}
	return tasks, nil
}

package hydrate

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/resolve"
)

func intPtr(v int) *int { return &v }

type countingResolver struct {
	mu       sync.Mutex
	calls    int
	entities map[string]any
}

func (r *countingResolver) Fetch(_ context.Context, ids []string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	out := make(map[string]any)
	for _, id := range ids {
		if e, ok := r.entities[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func page(id string, children ...block.Node) *block.ContentNode {
	n := block.NewContentNode(block.Block{ID: id, Payload: block.ContentMetadata{}})
	if len(children) > 0 {
		n.Children = map[string][]block.Node{block.DefaultSlot: children}
	}
	return n
}

func blockRef(t *testing.T, id, target string, depth int, policy block.FetchPolicy) *block.ReferenceNode {
	t.Helper()
	n, err := block.NewReferenceNode(block.Block{ID: id, Payload: block.BlockReferenceMetadata{
		Item:        block.ReferenceItem{ID: "ref_" + id, EntityType: block.EntityBlock, EntityID: target, Ownership: block.OwnershipLinked},
		ExpandDepth: depth,
		FetchPolicy: policy,
	}})
	require.NoError(t, err)
	return n
}

func entityList(t *testing.T, id string, policy block.FetchPolicy, items ...block.ReferenceItem) *block.ReferenceNode {
	t.Helper()
	n, err := block.NewReferenceNode(block.Block{ID: id, Payload: block.EntityReferenceMetadata{Items: items, FetchPolicy: policy}})
	require.NoError(t, err)
	return n
}

func engineFor(forest map[string]block.Node, clients *countingResolver) *Engine {
	d := resolve.NewDispatcher(zerolog.Nop())
	d.Register(block.EntityBlock, resolve.ForestResolver(func(id string) (block.Node, bool) {
		n, ok := forest[id]
		return n, ok
	}))
	if clients != nil {
		d.Register(block.EntityClient, clients)
	}
	return New(d, Config{MaxDepth: 6, DefaultExpandDepth: 1}, zerolog.Nop())
}

func treeRef(t *testing.T, n block.Node) block.Reference {
	t.Helper()
	ref, ok := n.(*block.ReferenceNode)
	require.True(t, ok, "expected a reference node, got %T", n)
	tree, ok := ref.Reference.(*block.BlockTreeReference)
	require.True(t, ok)
	return tree.Item
}

func TestCycleIsMarkedCircular(t *testing.T) {
	a := page("A", blockRef(t, "ra", "B", 5, ""))
	b := page("B", blockRef(t, "rb", "A", 5, ""))
	engine := engineFor(map[string]block.Node{"A": a, "B": b}, nil)

	out, err := engine.Hydrate(context.Background(), a, Options{})
	require.NoError(t, err)

	first := treeRef(t, out.(*block.ContentNode).Children[block.DefaultSlot][0])
	require.Empty(t, first.Warning)
	included, ok := first.Entity.(*block.ContentNode)
	require.True(t, ok)
	assert.Equal(t, "B", included.Block.ID)

	back := treeRef(t, included.Children[block.DefaultSlot][0])
	assert.Equal(t, block.WarningCircular, back.Warning)
	assert.Nil(t, back.Entity)
}

func TestDepthBudgetIsEnforced(t *testing.T) {
	c1 := page("C1", blockRef(t, "r1", "C2", 2, ""))
	c2 := page("C2", blockRef(t, "r2", "C3", 4, ""))
	c3 := page("C3", blockRef(t, "r3", "C4", 4, ""))
	c4 := page("C4")
	engine := engineFor(map[string]block.Node{"C1": c1, "C2": c2, "C3": c3, "C4": c4}, nil)

	out, err := engine.Hydrate(context.Background(), c1, Options{})
	require.NoError(t, err)

	r1 := treeRef(t, out.(*block.ContentNode).Children[block.DefaultSlot][0])
	require.True(t, r1.Resolved())
	r2 := treeRef(t, r1.Entity.(*block.ContentNode).Children[block.DefaultSlot][0])
	require.True(t, r2.Resolved())
	r3 := treeRef(t, r2.Entity.(*block.ContentNode).Children[block.DefaultSlot][0])
	assert.Equal(t, block.WarningDepthExceeded, r3.Warning)
}

func TestMaxDepthCapsExpandDepth(t *testing.T) {
	a := page("A", blockRef(t, "ra", "B", 50, ""))
	b := page("B", blockRef(t, "rb", "C", 50, ""))
	c := page("C")
	d := resolve.NewDispatcher(zerolog.Nop())
	forest := map[string]block.Node{"B": b, "C": c}
	d.Register(block.EntityBlock, resolve.ForestResolver(func(id string) (block.Node, bool) {
		n, ok := forest[id]
		return n, ok
	}))
	engine := New(d, Config{MaxDepth: 1}, zerolog.Nop())

	out, err := engine.Hydrate(context.Background(), a, Options{})
	require.NoError(t, err)
	ra := treeRef(t, out.(*block.ContentNode).Children[block.DefaultSlot][0])
	require.True(t, ra.Resolved())
	rb := treeRef(t, ra.Entity.(*block.ContentNode).Children[block.DefaultSlot][0])
	assert.Equal(t, block.WarningDepthExceeded, rb.Warning)
}

func TestLazyReferencesWaitUntilVisible(t *testing.T) {
	clients := &countingResolver{entities: map[string]any{"c1": "Acme"}}
	list := entityList(t, "list", block.FetchLazy, block.ReferenceItem{EntityType: block.EntityClient, EntityID: "c1"})
	root := page("root", list)
	engine := engineFor(nil, clients)

	hidden := func(block.Node) bool { return false }
	out, err := engine.Hydrate(context.Background(), root, Options{Visible: hidden})
	require.NoError(t, err)
	ref := out.(*block.ContentNode).Children[block.DefaultSlot][0].(*block.ReferenceNode).Reference.References()[0]
	assert.Equal(t, block.WarningRequiresLoading, ref.Warning)
	assert.Equal(t, 0, clients.calls)

	out, err = engine.Hydrate(context.Background(), root, Options{Visible: func(n block.Node) bool { return n.Base().ID == "list" }})
	require.NoError(t, err)
	ref = out.(*block.ContentNode).Children[block.DefaultSlot][0].(*block.ReferenceNode).Reference.References()[0]
	assert.Equal(t, "Acme", ref.Entity)
	assert.Equal(t, 1, clients.calls)
}

func TestDefaultPolicyApplies(t *testing.T) {
	clients := &countingResolver{entities: map[string]any{"c1": "Acme"}}
	root := page("root", entityList(t, "list", "", block.ReferenceItem{EntityType: block.EntityClient, EntityID: "c1"}))
	engine := engineFor(nil, clients)

	out, err := engine.Hydrate(context.Background(), root, Options{Visible: func(block.Node) bool { return false }, DefaultPolicy: block.FetchLazy})
	require.NoError(t, err)
	ref := out.(*block.ContentNode).Children[block.DefaultSlot][0].(*block.ReferenceNode).Reference.References()[0]
	assert.Equal(t, block.WarningRequiresLoading, ref.Warning)
}

func TestCompletenessAndOrder(t *testing.T) {
	clients := &countingResolver{entities: map[string]any{"c1": "Acme", "c2": "Globex"}}
	list := entityList(t, "list", "",
		block.ReferenceItem{EntityType: block.EntityClient, EntityID: "c2", OrderIndex: intPtr(1)},
		block.ReferenceItem{EntityType: block.EntityClient, EntityID: "c1", OrderIndex: intPtr(0)},
		block.ReferenceItem{EntityType: block.EntityClient, EntityID: "gone"},
		block.ReferenceItem{EntityType: block.EntityInvoice, EntityID: "i1"},
	)
	other := entityList(t, "other", "", block.ReferenceItem{EntityType: block.EntityClient, EntityID: "c1"})
	root := page("root", list, other)
	engine := engineFor(nil, clients)

	out, err := engine.Hydrate(context.Background(), root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, clients.calls, "references across the frontier share one fetch per kind")

	refs := out.(*block.ContentNode).Children[block.DefaultSlot][0].(*block.ReferenceNode).Reference.References()
	require.Len(t, refs, 4)
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.EntityID
		assert.True(t, (ref.Entity != nil) != (ref.Warning != ""), "exactly one of entity/warning: %+v", ref)
	}
	assert.Equal(t, []string{"c1", "c2", "gone", "i1"}, ids)
	assert.Equal(t, block.WarningMissing, refs[2].Warning)
	assert.Equal(t, block.WarningUnsupported, refs[3].Warning)
}

func TestHydrateLeavesSourceUntouched(t *testing.T) {
	clients := &countingResolver{entities: map[string]any{"c1": "Acme"}}
	list := entityList(t, "list", "", block.ReferenceItem{EntityType: block.EntityClient, EntityID: "c1"})
	root := page("root", list)
	engine := engineFor(nil, clients)

	_, err := engine.Hydrate(context.Background(), root, Options{})
	require.NoError(t, err)
	ref := list.Reference.References()[0]
	assert.Nil(t, ref.Entity)
	assert.Empty(t, ref.Warning)
}

func TestHydrateEnvironmentSharesRounds(t *testing.T) {
	clients := &countingResolver{entities: map[string]any{"c1": "Acme", "c2": "Globex"}}
	env := block.Environment{Trees: []block.BlockTree{
		{Root: page("p1", entityList(t, "l1", "", block.ReferenceItem{EntityType: block.EntityClient, EntityID: "c1"}))},
		{Root: page("p2", entityList(t, "l2", "", block.ReferenceItem{EntityType: block.EntityClient, EntityID: "c2"}))},
	}}
	engine := engineFor(nil, clients)

	out, err := engine.HydrateEnvironment(context.Background(), env, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, clients.calls)
	second := out.Trees[1].Root.(*block.ContentNode).Children[block.DefaultSlot][0].(*block.ReferenceNode)
	assert.Equal(t, "Globex", second.Reference.References()[0].Entity)
}

func TestUnknownNodeVariantFails(t *testing.T) {
	root := page("root")
	root.Children = map[string][]block.Node{block.DefaultSlot: {nil}}
	engine := engineFor(nil, nil)
	_, err := engine.Hydrate(context.Background(), root, Options{})
	assert.ErrorIs(t, err, block.ErrUnknownNode)
}

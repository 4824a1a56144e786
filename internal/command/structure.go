package command

import (
	"context"
	"fmt"

	"bizdesk/api/internal/block"
)

// AddBlock inserts Node under ParentID (a new tree root when empty) at Index
// of Slot. A nil Index appends.
type AddBlock struct {
	lifecycle
	Node     block.Node
	ParentID string
	Slot     string
	Index    *int
	Rect     *block.GridRect

	// exact skips the checks and restores rects instead of Rect; inverses use it.
	exact bool
	rects rectSnapshot

	at     position
	before rectSnapshot
}

func (c *AddBlock) Name() string { return "add_block" }

func (c *AddBlock) Apply(ctx context.Context, d *Document) error {
	if err := c.begin(c.Name()); err != nil {
		return err
	}
	if c.Node == nil {
		return structural(KindValidation, c.Name(), "", "node is required")
	}
	id := c.Node.Base().ID
	if c.ParentID != "" && !d.Index.Contains(c.ParentID) {
		return structural(KindNotFound, c.Name(), id, "parent %s", c.ParentID)
	}
	if err := d.checkFresh(c.Name(), c.Node, nil); err != nil {
		return err
	}
	if !c.exact {
		if c.ParentID != "" {
			if _, ok := d.contentNode(c.ParentID); !ok {
				return structural(KindInvalidNesting, c.Name(), id, "%s is a reference block", c.ParentID)
			}
		}
		if err := d.checkPlacement(ctx, c.Name(), c.ParentID, c.Node, d.childCount(c.ParentID, "")); err != nil {
			return err
		}
		if err := d.checkSubtree(ctx, c.Name(), c.Node); err != nil {
			return err
		}
	}

	pos := position{parent: c.ParentID, slot: c.Slot, index: -1}
	if c.Index != nil {
		pos.index = *c.Index
	}
	c.before = d.captureRects(subtreeIDs(c.Node))
	at, err := d.insert(c.Node, pos)
	if err != nil {
		return fmt.Errorf("add block %s: %w", id, err)
	}
	c.at = at
	switch {
	case c.exact && c.rects != nil:
		d.restoreRects(c.rects)
	case c.Rect != nil:
		d.Env.Layout.Items[id] = *c.Rect
	}
	c.done()
	return nil
}

func (c *AddBlock) Invert() (Command, error) {
	if err := c.applied(c.Name()); err != nil {
		return nil, err
	}
	return &RemoveBlock{ID: c.Node.Base().ID, exact: true, rects: c.before}, nil
}

// RemoveBlock deletes ID together with its sub-tree and every block owned
// through a block-tree reference inside it. References elsewhere that would
// dangle are pruned in the same step.
type RemoveBlock struct {
	lifecycle
	ID string

	// exact removes only the sub-tree and restores rects; inverses use it.
	exact bool
	rects rectSnapshot

	removed []removedGroup
	pruned  []block.Node
	before  rectSnapshot
}

type removedGroup struct {
	node block.Node
	at   position
}

func (c *RemoveBlock) Name() string { return "remove_block" }

// RemovedIDs lists every block id the applied command removed.
func (c *RemoveBlock) RemovedIDs() []string {
	var ids []string
	for _, group := range c.removed {
		ids = append(ids, subtreeIDs(group.node)...)
	}
	return ids
}

func (c *RemoveBlock) Apply(_ context.Context, d *Document) error {
	if err := c.begin(c.Name()); err != nil {
		return err
	}
	if !d.Index.Contains(c.ID) {
		return structural(KindNotFound, c.Name(), c.ID, "")
	}

	var roots []string
	var prune map[string]block.Node
	if c.exact {
		roots = []string{c.ID}
	} else {
		removed := d.cascade(c.ID)
		prune = d.danglingReferences(removed)
		roots = d.groupRoots(removed)
	}

	var ids []string
	for _, root := range roots {
		ids = append(ids, d.Index.Subtree(root)...)
	}
	c.before = d.captureRects(ids)
	c.removed = c.removed[:0]
	for _, root := range roots {
		node, at, err := d.detach(root)
		if err != nil {
			// the set was computed from the index, so this is a broken invariant
			return fmt.Errorf("remove block %s: %w", root, err)
		}
		c.removed = append(c.removed, removedGroup{node: node, at: at})
	}
	c.pruned = c.pruned[:0]
	for id, replacement := range prune {
		old, err := d.replace(id, replacement)
		if err != nil {
			return fmt.Errorf("prune references of %s: %w", id, err)
		}
		c.pruned = append(c.pruned, old)
	}
	if c.exact && c.rects != nil {
		d.restoreRects(c.rects)
	} else {
		d.dropRects(ids)
	}
	c.done()
	return nil
}

func (c *RemoveBlock) Invert() (Command, error) {
	if err := c.applied(c.Name()); err != nil {
		return nil, err
	}
	var steps []Command
	for _, old := range c.pruned {
		steps = append(steps, &UpdateBlock{ID: old.Base().ID, Node: old, exact: true})
	}
	for i := len(c.removed) - 1; i >= 0; i-- {
		group := c.removed[i]
		index := group.at.index
		add := &AddBlock{Node: group.node, ParentID: group.at.parent, Slot: group.at.slot, Index: &index, exact: true}
		if i == 0 {
			add.rects = c.before
		}
		steps = append(steps, add)
	}
	return &Batch{Commands: steps}, nil
}

// cascade returns the ids removed together with id: its sub-tree plus the
// sub-trees of OWNED block targets referenced from inside, transitively.
func (d *Document) cascade(id string) map[string]bool {
	removed := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if removed[next] {
			continue
		}
		for _, sub := range d.Index.Subtree(next) {
			removed[sub] = true
			n, _ := d.Index.Node(sub)
			for _, target := range ownedBlockTargets(n) {
				if removed[target] || !d.Index.Contains(target) {
					continue
				}
				// an owned ancestor would take the removed block's own tree with it
				if target == id || d.Index.IsDescendant(id, target) {
					continue
				}
				queue = append(queue, target)
			}
		}
	}
	return removed
}

func isBlockTarget(item block.ReferenceItem) bool {
	return item.EntityType == block.EntityBlock || item.EntityType == ""
}

func ownedBlockTargets(n block.Node) []string {
	ref, ok := n.(*block.ReferenceNode)
	if !ok {
		return nil
	}
	var out []string
	switch p := ref.Block.Payload.(type) {
	case block.BlockReferenceMetadata:
		if p.Item.IsOwned() && isBlockTarget(p.Item) {
			out = append(out, p.Item.EntityID)
		}
	case block.EntityReferenceMetadata:
		for _, item := range p.Items {
			if item.IsOwned() && item.EntityType == block.EntityBlock {
				out = append(out, item.EntityID)
			}
		}
	}
	return out
}

// danglingReferences returns replacements for the surviving reference nodes
// that point into removed: their block items are dropped and a block-tree
// reference keeps its node with an empty item.
func (d *Document) danglingReferences(removed map[string]bool) map[string]block.Node {
	out := make(map[string]block.Node)
	for _, tree := range d.Env.Trees {
		_ = block.Walk(tree.Root, func(n block.Node, _ block.Node, _ string, _ int) bool {
			if removed[n.Base().ID] {
				return false
			}
			ref, ok := n.(*block.ReferenceNode)
			if !ok {
				return true
			}
			var payload block.Metadata
			switch p := ref.Block.Payload.(type) {
			case block.BlockReferenceMetadata:
				if p.Item.IsEmpty() || !isBlockTarget(p.Item) || !removed[p.Item.EntityID] {
					return true
				}
				p.Item = block.ReferenceItem{}
				payload = p
			case block.EntityReferenceMetadata:
				var kept []block.ReferenceItem
				dropped := false
				for _, item := range p.Items {
					if item.EntityType == block.EntityBlock && removed[item.EntityID] {
						dropped = true
						continue
					}
					kept = append(kept, item)
				}
				if !dropped {
					return true
				}
				cloned := block.CloneMetadata(p).(block.EntityReferenceMetadata)
				cloned.Items = kept
				payload = cloned
			default:
				return true
			}
			replacement := block.CloneNode(ref).(*block.ReferenceNode)
			replacement.Block.Payload = payload
			if err := replacement.SyncReference(); err == nil {
				out[ref.Block.ID] = replacement
			}
			return true
		})
	}
	return out
}

// groupRoots returns the removed ids whose parent survives, in forest
// pre-order.
func (d *Document) groupRoots(removed map[string]bool) []string {
	var roots []string
	for _, tree := range d.Env.Trees {
		_ = block.Walk(tree.Root, func(n block.Node, _ block.Node, _ string, _ int) bool {
			if removed[n.Base().ID] {
				roots = append(roots, n.Base().ID)
				return false
			}
			return true
		})
	}
	return roots
}

// MoveBlock reparents ID under NewParentID, or makes it a tree root when
// NewParentID is empty.
type MoveBlock struct {
	lifecycle
	ID          string
	NewParentID string
	Slot        string
	Index       *int

	exact bool
	from  position
}

func (c *MoveBlock) Name() string { return "move_block" }

func (c *MoveBlock) Apply(ctx context.Context, d *Document) error {
	if err := c.begin(c.Name()); err != nil {
		return err
	}
	node, ok := d.Index.Node(c.ID)
	if !ok {
		return structural(KindNotFound, c.Name(), c.ID, "")
	}
	if c.NewParentID != "" {
		if !d.Index.Contains(c.NewParentID) {
			return structural(KindNotFound, c.Name(), c.ID, "parent %s", c.NewParentID)
		}
		if c.NewParentID == c.ID || d.Index.IsDescendant(c.NewParentID, c.ID) {
			return structural(KindCycleDetected, c.Name(), c.ID, "%s sits inside %s", c.NewParentID, c.ID)
		}
		if _, ok := d.contentNode(c.NewParentID); !ok {
			return structural(KindInvalidNesting, c.Name(), c.ID, "%s is a reference block", c.NewParentID)
		}
	}
	if !c.exact {
		if err := d.checkPlacement(ctx, c.Name(), c.NewParentID, node, d.childCount(c.NewParentID, c.ID)); err != nil {
			return err
		}
	}

	_, from, err := d.detach(c.ID)
	if err != nil {
		return fmt.Errorf("move block %s: %w", c.ID, err)
	}
	to := position{parent: c.NewParentID, slot: c.Slot, index: -1}
	if c.Index != nil {
		to.index = *c.Index
	}
	if _, err := d.insert(node, to); err != nil {
		if _, back := d.insert(node, from); back != nil {
			return fmt.Errorf("move block %s: %w (restore failed: %v)", c.ID, err, back)
		}
		return fmt.Errorf("move block %s: %w", c.ID, err)
	}
	c.from = from
	c.done()
	return nil
}

func (c *MoveBlock) Invert() (Command, error) {
	if err := c.applied(c.Name()); err != nil {
		return nil, err
	}
	index := c.from.index
	return &MoveBlock{ID: c.ID, NewParentID: c.from.parent, Slot: c.from.slot, Index: &index, exact: true}, nil
}

// UpdateBlock replaces the node at ID, payload and children, wholesale.
type UpdateBlock struct {
	lifecycle
	ID   string
	Node block.Node

	exact bool
	rects rectSnapshot

	old    block.Node
	before rectSnapshot
}

func (c *UpdateBlock) Name() string { return "update_block" }

func (c *UpdateBlock) Apply(ctx context.Context, d *Document) error {
	if err := c.begin(c.Name()); err != nil {
		return err
	}
	if c.Node == nil {
		return structural(KindValidation, c.Name(), c.ID, "node is required")
	}
	current, ok := d.Index.Node(c.ID)
	if !ok {
		return structural(KindNotFound, c.Name(), c.ID, "")
	}
	if c.Node.Base().ID == "" {
		c.Node.Base().ID = c.ID
	}
	if c.Node.Base().ID != c.ID {
		return structural(KindValidation, c.Name(), c.ID, "replacement carries id %s", c.Node.Base().ID)
	}

	oldIDs := d.Index.Subtree(c.ID)
	allowed := make(map[string]bool, len(oldIDs))
	for _, id := range oldIDs {
		allowed[id] = true
	}
	if err := d.checkFresh(c.Name(), c.Node, allowed); err != nil {
		return err
	}
	if !c.exact {
		if ref, ok := c.Node.(*block.ReferenceNode); ok {
			if err := ref.SyncReference(); err != nil {
				se := structural(KindValidation, c.Name(), c.ID, "")
				se.Err = err
				return se
			}
		}
		parent, _ := d.Index.ParentID(c.ID)
		if parent != "" && current.Base().TypeRef != c.Node.Base().TypeRef {
			if err := d.checkPlacement(ctx, c.Name(), parent, c.Node, d.childCount(parent, c.ID)); err != nil {
				return err
			}
		}
		if err := d.checkSubtree(ctx, c.Name(), c.Node); err != nil {
			return err
		}
	}

	newIDs := subtreeIDs(c.Node)
	kept := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		kept[id] = true
	}
	var vanished []string
	for _, id := range oldIDs {
		if !kept[id] {
			vanished = append(vanished, id)
		}
	}
	c.before = d.captureRects(append(oldIDs, newIDs...))
	old, err := d.replace(c.ID, c.Node)
	if err != nil {
		return fmt.Errorf("update block %s: %w", c.ID, err)
	}
	c.old = old
	if c.exact && c.rects != nil {
		d.restoreRects(c.rects)
	} else {
		d.dropRects(vanished)
	}
	c.done()
	return nil
}

func (c *UpdateBlock) Invert() (Command, error) {
	if err := c.applied(c.Name()); err != nil {
		return nil, err
	}
	return &UpdateBlock{ID: c.ID, Node: c.old, exact: true, rects: c.before}, nil
}

// Package command applies structural and positional edits to a loaded block
// environment as atomic, invertible commands.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/metrics"
	"bizdesk/api/internal/registry"
	"bizdesk/api/internal/treeindex"
)

// Types answers the nesting and payload questions asked before a structural
// write. *registry.Registry satisfies it.
type Types interface {
	ResolveRef(ctx context.Context, ref block.TypeRef) (block.BlockType, error)
	Validate(t block.BlockType, payload block.Metadata) ([]registry.ValidationIssue, error)
}

// Document is the mutable environment a command operates on. Env and Index
// are kept in step by the commands; callers must not edit them directly.
type Document struct {
	Env   block.Environment
	Index *treeindex.Index
	types Types
	log   zerolog.Logger
}

// NewDocument indexes env. A nil types skips nesting and payload checks.
func NewDocument(env block.Environment, types Types, log zerolog.Logger) (*Document, error) {
	normalise(&env)
	ix, err := treeindex.Build(env.Trees)
	if err != nil {
		return nil, fmt.Errorf("index environment: %w", err)
	}
	return &Document{Env: env, Index: ix, types: types, log: log}, nil
}

// Execute applies cmd and records the outcome.
func (d *Document) Execute(ctx context.Context, cmd Command) error {
	err := cmd.Apply(ctx, d)
	result := "ok"
	if err != nil {
		result = "error"
		if kind := KindOf(err); kind != "" {
			result = string(kind)
		}
		d.log.Debug().Err(err).Str("command", cmd.Name()).Msg("command rejected")
	}
	metrics.CommandsApplied.WithLabelValues(cmd.Name(), result).Inc()
	return err
}

// Snapshot returns a deep copy of the environment.
func (d *Document) Snapshot() block.Environment {
	return d.Env.Clone()
}

// Reload replaces the environment wholesale and rebuilds the index. Commands
// recorded against the previous environment must not be replayed afterwards.
func (d *Document) Reload(env block.Environment) error {
	normalise(&env)
	return d.restore(env)
}

func (d *Document) restore(env block.Environment) error {
	ix, err := treeindex.Build(env.Trees)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	d.Env = env
	d.Index = ix
	return nil
}

// normalise drops empty slots and empty containers so that inserting and
// removing a node restores the exact prior shape.
func normalise(env *block.Environment) {
	if env.Layout.Items == nil {
		env.Layout.Items = make(map[string]block.GridRect)
	}
	if len(env.Trees) == 0 {
		env.Trees = nil
	}
	for _, tree := range env.Trees {
		_ = block.Walk(tree.Root, func(n block.Node, _ block.Node, _ string, _ int) bool {
			content, ok := n.(*block.ContentNode)
			if !ok {
				return true
			}
			for slot, kids := range content.Children {
				if len(kids) == 0 {
					delete(content.Children, slot)
				}
			}
			if len(content.Children) == 0 {
				content.Children = nil
			}
			return true
		})
	}
}

type position struct {
	parent string
	slot   string
	index  int
}

func (d *Document) rootIDs() []string {
	ids := make([]string, 0, len(d.Env.Trees))
	for _, tree := range d.Env.Trees {
		ids = append(ids, tree.RootID())
	}
	return ids
}

func (d *Document) position(id string) (position, bool) {
	parent, ok := d.Index.ParentID(id)
	if !ok {
		return position{}, false
	}
	if parent == "" {
		for i, tree := range d.Env.Trees {
			if tree.RootID() == id {
				return position{index: i}, true
			}
		}
		return position{}, false
	}
	content, ok := d.contentNode(parent)
	if !ok {
		return position{}, false
	}
	slot := d.Index.Slot(id)
	for i, child := range content.Children[slot] {
		if child.Base().ID == id {
			return position{parent: parent, slot: slot, index: i}, true
		}
	}
	return position{}, false
}

func (d *Document) contentNode(id string) (*block.ContentNode, bool) {
	n, ok := d.Index.Node(id)
	if !ok {
		return nil, false
	}
	content, ok := n.(*block.ContentNode)
	return content, ok
}

// insert links node at pos and indexes it. An out of range index appends.
func (d *Document) insert(node block.Node, pos position) (position, error) {
	if pos.parent == "" {
		if err := d.Index.Attach(node, "", ""); err != nil {
			return position{}, err
		}
		if pos.index < 0 || pos.index > len(d.Env.Trees) {
			pos.index = len(d.Env.Trees)
		}
		d.Env.Trees = append(d.Env.Trees, block.BlockTree{})
		copy(d.Env.Trees[pos.index+1:], d.Env.Trees[pos.index:])
		d.Env.Trees[pos.index] = block.BlockTree{Root: node}
		d.Index.SetRoots(d.rootIDs())
		pos.slot = ""
		return pos, nil
	}

	parent, ok := d.contentNode(pos.parent)
	if !ok {
		return position{}, fmt.Errorf("insert %s: %s cannot hold children", node.Base().ID, pos.parent)
	}
	if pos.slot == "" {
		pos.slot = block.DefaultSlot
	}
	if err := d.Index.Attach(node, pos.parent, pos.slot); err != nil {
		return position{}, err
	}
	if parent.Children == nil {
		parent.Children = make(map[string][]block.Node)
	}
	kids := parent.Children[pos.slot]
	if pos.index < 0 || pos.index > len(kids) {
		pos.index = len(kids)
	}
	kids = append(kids, nil)
	copy(kids[pos.index+1:], kids[pos.index:])
	kids[pos.index] = node
	parent.Children[pos.slot] = kids
	return pos, nil
}

// detach unlinks id with its sub-tree and returns where it was.
func (d *Document) detach(id string) (block.Node, position, error) {
	node, ok := d.Index.Node(id)
	if !ok {
		return nil, position{}, ErrNotFound
	}
	pos, ok := d.position(id)
	if !ok {
		return nil, position{}, fmt.Errorf("detach %s: %w", id, ErrNotFound)
	}
	if pos.parent == "" {
		d.Env.Trees = append(d.Env.Trees[:pos.index], d.Env.Trees[pos.index+1:]...)
		if len(d.Env.Trees) == 0 {
			d.Env.Trees = nil
		}
	} else {
		parent, _ := d.contentNode(pos.parent)
		kids := parent.Children[pos.slot]
		kids = append(kids[:pos.index], kids[pos.index+1:]...)
		if len(kids) == 0 {
			delete(parent.Children, pos.slot)
		} else {
			parent.Children[pos.slot] = kids
		}
		if len(parent.Children) == 0 {
			parent.Children = nil
		}
	}
	d.Index.Detach(id)
	if pos.parent == "" {
		d.Index.SetRoots(d.rootIDs())
	}
	return node, pos, nil
}

// replace swaps the node at id's position for node.
func (d *Document) replace(id string, node block.Node) (block.Node, error) {
	old, ok := d.Index.Node(id)
	if !ok {
		return nil, ErrNotFound
	}
	pos, ok := d.position(id)
	if !ok {
		return nil, fmt.Errorf("replace %s: %w", id, ErrNotFound)
	}
	d.Index.Detach(id)
	if err := d.Index.Attach(node, pos.parent, pos.slot); err != nil {
		if reattach := d.Index.Attach(old, pos.parent, pos.slot); reattach != nil {
			return nil, errors.Join(err, reattach)
		}
		if pos.parent == "" {
			d.Index.SetRoots(d.rootIDs())
		}
		return nil, err
	}
	if pos.parent == "" {
		d.Env.Trees[pos.index] = block.BlockTree{Root: node}
		d.Index.SetRoots(d.rootIDs())
	} else {
		parent, _ := d.contentNode(pos.parent)
		parent.Children[pos.slot][pos.index] = node
	}
	return old, nil
}

// childCount counts the children of parentID, leaving out exclude.
func (d *Document) childCount(parentID, exclude string) int {
	count := 0
	for _, child := range d.Index.Children(parentID) {
		if child.Base().ID != exclude {
			count++
		}
	}
	return count
}

func (d *Document) typeOf(ctx context.Context, cmd string, n block.Node) (block.BlockType, error) {
	t, err := d.types.ResolveRef(ctx, n.Base().TypeRef)
	if err != nil {
		se := structural(KindValidation, cmd, n.Base().ID, "resolve type %s@%d", n.Base().TypeRef.Key, n.Base().TypeRef.Version)
		se.Err = err
		return block.BlockType{}, se
	}
	return t, nil
}

// checkPlacement verifies that parentID accepts child next to siblings other
// children.
func (d *Document) checkPlacement(ctx context.Context, cmd, parentID string, child block.Node, siblings int) error {
	if d.types == nil || parentID == "" {
		return nil
	}
	parent, ok := d.Index.Node(parentID)
	if !ok {
		return structural(KindNotFound, cmd, child.Base().ID, "parent %s", parentID)
	}
	if _, ok := parent.(*block.ContentNode); !ok {
		return structural(KindInvalidNesting, cmd, child.Base().ID, "%s is a reference block", parentID)
	}
	parentType, err := d.typeOf(ctx, cmd, parent)
	if err != nil {
		return err
	}
	childType, err := d.typeOf(ctx, cmd, child)
	if err != nil {
		return err
	}
	if !registry.CanNest(parentType, childType, siblings) {
		return structural(KindInvalidNesting, cmd, child.Base().ID, "%s does not accept %s", parentType.Key, childType.Key)
	}
	return nil
}

// checkSubtree validates nesting inside root and every payload in it. SOFT
// findings land on Block.Warnings.
func (d *Document) checkSubtree(ctx context.Context, cmd string, root block.Node) error {
	if d.types == nil {
		return nil
	}
	var failure error
	walkErr := block.Walk(root, func(n block.Node, _ block.Node, _ string, _ int) bool {
		if failure != nil {
			return false
		}
		t, err := d.typeOf(ctx, cmd, n)
		if err != nil {
			failure = err
			return false
		}
		issues, err := d.types.Validate(t, n.Base().Payload)
		if err != nil {
			se := structural(KindValidation, cmd, n.Base().ID, "")
			se.Err = err
			failure = se
			return false
		}
		n.Base().Warnings = nil
		for _, issue := range issues {
			n.Base().Warnings = append(n.Base().Warnings, issue.String())
		}
		content, ok := n.(*block.ContentNode)
		if !ok {
			return true
		}
		for i, child := range content.AllChildren() {
			childType, err := d.typeOf(ctx, cmd, child)
			if err != nil {
				failure = err
				return false
			}
			if !registry.CanNest(t, childType, i) {
				failure = structural(KindInvalidNesting, cmd, child.Base().ID, "%s does not accept %s", t.Key, childType.Key)
				return false
			}
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	return failure
}

// checkFresh rejects ids in root that the document already holds, other than
// those in allowed.
func (d *Document) checkFresh(cmd string, root block.Node, allowed map[string]bool) error {
	seen := make(map[string]bool)
	var failure error
	walkErr := block.Walk(root, func(n block.Node, _ block.Node, _ string, _ int) bool {
		id := n.Base().ID
		if id == "" {
			failure = structural(KindValidation, cmd, "", "block without id")
			return false
		}
		if seen[id] || (d.Index.Contains(id) && !allowed[id]) {
			failure = structural(KindDuplicateID, cmd, id, "")
			return false
		}
		seen[id] = true
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	return failure
}

func subtreeIDs(root block.Node) []string {
	var ids []string
	_ = block.Walk(root, func(n block.Node, _ block.Node, _ string, _ int) bool {
		ids = append(ids, n.Base().ID)
		return true
	})
	return ids
}

// rectSnapshot remembers layout entries; a nil value marks an absent entry.
type rectSnapshot map[string]*block.GridRect

func (d *Document) captureRects(ids []string) rectSnapshot {
	snap := make(rectSnapshot, len(ids))
	for _, id := range ids {
		if rect, ok := d.Env.Layout.Items[id]; ok {
			r := rect
			snap[id] = &r
		} else {
			snap[id] = nil
		}
	}
	return snap
}

func (d *Document) restoreRects(snap rectSnapshot) {
	for id, rect := range snap {
		if rect == nil {
			delete(d.Env.Layout.Items, id)
		} else {
			d.Env.Layout.Items[id] = *rect
		}
	}
}

func (d *Document) dropRects(ids []string) {
	for _, id := range ids {
		delete(d.Env.Layout.Items, id)
	}
}

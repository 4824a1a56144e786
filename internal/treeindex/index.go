// Package treeindex derives parent, slot and root membership maps from a
// forest of block trees so structural questions are answered without walking
// the trees.
package treeindex

import (
	"errors"
	"fmt"

	"bizdesk/api/internal/block"
)

var ErrDuplicateID = errors.New("duplicate block id")

type entry struct {
	node   block.Node
	parent string
	slot   string
	root   string
}

type Index struct {
	entries map[string]*entry
	roots   []string
}

func New() *Index {
	return &Index{entries: make(map[string]*entry)}
}

// Build indexes every node reachable through content slots. Block ids must be
// unique across the forest.
func Build(trees []block.BlockTree) (*Index, error) {
	ix := New()
	for _, tree := range trees {
		if tree.Root == nil {
			continue
		}
		if err := ix.Attach(tree.Root, "", ""); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// Attach indexes node and its sub-tree under parentID. An empty parentID makes
// node a tree root. The caller links the node into the tree itself.
func (ix *Index) Attach(node block.Node, parentID, slot string) error {
	root := node.Base().ID
	if parentID != "" {
		parent, ok := ix.entries[parentID]
		if !ok {
			return fmt.Errorf("attach %s: parent %s is not indexed", root, parentID)
		}
		root = parent.root
	}
	var added []string
	dup := ""
	err := block.Walk(node, func(n block.Node, p block.Node, s string, depth int) bool {
		if dup != "" {
			return false
		}
		id := n.Base().ID
		if _, exists := ix.entries[id]; exists {
			dup = id
			return false
		}
		e := &entry{node: n, root: root}
		if depth == 0 {
			e.parent, e.slot = parentID, slot
		} else {
			e.parent, e.slot = p.Base().ID, s
		}
		ix.entries[id] = e
		added = append(added, id)
		return true
	})
	if err == nil && dup != "" {
		err = fmt.Errorf("%w: %s", ErrDuplicateID, dup)
	}
	if err != nil {
		for _, id := range added {
			delete(ix.entries, id)
		}
		return err
	}
	if parentID == "" {
		ix.roots = append(ix.roots, node.Base().ID)
	}
	return nil
}

// Detach drops id and its indexed sub-tree.
func (ix *Index) Detach(id string) {
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	for _, sub := range ix.Subtree(id) {
		delete(ix.entries, sub)
	}
	if e.parent == "" {
		for i, root := range ix.roots {
			if root == id {
				ix.roots = append(ix.roots[:i:i], ix.roots[i+1:]...)
				break
			}
		}
	}
}

func (ix *Index) Contains(id string) bool {
	_, ok := ix.entries[id]
	return ok
}

func (ix *Index) Len() int {
	return len(ix.entries)
}

func (ix *Index) Node(id string) (block.Node, bool) {
	e, ok := ix.entries[id]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// ParentID returns the parent id, "" for tree roots. ok is false for unknown
// ids.
func (ix *Index) ParentID(id string) (string, bool) {
	e, ok := ix.entries[id]
	if !ok {
		return "", false
	}
	return e.parent, true
}

func (ix *Index) Slot(id string) string {
	if e, ok := ix.entries[id]; ok {
		return e.slot
	}
	return ""
}

func (ix *Index) TreeRootID(id string) (string, bool) {
	e, ok := ix.entries[id]
	if !ok {
		return "", false
	}
	return e.root, true
}

// Roots returns tree root ids in forest order.
func (ix *Index) Roots() []string {
	return append([]string(nil), ix.roots...)
}

// Children returns the direct children of id in slot order. Reference nodes
// have none.
func (ix *Index) Children(id string) []block.Node {
	e, ok := ix.entries[id]
	if !ok {
		return nil
	}
	if content, ok := e.node.(*block.ContentNode); ok {
		return content.AllChildren()
	}
	return nil
}

// IsDescendant reports whether id sits strictly below ancestor.
func (ix *Index) IsDescendant(id, ancestor string) bool {
	e, ok := ix.entries[id]
	for ok && e.parent != "" {
		if e.parent == ancestor {
			return true
		}
		e, ok = ix.entries[e.parent]
	}
	return false
}

// Ancestors lists the parent chain of id, nearest first.
func (ix *Index) Ancestors(id string) []string {
	var out []string
	e, ok := ix.entries[id]
	for ok && e.parent != "" {
		out = append(out, e.parent)
		e, ok = ix.entries[e.parent]
	}
	return out
}

// Subtree lists id and every indexed descendant in pre-order.
func (ix *Index) Subtree(id string) []string {
	e, ok := ix.entries[id]
	if !ok {
		return nil
	}
	var out []string
	_ = block.Walk(e.node, func(n block.Node, _ block.Node, _ string, _ int) bool {
		out = append(out, n.Base().ID)
		return true
	})
	return out
}

// SetRoots records the forest order after the caller reorders its trees.
func (ix *Index) SetRoots(ids []string) {
	ix.roots = append(ix.roots[:0:0], ids...)
}

package environment

import (
	"fmt"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/util"
)

const (
	blockIDPrefix     = "blk"
	referenceIDPrefix = "ref"
)

// AllocateIDs mints a permanent id for every temporary block id and
// reference item id in env. The result maps temporary to permanent ids.
func AllocateIDs(env block.Environment) (map[string]string, error) {
	mappings := make(map[string]string)
	for _, tree := range env.Trees {
		err := block.Walk(tree.Root, func(n block.Node, _ block.Node, _ string, _ int) bool {
			if id := n.Base().ID; util.IsTemporaryID(id) {
				if _, done := mappings[id]; !done {
					mappings[id] = util.NewID(blockIDPrefix)
				}
			}
			for _, item := range payloadItems(n.Base().Payload) {
				if util.IsTemporaryID(item.ID) {
					if _, done := mappings[item.ID]; !done {
						mappings[item.ID] = util.NewID(referenceIDPrefix)
					}
				}
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("allocate ids: %w", err)
		}
	}
	return mappings, nil
}

func payloadItems(m block.Metadata) []block.ReferenceItem {
	switch p := m.(type) {
	case block.EntityReferenceMetadata:
		return p.Items
	case block.BlockReferenceMetadata:
		return []block.ReferenceItem{p.Item}
	default:
		return nil
	}
}

// ApplyIDMappings rewrites env in place: block ids, reference item ids, BLOCK
// reference targets and layout keys. Hydrated sub-trees are rewritten too so
// a client can keep its rendered state.
func ApplyIDMappings(env *block.Environment, mappings map[string]string) error {
	if len(mappings) == 0 {
		return nil
	}
	for _, tree := range env.Trees {
		if err := remapNode(tree.Root, mappings); err != nil {
			return err
		}
	}
	if env.Layout.Items != nil {
		items := make(map[string]block.GridRect, len(env.Layout.Items))
		for id, rect := range env.Layout.Items {
			if mapped, ok := mappings[id]; ok {
				id = mapped
			}
			items[id] = rect
		}
		env.Layout.Items = items
	}
	return nil
}

func remap(id string, mappings map[string]string) string {
	if mapped, ok := mappings[id]; ok {
		return mapped
	}
	return id
}

func remapItem(item block.ReferenceItem, mappings map[string]string) block.ReferenceItem {
	item.ID = remap(item.ID, mappings)
	if item.EntityType == block.EntityBlock || item.EntityType == "" {
		item.EntityID = remap(item.EntityID, mappings)
	}
	return item
}

func remapNode(n block.Node, mappings map[string]string) error {
	switch node := n.(type) {
	case *block.ContentNode:
		node.Block.ID = remap(node.Block.ID, mappings)
		for _, slot := range node.SlotNames() {
			for _, child := range node.Children[slot] {
				if err := remapNode(child, mappings); err != nil {
					return err
				}
			}
		}
		return nil
	case *block.ReferenceNode:
		node.Block.ID = remap(node.Block.ID, mappings)
		switch p := node.Block.Payload.(type) {
		case block.EntityReferenceMetadata:
			out := block.CloneMetadata(p).(block.EntityReferenceMetadata)
			for i, item := range out.Items {
				out.Items[i] = remapItem(item, mappings)
			}
			node.Block.Payload = out
		case block.BlockReferenceMetadata:
			p.Item = remapItem(p.Item, mappings)
			node.Block.Payload = p
		}
		if node.Reference == nil {
			return nil
		}
		refs := node.Reference.References()
		out := make([]block.Reference, len(refs))
		for i, ref := range refs {
			ref.ReferenceItem = remapItem(ref.ReferenceItem, mappings)
			if included, ok := ref.Entity.(block.Node); ok {
				if err := remapNode(included, mappings); err != nil {
					return err
				}
			}
			out[i] = ref
		}
		node.Reference.SetReferences(out)
		return nil
	default:
		return fmt.Errorf("apply id mappings: %w: %T", block.ErrUnknownNode, n)
	}
}

package treeindex

import (
	"math"

	"bizdesk/api/internal/block"
)

// preorder lists the ids of the tree containing id.
func (ix *Index) preorder(id string) []string {
	root, ok := ix.TreeRootID(id)
	if !ok {
		return nil
	}
	return ix.Subtree(root)
}

// Next returns the pre-order successor of id inside its own tree.
func (ix *Index) Next(id string) (string, bool) {
	order := ix.preorder(id)
	for i, candidate := range order {
		if candidate == id && i+1 < len(order) {
			return order[i+1], true
		}
	}
	return "", false
}

// Previous returns the pre-order predecessor of id inside its own tree.
func (ix *Index) Previous(id string) (string, bool) {
	order := ix.preorder(id)
	for i, candidate := range order {
		if candidate == id && i > 0 {
			return order[i-1], true
		}
	}
	return "", false
}

// Siblings returns the ids sharing id's container, id excluded. Roots are
// siblings of each other.
func (ix *Index) Siblings(id string) []string {
	parent, ok := ix.ParentID(id)
	if !ok {
		return nil
	}
	var ids []string
	if parent == "" {
		ids = ix.Roots()
	} else {
		for _, child := range ix.Children(parent) {
			ids = append(ids, child.Base().ID)
		}
	}
	out := ids[:0:0]
	for _, sibling := range ids {
		if sibling != id {
			out = append(out, sibling)
		}
	}
	return out
}

// Left finds the nearest sibling to the left of id in the grid.
func (ix *Index) Left(id string, layout block.GridLayout) (string, bool) {
	return ix.nearest(id, layout, -1)
}

// Right finds the nearest sibling to the right of id in the grid.
func (ix *Index) Right(id string, layout block.GridLayout) (string, bool) {
	return ix.nearest(id, layout, 1)
}

// nearest scores candidates on the requested side of id: siblings sharing a
// row band beat those that do not, then the smallest horizontal gap wins,
// then the smallest vertical offset.
func (ix *Index) nearest(id string, layout block.GridLayout, direction int) (string, bool) {
	current, ok := layout.Rect(id)
	if !ok {
		return "", false
	}
	best := ""
	bestBand := false
	bestGap, bestOffset := math.MaxInt, math.MaxInt
	for _, sibling := range ix.Siblings(id) {
		rect, ok := layout.Rect(sibling)
		if !ok {
			continue
		}
		var gap int
		if direction < 0 {
			if rect.X >= current.X {
				continue
			}
			gap = current.X - (rect.X + rect.Width)
		} else {
			if rect.X <= current.X {
				continue
			}
			gap = rect.X - (current.X + current.Width)
		}
		if gap < 0 {
			gap = 0
		}
		band := overlapsRows(current, rect)
		offset := abs(rect.Y - current.Y)
		better := false
		switch {
		case best == "":
			better = true
		case band != bestBand:
			better = band
		case gap != bestGap:
			better = gap < bestGap
		default:
			better = offset < bestOffset
		}
		if better {
			best, bestBand, bestGap, bestOffset = sibling, band, gap, offset
		}
	}
	return best, best != ""
}

func overlapsRows(a, b block.GridRect) bool {
	return a.Y < b.Y+b.Height && b.Y < a.Y+a.Height
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

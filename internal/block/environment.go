package block

import (
	"encoding/json"
	"fmt"
	"time"
)

// GridRect is the spatial position of a block inside its layout container.
type GridRect struct {
	X      int  `json:"x"`
	Y      int  `json:"y"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Locked bool `json:"locked"`
}

type GridLayout struct {
	Items map[string]GridRect `json:"items"`
}

func (l GridLayout) Clone() GridLayout {
	if l.Items == nil {
		return GridLayout{}
	}
	items := make(map[string]GridRect, len(l.Items))
	for id, rect := range l.Items {
		items[id] = rect
	}
	return GridLayout{Items: items}
}

func (l GridLayout) Rect(id string) (GridRect, bool) {
	rect, ok := l.Items[id]
	return rect, ok
}

type BlockTree struct {
	Root Node
}

func (t BlockTree) RootID() string {
	if t.Root == nil {
		return ""
	}
	return t.Root.Base().ID
}

func (t BlockTree) MarshalJSON() ([]byte, error) {
	root, err := MarshalNode(t.Root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Root json.RawMessage `json:"root"`
	}{root})
}

func (t *BlockTree) UnmarshalJSON(data []byte) error {
	var raw struct {
		Root json.RawMessage `json:"root"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	root, err := UnmarshalNode(raw.Root)
	if err != nil {
		return err
	}
	t.Root = root
	return nil
}

// Environment is the unit of load and save, scoped to one organisation and
// context key.
type Environment struct {
	OrganisationID string      `json:"organisationId"`
	ContextKey     string      `json:"contextKey"`
	Version        int64       `json:"version"`
	Layout         GridLayout  `json:"layout"`
	Trees          []BlockTree `json:"trees"`
}

// Meta is the version bookkeeping stored next to an environment.
type Meta struct {
	Version        int64     `json:"version"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

func (e Environment) Clone() Environment {
	out := e
	out.Layout = e.Layout.Clone()
	if e.Trees != nil {
		out.Trees = make([]BlockTree, len(e.Trees))
		for i, tree := range e.Trees {
			out.Trees[i] = BlockTree{Root: CloneNode(tree.Root)}
		}
	}
	return out
}

// Tree returns the tree whose root has the given id.
func (e Environment) Tree(rootID string) (BlockTree, bool) {
	for _, tree := range e.Trees {
		if tree.RootID() == rootID {
			return tree, true
		}
	}
	return BlockTree{}, false
}

// BlockIDs lists every block id in the forest in pre-order.
func (e Environment) BlockIDs() ([]string, error) {
	var ids []string
	for _, tree := range e.Trees {
		err := Walk(tree.Root, func(n Node, _ Node, _ string, _ int) bool {
			ids = append(ids, n.Base().ID)
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// StripHydration clears every resolved entity and warning so the forest can
// be persisted. Reference views are rebuilt from payloads.
func StripHydration(env *Environment) error {
	for _, tree := range env.Trees {
		err := Walk(tree.Root, func(n Node, _ Node, _ string, _ int) bool {
			n.Base().Warnings = nil
			if ref, ok := n.(*ReferenceNode); ok {
				if err := ref.SyncReference(); err != nil {
					// payload mismatch is surfaced by validation, keep walking
					ref.Reference = nil
				}
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("strip hydration: %w", err)
		}
	}
	return nil
}

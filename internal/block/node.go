package block

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// DefaultSlot is the slot used when a caller does not name one.
const DefaultSlot = "main"

type NodeType string

const (
	NodeTypeContent   NodeType = "content"
	NodeTypeReference NodeType = "reference"
)

var ErrUnknownNode = errors.New("unknown node variant")

// Node is a block's occurrence at one tree position. The implementations are
// *ContentNode and *ReferenceNode; consumers switch on the concrete type and
// treat anything else as ErrUnknownNode.
type Node interface {
	NodeType() NodeType
	Base() *Block
	cloneNode() Node
}

type ContentNode struct {
	Block    Block
	Children map[string][]Node
}

func NewContentNode(b Block) *ContentNode {
	return &ContentNode{Block: b}
}

func (n *ContentNode) NodeType() NodeType { return NodeTypeContent }
func (n *ContentNode) Base() *Block       { return &n.Block }

func (n *ContentNode) cloneNode() Node {
	out := &ContentNode{Block: n.Block.Clone()}
	if n.Children != nil {
		out.Children = make(map[string][]Node, len(n.Children))
		for slot, kids := range n.Children {
			copied := make([]Node, len(kids))
			for i, kid := range kids {
				copied[i] = CloneNode(kid)
			}
			out.Children[slot] = copied
		}
	}
	return out
}

// SlotNames returns the populated slots in a stable order: the default slot
// first, then the rest alphabetically.
func (n *ContentNode) SlotNames() []string {
	names := make([]string, 0, len(n.Children))
	for slot := range n.Children {
		names = append(names, slot)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == DefaultSlot {
			return names[j] != DefaultSlot
		}
		if names[j] == DefaultSlot {
			return false
		}
		return names[i] < names[j]
	})
	return names
}

// AllChildren flattens the slots in SlotNames order.
func (n *ContentNode) AllChildren() []Node {
	var out []Node
	for _, slot := range n.SlotNames() {
		out = append(out, n.Children[slot]...)
	}
	return out
}

func (n *ContentNode) ChildCount() int {
	total := 0
	for _, kids := range n.Children {
		total += len(kids)
	}
	return total
}

type ReferenceNode struct {
	Block     Block
	Reference NodeReference
}

// NewReferenceNode builds the node and derives its reference view from the
// block payload.
func NewReferenceNode(b Block) (*ReferenceNode, error) {
	n := &ReferenceNode{Block: b}
	if err := n.SyncReference(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *ReferenceNode) NodeType() NodeType { return NodeTypeReference }
func (n *ReferenceNode) Base() *Block       { return &n.Block }

func (n *ReferenceNode) cloneNode() Node {
	out := &ReferenceNode{Block: n.Block.Clone()}
	if n.Reference != nil {
		out.Reference = n.Reference.cloneReference()
	}
	return out
}

// SyncReference rebuilds the unresolved reference view from the payload.
func (n *ReferenceNode) SyncReference() error {
	switch p := n.Block.Payload.(type) {
	case EntityReferenceMetadata:
		items := make([]Reference, len(p.Items))
		for i, item := range p.Items {
			items[i] = Reference{ReferenceItem: cloneItem(item)}
		}
		n.Reference = &EntityReference{Items: items}
	case BlockReferenceMetadata:
		item := cloneItem(p.Item)
		if item.EntityType == "" && !item.IsEmpty() {
			item.EntityType = EntityBlock
		}
		n.Reference = &BlockTreeReference{Item: Reference{ReferenceItem: item}, ExpandDepth: p.ExpandDepth}
	default:
		return fmt.Errorf("block %s: reference node needs a reference payload, got %T", n.Block.ID, n.Block.Payload)
	}
	return nil
}

// FetchPolicy reads the policy recorded in the payload, EAGER when unset.
func (n *ReferenceNode) FetchPolicy() FetchPolicy {
	switch p := n.Block.Payload.(type) {
	case EntityReferenceMetadata:
		if p.FetchPolicy != "" {
			return p.FetchPolicy
		}
	case BlockReferenceMetadata:
		if p.FetchPolicy != "" {
			return p.FetchPolicy
		}
	}
	return FetchEager
}

type ReferenceType string

const (
	ReferenceEntity    ReferenceType = "entity"
	ReferenceBlockTree ReferenceType = "block_tree"
)

// NodeReference is implemented by *EntityReference and *BlockTreeReference.
type NodeReference interface {
	ReferenceType() ReferenceType
	References() []Reference
	SetReferences([]Reference)
	cloneReference() NodeReference
}

type EntityReference struct {
	Items []Reference `json:"items"`
}

func (r *EntityReference) ReferenceType() ReferenceType { return ReferenceEntity }
func (r *EntityReference) References() []Reference      { return r.Items }
func (r *EntityReference) SetReferences(items []Reference) {
	r.Items = items
}

func (r *EntityReference) cloneReference() NodeReference {
	out := &EntityReference{}
	if r.Items != nil {
		out.Items = make([]Reference, len(r.Items))
		for i, item := range r.Items {
			out.Items[i] = cloneReferenceValue(item)
		}
	}
	return out
}

type BlockTreeReference struct {
	Item        Reference `json:"item"`
	ExpandDepth int       `json:"expandDepth"`
}

func (r *BlockTreeReference) ReferenceType() ReferenceType { return ReferenceBlockTree }
func (r *BlockTreeReference) References() []Reference {
	if r.Item.IsEmpty() {
		return nil
	}
	return []Reference{r.Item}
}
func (r *BlockTreeReference) SetReferences(items []Reference) {
	if len(items) > 0 {
		r.Item = items[0]
	}
}

func (r *BlockTreeReference) cloneReference() NodeReference {
	return &BlockTreeReference{Item: cloneReferenceValue(r.Item), ExpandDepth: r.ExpandDepth}
}

func cloneReferenceValue(r Reference) Reference {
	r.ReferenceItem = cloneItem(r.ReferenceItem)
	if n, ok := r.Entity.(Node); ok {
		r.Entity = CloneNode(n)
	}
	return r
}

// CloneNode deep-copies a node and its sub-tree.
func CloneNode(n Node) Node {
	if n == nil {
		return nil
	}
	return n.cloneNode()
}

// NewNode picks the node variant matching the block payload.
func NewNode(b Block) (Node, error) {
	switch b.Payload.(type) {
	case EntityReferenceMetadata, BlockReferenceMetadata:
		return NewReferenceNode(b)
	case ContentMetadata, nil:
		return NewContentNode(b), nil
	default:
		return nil, fmt.Errorf("block %s: %w: payload %T", b.ID, ErrUnknownNode, b.Payload)
	}
}

// WalkFunc is called for every node in pre-order. Returning false skips the
// node's children.
type WalkFunc func(n Node, parent Node, slot string, depth int) bool

// Walk visits the tree in pre-order, slots in SlotNames order. Hydrated
// sub-trees hanging off references are not visited.
func Walk(root Node, fn WalkFunc) error {
	return walk(root, nil, "", 0, fn)
}

func walk(n Node, parent Node, slot string, depth int, fn WalkFunc) error {
	switch node := n.(type) {
	case *ContentNode:
		if !fn(node, parent, slot, depth) {
			return nil
		}
		for _, name := range node.SlotNames() {
			for _, child := range node.Children[name] {
				if err := walk(child, node, name, depth+1, fn); err != nil {
					return err
				}
			}
		}
		return nil
	case *ReferenceNode:
		fn(node, parent, slot, depth)
		return nil
	default:
		return fmt.Errorf("walk: %w: %T", ErrUnknownNode, n)
	}
}

type nodeJSON struct {
	Type      NodeType              `json:"type"`
	Block     Block                 `json:"block"`
	Children  map[string][]nodeJSON `json:"children,omitempty"`
	Reference json.RawMessage       `json:"reference,omitempty"`
}

func (n *ContentNode) MarshalJSON() ([]byte, error) {
	type content struct {
		Type     NodeType          `json:"type"`
		Block    Block             `json:"block"`
		Children map[string][]Node `json:"children,omitempty"`
	}
	return json.Marshal(content{Type: NodeTypeContent, Block: n.Block, Children: n.Children})
}

func (n *ReferenceNode) MarshalJSON() ([]byte, error) {
	type reference struct {
		Type      NodeType       `json:"type"`
		Block     Block          `json:"block"`
		Reference map[string]any `json:"reference,omitempty"`
	}
	out := reference{Type: NodeTypeReference, Block: n.Block}
	switch r := n.Reference.(type) {
	case *EntityReference:
		out.Reference = map[string]any{"type": ReferenceEntity, "items": r.Items}
	case *BlockTreeReference:
		out.Reference = map[string]any{"type": ReferenceBlockTree, "item": r.Item, "expandDepth": r.ExpandDepth}
	}
	return json.Marshal(out)
}

// MarshalNode encodes any node variant.
func MarshalNode(n Node) ([]byte, error) {
	switch node := n.(type) {
	case *ContentNode:
		return node.MarshalJSON()
	case *ReferenceNode:
		return node.MarshalJSON()
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("marshal node: %w: %T", ErrUnknownNode, n)
	}
}

// UnmarshalNode decodes a node. Reference views are rebuilt from the payload;
// hydrated entities in the input are ignored.
func UnmarshalNode(data []byte) (Node, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return fromJSON(raw)
}

func fromJSON(raw nodeJSON) (Node, error) {
	switch raw.Type {
	case NodeTypeContent:
		n := NewContentNode(raw.Block)
		if len(raw.Children) > 0 {
			n.Children = make(map[string][]Node, len(raw.Children))
			for slot, kids := range raw.Children {
				decoded := make([]Node, 0, len(kids))
				for _, kid := range kids {
					child, err := fromJSON(kid)
					if err != nil {
						return nil, err
					}
					decoded = append(decoded, child)
				}
				n.Children[slot] = decoded
			}
		}
		return n, nil
	case NodeTypeReference:
		return NewReferenceNode(raw.Block)
	default:
		return nil, fmt.Errorf("decode node %s: %w %q", raw.Block.ID, ErrUnknownNode, raw.Type)
	}
}

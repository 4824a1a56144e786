package command

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"bizdesk/api/internal/block"
)

// Factory builds commands for UI handlers and decodes command specs sent
// over the API.
type Factory struct {
	validate *validator.Validate
}

func NewFactory() *Factory {
	return &Factory{validate: validator.New()}
}

func (f *Factory) AddBlock(node block.Node, parentID, slot string, index *int, rect *block.GridRect) *AddBlock {
	return &AddBlock{Node: node, ParentID: parentID, Slot: slot, Index: index, Rect: rect}
}

func (f *Factory) RemoveBlock(id string) *RemoveBlock {
	return &RemoveBlock{ID: id}
}

func (f *Factory) MoveBlock(id, newParentID, slot string, index *int) *MoveBlock {
	return &MoveBlock{ID: id, NewParentID: newParentID, Slot: slot, Index: index}
}

func (f *Factory) ResizeBlock(id string, width, height int) *ResizeBlock {
	return &ResizeBlock{ID: id, Width: width, Height: height}
}

func (f *Factory) RepositionBlock(id string, x, y int) *RepositionBlock {
	return &RepositionBlock{ID: id, X: x, Y: y}
}

func (f *Factory) UpdateBlock(id string, node block.Node) *UpdateBlock {
	return &UpdateBlock{ID: id, Node: node}
}

func (f *Factory) UpdateLayout(rects map[string]block.GridRect) *UpdateLayout {
	return &UpdateLayout{Rects: rects}
}

func (f *Factory) Batch(commands ...Command) *Batch {
	return NewBatch(commands...)
}

// Spec is the wire form of a command.
type Spec struct {
	Op       string                    `json:"op" validate:"required,oneof=add remove move resize reposition update layout batch"`
	BlockID  string                    `json:"blockId,omitempty"`
	ParentID string                    `json:"parentId,omitempty"`
	Slot     string                    `json:"slot,omitempty"`
	Index    *int                      `json:"index,omitempty" validate:"omitempty,gte=0"`
	Node     json.RawMessage           `json:"node,omitempty"`
	Rect     *block.GridRect           `json:"rect,omitempty"`
	Width    int                       `json:"width,omitempty"`
	Height   int                       `json:"height,omitempty"`
	X        int                       `json:"x,omitempty"`
	Y        int                       `json:"y,omitempty"`
	Rects    map[string]block.GridRect `json:"rects,omitempty"`
	Commands []Spec                    `json:"commands,omitempty"`
}

// FromSpec turns a decoded spec into a pending command.
func (f *Factory) FromSpec(spec Spec) (Command, error) {
	if err := f.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid command spec: %w", err)
	}
	switch spec.Op {
	case "add", "layout", "batch":
	default:
		if spec.BlockID == "" {
			return nil, fmt.Errorf("%s: blockId is required", spec.Op)
		}
	}
	switch spec.Op {
	case "add":
		node, err := decodeNode(spec)
		if err != nil {
			return nil, err
		}
		return f.AddBlock(node, spec.ParentID, spec.Slot, spec.Index, spec.Rect), nil
	case "remove":
		return f.RemoveBlock(spec.BlockID), nil
	case "move":
		return f.MoveBlock(spec.BlockID, spec.ParentID, spec.Slot, spec.Index), nil
	case "resize":
		return f.ResizeBlock(spec.BlockID, spec.Width, spec.Height), nil
	case "reposition":
		return f.RepositionBlock(spec.BlockID, spec.X, spec.Y), nil
	case "update":
		node, err := decodeNode(spec)
		if err != nil {
			return nil, err
		}
		return f.UpdateBlock(spec.BlockID, node), nil
	case "layout":
		return f.UpdateLayout(spec.Rects), nil
	case "batch":
		commands := make([]Command, 0, len(spec.Commands))
		for i, sub := range spec.Commands {
			cmd, err := f.FromSpec(sub)
			if err != nil {
				return nil, fmt.Errorf("batch step %d: %w", i, err)
			}
			commands = append(commands, cmd)
		}
		return f.Batch(commands...), nil
	default:
		return nil, fmt.Errorf("unknown command op %q", spec.Op)
	}
}

func decodeNode(spec Spec) (block.Node, error) {
	if len(spec.Node) == 0 {
		return nil, fmt.Errorf("%s: node is required", spec.Op)
	}
	node, err := block.UnmarshalNode(spec.Node)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Op, err)
	}
	if node == nil {
		return nil, fmt.Errorf("%s: node is required", spec.Op)
	}
	return node, nil
}

package command

import (
	"context"
	"errors"
	"fmt"
)

var ErrNothingToUndo = errors.New("nothing to undo")
var ErrNothingToRedo = errors.New("nothing to redo")

// History executes commands against one document and keeps undo and redo
// stacks of applied commands.
type History struct {
	doc   *Document
	undo  []Command
	redo  []Command
	limit int
}

// NewHistory keeps at most limit undo steps; limit <= 0 keeps everything.
func NewHistory(doc *Document, limit int) *History {
	return &History{doc: doc, limit: limit}
}

func (h *History) Document() *Document { return h.doc }

func (h *History) Do(ctx context.Context, cmd Command) error {
	if err := h.doc.Execute(ctx, cmd); err != nil {
		return err
	}
	h.push(cmd)
	h.redo = nil
	return nil
}

func (h *History) Undo(ctx context.Context) error {
	if len(h.undo) == 0 {
		return ErrNothingToUndo
	}
	last := h.undo[len(h.undo)-1]
	inverse, err := last.Invert()
	if err != nil {
		return fmt.Errorf("undo %s: %w", last.Name(), err)
	}
	if err := h.doc.Execute(ctx, inverse); err != nil {
		return fmt.Errorf("undo %s: %w", last.Name(), err)
	}
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, inverse)
	return nil
}

func (h *History) Redo(ctx context.Context) error {
	if len(h.redo) == 0 {
		return ErrNothingToRedo
	}
	last := h.redo[len(h.redo)-1]
	again, err := last.Invert()
	if err != nil {
		return fmt.Errorf("redo: %w", err)
	}
	if err := h.doc.Execute(ctx, again); err != nil {
		return fmt.Errorf("redo %s: %w", again.Name(), err)
	}
	h.redo = h.redo[:len(h.redo)-1]
	h.push(again)
	return nil
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Clear forgets both stacks. Saved id remappings invalidate recorded ids.
func (h *History) Clear() {
	h.undo = nil
	h.redo = nil
}

func (h *History) push(cmd Command) {
	h.undo = append(h.undo, cmd)
	if h.limit > 0 && len(h.undo) > h.limit {
		h.undo = append(h.undo[:0:0], h.undo[len(h.undo)-h.limit:]...)
	}
}

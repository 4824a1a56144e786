package command

import (
	"context"
	"sort"

	"bizdesk/api/internal/block"
)

// ResizeBlock sets the width and height of ID's grid rect.
type ResizeBlock struct {
	lifecycle
	ID     string
	Width  int
	Height int

	before rectSnapshot
}

func (c *ResizeBlock) Name() string { return "resize_block" }

func (c *ResizeBlock) Apply(_ context.Context, d *Document) error {
	if err := c.begin(c.Name()); err != nil {
		return err
	}
	if !d.Index.Contains(c.ID) {
		return structural(KindNotFound, c.Name(), c.ID, "")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return structural(KindValidation, c.Name(), c.ID, "size %dx%d", c.Width, c.Height)
	}
	c.before = d.captureRects([]string{c.ID})
	rect := d.Env.Layout.Items[c.ID]
	rect.Width, rect.Height = c.Width, c.Height
	d.Env.Layout.Items[c.ID] = rect
	c.done()
	return nil
}

func (c *ResizeBlock) Invert() (Command, error) {
	if err := c.applied(c.Name()); err != nil {
		return nil, err
	}
	if prev := c.before[c.ID]; prev != nil {
		return &ResizeBlock{ID: c.ID, Width: prev.Width, Height: prev.Height}, nil
	}
	return restoreLayout(c.before), nil
}

// RepositionBlock moves ID's grid rect to X, Y inside its container.
type RepositionBlock struct {
	lifecycle
	ID string
	X  int
	Y  int

	before rectSnapshot
}

func (c *RepositionBlock) Name() string { return "reposition_block" }

func (c *RepositionBlock) Apply(_ context.Context, d *Document) error {
	if err := c.begin(c.Name()); err != nil {
		return err
	}
	if !d.Index.Contains(c.ID) {
		return structural(KindNotFound, c.Name(), c.ID, "")
	}
	if c.X < 0 || c.Y < 0 {
		return structural(KindValidation, c.Name(), c.ID, "position %d,%d", c.X, c.Y)
	}
	c.before = d.captureRects([]string{c.ID})
	rect := d.Env.Layout.Items[c.ID]
	rect.X, rect.Y = c.X, c.Y
	d.Env.Layout.Items[c.ID] = rect
	c.done()
	return nil
}

func (c *RepositionBlock) Invert() (Command, error) {
	if err := c.applied(c.Name()); err != nil {
		return nil, err
	}
	if prev := c.before[c.ID]; prev != nil {
		return &RepositionBlock{ID: c.ID, X: prev.X, Y: prev.Y}, nil
	}
	return restoreLayout(c.before), nil
}

// UpdateLayout writes several grid rects as one command.
type UpdateLayout struct {
	lifecycle
	Rects map[string]block.GridRect

	// clear lists entries to delete; inverses of writes to absent entries use it.
	clear  []string
	before rectSnapshot
}

func (c *UpdateLayout) Name() string { return "update_layout" }

func (c *UpdateLayout) Apply(_ context.Context, d *Document) error {
	if err := c.begin(c.Name()); err != nil {
		return err
	}
	ids := make([]string, 0, len(c.Rects)+len(c.clear))
	for id := range c.Rects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !d.Index.Contains(id) {
			return structural(KindNotFound, c.Name(), id, "")
		}
	}
	ids = append(ids, c.clear...)
	c.before = d.captureRects(ids)
	for id, rect := range c.Rects {
		d.Env.Layout.Items[id] = rect
	}
	d.dropRects(c.clear)
	c.done()
	return nil
}

func (c *UpdateLayout) Invert() (Command, error) {
	if err := c.applied(c.Name()); err != nil {
		return nil, err
	}
	return restoreLayout(c.before), nil
}

func restoreLayout(snap rectSnapshot) *UpdateLayout {
	out := &UpdateLayout{Rects: make(map[string]block.GridRect)}
	for id, rect := range snap {
		if rect == nil {
			out.clear = append(out.clear, id)
		} else {
			out.Rects[id] = *rect
		}
	}
	sort.Strings(out.clear)
	return out
}

package command

import (
	"context"
	"errors"
	"fmt"
)

// Batch applies its commands in order as one unit. When one fails the
// document is restored and no sub-command stays applied.
type Batch struct {
	lifecycle
	Commands []Command
}

func NewBatch(commands ...Command) *Batch {
	return &Batch{Commands: commands}
}

func (c *Batch) Name() string { return "batch" }

func (c *Batch) Apply(ctx context.Context, d *Document) error {
	if err := c.begin(c.Name()); err != nil {
		return err
	}
	snapshot := d.Snapshot()
	for i, cmd := range c.Commands {
		if err := cmd.Apply(ctx, d); err != nil {
			for _, done := range c.Commands[:i+1] {
				done.reset()
			}
			if restoreErr := d.restore(snapshot); restoreErr != nil {
				return errors.Join(err, restoreErr)
			}
			return fmt.Errorf("batch step %d (%s): %w", i, cmd.Name(), err)
		}
	}
	c.done()
	return nil
}

func (c *Batch) Invert() (Command, error) {
	if err := c.applied(c.Name()); err != nil {
		return nil, err
	}
	inverse := make([]Command, 0, len(c.Commands))
	for i := len(c.Commands) - 1; i >= 0; i-- {
		inv, err := c.Commands[i].Invert()
		if err != nil {
			return nil, fmt.Errorf("invert batch step %d: %w", i, err)
		}
		inverse = append(inverse, inv)
	}
	return &Batch{Commands: inverse}, nil
}

func (c *Batch) reset() {
	c.lifecycle.reset()
	for _, cmd := range c.Commands {
		cmd.reset()
	}
}

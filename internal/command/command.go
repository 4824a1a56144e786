package command

import (
	"context"
	"fmt"
)

type State string

const (
	StatePending State = "PENDING"
	StateApplied State = "APPLIED"
)

// Command is one atomic edit. Apply either fully succeeds or leaves the
// document untouched; Invert is only available once the command is applied
// and returns a fresh pending command that undoes it.
type Command interface {
	Name() string
	State() State
	Apply(ctx context.Context, d *Document) error
	Invert() (Command, error)
	reset()
}

type lifecycle struct {
	state State
}

func (l *lifecycle) State() State {
	if l.state == "" {
		return StatePending
	}
	return l.state
}

func (l *lifecycle) begin(name string) error {
	if l.State() == StateApplied {
		return fmt.Errorf("%s: %w", name, ErrAlreadyApplied)
	}
	return nil
}

func (l *lifecycle) applied(name string) error {
	if l.State() != StateApplied {
		return fmt.Errorf("invert %s: %w", name, ErrNotApplied)
	}
	return nil
}

func (l *lifecycle) done() { l.state = StateApplied }

func (l *lifecycle) reset() { l.state = StatePending }

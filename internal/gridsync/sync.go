// Package gridsync turns raw grid widget events into commands. Events of one
// turn are merged so a gesture produces a single logical update.
package gridsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/command"
	"bizdesk/api/internal/metrics"
)

type EventKind string

const (
	EventChange     EventKind = "change"
	EventDragStop   EventKind = "dragstop"
	EventResizeStop EventKind = "resizestop"
	EventAdded      EventKind = "added"
	EventDropped    EventKind = "dropped"
)

// Grid is one layout container. The top-level grid has no owner block.
type Grid struct {
	ID           string `json:"id"`
	OwnerBlockID string `json:"ownerBlockId,omitempty"`
	Parent       *Grid  `json:"parent,omitempty"`
}

// Widget is a block as measured by the grid that holds it.
type Widget struct {
	BlockID string         `json:"blockId"`
	Rect    block.GridRect `json:"rect"`
	Grid    *Grid          `json:"grid,omitempty"`
}

type Event struct {
	Kind         EventKind `json:"kind"`
	Widgets      []Widget  `json:"widgets"`
	PreviousGrid *Grid     `json:"previousGrid,omitempty"`
}

// Executor applies a command to the live document. *command.History and
// *editor.Session satisfy it.
type Executor interface {
	Do(ctx context.Context, cmd command.Command) error
}

// ParentLookup returns the logical parent of a block, "" for tree roots.
type ParentLookup func(id string) (string, bool)

type Synchronizer struct {
	mu       sync.Mutex
	exec     Executor
	parentOf ParentLookup
	factory  *command.Factory
	debounce time.Duration
	pending  []Event
	log      zerolog.Logger
}

type Option func(*Synchronizer)

// WithDebounce keeps collecting events for d after the first one of a turn.
func WithDebounce(d time.Duration) Option {
	return func(s *Synchronizer) { s.debounce = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Synchronizer) { s.log = log }
}

func New(exec Executor, parentOf ParentLookup, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		exec:     exec,
		parentOf: parentOf,
		factory:  command.NewFactory(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewParentID reports where a widget now belongs. ok is false when the widget
// still sits in the reference container. A grid without an owner is the
// top-level grid and yields "" (a tree root).
func NewParentID(w Widget, previous *Grid) (parent string, ok bool) {
	if w.Grid == nil {
		return "", false
	}
	if previous != nil && w.Grid.ID == previous.ID {
		return "", false
	}
	return w.Grid.OwnerBlockID, true
}

func (s *Synchronizer) Push(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
}

// Flush merges the buffered events and executes at most one command.
func (s *Synchronizer) Flush(ctx context.Context) error {
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(events) == 0 {
		return nil
	}
	metrics.GridFlushes.Observe(float64(len(events)))

	cmd := s.plan(events)
	if cmd == nil {
		return nil
	}
	if err := s.exec.Do(ctx, cmd); err != nil {
		s.log.Warn().Err(err).Int("events", len(events)).Msg("grid update rejected")
		return err
	}
	return nil
}

func (s *Synchronizer) plan(events []Event) command.Command {
	rects := make(map[string]block.GridRect)
	targets := make(map[string]string)
	var order []string
	for _, ev := range events {
		for _, w := range ev.Widgets {
			if _, known := s.parentOf(w.BlockID); !known {
				s.log.Debug().Str("block_id", w.BlockID).Msg("grid event for unknown block")
				continue
			}
			rects[w.BlockID] = w.Rect
			if ev.Kind != EventAdded && ev.Kind != EventDropped {
				continue
			}
			parent, ok := NewParentID(w, ev.PreviousGrid)
			if !ok {
				continue
			}
			if _, seen := targets[w.BlockID]; !seen {
				order = append(order, w.BlockID)
			}
			targets[w.BlockID] = parent
		}
	}

	var moves []command.Command
	for _, id := range order {
		current, _ := s.parentOf(id)
		if targets[id] == current {
			continue
		}
		moves = append(moves, s.factory.MoveBlock(id, targets[id], "", nil))
	}
	if len(rects) == 0 && len(moves) == 0 {
		return nil
	}
	layout := s.factory.UpdateLayout(rects)
	if len(moves) == 0 {
		return layout
	}
	return s.factory.Batch(append(moves, layout)...)
}

// Run consumes events until ctx ends or events closes. Every event already
// waiting on the channel joins the current turn before it is flushed.
func (s *Synchronizer) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Push(ev)
		}
		open := s.drain(ctx, events)
		if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
			s.log.Debug().Err(err).Msg("grid flush failed")
		}
		if !open {
			return nil
		}
	}
}

func (s *Synchronizer) drain(ctx context.Context, events <-chan Event) bool {
	var deadline <-chan time.Time
	if s.debounce > 0 {
		timer := time.NewTimer(s.debounce)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		if deadline == nil {
			select {
			case ev, ok := <-events:
				if !ok {
					return false
				}
				s.Push(ev)
			default:
				return true
			}
			continue
		}
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			s.Push(ev)
		case <-deadline:
			return true
		case <-ctx.Done():
			return true
		}
	}
}

// Pending lists the block ids with buffered events, for diagnostics.
func (s *Synchronizer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, ev := range s.pending {
		for _, w := range ev.Widgets {
			if !seen[w.BlockID] {
				seen[w.BlockID] = true
				ids = append(ids, w.BlockID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

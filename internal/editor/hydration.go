package editor

import (
	"context"
	"fmt"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/command"
	"bizdesk/api/internal/hydrate"
	"bizdesk/api/internal/resolve"
	"bizdesk/api/internal/treeindex"
)

// Ticket is a hydration pass started from one generation of the forest.
type Ticket struct {
	generation uint64
	env        block.Environment
	engine     *hydrate.Engine
	visible    map[string]bool
}

func (t Ticket) Generation() uint64 { return t.generation }

type viewTicket struct {
	seq    uint64
	cancel context.CancelFunc
}

// StartHydration snapshots the forest so the fetch can run without the
// session lock.
func (s *Session) StartHydration() (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Ticket{}, ErrClosed
	}
	env := s.history.Document().Snapshot()
	ix, err := treeindex.Build(env.Trees)
	if err != nil {
		return Ticket{}, fmt.Errorf("index snapshot: %w", err)
	}
	visible := make(map[string]bool, len(s.visible))
	for id := range s.visible {
		visible[id] = true
	}
	return Ticket{generation: s.generation, env: env, engine: s.engineFor(ix), visible: visible}, nil
}

// ApplyHydration installs env as the rendered forest unless the session
// changed after t was issued.
func (s *Session) ApplyHydration(t Ticket, env block.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if t.generation != s.generation {
		return ErrStale
	}
	s.rendered = &env
	return nil
}

// Hydrate runs a full pass over the forest. Lazy references are fetched only
// for blocks in view; opts.Visible overrides the session's view set.
func (s *Session) Hydrate(ctx context.Context, opts hydrate.Options) (block.Environment, error) {
	t, err := s.StartHydration()
	if err != nil {
		return block.Environment{}, err
	}
	if opts.Visible == nil {
		opts.Visible = func(n block.Node) bool { return t.visible[n.Base().ID] }
	}
	env, err := t.engine.HydrateEnvironment(ctx, t.env, opts)
	if err != nil {
		return block.Environment{}, fmt.Errorf("hydrate session: %w", err)
	}
	if err := s.ApplyHydration(t, env); err != nil {
		return block.Environment{}, err
	}
	return env, nil
}

// Rendered returns the last applied hydration pass.
func (s *Session) Rendered() (block.Environment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rendered == nil {
		return block.Environment{}, false
	}
	return s.rendered.Clone(), true
}

// EnterView marks a block as on screen for later passes.
func (s *Session) EnterView(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible[id] = true
}

// LeaveView marks a block as off screen and abandons its in-flight fetch.
func (s *Session) LeaveView(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.visible, id)
	if t, ok := s.inflight[id]; ok {
		t.cancel()
		delete(s.inflight, id)
	}
}

// HydrateBlock hydrates the sub-tree of one block as it comes into view. The
// result is dropped with ErrStale if the block leaves the view or the forest
// changes before the fetch returns.
func (s *Session) HydrateBlock(ctx context.Context, id string, opts hydrate.Options) (block.Node, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	doc := s.history.Document()
	if _, ok := doc.Index.Node(id); !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("hydrate block %s: %w", id, command.ErrNotFound)
	}
	env := doc.Snapshot()
	ix, err := treeindex.Build(env.Trees)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("hydrate block %s: %w", id, err)
	}
	engine := s.engineFor(ix)
	if prev, ok := s.inflight[id]; ok {
		prev.cancel()
	}
	vctx, cancel := context.WithCancel(ctx)
	s.viewSeq++
	ticket := &viewTicket{seq: s.viewSeq, cancel: cancel}
	s.inflight[id] = ticket
	s.visible[id] = true
	generation := s.generation
	s.mu.Unlock()
	defer cancel()

	node, _ := ix.Node(id)
	if opts.Visible == nil {
		opts.Visible = func(block.Node) bool { return true }
	}
	out, err := engine.Hydrate(vctx, node, opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.inflight[id]
	if !ok || current.seq != ticket.seq || generation != s.generation {
		return nil, ErrStale
	}
	delete(s.inflight, id)
	if err != nil {
		return nil, fmt.Errorf("hydrate block %s: %w", id, err)
	}
	return out, nil
}

// engineFor resolves BLOCK references against the snapshot first and the
// registered BLOCK resolver second.
func (s *Session) engineFor(ix *treeindex.Index) *hydrate.Engine {
	var blocks resolve.Resolver = resolve.ForestResolver(ix.Node)
	if stored, ok := s.resolvers.Resolver(block.EntityBlock); ok {
		blocks = resolve.Chain(blocks, stored)
	}
	return s.engine.WithFetcher(s.resolvers.WithResolver(block.EntityBlock, blocks))
}

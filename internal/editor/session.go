// Package editor holds one user's open environment: the loaded forest, its
// undo history, its save state and the hydration passes rendered from it.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/command"
	"bizdesk/api/internal/environment"
	"bizdesk/api/internal/hydrate"
	"bizdesk/api/internal/resolve"
	"bizdesk/api/internal/treeindex"
)

type State string

const (
	StateLoaded        State = "LOADED"
	StateSaveAttempted State = "SAVE_ATTEMPTED"
	StateSaved         State = "SAVED"
	StateConflict      State = "CONFLICT"
)

var (
	ErrClosed = errors.New("session closed")
	// ErrStale is returned for hydration results computed from a forest that
	// has changed since, or for a block that left the view.
	ErrStale = errors.New("stale hydration result")
)

// Environments loads and saves environments. *environment.Service satisfies
// it.
type Environments interface {
	Load(ctx context.Context, organisationID, contextKey string) (environment.Snapshot, error)
	Save(ctx context.Context, req environment.SaveRequest) (environment.SaveResult, error)
}

type Options struct {
	// Types checks nesting and payloads. Nil skips the checks.
	Types command.Types
	// Resolvers serve non-block references. A BLOCK resolver registered here
	// is asked for blocks missing from the session forest.
	Resolvers *resolve.Dispatcher
	Engine    *hydrate.Engine
	// HistoryLimit caps the undo stack; 0 keeps everything.
	HistoryLimit int
	Log          zerolog.Logger
}

type Session struct {
	mu sync.Mutex

	envs           Environments
	organisationID string
	contextKey     string
	userID         string
	meta           block.Meta

	history  *command.History
	state    State
	dirty    bool
	conflict *environment.SaveResult
	closed   bool

	resolvers  *resolve.Dispatcher
	engine     *hydrate.Engine
	generation uint64
	rendered   *block.Environment
	visible    map[string]bool
	inflight   map[string]*viewTicket
	viewSeq    uint64

	log zerolog.Logger
}

// Open loads the environment for contextKey and returns a session editing it
// on behalf of userID.
func Open(ctx context.Context, envs Environments, organisationID, contextKey, userID string, opts Options) (*Session, error) {
	snap, err := envs.Load(ctx, organisationID, contextKey)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	doc, err := command.NewDocument(snap.Environment, opts.Types, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	resolvers := opts.Resolvers
	if resolvers == nil {
		resolvers = resolve.NewDispatcher(opts.Log)
	}
	engine := opts.Engine
	if engine == nil {
		engine = hydrate.New(resolvers, hydrate.Config{}, opts.Log)
	}
	return &Session{
		envs:           envs,
		organisationID: organisationID,
		contextKey:     contextKey,
		userID:         userID,
		meta:           snap.Meta,
		history:        command.NewHistory(doc, opts.HistoryLimit),
		state:          StateLoaded,
		resolvers:      resolvers,
		engine:         engine,
		visible:        make(map[string]bool),
		inflight:       make(map[string]*viewTicket),
		log: opts.Log.With().
			Str("organisation_id", organisationID).
			Str("context_key", contextKey).
			Logger(),
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Version
}

// Meta returns the version bookkeeping the session is based on.
func (s *Session) Meta() block.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Dirty reports whether commands ran since the last load or successful save.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Conflict returns the metadata of the last rejected save while the session
// is in the CONFLICT state.
func (s *Session) Conflict() (environment.SaveResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict == nil {
		return environment.SaveResult{}, false
	}
	return *s.conflict, true
}

// Environment returns a copy of the edited forest.
func (s *Session) Environment() block.Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Document().Snapshot()
}

func (s *Session) ParentID(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Document().Index.ParentID(id)
}

// Index runs fn with the live tree index. fn must not retain it.
func (s *Session) Index(fn func(ix *treeindex.Index, layout block.GridLayout)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.history.Document()
	fn(doc.Index, doc.Env.Layout)
}

// Do applies cmd. Commands of one session never interleave.
func (s *Session) Do(ctx context.Context, cmd command.Command) error {
	return s.edit(func() error { return s.history.Do(ctx, cmd) })
}

func (s *Session) Undo(ctx context.Context) error {
	return s.edit(func() error { return s.history.Undo(ctx) })
}

func (s *Session) Redo(ctx context.Context) error {
	return s.edit(func() error { return s.history.Redo(ctx) })
}

func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}

func (s *Session) edit(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := fn(); err != nil {
		return err
	}
	s.dirty = true
	s.generation++
	return nil
}

// Save writes the forest against the version it was loaded at. On success
// the live forest adopts the permanent ids; on conflict nothing changes
// locally and the session stays in CONFLICT until it is saved again or
// discarded.
func (s *Session) Save(ctx context.Context) (environment.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return environment.SaveResult{}, ErrClosed
	}
	previous := s.state
	s.state = StateSaveAttempted
	doc := s.history.Document()
	res, err := s.envs.Save(ctx, environment.SaveRequest{
		OrganisationID: s.organisationID,
		ContextKey:     s.contextKey,
		Version:        s.meta.Version,
		Environment:    doc.Snapshot(),
		ModifiedBy:     s.userID,
	})
	if err != nil {
		s.state = previous
		return environment.SaveResult{}, fmt.Errorf("save session: %w", err)
	}
	if res.Conflict {
		s.state = StateConflict
		s.conflict = &res
		s.log.Info().Int64("version", s.meta.Version).Int64("latest_version", res.LatestVersion).Msg("save conflict")
		return res, nil
	}

	env := doc.Snapshot()
	if err := environment.ApplyIDMappings(&env, res.IDMappings); err != nil {
		s.state = previous
		return environment.SaveResult{}, fmt.Errorf("save session: %w", err)
	}
	env.Version = res.NewVersion
	if err := doc.Reload(env); err != nil {
		s.state = previous
		return environment.SaveResult{}, fmt.Errorf("save session: %w", err)
	}
	if len(res.IDMappings) > 0 {
		s.history.Clear()
		s.remapViews(res.IDMappings)
	}
	s.meta = block.Meta{Version: res.NewVersion, LastModifiedBy: s.userID, LastModifiedAt: time.Now().UTC()}
	s.state = StateSaved
	s.conflict = nil
	s.dirty = false
	s.generation++
	return res, nil
}

// Discard drops local edits and reloads the latest stored version.
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	snap, err := s.envs.Load(ctx, s.organisationID, s.contextKey)
	if err != nil {
		return fmt.Errorf("discard session: %w", err)
	}
	if err := s.history.Document().Reload(snap.Environment); err != nil {
		return fmt.Errorf("discard session: %w", err)
	}
	s.history.Clear()
	s.meta = snap.Meta
	s.state = StateLoaded
	s.conflict = nil
	s.dirty = false
	s.rendered = nil
	s.generation++
	return nil
}

// Close abandons every in-flight hydration. Later calls fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.inflight {
		t.cancel()
		delete(s.inflight, id)
	}
}

func (s *Session) remapViews(mappings map[string]string) {
	for id := range s.visible {
		if mapped, ok := mappings[id]; ok {
			delete(s.visible, id)
			s.visible[mapped] = true
		}
	}
	for id, t := range s.inflight {
		if _, ok := mappings[id]; ok {
			t.cancel()
			delete(s.inflight, id)
		}
	}
}

package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/auth"
	"bizdesk/api/internal/block"
	"bizdesk/api/internal/command"
	"bizdesk/api/internal/config"
	"bizdesk/api/internal/editor"
	"bizdesk/api/internal/environment"
	"bizdesk/api/internal/gridsync"
	"bizdesk/api/internal/history"
	"bizdesk/api/internal/hydrate"
	"bizdesk/api/internal/rbac"
	"bizdesk/api/internal/registry"
	"bizdesk/api/internal/resolve"
	"bizdesk/api/internal/search"
)

// dataStore is the slice of the PostgreSQL store the handlers need beyond
// environment persistence.
type dataStore interface {
	Ping(context.Context) error
	RegisterResolvers(d *resolve.Dispatcher, organisationID string)
	PublishBlockType(context.Context, block.BlockType) error
}

type historyLog interface {
	Log(organisationID, contextKey string, limit int) ([]history.Commit, error)
	At(organisationID, contextKey, hash string) (block.Environment, error)
}

type blockSearch interface {
	Search(ctx context.Context, q search.Query) (search.Response, error)
}

// Deps are the collaborators built by the entrypoint. History and Search
// may be nil when the deployment runs without them.
type Deps struct {
	Store        dataStore
	Environments *environment.Service
	Types        *registry.Registry
	History      historyLog
	Search       blockSearch
	Log          zerolog.Logger
}

type Service struct {
	cfg     config.Config
	store   dataStore
	envs    *environment.Service
	types   *registry.Registry
	history historyLog
	search  blockSearch
	factory *command.Factory
	log     zerolog.Logger
}

func NewService(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		envs:    deps.Environments,
		types:   deps.Types,
		history: deps.History,
		search:  deps.Search,
		factory: command.NewFactory(),
		log:     deps.Log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate turns a bearer token into the caller's claims.
func (s *Service) Authenticate(token string) (auth.Claims, error) {
	return auth.ParseToken([]byte(s.cfg.JWTSecret), token)
}

func (s *Service) Can(claims auth.Claims, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(claims.Role), action)
}

func (s *Service) BlockType(ctx context.Context, key string, version int) (block.BlockType, error) {
	return s.types.Resolve(ctx, key, version)
}

func (s *Service) PublishBlockType(ctx context.Context, t block.BlockType) error {
	if t.ID == "" {
		t.ID = fmt.Sprintf("bt_%s_%d", t.Key, t.Version)
	}
	return s.store.PublishBlockType(ctx, t)
}

type EnvironmentPayload struct {
	Environment block.Environment `json:"environment"`
	Meta        block.Meta        `json:"meta"`
}

func (s *Service) LoadEnvironment(ctx context.Context, claims auth.Claims, contextKey string) (EnvironmentPayload, error) {
	snap, err := s.envs.Load(ctx, claims.OrganisationID, contextKey)
	if err != nil {
		return EnvironmentPayload{}, err
	}
	return EnvironmentPayload{Environment: snap.Environment, Meta: snap.Meta}, nil
}

type HydrateInput struct {
	// Visible lists the blocks on screen. Nil treats every block as visible.
	Visible []string          `json:"visible"`
	Policy  block.FetchPolicy `json:"policy"`
}

// HydrateEnvironment loads the stored environment and resolves its
// references for the caller's organisation.
func (s *Service) HydrateEnvironment(ctx context.Context, claims auth.Claims, contextKey string, input HydrateInput) (EnvironmentPayload, error) {
	if input.Policy != "" && input.Policy != block.FetchEager && input.Policy != block.FetchLazy {
		return EnvironmentPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "policy must be EAGER or LAZY", nil)
	}
	snap, err := s.envs.Load(ctx, claims.OrganisationID, contextKey)
	if err != nil {
		return EnvironmentPayload{}, err
	}
	opts := hydrate.Options{DefaultPolicy: input.Policy}
	if input.Visible != nil {
		visible := make(map[string]bool, len(input.Visible))
		for _, id := range input.Visible {
			visible[id] = true
		}
		opts.Visible = func(n block.Node) bool { return visible[n.Base().ID] }
	}
	env, err := s.engine(claims.OrganisationID).HydrateEnvironment(ctx, snap.Environment, opts)
	if err != nil {
		return EnvironmentPayload{}, err
	}
	return EnvironmentPayload{Environment: env, Meta: snap.Meta}, nil
}

type SaveInput struct {
	Version     int64             `json:"version"`
	Environment block.Environment `json:"environment"`
}

func (s *Service) SaveEnvironment(ctx context.Context, claims auth.Claims, contextKey string, input SaveInput) (environment.SaveResult, error) {
	return s.envs.Save(ctx, environment.SaveRequest{
		OrganisationID: claims.OrganisationID,
		ContextKey:     contextKey,
		Version:        input.Version,
		Environment:    input.Environment,
		ModifiedBy:     claims.Subject,
	})
}

type CommandsInput struct {
	Version  int64          `json:"version"`
	Commands []command.Spec `json:"commands"`
}

type GridInput struct {
	Version int64            `json:"version"`
	Events  []gridsync.Event `json:"events"`
}

// ApplyCommands replays command specs against the stored environment and
// saves the result. The stored version must still be input.Version.
func (s *Service) ApplyCommands(ctx context.Context, claims auth.Claims, contextKey string, input CommandsInput) (environment.SaveResult, error) {
	if len(input.Commands) == 0 {
		return environment.SaveResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "commands are required", nil)
	}
	commands := make([]command.Command, 0, len(input.Commands))
	for i, spec := range input.Commands {
		cmd, err := s.factory.FromSpec(spec)
		if err != nil {
			return environment.SaveResult{}, domainError(http.StatusUnprocessableEntity, "INVALID_COMMAND", err.Error(), map[string]any{"index": i})
		}
		commands = append(commands, cmd)
	}
	return s.edit(ctx, claims, contextKey, input.Version, func(session *editor.Session) error {
		for i, cmd := range commands {
			if err := session.Do(ctx, cmd); err != nil {
				return fmt.Errorf("command %d: %w", i, err)
			}
		}
		return nil
	})
}

// ApplyGridEvents merges raw grid events into one layout update and saves
// it.
func (s *Service) ApplyGridEvents(ctx context.Context, claims auth.Claims, contextKey string, input GridInput) (environment.SaveResult, error) {
	if len(input.Events) == 0 {
		return environment.SaveResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "events are required", nil)
	}
	return s.edit(ctx, claims, contextKey, input.Version, func(session *editor.Session) error {
		grid := gridsync.New(session, session.ParentID, gridsync.WithLogger(s.log))
		for _, ev := range input.Events {
			grid.Push(ev)
		}
		return grid.Flush(ctx)
	})
}

func (s *Service) edit(ctx context.Context, claims auth.Claims, contextKey string, version int64, apply func(*editor.Session) error) (environment.SaveResult, error) {
	resolvers := s.dispatcher(claims.OrganisationID)
	session, err := editor.Open(ctx, s.envs, claims.OrganisationID, contextKey, claims.Subject, editor.Options{
		Types:     s.types,
		Resolvers: resolvers,
		Engine:    s.engineWith(resolvers),
		Log:       s.log,
	})
	if err != nil {
		return environment.SaveResult{}, err
	}
	defer session.Close()

	if meta := session.Meta(); meta.Version != version {
		res := environment.SaveResult{Conflict: true, LatestVersion: meta.Version, LastModifiedBy: meta.LastModifiedBy}
		if !meta.LastModifiedAt.IsZero() {
			at := meta.LastModifiedAt
			res.LastModifiedAt = &at
		}
		return res, nil
	}
	if err := apply(session); err != nil {
		return environment.SaveResult{}, err
	}
	return session.Save(ctx)
}

type HistoryPayload struct {
	Entries []history.Commit `json:"entries"`
}

func (s *Service) History(_ context.Context, claims auth.Claims, contextKey string, limit int) (HistoryPayload, error) {
	if s.history == nil {
		return HistoryPayload{}, domainError(http.StatusNotFound, "HISTORY_DISABLED", "Version history is not enabled", nil)
	}
	entries, err := s.history.Log(claims.OrganisationID, contextKey, limit)
	if err != nil {
		return HistoryPayload{}, err
	}
	return HistoryPayload{Entries: entries}, nil
}

func (s *Service) HistoryVersion(_ context.Context, claims auth.Claims, contextKey, hash string) (block.Environment, error) {
	if s.history == nil {
		return block.Environment{}, domainError(http.StatusNotFound, "HISTORY_DISABLED", "Version history is not enabled", nil)
	}
	return s.history.At(claims.OrganisationID, contextKey, hash)
}

type SearchInput struct {
	Text       string
	ContextKey string
	TypeKey    string
	Limit      int
	Offset     int
}

func (s *Service) Search(ctx context.Context, claims auth.Claims, input SearchInput) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusNotFound, "SEARCH_DISABLED", "Search is not enabled", nil)
	}
	if strings.TrimSpace(input.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: input.Text}, nil
	}
	if input.Limit <= 0 || input.Limit > 100 {
		input.Limit = 20
	}
	return s.search.Search(ctx, search.Query{
		Text:           input.Text,
		OrganisationID: claims.OrganisationID,
		ContextKey:     input.ContextKey,
		TypeKey:        input.TypeKey,
		Limit:          input.Limit,
		Offset:         input.Offset,
	})
}

// dispatcher builds the resolver set of one organisation. Resolvers are
// scoped per request so a reference can never reach another tenant's rows.
func (s *Service) dispatcher(organisationID string) *resolve.Dispatcher {
	d := resolve.NewDispatcher(s.log)
	s.store.RegisterResolvers(d, organisationID)
	return d
}

func (s *Service) engine(organisationID string) *hydrate.Engine {
	return s.engineWith(s.dispatcher(organisationID))
}

func (s *Service) engineWith(d *resolve.Dispatcher) *hydrate.Engine {
	return hydrate.New(d, hydrate.Config{
		MaxDepth:           s.cfg.HydrationMaxDepth,
		DefaultExpandDepth: s.cfg.HydrationDefaultExpandDepth,
	}, s.log)
}

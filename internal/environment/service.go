package environment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/metrics"
)

type SaveRequest struct {
	OrganisationID string            `json:"organisationId" validate:"required"`
	ContextKey     string            `json:"contextKey" validate:"required"`
	Version        int64             `json:"version" validate:"gte=0"`
	Environment    block.Environment `json:"environment"`
	ModifiedBy     string            `json:"modifiedBy" validate:"required"`
}

type SaveResult struct {
	Success        bool              `json:"success"`
	Conflict       bool              `json:"conflict,omitempty"`
	NewVersion     int64             `json:"newVersion,omitempty"`
	IDMappings     map[string]string `json:"idMappings,omitempty"`
	LatestVersion  int64             `json:"latestVersion,omitempty"`
	LastModifiedBy string            `json:"lastModifiedBy,omitempty"`
	LastModifiedAt *time.Time        `json:"lastModifiedAt,omitempty"`
}

// Observer hears about every successful save. Observers run in the
// background and cannot fail the save.
type Observer interface {
	EnvironmentSaved(ctx context.Context, env block.Environment, meta block.Meta) error
}

// Checker rejects a forest that must not be stored. It sees the forest after
// permanent ids were assigned.
type Checker interface {
	CheckEnvironment(ctx context.Context, env block.Environment) error
}

type Service struct {
	store     Persistence
	validate  *validator.Validate
	checker   Checker
	observers []Observer
	pending   sync.WaitGroup
	now       func() time.Time
	log       zerolog.Logger
}

func NewService(store Persistence, log zerolog.Logger, observers ...Observer) *Service {
	return &Service{
		store:     store,
		validate:  validator.New(),
		observers: observers,
		now:       time.Now,
		log:       log,
	}
}

// WithChecker makes every save run c before writing. A rejected forest is
// returned as c's error and nothing is written.
func (s *Service) WithChecker(c Checker) *Service {
	s.checker = c
	return s
}

// Load returns the stored environment, or an empty version 0 environment
// when nothing was saved yet.
func (s *Service) Load(ctx context.Context, organisationID, contextKey string) (Snapshot, error) {
	snap, err := s.store.LoadEnvironment(ctx, organisationID, contextKey)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{Environment: block.Environment{
			OrganisationID: organisationID,
			ContextKey:     contextKey,
			Layout:         block.GridLayout{Items: map[string]block.GridRect{}},
		}}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load environment: %w", err)
	}
	return snap, nil
}

// Save writes req.Environment if the stored version is still req.Version.
// A lost race is a conflict result, not an error, and writes nothing.
func (s *Service) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return SaveResult{}, fmt.Errorf("invalid save request: %w", err)
	}

	env := req.Environment.Clone()
	env.OrganisationID = req.OrganisationID
	env.ContextKey = req.ContextKey
	mappings, err := AllocateIDs(env)
	if err != nil {
		return SaveResult{}, err
	}
	if err := ApplyIDMappings(&env, mappings); err != nil {
		return SaveResult{}, err
	}
	if err := block.StripHydration(&env); err != nil {
		return SaveResult{}, err
	}
	if s.checker != nil {
		if err := s.checker.CheckEnvironment(ctx, env); err != nil {
			metrics.EnvironmentSaves.WithLabelValues("rejected").Inc()
			return SaveResult{}, fmt.Errorf("check environment: %w", err)
		}
	}
	now := s.now().UTC()
	stampCreated(env, mappings, req.ModifiedBy, now)

	res, err := s.store.CompareAndSwap(ctx, SaveInput{
		OrganisationID:  req.OrganisationID,
		ContextKey:      req.ContextKey,
		ExpectedVersion: req.Version,
		Environment:     env,
		ModifiedBy:      req.ModifiedBy,
		ModifiedAt:      now,
	})
	if err != nil {
		metrics.EnvironmentSaves.WithLabelValues("error").Inc()
		return SaveResult{}, fmt.Errorf("save environment: %w", err)
	}
	if !res.Swapped {
		metrics.EnvironmentSaves.WithLabelValues("conflict").Inc()
		s.log.Info().
			Str("organisation_id", req.OrganisationID).
			Str("context_key", req.ContextKey).
			Int64("version", req.Version).
			Int64("latest_version", res.Meta.Version).
			Msg("environment save conflict")
		out := SaveResult{
			Success:        false,
			Conflict:       true,
			LatestVersion:  res.Meta.Version,
			LastModifiedBy: res.Meta.LastModifiedBy,
		}
		if !res.Meta.LastModifiedAt.IsZero() {
			at := res.Meta.LastModifiedAt
			out.LastModifiedAt = &at
		}
		return out, nil
	}

	metrics.EnvironmentSaves.WithLabelValues("saved").Inc()
	env.Version = res.Meta.Version
	s.notify(ctx, env, res.Meta)
	return SaveResult{
		Success:    true,
		NewVersion: res.Meta.Version,
		IDMappings: mappings,
	}, nil
}

func (s *Service) notify(ctx context.Context, env block.Environment, meta block.Meta) {
	if len(s.observers) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	for _, obs := range s.observers {
		obs := obs
		snapshot := env.Clone()
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			if err := obs.EnvironmentSaved(bg, snapshot, meta); err != nil {
				s.log.Warn().Err(err).
					Str("context_key", snapshot.ContextKey).
					Int64("version", meta.Version).
					Msg("save observer failed")
			}
		}()
	}
}

// Wait blocks until every observer notified so far has returned.
func (s *Service) Wait() {
	s.pending.Wait()
}

// stampCreated fills the audit fields of blocks that received a permanent id
// in this save.
func stampCreated(env block.Environment, mappings map[string]string, by string, at time.Time) {
	if len(mappings) == 0 {
		return
	}
	created := make(map[string]bool, len(mappings))
	for _, id := range mappings {
		created[id] = true
	}
	for _, tree := range env.Trees {
		_ = block.Walk(tree.Root, func(n block.Node, _ block.Node, _ string, _ int) bool {
			b := n.Base()
			if created[b.ID] {
				b.OrganisationID = env.OrganisationID
				b.Audit.CreatedAt, b.Audit.UpdatedAt = at, at
				b.Audit.CreatedBy, b.Audit.UpdatedBy = by, by
			}
			return true
		})
	}
}

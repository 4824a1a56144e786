package registry

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bizdesk/api/internal/block"
)

var typeValidate = validator.New()

// CheckDefinition validates the structural fields of a block type definition.
func CheckDefinition(t block.BlockType) error {
	if err := typeValidate.Struct(t); err != nil {
		return fmt.Errorf("block type %s@%d: %w", t.Key, t.Version, err)
	}
	return nil
}

// StaticLookup is an in-memory TypeLookup. It backs tests and deployments that
// only ship SYSTEM types from a seed file.
type StaticLookup struct {
	mu    sync.RWMutex
	types map[string]map[int]block.BlockType
}

func NewStaticLookup(types ...block.BlockType) *StaticLookup {
	s := &StaticLookup{types: make(map[string]map[int]block.BlockType)}
	for _, t := range types {
		s.put(t)
	}
	return s
}

// Publish adds a new version. Re-publishing an existing version is rejected
// because published versions are immutable.
func (s *StaticLookup) Publish(t block.BlockType) error {
	if err := CheckDefinition(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.types[t.Key][t.Version]; exists {
		return fmt.Errorf("block type %s@%d is already published", t.Key, t.Version)
	}
	s.putLocked(t)
	return nil
}

func (s *StaticLookup) put(t block.BlockType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(t)
}

func (s *StaticLookup) putLocked(t block.BlockType) {
	versions, ok := s.types[t.Key]
	if !ok {
		versions = make(map[int]block.BlockType)
		s.types[t.Key] = versions
	}
	versions[t.Version] = t
}

func (s *StaticLookup) LookupBlockType(_ context.Context, key string, version int) (block.BlockType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.types[key]
	if !ok {
		return block.BlockType{}, fmt.Errorf("%w: %s", ErrTypeNotFound, key)
	}
	if version > 0 {
		t, ok := versions[version]
		if !ok {
			return block.BlockType{}, fmt.Errorf("%w: %s@%d", ErrTypeNotFound, key, version)
		}
		return t, nil
	}
	var latest block.BlockType
	found := false
	for _, t := range versions {
		if t.Archived {
			continue
		}
		if !found || t.Version > latest.Version {
			latest = t
			found = true
		}
	}
	if !found {
		return block.BlockType{}, fmt.Errorf("%w: %s has no published version", ErrTypeNotFound, key)
	}
	return latest, nil
}

func (s *StaticLookup) All() []block.BlockType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []block.BlockType
	for _, versions := range s.types {
		for _, t := range versions {
			out = append(out, t)
		}
	}
	return out
}

type seedFile struct {
	Types []block.BlockType `yaml:"types"`
}

// LoadSeedFile reads SYSTEM block types from a YAML file.
func LoadSeedFile(path string) ([]block.BlockType, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(raw)
}

func ParseSeed(raw []byte) ([]block.BlockType, error) {
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	for i := range file.Types {
		t := &file.Types[i]
		if t.OrganisationScope == "" {
			t.OrganisationScope = block.SystemScope
		}
		if t.Strictness == "" {
			t.Strictness = block.StrictnessNone
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("bt_%s_%d", t.Key, t.Version)
		}
		if err := CheckDefinition(*t); err != nil {
			return nil, err
		}
	}
	return file.Types, nil
}

// Package history keeps a git repository per environment and commits every
// saved version into it, so earlier versions can be listed and read back.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
)

const (
	fileName      = "environment.json"
	versionPrefix = "version: "
)

var ErrNotFound = errors.New("history not found")

type Commit struct {
	Hash      string    `json:"hash"`
	Version   int64     `json:"version"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	log     zerolog.Logger
}

func New(baseDir string, log zerolog.Logger) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		log:     log,
	}
}

// EnvironmentSaved commits the saved environment as the next entry of its
// repository, creating the repository on first save.
func (s *Service) EnvironmentSaved(_ context.Context, env block.Environment, meta block.Meta) error {
	path := s.repoPath(env.OrganisationID, env.ContextKey)
	lock := s.repoLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(path)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	env.Version = meta.Version
	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), fileName), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if _, err := worktree.Add(fileName); err != nil {
		return fmt.Errorf("git add environment: %w", err)
	}

	author := meta.LastModifiedBy
	if author == "" {
		author = "system"
	}
	when := meta.LastModifiedAt
	if when.IsZero() {
		when = time.Now()
	}
	message := fmt.Sprintf("Save version %d\n\n%s%d", meta.Version, versionPrefix, meta.Version)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@bizdesk.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return fmt.Errorf("commit environment: %w", err)
	}
	s.log.Debug().
		Str("context_key", env.ContextKey).
		Int64("version", meta.Version).
		Str("hash", hash.String()[:7]).
		Msg("environment version committed")
	return nil
}

// Log lists saved versions newest first. limit <= 0 returns every entry. An
// environment that was never saved has an empty log.
func (s *Service) Log(organisationID, contextKey string, limit int) ([]Commit, error) {
	path := s.repoPath(organisationID, contextKey)
	lock := s.repoLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, toCommit(c))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// At reads the environment as it was committed at hash. Short hashes are
// accepted.
func (s *Service) At(organisationID, contextKey, hash string) (block.Environment, error) {
	path := s.repoPath(organisationID, contextKey)
	lock := s.repoLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return block.Environment{}, fmt.Errorf("read %s: %w", contextKey, ErrNotFound)
	}
	if err != nil {
		return block.Environment{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return block.Environment{}, err
	}
	c, err := repo.CommitObject(resolved)
	if err != nil {
		return block.Environment{}, fmt.Errorf("read commit %s: %w", hash, ErrNotFound)
	}
	return readEnvironment(c)
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(organisationID, contextKey string) string {
	return filepath.Join(s.baseDir, escapeSegment(organisationID), escapeSegment(contextKey))
}

func (s *Service) repoLock(path string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[path]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[path] = lock
	return lock
}

func readEnvironment(c *object.Commit) (block.Environment, error) {
	file, err := c.File(fileName)
	if err != nil {
		return block.Environment{}, fmt.Errorf("load %s from commit: %w", fileName, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return block.Environment{}, fmt.Errorf("open environment reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return block.Environment{}, fmt.Errorf("read environment bytes: %w", err)
	}
	var env block.Environment
	if err := json.Unmarshal(raw, &env); err != nil {
		return block.Environment{}, fmt.Errorf("decode commit environment: %w", err)
	}
	return env, nil
}

func toCommit(c *object.Commit) Commit {
	out := Commit{
		Hash:      c.Hash.String()[:7],
		Message:   strings.TrimSpace(strings.SplitN(c.Message, "\n", 2)[0]),
		Author:    c.Author.Name,
		CreatedAt: c.Author.When,
	}
	for _, line := range strings.Split(c.Message, "\n") {
		if v, ok := strings.CutPrefix(line, versionPrefix); ok {
			out.Version, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	}
	return out
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, ErrNotFound)
	}
	return *resolved, nil
}

// escapeSegment keeps a key usable as one directory name. Bytes outside
// [A-Za-z0-9._-] are written as %XX so distinct keys never collide.
func escapeSegment(input string) string {
	var b strings.Builder
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

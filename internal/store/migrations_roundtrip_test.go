package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/environment"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

// migratedDatabase opens BIZDESK_TEST_DATABASE_URL on an empty public schema
// with every migration applied.
func migratedDatabase(t *testing.T) (context.Context, *sql.DB) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("BIZDESK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("BIZDESK_TEST_DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir, zerolog.Nop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return ctx, db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	ctx, db := migratedDatabase(t)

	downs, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, path := range downs {
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			t.Fatalf("apply %s: %v", filepath.Base(path), err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}

	applied, err := ApplyMigrations(ctx, db, migrationsDir, zerolog.Nop())
	if err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	if len(applied) != len(downs) {
		t.Fatalf("expected %d migrations re-applied, got %v", len(downs), applied)
	}
}

func TestEnvironmentVersionsAndArchivedBlocksPostgres(t *testing.T) {
	ctx, db := migratedDatabase(t)
	store := NewPostgresStore(db)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Truncate(time.Microsecond)

	save := func(org string, expected int64, env block.Environment) (environment.CASResult, error) {
		return store.CompareAndSwap(ctx, environment.SaveInput{
			OrganisationID:  org,
			ContextKey:      "client:c1",
			ExpectedVersion: expected,
			Environment:     env,
			ModifiedBy:      "alice",
			ModifiedAt:      at,
		})
	}

	first, err := save("org_1", 0, sampleEnvironment())
	if err != nil || !first.Swapped || first.Meta.Version != 1 {
		t.Fatalf("first save: %+v %v", first, err)
	}

	// a second writer still holding version 0 loses
	stale, err := save("org_1", 0, sampleEnvironment())
	if err != nil {
		t.Fatalf("stale save: %v", err)
	}
	if stale.Swapped || stale.Meta.Version != 1 || stale.Meta.LastModifiedBy != "alice" {
		t.Fatalf("expected a conflict at version 1, got %+v", stale)
	}

	// dropping the note archives its row instead of deleting it
	page := block.NewContentNode(block.Block{ID: "blk_page", TypeRef: block.TypeRef{Key: "page", Version: 1}, Payload: block.ContentMetadata{}})
	second, err := save("org_1", 1, block.Environment{Trees: []block.BlockTree{{Root: page}}})
	if err != nil || !second.Swapped || second.Meta.Version != 2 {
		t.Fatalf("second save: %+v %v", second, err)
	}
	live, err := store.ListBlocks(ctx, "org_1", "client:c1", false)
	if err != nil {
		t.Fatalf("list live blocks: %v", err)
	}
	if len(live) != 1 || live[0].ID != "blk_page" {
		t.Fatalf("expected only the page to stay live, got %+v", live)
	}
	all, err := store.ListBlocks(ctx, "org_1", "client:c1", true)
	if err != nil {
		t.Fatalf("list archived blocks: %v", err)
	}
	archived := map[string]bool{}
	for _, row := range all {
		archived[row.ID] = row.Archived
	}
	if len(archived) != 2 || !archived["blk_note"] || archived["blk_page"] {
		t.Fatalf("expected blk_note archived, got %v", archived)
	}

	// another organisation cannot claim stored block ids
	if _, err := save("org_2", 0, sampleEnvironment()); !errors.Is(err, environment.ErrBlockIDTaken) {
		t.Fatalf("expected ErrBlockIDTaken, got %v", err)
	}
	if _, err := store.LoadEnvironment(ctx, "org_2", "client:c1"); !errors.Is(err, environment.ErrNotFound) {
		t.Fatalf("the rejected save must roll back, got %v", err)
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bizdesk/api/internal/app"
	"bizdesk/api/internal/auth"
	"bizdesk/api/internal/command"
	"bizdesk/api/internal/config"
	"bizdesk/api/internal/environment"
	"bizdesk/api/internal/history"
	"bizdesk/api/internal/logging"
	"bizdesk/api/internal/rbac"
	"bizdesk/api/internal/registry"
	"bizdesk/api/internal/search"
	"bizdesk/api/internal/store"
)

var (
	skipMigrations bool
	tokenOrg       string
	tokenRole      string
	tokenName      string

	rootCmd = &cobra.Command{
		Use:           "bizdesk-api",
		Short:         "Block environment API for BizDesk",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE:  runMigrate,
	}

	seedTypesCmd = &cobra.Command{
		Use:   "seed-types [file]",
		Short: "Publish the block types of a YAML or JSON seed file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSeedTypes,
	}

	reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch block index from PostgreSQL",
		RunE:  runReindex,
	}

	tokenCmd = &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue an access token for local development",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Start without applying pending migrations")
	rootCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Start without applying pending migrations")

	tokenCmd.Flags().StringVar(&tokenOrg, "org", "", "Organisation id carried by the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(rbac.RoleEditor), "Role carried by the token (viewer, editor, admin)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name carried by the token")
	_ = tokenCmd.MarkFlagRequired("org")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedTypesCmd, reindexCmd, tokenCmd)
}

func setup() (config.Config, zerolog.Logger) {
	cfg := config.Load()
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, log
}

func openDatabase(ctx context.Context, cfg config.Config, log zerolog.Logger) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpen)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	log.Info().Int("max_open", cfg.DBMaxOpen).Msg("database connected")
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log := setup()
	ctx := cmd.Context()

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if !skipMigrations {
		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	dataStore := store.NewPostgresStore(db)

	typeOpts := []registry.Option{registry.WithLogger(log)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := registry.NewRedisCache(cfg.RedisURL, cfg.BlockTypeCacheTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer cache.Close()
		typeOpts = append(typeOpts, registry.WithCache(cache))
		log.Info().Msg("using redis for the shared block type cache")
	}
	types, err := registry.New(dataStore, cfg.BlockTypeCacheSize, typeOpts...)
	if err != nil {
		return err
	}
	if cfg.BlockTypeSeedFile != "" {
		if _, err := seedTypes(ctx, dataStore, cfg.BlockTypeSeedFile, log); err != nil {
			log.Warn().Err(err).Str("file", cfg.BlockTypeSeedFile).Msg("block type seed failed")
		}
	}

	var observers []environment.Observer
	deps := app.Deps{Store: dataStore, Types: types, Log: log}

	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
		versions := history.New(cfg.HistoryDir, log)
		observers = append(observers, versions)
		deps.History = versions
	}

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
		engine = meili
	}
	searchService := search.NewService(engine, search.NewPgFTS(db), log)
	observers = append(observers, searchService)
	deps.Search = searchService

	envs := environment.NewService(dataStore, log, observers...).WithChecker(command.Checker{Types: types})
	deps.Environments = envs

	service := app.NewService(cfg, deps)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("bizdesk api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	envs.Wait()
	log.Info().Msg("bizdesk api stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log := setup()
	db, err := openDatabase(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir, log)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
	return nil
}

func runSeedTypes(cmd *cobra.Command, args []string) error {
	cfg, log := setup()
	file := cfg.BlockTypeSeedFile
	if len(args) == 1 {
		file = args[0]
	}
	if file == "" {
		return fmt.Errorf("no seed file: pass one or set BLOCK_TYPE_SEED_FILE")
	}

	db, err := openDatabase(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	published, err := seedTypes(cmd.Context(), store.NewPostgresStore(db), file, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d block type(s)\n", published)
	return nil
}

func runReindex(cmd *cobra.Command, _ []string) error {
	cfg, log := setup()
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return fmt.Errorf("reindex needs MEILI_URL")
	}
	db, err := openDatabase(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	defer meili.Close()
	count, err := search.NewService(meili, search.NewPgFTS(db), log).Reindex(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d block(s)\n", count)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _ := setup()
	role := rbac.Normalize(tokenRole)
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(args[0], tokenName, tokenOrg, string(role), cfg.AccessTTL))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/prognosis/internal/auth"
	"github.com/pavelanni/prognosis/internal/cache"
	"github.com/pavelanni/prognosis/internal/handler"
	appI18n "github.com/pavelanni/prognosis/internal/i18n"
	"github.com/pavelanni/prognosis/internal/llm"
	"github.com/pavelanni/prognosis/internal/model"
	"github.com/pavelanni/prognosis/internal/practice"
	"github.com/pavelanni/prognosis/internal/stats"
	"github.com/pavelanni/prognosis/internal/store"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "prognosis",
		Short:   "Clinical case practice API with simulated patients",
		Version: version,
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd(), resetCasesCmd(), exportCmd(), rebuildLeaderboardCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("store", "sqlite", "Document store backend (sqlite, firestore)")
	f.String("db", "prognosis.db", "SQLite database path")
	f.String("firestore-project", "", "Google Cloud project ID for Firestore")
	f.String("firestore-credentials", "", "Service account file or inline JSON (empty = application default)")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addCacheFlags(f *pflag.FlagSet) {
	f.String("redis-url", "", "Redis URL for the leaderboard cache (empty = in-process cache)")
	f.Duration("leaderboard-ttl", 5*time.Minute, "How long a computed leaderboard is cached")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addStoreFlags(f)
	f.String("llm-url", "https://generativelanguage.googleapis.com/v1beta/openai/", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the LLM")
	f.String("llm-model", "gemini-2.0-flash", "LLM model name")
	f.Float32("llm-temperature", 0.7, "Sampling temperature")
	f.Bool("llm-ping", false, "Check the LLM endpoint before serving")
	f.String("jwt-secret", "", "Secret for signing API tokens (required)")
	f.Duration("token-ttl", 24*time.Hour, "Lifetime of issued API tokens")
	f.String("social-jwt-secret", "", "Secret of the social identity provider (empty disables social sign-in)")
	f.String("social-issuer", "", "Expected issuer of social identity tokens")
	addCacheFlags(f)
	f.StringSlice("cors-origins", []string{"http://localhost:3000", "http://localhost:5173"}, "Allowed CORS origins")
	f.StringP("lang", "l", "en", "Default response language (en, ru)")
	f.Bool("seed-catalog", true, "Insert missing predefined cases at startup")
	f.String("admin-email", "admin@prognosis.local", "Email of the initial admin user")
	f.String("admin-password", "", "Initial admin password (or set PROGNOSIS_ADMIN_PASSWORD)")
	addLogFlags(f)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert missing predefined cases into the store",
		RunE:  runSeed,
	}
	addStoreFlags(cmd.Flags())
	addLogFlags(cmd.Flags())
	return cmd
}

func resetCasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-cases",
		Short: "Delete every case and restore the predefined catalog",
		RunE:  runResetCases,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addCacheFlags(f)
	f.Bool("yes", false, "Confirm deletion")
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export completed sessions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func rebuildLeaderboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild-leaderboard",
		Short: "Recompute and cache the leaderboard of every timeframe",
		RunE:  runRebuildLeaderboard,
	}
	addStoreFlags(cmd.Flags())
	addCacheFlags(cmd.Flags())
	addLogFlags(cmd.Flags())
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PROGNOSIS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("prognosis")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/prognosis")
	v.AddConfigPath("/etc/prognosis")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (store.Store, error) {
	switch backend := strings.ToLower(v.GetString("store")); backend {
	case "", "sqlite":
		db, err := store.New(v.GetString("db"))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		slog.Info("using sqlite store", "path", v.GetString("db"))
		return db, nil
	case "firestore":
		project := v.GetString("firestore-project")
		if project == "" {
			return nil, errors.New("firestore project is required: set --firestore-project or PROGNOSIS_FIRESTORE_PROJECT")
		}
		fs, err := store.NewFirestore(ctx, project, v.GetString("firestore-credentials"))
		if err != nil {
			return nil, err
		}
		slog.Info("using firestore store", "project", project)
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func openCache(ctx context.Context, v *viper.Viper) (cache.LeaderboardCache, func(), error) {
	ttl := v.GetDuration("leaderboard-ttl")
	raw := v.GetString("redis-url")
	if raw == "" {
		return cache.NewMemory(ttl), func() {}, nil
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("using redis leaderboard cache", "addr", opts.Addr)
	return cache.NewRedis(client, ttl), func() { client.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret or PROGNOSIS_JWT_SECRET")
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lbCache, closeCache, err := openCache(ctx, v)
	if err != nil {
		return err
	}
	defer closeCache()

	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		float32(v.GetFloat64("llm-temperature")),
	)
	if v.GetBool("llm-ping") {
		if err := llmClient.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	statsSvc := stats.NewService(db, lbCache)
	practiceSvc := practice.NewService(db, llmClient, statsSvc)

	if v.GetBool("seed-catalog") {
		if _, err := practiceSvc.EnsureCatalog(ctx); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
	}
	if err := seedAdmin(ctx, db, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	origins := v.GetStringSlice("cors-origins")
	tokens := auth.NewTokens(secret, "prognosis", v.GetDuration("token-ttl"))
	social := auth.NewTokens(v.GetString("social-jwt-secret"), v.GetString("social-issuer"), 0)
	h := handler.New(db, practiceSvc, statsSvc, tokens, social, handler.Config{
		Version:     version,
		CORSOrigins: origins,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("starting server",
		"addr", addr,
		"store", v.GetString("store"),
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"social_auth", social.Configured(),
		"cors_origins", origins,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	added, err := practice.NewService(db, nil, nil).EnsureCatalog(ctx)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %d cases\n", added)
	return nil
}

func runResetCases(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if !v.GetBool("yes") {
		return errors.New("refusing to delete all cases without --yes")
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lbCache, closeCache, err := openCache(ctx, v)
	if err != nil {
		return err
	}
	defer closeCache()

	res, err := practice.NewService(db, nil, stats.NewService(db, lbCache)).ResetCases(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d cases, restored %d predefined cases\n", res.Deleted, res.Restored)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := store.ExportCompleted(ctx, db)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	slog.Info("exported sessions", "count", len(export.Results), "output", outPath)
	return nil
}

func runRebuildLeaderboard(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lbCache, closeCache, err := openCache(ctx, v)
	if err != nil {
		return err
	}
	defer closeCache()

	boards, err := stats.NewService(db, lbCache).Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild leaderboard: %w", err)
	}
	for _, lb := range boards {
		fmt.Fprintf(cmd.OutOrStdout(), "%-6s %d users\n", lb.Timeframe, len(lb.Entries))
	}
	return nil
}

// seedAdmin creates the admin user when no user with email exists yet.
func seedAdmin(ctx context.Context, db store.Store, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}
	_, err := db.GetUserByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if password == "" {
		slog.Warn("no admin user and no admin password set; admin endpoints are unreachable",
			"hint", "set --admin-password or PROGNOSIS_ADMIN_PASSWORD")
		return nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = db.CreateUser(ctx, model.User{
		Email:        email,
		Name:         "Administrator",
		PasswordHash: hash,
		AuthProvider: "password",
		Role:         model.UserRoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded admin user", "email", email)
	return nil
}

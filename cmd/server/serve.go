package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soaringjerry/Fieldform/internal/api"
	"github.com/soaringjerry/Fieldform/internal/config"
	"github.com/soaringjerry/Fieldform/internal/logging"
	"github.com/soaringjerry/Fieldform/internal/middleware"
	"github.com/soaringjerry/Fieldform/internal/services"
	"github.com/soaringjerry/Fieldform/internal/utils"
)

func newServeCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, v.GetString("migrations_dir"), v.GetStringSlice("cors_origins"))
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("migrations-dir", "", "SQLite migrations directory (embedded files when empty)")
	cmd.Flags().StringSlice("cors-origin", nil, "allowed CORS origins (all when empty)")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("migrations_dir", cmd.Flags().Lookup("migrations-dir"))
	_ = v.BindPFlag("cors_origins", cmd.Flags().Lookup("cors-origin"))
	return cmd
}

func serve(parent context.Context, cfg *config.Config, migrationsDir string, corsOrigins []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	store, closer, err := openStore(ctx, cfg.Store, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closer.Close(); cerr != nil {
			logger.Warn("close object store", "error", cerr)
		}
	}()

	metrics := services.MustNewMetrics(prometheus.DefaultRegisterer)
	registry := services.NewCompletionRegistry(store, logger, metrics)
	repo := services.NewSessionRepository(store,
		services.WithCompletionChecker(registry),
		services.WithLogger(logger),
		services.WithMetrics(metrics),
		services.WithRevisionCheck(cfg.Session.RevisionCheck),
	)
	cache := services.NewSessionCache(repo, cfg.Session.CacheSize, cfg.Session.CacheTTL)
	machine := services.NewMachine(repo,
		services.WithDuration(cfg.Questionnaire.Duration),
		services.WithSessionCache(cache),
		services.WithMachineLogger(logger),
		services.WithMachineMetrics(metrics),
	)
	links, err := middleware.NewResumeSigner(cfg.Links.Secret, cfg.Links.TTL)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.NewRouter(repo, machine, links, api.WithLoader(cache), api.WithLogger(logger)).Register(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		locale := middleware.LocaleFromContext(r.Context())
		writeJSON(w, map[string]any{
			"ok":         true,
			"name":       "Fieldform API",
			"backend":    cfg.Store.Backend,
			"locale":     locale,
			"msg":        utils.T(locale, "health.ok"),
			"commit":     cfg.Commit,
			"build_time": cfg.BuildTime,
		})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"commit": cfg.Commit, "build_time": cfg.BuildTime})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = middleware.WithResumeToken(links)(handler)
	handler = middleware.Locale(handler)
	handler = middleware.SecureHeaders(handler)
	handler = middleware.NoStore(handler)
	handler = middleware.CORS(corsOrigins)(handler)
	handler = middleware.AccessLog(logger)(handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Fieldform server listening", "addr", cfg.Addr, "duration", cfg.Questionnaire.Duration)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

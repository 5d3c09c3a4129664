package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/soaringjerry/Cohort/internal/api"
	"github.com/soaringjerry/Cohort/internal/config"
	dbstore "github.com/soaringjerry/Cohort/internal/db"
	"github.com/soaringjerry/Cohort/internal/logger"
	"github.com/soaringjerry/Cohort/internal/middleware"
	"github.com/soaringjerry/Cohort/internal/queue"
	"github.com/soaringjerry/Cohort/internal/services"
	"github.com/soaringjerry/Cohort/internal/utils"
)

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "cohort")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg.Database, lg)
	if err != nil {
		return err
	}
	defer closeStore()

	q, closeQueue, err := openQueue(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer closeQueue()

	designs := surveyDesigns(cfg.SurveyDesign, lg)
	scheduler := services.NewForwardingScheduler(store,
		services.NewForwardingClient(cfg.Forwarding.HTTPTimeout, lg.Named("forwarding")),
		cfg.Forwarding.Interval, lg.Named("scheduler"))

	jwt := middleware.NewJWT(cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		lg.Warn("COHORT_JWT_SECRET not set, using development secret")
	}
	deps := api.NewDeps(api.Options{
		Store:      store,
		Queue:      q,
		Designs:    designs,
		Toggle:     scheduler,
		JWT:        jwt,
		ShredLease: cfg.Shredder.Lease,
		Logger:     lg,
	})
	if cfg.Auth.AdminEmail != "" {
		created, err := deps.Auth.EnsureAdmin(cfg.Auth.AdminEmail, cfg.Auth.AdminPassword)
		if err != nil {
			return err
		}
		if created {
			lg.Info("bootstrapped admin account", zap.String("email", cfg.Auth.AdminEmail))
		}
	}

	var wg sync.WaitGroup
	pool := services.NewShredWorkerPool(q, deps.Shredder, cfg.Shredder.Workers, cfg.Shredder.SweepInterval, lg.Named("shred"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = pool.Run(ctx)
	}()

	if err := scheduler.Schedule(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler(deps, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("Cohort server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	stop()

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown", zap.Error(err))
	}
	scheduler.Unschedule()
	wg.Wait()
	return serveErr
}

func handler(deps api.Deps, sc config.ServerConfig) http.Handler {
	r := api.NewRouter(deps)
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			locale := middleware.LocaleFromContext(req.Context())
			writeJSON(w, map[string]any{
				"ok":         true,
				"name":       "Cohort API",
				"locale":     locale,
				"msg":        utils.T(locale, "health.ok"),
				"commit":     sc.Commit,
				"build_time": sc.BuildTime,
			})
		})
		r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{"commit": sc.Commit, "build_time": sc.BuildTime})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func openStore(dc config.DatabaseConfig, lg *zap.Logger) (api.Store, func(), error) {
	if dc.SQLitePath == "" {
		lg.Warn("COHORT_SQLITE_PATH not set, data is kept in memory only")
		return api.NewMemoryStore(), func() {}, nil
	}
	db, err := dbstore.Open(dc.SQLitePath, dc.MigrationsDir)
	if err != nil {
		return nil, nil, err
	}
	store, err := dbstore.NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	lg.Info("sqlite store ready", zap.String("path", dc.SQLitePath))
	return store, closer(db, lg), nil
}

func closer(db *sql.DB, lg *zap.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			lg.Warn("failed to close sqlite db", zap.Error(err))
		}
	}
}

func openQueue(ctx context.Context, cfg *config.Config, lg *zap.Logger) (queue.Queue, func(), error) {
	if cfg.Redis.Addr == "" {
		q := queue.NewMemoryQueue(cfg.Shredder.QueueCapacity)
		return q, func() { _ = q.Close() }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	q, err := queue.NewRedisQueue(ctx, client, queue.RedisOptions{
		Stream:   cfg.Redis.Stream,
		Group:    cfg.Redis.Group,
		Consumer: cfg.Redis.Consumer,
	}, lg.Named("queue"))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	lg.Info("redis shred queue ready", zap.String("addr", cfg.Redis.Addr), zap.String("stream", cfg.Redis.Stream))
	return q, func() {
		_ = q.Close()
		if err := client.Close(); err != nil {
			lg.Warn("failed to close redis client", zap.Error(err))
		}
	}, nil
}

func surveyDesigns(sd config.SurveyDesignConfig, lg *zap.Logger) services.SurveyDesignProvider {
	switch {
	case sd.MetadataDir != "":
		return services.NewFileSurveyDesignProvider(sd.MetadataDir)
	case sd.BaseURL != "":
		return services.NewRemoteSurveyDesignProvider(sd.BaseURL, sd.Username, sd.Password, lg.Named("designs"))
	}
	return nil
}

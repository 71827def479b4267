package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commerce-service/config"
	"commerce-service/internal/api"
	"commerce-service/internal/idempotency"
	"commerce-service/internal/redisclient"
	"commerce-service/internal/store"
	"commerce-service/internal/util"
	"commerce-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "commerce",
		Short:   "Order and payment services",
		Version: Version,
	}

	rootCmd.AddCommand(orderServiceCmd())
	rootCmd.AddCommand(paymentServiceCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [order|payment]",
		Short:     "Apply the database migrations of one service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{store.SchemaOrder, store.SchemaPayment},
		RunE: func(cmd *cobra.Command, args []string) error {
			schema := args[0]
			cfg := config.Load(schema + "-service")
			if err := util.InitLogger(cfg.Server.Env); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer util.SyncLogger()

			db, err := store.NewStore(cfg.Database.URL, cfg.Database.MaxOpenConns)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			return db.Migrate(schema, util.GetLogger())
		},
	}
}

// runtime holds what both services build the same way.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *store.Store
	redis  *redisclient.Client
	locker idempotency.Locker

	closers []func()
}

func bootstrap(serviceName, schema string) (*runtime, error) {
	cfg := config.Load(serviceName)

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: util.GetLogger().With(zap.String("service", serviceName))}
	rt.logger.Info("Starting service", zap.String("version", Version))

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	rt.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			rt.logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	})

	rt.db, err = store.NewStore(cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	rt.onClose(func() { rt.db.Close() })
	rt.logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := rt.db.Migrate(schema, rt.logger); err != nil {
			rt.close()
			return nil, err
		}
	}

	if cfg.Redis.Addr == "" {
		rt.logger.Warn("REDIS_ADDR is empty, idempotency locks are process-local")
		rt.locker = idempotency.NewLocalLocker()
	} else {
		rt.redis, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		rt.onClose(func() { rt.redis.Close() })
		rt.locker = rt.redis
		rt.logger.Info("Redis connected")
	}

	return rt, nil
}

func (rt *runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	util.SyncLogger()
}

func (rt *runtime) ready(ctx context.Context) error {
	if err := rt.db.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if rt.redis != nil {
		if err := rt.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// serve runs the HTTP server and the worker until SIGINT or SIGTERM.
func (rt *runtime) serve(handler *api.Handler, w *worker.EventWorker) error {
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		if err := w.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("Worker error", zap.Error(err))
		}
	}()

	if rt.cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", rt.cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		rt.logger.Info("Starting HTTP server", zap.String("port", rt.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case runErr = <-serverErr:
		rt.logger.Error("HTTP server failed", zap.Error(runErr))
	}

	rt.logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := w.Stop(); err != nil {
		rt.logger.Warn("Error stopping worker", zap.Error(err))
	}

	rt.logger.Info("Server exited")
	return runErr
}

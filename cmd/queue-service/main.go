package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"clinicqms/queue-service/internal/catalog"
	"clinicqms/queue-service/internal/config"
	"clinicqms/queue-service/internal/httpapi"
	"clinicqms/queue-service/internal/hub"
	"clinicqms/queue-service/internal/queue"
	"clinicqms/queue-service/internal/stats"
	"clinicqms/queue-service/internal/store"
	"clinicqms/queue-service/internal/store/memory"
	"clinicqms/queue-service/internal/store/postgres"
	"clinicqms/queue-service/internal/telemetry"
)

const serviceName = "queue-service"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Clinic patient queue service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the queue feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return runServer(cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required for migrate")
			}
			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.NewMigrator(pool).Up(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("applied", applied).Msg("migrations complete")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep-no-show",
		Short: "Run one no-show sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			idle, _ := cmd.Flags().GetDuration("idle")
			if idle <= 0 {
				idle = cfg.NoShowIdle()
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.close()

			marked, err := rt.engine.SweepNoShows(ctx, idle, cfg.NoShowBatchSize)
			if err != nil {
				return err
			}
			logger.Info().Int("marked", marked).Dur("idle", idle).Msg("no-show sweep finished")
			return nil
		},
	}
	cmd.Flags().Duration("idle", 0, "idle threshold, defaults to NO_SHOW_IDLE_MINUTES")
	return cmd
}

func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid config")
		return nil, logger, err
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// runtime is the wired storage, catalog and engine for one process.
type runtime struct {
	store   store.Store
	catalog catalog.Accessor
	engine  *queue.Engine
	pool    *pgxpool.Pool
}

func (r *runtime) close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// openRuntime picks PostgreSQL when DATABASE_URL is set and the in-memory
// store otherwise. The memory catalog is seeded from CATALOG_FILE.
func openRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, hook store.CommitHook) (*runtime, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	rt := &runtime{}

	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.pool = pool
		rt.store = postgres.NewStore(pool, postgres.Options{
			LockTimeout: cfg.LockTimeout(),
			CommitHook:  hook,
		})
		rt.catalog = catalog.NewPostgres(pool)
		logger.Info().Msg("connected to database")
	} else {
		seed := catalog.Seed{}
		if cfg.CatalogFile != "" {
			seed, err = catalog.LoadFile(cfg.CatalogFile)
			if err != nil {
				return nil, err
			}
		}
		opts := []memory.Option{memory.WithLockTimeout(cfg.LockTimeout())}
		if hook != nil {
			opts = append(opts, memory.WithCommitHook(hook))
		}
		rt.store = memory.New(opts...)
		rt.catalog = catalog.NewMemory(seed)
		logger.Warn().Str("catalog", cfg.CatalogFile).Msg("DATABASE_URL not set, using in-memory store")
	}

	rt.engine = queue.NewEngine(rt.store, rt.catalog, queue.Options{
		Location:      loc,
		MaxAttempts:   cfg.EngineMaxRetries,
		SystemActorID: cfg.SystemActorID,
		Logger:        logger,
	})
	return rt, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)

	feed := hub.New(logger)
	rt, err := openRuntime(ctx, cfg, logger, feed.Publish)
	if err != nil {
		return err
	}
	defer rt.close()

	handler := httpapi.NewHandler(httpapi.Options{
		Engine: rt.engine,
		Stats:  stats.NewCached(stats.NewAggregator(rt.store, rt.catalog, nil), cfg.StatsCacheTTL()),
		Hub:    feed,
		Logger: logger,
		RateLimit: httpapi.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("queue-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	if interval := cfg.NoShowInterval(); interval > 0 {
		sw := &sweeper{engine: rt.engine, idle: cfg.NoShowIdle(), batch: cfg.NoShowBatchSize, log: logger}
		go sw.loop(ctx, interval)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown error")
	}
	return nil
}

// sweeper runs the periodic no-show pass. A tick that fires while the
// previous pass is still running is dropped.
type sweeper struct {
	engine  *queue.Engine
	idle    time.Duration
	batch   int
	log     zerolog.Logger
	running atomic.Bool
}

func (s *sweeper) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *sweeper) tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	defer s.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := s.engine.SweepNoShows(runCtx, s.idle, s.batch); err != nil {
		s.log.Error().Err(err).Msg("auto no-show error")
	}
	return true
}

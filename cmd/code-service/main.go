package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/medflow/medcode/internal/codes/consumers"
	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/events"
	"github.com/medflow/medcode/internal/codes/handler"
	"github.com/medflow/medcode/internal/codes/inventory"
	"github.com/medflow/medcode/internal/codes/locking"
	"github.com/medflow/medcode/internal/codes/metrics"
	"github.com/medflow/medcode/internal/codes/repository"
	"github.com/medflow/medcode/internal/codes/service"
	"github.com/medflow/medcode/pkg/config"
	"github.com/medflow/medcode/pkg/database"
	"github.com/medflow/medcode/pkg/httputil"
	"github.com/medflow/medcode/pkg/logger"
	"github.com/medflow/medcode/pkg/messaging"
)

const serviceName = "code-service"

// stores bundles the persistence backend selected by storage.driver
type stores struct {
	uow       service.UnitOfWork
	masters   service.MasterStore
	sequences service.SequenceStore
	codes     service.CodeStore
	scans     service.ScanLogStore
	health    func(ctx context.Context) map[string]string
	close     func() error
}

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.Server.Environment)
	log.Info().
		Str("storage", cfg.Storage.Driver).
		Str("inventory", cfg.Inventory.Driver).
		Msg("starting Code Service")

	st, err := openStores(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer st.close()

	var codeMetrics *metrics.CodeMetrics
	if cfg.Metrics.Enabled {
		codeMetrics = metrics.New(prometheus.DefaultRegisterer, serviceName, cfg.Server.Environment)
	}

	var inv service.Inventory
	switch cfg.Inventory.Driver {
	case config.InventoryMemory:
		log.Warn().Msg("using in-memory inventory ledger, stock is not shared with the inventory service")
		inv = inventory.NewLedger()
	default:
		inv = inventory.NewClient(cfg.Inventory.BaseURL, cfg.Inventory.Timeout, log)
	}

	allocOpts := []service.AllocatorOption{
		service.WithRetryPolicy(service.RetryPolicy{
			InitialInterval: cfg.Codes.Allocator.InitialInterval,
			MaxInterval:     cfg.Codes.Allocator.MaxInterval,
			MaxRetries:      cfg.Codes.Allocator.MaxRetries,
		}),
	}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
		}
		allocOpts = append(allocOpts, service.WithLocker(locking.NewRedisLocker(rdb, cfg.Redis.LockTTL, log)))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("cross-process sequence locking enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// publisher stays a nil interface unless RabbitMQ is enabled
	var (
		rmq       *messaging.RabbitMQ
		publisher service.EventPublisher
	)
	if cfg.RabbitMQ.Enabled {
		rmq, err = messaging.New(ctx, &cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()

		codePublisher, err := events.NewCodeEventPublisher(rmq, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		publisher = codePublisher
	}

	registry := service.NewRegistry(st.masters, cfg.Codes.RegistryCacheSize, cfg.Codes.RegistryCacheTTL, log)
	allocator := service.NewAllocator(st.sequences, codeMetrics, log, allocOpts...)
	generator := service.NewGenerator(registry, allocator, st.codes, publisher, codeMetrics,
		domain.SequenceType(cfg.Codes.DefaultSequenceType), log)
	scanner := service.NewScanProcessor(st.uow, st.codes, st.scans, inv, publisher, codeMetrics, log)

	if rmq != nil {
		batchConsumer, err := consumers.NewBatchEventConsumer(rmq, scanner, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create batch event consumer")
		}
		if err := batchConsumer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start batch event consumer")
		}
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Actor)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*.medflow.de", "http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Email", "X-User-Role"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"database": st.health(r.Context()),
		}
		if rmq != nil {
			status["rabbitmq"] = rmq.Health()
		}
		httputil.JSON(w, http.StatusOK, status)
	})

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	handler.Mount(r,
		handler.NewCodeHandler(generator, scanner, allocator, log),
		handler.NewMasterHandler(registry, log),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop consumers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func openStores(cfg *config.Config, log *logger.Logger) (*stores, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		log.Warn().Msg("using in-memory storage, codes are lost on restart")
		mem := repository.NewMemory()
		return &stores{
			uow:       mem,
			masters:   mem.Masters(),
			sequences: mem.Sequences(),
			codes:     mem.Codes(),
			scans:     mem.ScanLogs(),
			health: func(context.Context) map[string]string {
				return map[string]string{"status": "healthy", "driver": config.StorageMemory}
			},
			close: func() error { return nil },
		}, nil
	}

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &stores{
		uow:       db,
		masters:   repository.NewMasterRepository(db),
		sequences: repository.NewSequenceRepository(db),
		codes:     repository.NewCodeRepository(db),
		scans:     repository.NewScanLogRepository(db),
		health:    db.Health,
		close:     db.Close,
	}, nil
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/cohort"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/engine"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/config"
	"github.com/synaptica-ai/cohortfilter/pkg/common/database"
	"github.com/synaptica-ai/cohortfilter/pkg/common/kafka"
	"github.com/synaptica-ai/cohortfilter/pkg/common/logger"
	"github.com/synaptica-ai/cohortfilter/pkg/gateway/middleware"
	"github.com/synaptica-ai/cohortfilter/pkg/gateway/routes"
	"github.com/synaptica-ai/cohortfilter/pkg/observability/metrics"
	"github.com/synaptica-ai/cohortfilter/pkg/population"
)

func main() {
	logger.Init()
	cfg := config.Load()

	vocab, err := filter.LoadVocabulary(cfg.VocabularyPath)
	if err != nil {
		logger.Log.WithError(err).Warn("Using built-in modality vocabulary")
	}

	var (
		source    population.Source
		templates cohort.TemplateStore
	)
	switch cfg.PopulationSource {
	case "file":
		source = population.NewFileSource(cfg.PopulationFile)
	default:
		db, err := database.GetPostgres(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to initialize PostgreSQL")
		}
		source = population.NewRepository(db)

		repo := cohort.NewTemplateRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Warn("Cohort templates table not migrated")
		}
		templates = repo
	}
	snapshot := population.NewSnapshot(source)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	opts := []cohort.Option{}
	if templates != nil {
		opts = append(opts, cohort.WithTemplates(templates))
	}
	if cfg.CacheEnabled {
		opts = append(opts, cohort.WithCache(cohort.NewRedisCache(database.GetRedis(cfg)), cfg.ResultCacheTTL))
	}

	var (
		producer *kafka.Producer
		consumer *kafka.Consumer
	)
	if cfg.EventsEnabled {
		producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.CohortEventsTopic)
		opts = append(opts, cohort.WithPublisher(producer))

		consumer = kafka.NewConsumer(cfg.KafkaBrokers, cfg.PopulationEventsTopic, cfg.KafkaGroupID)
		go func() {
			if err := consumer.Consume(ctx, population.RefreshOnUpdate(snapshot)); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Error("Population event consumer stopped")
			}
		}()
	}

	eng := engine.New(vocab, engine.WithWorkers(cfg.EvalWorkers))
	service := cohort.NewService(eng, vocab, snapshot, opts...)

	warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
	if err := snapshot.Refresh(warmCtx); err != nil {
		logger.Log.WithError(err).Warn("Initial population load failed; retrying on first query")
	}
	cancelWarm()

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	router.HandleFunc("/health", routes.Health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	routes.NewCohortHandler(service).Register(api)
	routes.NewSourceHandler(snapshot).Register(api)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":   cfg.ServerHost,
			"port":   cfg.ServerPort,
			"source": cfg.PopulationSource,
		}).Info("Cohort Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Cohort Service...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	if consumer != nil {
		_ = consumer.Close()
	}
	if producer != nil {
		_ = producer.Close()
	}
	_ = database.CloseRedis()
	_ = database.ClosePostgres()

	logger.Log.Info("Cohort Service stopped")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"valuation/server/config"
	"valuation/server/internal/api"
	"valuation/server/internal/database"
	"valuation/server/internal/events"
	"valuation/server/internal/forecast"
	"valuation/server/internal/geocoding"
	"valuation/server/internal/geometry"
	"valuation/server/internal/processor"
	"valuation/server/internal/queue"
	"valuation/server/internal/scheduler"
	"valuation/server/internal/telegram"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize databases
	logger.Infof("Using database at: %s", cfg.Database.Path)
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	logger.Info("Running database migrations...")
	if err := db.RunMigrations(); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}

	gormDB, err := database.NewGormDB(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open forecast tables")
	}
	if err := database.MigrateSchema(gormDB); err != nil {
		logger.WithError(err).Fatal("Failed to migrate forecast tables")
	}
	jobs := database.NewJobStore(gormDB)

	// Bordering authorities
	config.SetBorderConfigPath(cfg.Boundaries.BordersPath)
	if err := config.LoadBorderConfig(); err != nil {
		logger.WithError(err).Fatal("Failed to load bordering authorities")
	}

	engine, err := forecast.NewEngineFromConfig(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize forecast engine")
	}

	// Background training
	trainingQueue := queue.NewTrainingQueue(cfg.BatchProcessing.QueueSize, logger)
	trainingProcessor := processor.NewTrainingProcessor(gormDB, jobs, db, engine, trainingQueue, cfg, logger)

	publisher, err := events.NewPublisher(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize forecast publisher")
	}
	if publisher != nil {
		defer publisher.Close()
		trainingProcessor.SetPublisher(publisher)
	}
	if cfg.Telegram.Enabled {
		trainingProcessor.SetNotifier(telegram.NewServiceFromConfig(cfg, logger))
	}

	handler := api.NewHandler(db, gormDB, trainingQueue, logger)
	trainingProcessor.SetForecastCache(handler)

	trainingProcessor.Start()
	trainingQueue.Start()

	var retrainer *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		retrainer = scheduler.NewScheduler(jobs, trainingQueue, db, cfg, logger)
		retrainer.Start()
	}

	// HTTP API
	if cfg.Boundaries.GeoJSONPath != "" {
		index, err := geometry.LoadBoundaries(cfg.Boundaries.GeoJSONPath, cfg.Boundaries.Tolerance, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to load boundaries, bordering lookups use the borders file only")
		} else {
			handler.SetBoundaries(index)
		}
	}

	if cfg.Postcodes.APIURL != "" {
		handler.SetPostcodeLookup(geocoding.NewPostcodeResolver(cfg.Postcodes.APIURL, cfg.Postcodes.CacheDir, nil, logger))
	}

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(cfg, handler, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	if retrainer != nil {
		retrainer.Stop()
	}
	trainingProcessor.Stop()
	if err := trainingQueue.Close(); err != nil {
		logger.WithError(err).Error("Failed to close training queue")
	}
}

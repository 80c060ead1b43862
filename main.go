package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"audit-service/internal/config"
	"audit-service/internal/publisher"
	"audit-service/internal/repository"
	"audit-service/internal/server"
	"audit-service/internal/service"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil {
		log.Warn("Could not load .env file.")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithField("error", err).Fatal("Invalid configuration")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	var (
		db          *sql.DB
		auditRepo   service.AuditRepository
		archiveRepo service.ArchiveRepository
		productRepo service.ProductRepository
	)

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		if err := repository.Migrate(cfg.DB); err != nil {
			log.WithField("error", err).Fatal("Could not apply migration")
		}
		db, err = repository.OpenPostgres(cfg.DB)
		if err != nil {
			log.WithField("error", err).Fatal("Could not connect to the database")
		}
		defer db.Close()

		auditRepo = repository.NewPostgresAuditRepository(db)
		archiveRepo = repository.NewPostgresArchiveRepository(db)
		productRepo = repository.NewPostgresProductRepository(db)
	default:
		log.Warn("Using in-memory store, records are lost on exit")
		store := repository.NewMemoryAuditStore()
		auditRepo = store
		archiveRepo = store
		productRepo = repository.NewMemoryProductRepository()
	}

	// Kafka mirror is optional.
	var recordPublisher service.RecordPublisher
	if cfg.Kafka.BootstrapServers != "" {
		p, err := publisher.NewAuditPublisher(cfg.Kafka.BootstrapServers, cfg.Kafka.AuditTopic)
		if err != nil {
			log.WithField("error", err).Fatal("Could not create Kafka publisher")
		}
		defer p.Close()
		recordPublisher = p
	}

	auditService := service.NewAuditService(auditRepo, recordPublisher, service.AuditOptions{
		ExportMaxRows:   cfg.Audit.ExportMaxRows,
		ExportChunkSize: cfg.Audit.ExportChunkSize,
	})
	dispatcher := service.NewDispatcher(auditService, cfg.Audit.Workers, cfg.Audit.QueueSize, cfg.Audit.WriteTimeout)
	observer := service.NewObserver(dispatcher)
	productService := service.NewProductService(productRepo, observer)

	archiver := service.NewArchiver(archiveRepo, service.ArchiveOptions{
		ArchiveAfterDays: cfg.Audit.ArchiveAfterDays,
		RetentionDays:    cfg.Audit.RetentionDays,
		BatchSize:        cfg.Audit.ArchiveBatchSize,
		BatchTimeout:     cfg.Audit.ArchiveBatchTimeout,
	})
	scheduler := service.NewArchiveScheduler(archiver, cfg.Audit.ArchiveSchedule)
	if err := scheduler.Start(); err != nil {
		log.WithField("error", err).Fatal("Could not schedule archival")
	}

	e := echo.New()
	e.HideBanner = true
	server.RegisterRoutes(e, server.NewServer(db), server.NewAuditServer(auditService), server.NewProductServer(productService))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("port", cfg.HTTP.Port).Info("Audit service is starting with Echo")
		if err := e.Start(":" + cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err).Fatal("Echo server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Error("Echo server shutdown failed")
	}
	scheduler.Stop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("Audit queue was not drained before shutdown")
	}
}

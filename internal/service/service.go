// Package service assembles the aggregator's dependencies into one value
// with an explicit start/stop lifecycle. Nothing in the process is a
// package-level singleton; everything hangs off the Service constructed at
// startup.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loghorn/aggregator/internal/archive"
	"github.com/loghorn/aggregator/internal/config"
	"github.com/loghorn/aggregator/internal/consumer"
	"github.com/loghorn/aggregator/internal/ingest"
	"github.com/loghorn/aggregator/internal/logging"
	"github.com/loghorn/aggregator/internal/store"
	"github.com/loghorn/aggregator/internal/transport"
)

// Service owns the store pool, the transport client, the worker pool and the
// optional audit archiver.
type Service struct {
	Cfg         *config.Config
	Log         zerolog.Logger
	DB          *sql.DB
	Store       store.Store
	Bus         transport.Bus
	Coordinator *ingest.Coordinator
	Pool        *consumer.Pool
	StartedAt   time.Time

	archiver      *archive.Archiver
	archiveCancel context.CancelFunc
	archiveDone   chan struct{}
	stopOnce      sync.Once
}

// New connects the store and the transport, applies the embedded schema
// migrations and builds the ingest pipeline. It does not start any workers;
// call Start for that.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Service, error) {
	poolCfg := store.DefaultPoolConfig()
	poolCfg.StatementTimeout = time.Duration(cfg.StatementTimeoutSeconds) * time.Second

	db, err := store.Open(cfg.DatabaseURL, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := store.ApplyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Msg("database ready")

	st := store.NewPGStore(db, poolCfg.StatementTimeout)

	bus, err := transport.New(cfg.TransportURL, cfg.Channel)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build transport: %w", err)
	}
	if err := bus.Ping(ctx); err != nil {
		_ = bus.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ping transport: %w", err)
	}
	log.Info().Str("channel", cfg.Channel).Msg("transport ready")

	coord := ingest.New(st, logging.WithComponent(log, "ingest"))
	pool := consumer.NewPool(bus, coord, cfg.WorkerCount, logging.WithComponent(log, "consumer"))

	svc := &Service{
		Cfg:         cfg,
		Log:         log,
		DB:          db,
		Store:       st,
		Bus:         bus,
		Coordinator: coord,
		Pool:        pool,
		StartedAt:   time.Now().UTC(),
	}

	if cfg.S3Bucket != "" {
		uploader, err := archive.NewS3Uploader(ctx, cfg.S3Bucket)
		if err != nil {
			_ = bus.Close()
			_ = db.Close()
			return nil, fmt.Errorf("init audit archiver: %w", err)
		}
		svc.archiver = archive.New(st, uploader, archive.Config{
			Prefix:       cfg.S3Prefix,
			Retention:    time.Duration(cfg.AuditRetentionHours) * time.Hour,
			BatchSize:    cfg.ArchiveBatchSize,
			PollInterval: time.Duration(cfg.ArchivePollIntervalSeconds) * time.Second,
		}, logging.WithComponent(log, "archive"))
	}

	return svc, nil
}

// Start launches the consumer workers and, when configured, the audit
// archiver.
func (s *Service) Start(ctx context.Context) {
	s.Pool.Start(ctx)

	if s.archiver != nil {
		runCtx, cancel := context.WithCancel(context.Background())
		s.archiveCancel = cancel
		s.archiveDone = make(chan struct{})
		go func() {
			defer close(s.archiveDone)
			if err := s.archiver.Run(runCtx); err != nil && err != context.Canceled {
				s.Log.Error().Err(err).Msg("audit archiver exited")
			}
		}()
	}
}

// Stop shuts everything down in dependency order: workers first so no admit
// is in flight, then the transport and the store pool. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.Pool.Stop()
		if s.archiveCancel != nil {
			s.archiveCancel()
			<-s.archiveDone
		}
		if err := s.Bus.Close(); err != nil {
			s.Log.Warn().Err(err).Msg("transport close failed")
		}
		if err := s.DB.Close(); err != nil {
			s.Log.Warn().Err(err).Msg("database close failed")
		}
		s.Log.Info().Msg("service stopped")
	})
}

// Uptime reports how long the service has been running.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.StartedAt)
}

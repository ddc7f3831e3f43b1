// Command workflowengine runs one engine process of the distributed
// workflow execution core: the instance store, lock/mutex/registry
// services, the workflow engine itself, and the cluster-coordination
// scheduler, fronted by an ambient /healthz + /metrics HTTP surface.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-core/internal/core/service"
	"github.com/r3e-network/workflow-core/internal/definitions"
	"github.com/r3e-network/workflow-core/internal/executor"
	"github.com/r3e-network/workflow-core/internal/locking"
	"github.com/r3e-network/workflow-core/internal/observability"
	"github.com/r3e-network/workflow-core/internal/platform/database"
	"github.com/r3e-network/workflow-core/internal/platform/migrations"
	"github.com/r3e-network/workflow-core/internal/registry"
	"github.com/r3e-network/workflow-core/internal/scheduler"
	"github.com/r3e-network/workflow-core/internal/store"
	"github.com/r3e-network/workflow-core/internal/workflow"
	"github.com/r3e-network/workflow-core/pkg/config"
	"github.com/r3e-network/workflow-core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env)")
	engineID := flag.String("engine-id", "", "unique id for this engine instance (defaults to a generated uuid)")
	runMigrations := flag.Bool("migrate", true, "apply embedded database migrations on startup")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dsnVal := resolveDSN(*dsn, cfg)
	if dsnVal == "" {
		log.Fatalf("no database DSN configured (pass -dsn, set DATABASE_URL, or configure database.dsn)")
	}

	rootCtx := context.Background()
	var db *sql.DB
	connectPolicy := service.RetryPolicy{Attempts: 5, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2}
	if err := service.Retry(rootCtx, connectPolicy, func() error {
		opened, openErr := database.Open(rootCtx, dsnVal)
		if openErr != nil {
			return openErr
		}
		db = opened
		return nil
	}); err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	configurePool(db, cfg)

	if *runMigrations && cfg.Database.MigrateOnStart {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	appLog := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	id := strings.TrimSpace(*engineID)
	if id == "" {
		id = uuid.NewString()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	locks := locking.New(db, appLog)
	reg := registry.New(db, appLog)
	st := store.New(db, appLog)
	defsRepo := definitions.NewRepository(db)
	defs := definitions.NewService(defsRepo, locks, appLog)
	execs := executor.New(appLog)
	eng := workflow.NewEngine(st, defs, execs, locks, cfg.Engine, id, appLog)

	sched := scheduler.New(st, reg, locks, eng, db, cfg.Engine, id, hostname, execs.Names(), appLog)

	obsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	obs := observability.New(obsAddr, appLog)

	for _, d := range []service.Descriptor{sched.Descriptor(), obs.Descriptor()} {
		appLog.WithField("component", d.Name).WithField("layer", d.Layer).Info("component registered")
	}

	if err := sched.Start(rootCtx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	if err := obs.Start(rootCtx); err != nil {
		log.Fatalf("start observability server: %v", err)
	}
	appLog.WithField("engine_id", id).WithField("addr", obsAddr).Info("workflow engine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := obs.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("observability server shutdown error")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("scheduler shutdown error")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if strings.TrimSpace(cfg.Database.DSN) != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func configurePool(db interface {
	SetMaxOpenConns(int)
	SetMaxIdleConns(int)
	SetConnMaxLifetime(time.Duration)
}, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

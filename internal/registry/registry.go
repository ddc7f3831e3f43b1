// Package registry implements the engine registry (component C2): cluster
// membership, heartbeat, liveness detection, and status transitions for
// engine instances.
package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/r3e-network/workflow-core/internal/platform/dbtx"
	"github.com/r3e-network/workflow-core/pkg/errors"
	"github.com/r3e-network/workflow-core/pkg/logger"
	"github.com/r3e-network/workflow-core/pkg/metrics"
)

// Status is the lifecycle state of an engine row, per spec §4.2.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

// LoadInfo is the host-load snapshot embedded in an EngineInstance row,
// supplemented per SPEC_FULL §4.2a so the scheduler's argmin(load) choice has
// real data to compare.
type LoadInfo struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemUsedBytes uint64  `json:"mem_used_bytes"`
	MemTotal     uint64  `json:"mem_total_bytes"`
	Goroutines   int     `json:"goroutines"`
}

// EngineInstance mirrors the `workflow_engine_instances` table.
type EngineInstance struct {
	InstanceID         string
	Hostname           string
	ProcessID          int
	Status             Status
	LoadInfo           LoadInfo
	SupportedExecutors []string
	StartedAt          time.Time
	LastHeartbeat      time.Time
	UpdatedAt          time.Time
}

// Service is the contract consumed by the scheduler and workflow engine.
type Service interface {
	Register(ctx context.Context, engine EngineInstance) error
	Heartbeat(ctx context.Context, instanceID string, load LoadInfo) (bool, error)
	ListActive(ctx context.Context, livenessWindow time.Duration) ([]EngineInstance, error)
	ListStale(ctx context.Context, threshold time.Duration) ([]EngineInstance, error)
	MarkInactive(ctx context.Context, instanceID string) error
	MarkMaintenance(ctx context.Context, instanceID string) error
	Unregister(ctx context.Context, instanceID string) error
	Get(ctx context.Context, instanceID string) (*EngineInstance, error)
}

// PostgresService implements Service against `workflow_engine_instances`.
type PostgresService struct {
	db  *sql.DB
	log *logger.Logger
}

// New constructs a registry service bound to db.
func New(db *sql.DB, log *logger.Logger) *PostgresService {
	if log == nil {
		log = logger.NewDefault("engine-registry")
	}
	return &PostgresService{db: db, log: log}
}

// Register upserts an engine row with status=active and a fresh heartbeat.
func (s *PostgresService) Register(ctx context.Context, engine EngineInstance) error {
	now := time.Now().UTC()
	loadJSON, err := marshalLoad(engine.LoadInfo)
	if err != nil {
		return errors.ValidationError("invalid load info: " + err.Error())
	}

	_, err = dbtx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO workflow_engine_instances
			(instance_id, hostname, process_id, status, load_info, supported_executors, started_at, last_heartbeat, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (instance_id) DO UPDATE
		SET hostname = EXCLUDED.hostname,
		    process_id = EXCLUDED.process_id,
		    status = EXCLUDED.status,
		    load_info = EXCLUDED.load_info,
		    supported_executors = EXCLUDED.supported_executors,
		    last_heartbeat = EXCLUDED.last_heartbeat,
		    updated_at = EXCLUDED.updated_at
	`, engine.InstanceID, engine.Hostname, engine.ProcessID, StatusActive, loadJSON,
		pq.Array(engine.SupportedExecutors), now, now)
	if err != nil {
		return errors.TransientStoreError("registry.register", err)
	}
	s.log.WithField("engine_instance_id", engine.InstanceID).Info("engine registered")
	return nil
}

// Heartbeat bumps lastHeartbeat and updates loadInfo. It returns false if no
// row exists — the caller must re-register.
func (s *PostgresService) Heartbeat(ctx context.Context, instanceID string, load LoadInfo) (bool, error) {
	loadJSON, err := marshalLoad(load)
	if err != nil {
		return false, errors.ValidationError("invalid load info: " + err.Error())
	}

	res, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE workflow_engine_instances
		SET last_heartbeat = now(), load_info = $2, updated_at = now()
		WHERE instance_id = $1
	`, instanceID, loadJSON)
	if err != nil {
		metrics.RecordHeartbeat("error")
		return false, errors.TransientStoreError("registry.heartbeat", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		metrics.RecordHeartbeat("error")
		return false, errors.TransientStoreError("registry.heartbeat.rows_affected", err)
	}
	if rows == 0 {
		metrics.RecordHeartbeat("missing_row")
		return false, nil
	}
	metrics.RecordHeartbeat("ok")
	return true, nil
}

// ListActive returns engines with status=active and a heartbeat within the
// liveness window.
func (s *PostgresService) ListActive(ctx context.Context, livenessWindow time.Duration) ([]EngineInstance, error) {
	rows, err := dbtx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT instance_id, hostname, process_id, status, load_info, supported_executors,
		       started_at, last_heartbeat, updated_at
		FROM workflow_engine_instances
		WHERE status = $1 AND last_heartbeat >= now() - $2 * interval '1 second'
		ORDER BY instance_id
	`, StatusActive, livenessWindow.Seconds())
	if err != nil {
		return nil, errors.TransientStoreError("registry.list_active", err)
	}
	defer rows.Close()

	engines, err := scanEngines(rows)
	if err != nil {
		return nil, err
	}
	metrics.SetActiveEngines(len(engines))
	return engines, nil
}

// ListStale returns engines whose heartbeat predates now-threshold while
// still marked active — candidates for failover.
func (s *PostgresService) ListStale(ctx context.Context, threshold time.Duration) ([]EngineInstance, error) {
	rows, err := dbtx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT instance_id, hostname, process_id, status, load_info, supported_executors,
		       started_at, last_heartbeat, updated_at
		FROM workflow_engine_instances
		WHERE status = $1 AND last_heartbeat < now() - $2 * interval '1 second'
		ORDER BY instance_id
	`, StatusActive, threshold.Seconds())
	if err != nil {
		return nil, errors.TransientStoreError("registry.list_stale", err)
	}
	defer rows.Close()
	return scanEngines(rows)
}

// MarkInactive transitions an engine row to inactive (clean shutdown or
// completed failover).
func (s *PostgresService) MarkInactive(ctx context.Context, instanceID string) error {
	return s.setStatus(ctx, instanceID, StatusInactive)
}

// MarkMaintenance transitions an engine row to maintenance: ineligible for
// new work, keeps executing what it already owns.
func (s *PostgresService) MarkMaintenance(ctx context.Context, instanceID string) error {
	return s.setStatus(ctx, instanceID, StatusMaintenance)
}

func (s *PostgresService) setStatus(ctx context.Context, instanceID string, status Status) error {
	_, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE workflow_engine_instances SET status = $2, updated_at = now() WHERE instance_id = $1
	`, instanceID, status)
	if err != nil {
		return errors.TransientStoreError("registry.set_status", err)
	}
	return nil
}

// Unregister permanently removes an engine row.
func (s *PostgresService) Unregister(ctx context.Context, instanceID string) error {
	_, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `DELETE FROM workflow_engine_instances WHERE instance_id = $1`, instanceID)
	if err != nil {
		return errors.TransientStoreError("registry.unregister", err)
	}
	return nil
}

// Get returns a single engine row by id.
func (s *PostgresService) Get(ctx context.Context, instanceID string) (*EngineInstance, error) {
	row := dbtx.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT instance_id, hostname, process_id, status, load_info, supported_executors,
		       started_at, last_heartbeat, updated_at
		FROM workflow_engine_instances WHERE instance_id = $1
	`, instanceID)
	engine, err := scanEngine(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundError("engine_instance", instanceID)
		}
		return nil, errors.TransientStoreError("registry.get", err)
	}
	return &engine, nil
}

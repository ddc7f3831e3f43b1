package definitions

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/r3e-network/workflow-core/internal/platform/dbtx"
	"github.com/r3e-network/workflow-core/pkg/errors"
)

// Repository is the storage-facing half of the definition service, kept
// separate from Service so the lock-guarded activation toggle in service.go
// stays storage-agnostic.
type Repository interface {
	Get(ctx context.Context, name string) (WorkflowDefinition, error)
	GetVersion(ctx context.Context, name string, version int) (WorkflowDefinition, error)
	Create(ctx context.Context, def WorkflowDefinition) (WorkflowDefinition, error)
	Deactivate(ctx context.Context, name string) error
	Activate(ctx context.Context, name string, version int) error
}

// PostgresRepository implements Repository against `workflow_definitions`.
type PostgresRepository struct {
	db *sql.DB
}

// NewRepository constructs a definition repository bound to db.
func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, name string) (WorkflowDefinition, error) {
	row := dbtx.Q(ctx, r.db).QueryRowContext(ctx, `
		SELECT id, name, version, nodes, inputs, outputs, config, is_active
		FROM workflow_definitions WHERE name = $1 AND is_active = true
	`, name)
	return scanDefinition(row, name)
}

func (r *PostgresRepository) GetVersion(ctx context.Context, name string, version int) (WorkflowDefinition, error) {
	row := dbtx.Q(ctx, r.db).QueryRowContext(ctx, `
		SELECT id, name, version, nodes, inputs, outputs, config, is_active
		FROM workflow_definitions WHERE name = $1 AND version = $2
	`, name, version)
	return scanDefinition(row, name)
}

func (r *PostgresRepository) Create(ctx context.Context, def WorkflowDefinition) (WorkflowDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return WorkflowDefinition{}, errors.ValidationError("invalid nodes: " + err.Error())
	}
	inputsJSON, err := json.Marshal(def.Inputs)
	if err != nil {
		return WorkflowDefinition{}, errors.ValidationError("invalid inputs: " + err.Error())
	}
	outputsJSON, err := json.Marshal(def.Outputs)
	if err != nil {
		return WorkflowDefinition{}, errors.ValidationError("invalid outputs: " + err.Error())
	}
	configJSON, err := json.Marshal(def.Config)
	if err != nil {
		return WorkflowDefinition{}, errors.ValidationError("invalid config: " + err.Error())
	}

	_, err = dbtx.Q(ctx, r.db).ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, version, nodes, inputs, outputs, config, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, def.ID, def.Name, def.Version, nodesJSON, inputsJSON, outputsJSON, configJSON, def.IsActive)
	if err != nil {
		return WorkflowDefinition{}, errors.TransientStoreError("definitions.create", err)
	}
	return r.GetVersion(ctx, def.Name, def.Version)
}

func (r *PostgresRepository) Deactivate(ctx context.Context, name string) error {
	_, err := dbtx.Q(ctx, r.db).ExecContext(ctx, `
		UPDATE workflow_definitions SET is_active = false WHERE name = $1 AND is_active = true
	`, name)
	if err != nil {
		return errors.TransientStoreError("definitions.deactivate", err)
	}
	return nil
}

func (r *PostgresRepository) Activate(ctx context.Context, name string, version int) error {
	res, err := dbtx.Q(ctx, r.db).ExecContext(ctx, `
		UPDATE workflow_definitions SET is_active = true WHERE name = $1 AND version = $2
	`, name, version)
	if err != nil {
		return errors.TransientStoreError("definitions.activate", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.TransientStoreError("definitions.activate.rows_affected", err)
	}
	if rows == 0 {
		return errors.NotFoundError("workflow_definition_version", name)
	}
	return nil
}

func scanDefinition(row interface{ Scan(...any) error }, name string) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	var nodesJSON, inputsJSON, outputsJSON, configJSON []byte
	if err := row.Scan(&def.ID, &def.Name, &def.Version, &nodesJSON, &inputsJSON, &outputsJSON, &configJSON, &def.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return WorkflowDefinition{}, errors.NotFoundError("workflow_definition", name)
		}
		return WorkflowDefinition{}, errors.TransientStoreError("definitions.scan", err)
	}
	if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
		return WorkflowDefinition{}, errors.Wrap(errors.TransientStore, "decode nodes", err)
	}
	if err := json.Unmarshal(inputsJSON, &def.Inputs); err != nil {
		return WorkflowDefinition{}, errors.Wrap(errors.TransientStore, "decode inputs", err)
	}
	if err := json.Unmarshal(outputsJSON, &def.Outputs); err != nil {
		return WorkflowDefinition{}, errors.Wrap(errors.TransientStore, "decode outputs", err)
	}
	if err := json.Unmarshal(configJSON, &def.Config); err != nil {
		return WorkflowDefinition{}, errors.Wrap(errors.TransientStore, "decode config", err)
	}
	return def, nil
}

package registry

import (
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
	"github.com/r3e-network/workflow-core/pkg/errors"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func marshalLoad(load LoadInfo) ([]byte, error) {
	return json.Marshal(load)
}

func scanEngine(row rowScanner) (EngineInstance, error) {
	var e EngineInstance
	var loadJSON []byte
	var supported pq.StringArray
	if err := row.Scan(
		&e.InstanceID, &e.Hostname, &e.ProcessID, &e.Status, &loadJSON, &supported,
		&e.StartedAt, &e.LastHeartbeat, &e.UpdatedAt,
	); err != nil {
		return EngineInstance{}, err
	}
	e.SupportedExecutors = []string(supported)
	if len(loadJSON) > 0 {
		if err := json.Unmarshal(loadJSON, &e.LoadInfo); err != nil {
			return EngineInstance{}, errors.Wrap(errors.TransientStore, "decode load_info", err)
		}
	}
	return e, nil
}

func scanEngines(rows *sql.Rows) ([]EngineInstance, error) {
	var out []EngineInstance
	for rows.Next() {
		e, err := scanEngine(rows)
		if err != nil {
			return nil, errors.TransientStoreError("registry.scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.TransientStoreError("registry.scan.rows_err", err)
	}
	return out, nil
}

// Package locking implements the named-lease lock service (component C1):
// acquire/renew/release of exclusive leases against the shared database,
// using the database's own clock to avoid skew between engine processes.
package locking

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/r3e-network/workflow-core/internal/platform/dbtx"
	"github.com/r3e-network/workflow-core/pkg/errors"
	"github.com/r3e-network/workflow-core/pkg/logger"
	"github.com/r3e-network/workflow-core/pkg/metrics"
)

// Bounds on lock TTLs, per spec §4.1.
const (
	MinTTL = 5 * time.Second
	MaxTTL = 10 * time.Minute
)

// Lock mirrors the `locks` table row.
type Lock struct {
	Key        string
	OwnerID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Service is the contract consumed by every other component that needs
// mutual exclusion against the shared store.
type Service interface {
	// Acquire returns true iff the caller holds the lock after the call.
	Acquire(ctx context.Context, key string, ttl time.Duration, ownerID string) (bool, error)
	// Renew returns true iff ownerID currently holds the lock; it extends
	// expiresAt on success.
	Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	// Release is idempotent; it only removes the row if ownerID matches.
	Release(ctx context.Context, key, ownerID string) error
	// Lookup returns the current lock row for key, if any live lease exists.
	Lookup(ctx context.Context, key string) (*Lock, error)
}

// PostgresService implements Service against the `locks` table using
// conditional upserts so the database server's clock (not the caller's)
// decides expiry.
type PostgresService struct {
	db  *sql.DB
	log *logger.Logger
}

// New constructs a lock service bound to db.
func New(db *sql.DB, log *logger.Logger) *PostgresService {
	if log == nil {
		log = logger.NewDefault("lock-service")
	}
	return &PostgresService{db: db, log: log}
}

func clampTTL(ttl time.Duration) (time.Duration, error) {
	if ttl < MinTTL || ttl > MaxTTL {
		return 0, errors.ValidationError(
			fmt.Sprintf("lock ttl %s out of bounds [%s, %s]", ttl, MinTTL, MaxTTL))
	}
	return ttl, nil
}

// Acquire performs an atomic insert-or-update-if-expired. Contention (someone
// else already holds an unexpired lease) returns (false, nil), never an
// error — per spec §4.1, acquire failures due to contention are not errors.
func (s *PostgresService) Acquire(ctx context.Context, key string, ttl time.Duration, ownerID string) (bool, error) {
	ttl, err := clampTTL(ttl)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.RecordLockAcquire("error")
		return false, errors.TransientStoreError("lock.acquire.begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO locks (key, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + $3 * interval '1 second')
		ON CONFLICT (key) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at <= now()
	`, key, ownerID, ttl.Seconds())
	if err != nil {
		metrics.RecordLockAcquire("error")
		return false, errors.TransientStoreError("lock.acquire.upsert", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		metrics.RecordLockAcquire("error")
		return false, errors.TransientStoreError("lock.acquire.rows_affected", err)
	}
	if rows == 0 {
		if cerr := tx.Commit(); cerr != nil {
			metrics.RecordLockAcquire("error")
			return false, errors.TransientStoreError("lock.acquire.commit", cerr)
		}
		metrics.RecordLockAcquire("contended")
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		metrics.RecordLockAcquire("error")
		return false, errors.TransientStoreError("lock.acquire.commit", err)
	}
	metrics.RecordLockAcquire("acquired")
	return true, nil
}

// Renew extends expiresAt only if ownerID currently holds the lease.
func (s *PostgresService) Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	ttl, err := clampTTL(ttl)
	if err != nil {
		return false, err
	}

	res, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE locks
		SET expires_at = now() + $3 * interval '1 second'
		WHERE key = $1 AND owner_id = $2 AND expires_at > now()
	`, key, ownerID, ttl.Seconds())
	if err != nil {
		metrics.RecordLockRenew("error")
		return false, errors.TransientStoreError("lock.renew", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		metrics.RecordLockRenew("error")
		return false, errors.TransientStoreError("lock.renew.rows_affected", err)
	}
	if rows == 0 {
		metrics.RecordLockRenew("lost")
		return false, nil
	}
	metrics.RecordLockRenew("renewed")
	return true, nil
}

// Release removes the row only if ownerID matches; it is a no-op otherwise.
func (s *PostgresService) Release(ctx context.Context, key, ownerID string) error {
	_, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		DELETE FROM locks WHERE key = $1 AND owner_id = $2
	`, key, ownerID)
	if err != nil {
		return errors.TransientStoreError("lock.release", err)
	}
	return nil
}

// Lookup returns the current live lease for key, or nil if none exists.
func (s *PostgresService) Lookup(ctx context.Context, key string) (*Lock, error) {
	row := dbtx.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT key, owner_id, acquired_at, expires_at
		FROM locks
		WHERE key = $1 AND expires_at > now()
	`, key)
	var l Lock
	if err := row.Scan(&l.Key, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.TransientStoreError("lock.lookup", err)
	}
	return &l, nil
}

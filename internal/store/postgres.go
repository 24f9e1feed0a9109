package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketsync/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the only shared
// mutable resource across processors and worker restarts; all coordination
// state (pending reports, sync logs, leases) lives here, never in process
// memory.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// StartSyncLog opens a running sync_logs row and returns its id.
func (s *Store) StartSyncLog(ctx context.Context, syncType string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_logs (sync_type, status, started_at)
		VALUES ($1, $2, NOW())
		RETURNING id
	`, syncType, models.SyncRunning).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert sync log: %w", err)
	}
	return id, nil
}

// CompleteSyncLog marks a run successful with its counts. The update is
// guarded on status so a run cancelled by the stop-all operation stays
// cancelled and the late result is discarded.
func (s *Store) CompleteSyncLog(ctx context.Context, id int64, counts models.Counts, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_logs
		SET status = $2, completed_at = NOW(), records_processed = $3, metadata = $4
		WHERE id = $1 AND status = $5
	`, id, models.SyncSuccess, counts.Processed, meta, models.SyncRunning)
	return err
}

// FailSyncLog marks a run failed with the reason.
func (s *Store) FailSyncLog(ctx context.Context, id int64, reason string) error {
	meta, _ := json.Marshal(map[string]any{"error": reason})
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_logs
		SET status = $2, completed_at = NOW(), metadata = $3
		WHERE id = $1 AND status = $4
	`, id, models.SyncFailed, meta, models.SyncRunning)
	return err
}

// CancelRunningSyncLogs forces every running row to cancelled and returns
// how many were flipped. Used by the stop-all operation.
func (s *Store) CancelRunningSyncLogs(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_logs SET status = $1, completed_at = NOW() WHERE status = $2
	`, models.SyncCancelled, models.SyncRunning)
	if err != nil {
		return 0, fmt.Errorf("cancel running sync logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LastSyncLog returns the most recent run for a sync type, if any.
func (s *Store) LastSyncLog(ctx context.Context, syncType string) (models.SyncLog, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, sync_type, status, started_at, completed_at, records_processed, metadata
		FROM sync_logs WHERE sync_type = $1
		ORDER BY started_at DESC LIMIT 1
	`, syncType)
	entry, err := scanSyncLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncLog{}, false, nil
	}
	if err != nil {
		return models.SyncLog{}, false, err
	}
	return entry, true, nil
}

// LastSuccessfulSyncAt returns when a sync type last succeeded, zero time if never.
func (s *Store) LastSuccessfulSyncAt(ctx context.Context, syncType string) (time.Time, error) {
	var completed pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT completed_at FROM sync_logs
		WHERE sync_type = $1 AND status = $2
		ORDER BY completed_at DESC LIMIT 1
	`, syncType, models.SyncSuccess).Scan(&completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last success: %w", err)
	}
	if !completed.Valid {
		return time.Time{}, nil
	}
	return completed.Time, nil
}

// PurgeSyncLogs removes terminal sync logs older than the cutoff.
func (s *Store) PurgeSyncLogs(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_logs WHERE status <> $1 AND started_at < $2
	`, models.SyncRunning, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge sync logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AcquireLease claims the named run lease for owner. The claim succeeds when
// no lease exists or the existing heartbeat is older than staleAfter, so a
// crashed run does not permanently block new runs.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, staleAfter time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO run_leases (name, owner, acquired_at, heartbeat_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, acquired_at = NOW(), heartbeat_at = NOW()
		WHERE run_leases.heartbeat_at < NOW() - $3::interval
	`, name, owner, staleAfter.String())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// HeartbeatLease refreshes the heartbeat for a lease the owner still holds.
func (s *Store) HeartbeatLease(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_leases SET heartbeat_at = NOW() WHERE name = $1 AND owner = $2
	`, name, owner)
	return err
}

// ReleaseLease drops the lease if still held by owner.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM run_leases WHERE name = $1 AND owner = $2
	`, name, owner)
	return err
}

// LeaseHeld reports whether a non-stale lease exists for the name.
func (s *Store) LeaseHeld(ctx context.Context, name string, staleAfter time.Duration) (bool, error) {
	var held bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM run_leases
			WHERE name = $1 AND heartbeat_at >= NOW() - $2::interval
		)
	`, name, staleAfter.String()).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("check lease %s: %w", name, err)
	}
	return held, nil
}

// ReleaseStaleLeases drops leases whose heartbeat is older than the cutoff.
func (s *Store) ReleaseStaleLeases(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM run_leases WHERE heartbeat_at < NOW() - $1::interval
	`, staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("release stale leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SetConnectionStatus records whether the external platform connection is
// healthy, for the dependent UI to surface "not connected".
func (s *Store) SetConnectionStatus(ctx context.Context, name string, connected bool, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connection_status (name, connected, detail, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE
		SET connected = EXCLUDED.connected, detail = EXCLUDED.detail, updated_at = NOW()
	`, name, connected, detail)
	return err
}

// ResetConnectionStatus marks every connection flag healthy again.
func (s *Store) ResetConnectionStatus(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connection_status SET connected = TRUE, detail = '', updated_at = NOW()
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(row rowScanner) (models.SyncLog, error) {
	var entry models.SyncLog
	var completed pgtype.Timestamptz
	var meta []byte
	if err := row.Scan(&entry.ID, &entry.SyncType, &entry.Status, &entry.StartedAt, &completed, &entry.RecordsProcessed, &meta); err != nil {
		return models.SyncLog{}, err
	}
	if completed.Valid {
		t := completed.Time
		entry.CompletedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &entry.Metadata); err != nil {
			return models.SyncLog{}, fmt.Errorf("unmarshal sync log metadata: %w", err)
		}
	}
	return entry, nil
}

func marshalMeta(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return meta, nil
}

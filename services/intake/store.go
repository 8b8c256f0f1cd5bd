package intake

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kioskd/pkg/db"
)

const captureColumns = `id, phone, email, local_path, remote_url, size_bytes,
	sync_state, sync_attempts, last_error, sms_sent, meta, created_at, updated_at`

// Store is the durable local record of every capture. All mutations to
// capture rows go through its conditional-update primitives, so job-level
// locking is only needed for pass exclusivity, never per row.
type Store struct {
	pool *pgxpool.Pool

	// removeFile deletes a photo from disk during sweeps. Injectable so
	// tests can force removal failures.
	removeFile func(string) error
}

// NewStore wraps the local database pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool, removeFile: removeFile}, nil
}

// CreateCapture inserts a new capture in PENDING state. A reused id returns
// ErrDuplicateID rather than a second row.
func (s *Store) CreateCapture(ctx context.Context, c Capture) (Capture, error) {
	if c.ID == uuid.Nil {
		return Capture{}, errors.New("capture id is required")
	}
	if c.LocalPath == "" {
		return Capture{}, errors.New("capture local_path is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO captures (id, phone, email, local_path, size_bytes, sync_state, meta, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
        RETURNING ` + captureColumns

	var out Capture
	err := db.Get(ctx, s.pool, &out, query,
		c.ID, c.Phone, c.Email, c.LocalPath, c.SizeBytes, StatePending, c.Meta, c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Capture{}, fmt.Errorf("capture %s: %w", c.ID, ErrDuplicateID)
		}
		return Capture{}, err
	}
	return out, nil
}

// GetCapture returns the capture with the given id or ErrNotFound.
func (s *Store) GetCapture(ctx context.Context, id uuid.UUID) (Capture, error) {
	query := `SELECT ` + captureColumns + ` FROM captures WHERE id = $1`

	var out Capture
	if err := db.Get(ctx, s.pool, &out, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return Capture{}, fmt.Errorf("capture %s: %w", id, ErrNotFound)
		}
		return Capture{}, err
	}
	return out, nil
}

// ListPending returns up to limit unsynchronized captures oldest first, so
// the oldest capture bounds worst-case staleness. SYNCING rows are included:
// they are either claimed by a live pass (the claim then fails with a state
// conflict) or left over from a crash.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Capture, error) {
	query := `
        SELECT ` + captureColumns + `
        FROM captures
        WHERE sync_state IN ($1, $2)
        ORDER BY created_at ASC
        LIMIT $3`

	var out []Capture
	if err := db.Select(ctx, s.pool, &out, query, StatePending, StateSyncing, limit); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRetryable returns FAILED captures still under the attempt cap, oldest
// transition first. Backoff eligibility is the sync engine's decision.
func (s *Store) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]Capture, error) {
	query := `
        SELECT ` + captureColumns + `
        FROM captures
        WHERE sync_state = $1 AND sync_attempts < $2
        ORDER BY updated_at ASC
        LIMIT $3`

	var out []Capture
	if err := db.Select(ctx, s.pool, &out, query, StateFailed, maxAttempts, limit); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSyncing claims a capture for one sync attempt. The update succeeds only
// while the row is still in expected state, so two concurrent passes can
// never both claim the same row; the loser gets ErrStateConflict. The attempt
// counter increments on every claim.
func (s *Store) MarkSyncing(ctx context.Context, id uuid.UUID, expected SyncState) (Capture, error) {
	query := `
        UPDATE captures
        SET sync_state = $3, sync_attempts = sync_attempts + 1, updated_at = now()
        WHERE id = $1 AND sync_state = $2
        RETURNING ` + captureColumns

	var out Capture
	if err := db.Get(ctx, s.pool, &out, query, id, expected, StateSyncing); err != nil {
		if pgxscan.NotFound(err) {
			return Capture{}, fmt.Errorf("capture %s expected %s: %w", id, expected, ErrStateConflict)
		}
		return Capture{}, err
	}
	return out, nil
}

// MarkSynced records a successful remote write.
func (s *Store) MarkSynced(ctx context.Context, id uuid.UUID, remoteURL string) error {
	query := `
        UPDATE captures
        SET sync_state = $2, remote_url = $3, last_error = '', updated_at = now()
        WHERE id = $1`

	tag, err := db.Exec(ctx, s.pool, query, id, StateSynced, remoteURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("capture %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed records a failed remote write and the reason.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
        UPDATE captures
        SET sync_state = $2, last_error = $3, updated_at = now()
        WHERE id = $1`

	tag, err := db.Exec(ctx, s.pool, query, id, StateFailed, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("capture %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkNotified records that the delivery SMS for this capture was accepted by
// the gateway.
func (s *Store) MarkNotified(ctx context.Context, id uuid.UUID) error {
	_, err := db.Exec(ctx, s.pool,
		`UPDATE captures SET sms_sent = true, updated_at = now() WHERE id = $1`, id)
	return err
}

// RecoverStuck folds every SYNCING row back to PENDING. Run once at startup:
// SYNCING is a claim held by a live pass, so any row observed SYNCING before
// the schedulers start belongs to a process that died mid-pass.
func (s *Store) RecoverStuck(ctx context.Context) (int64, error) {
	tag, err := db.Exec(ctx, s.pool,
		`UPDATE captures SET sync_state = $1, updated_at = now() WHERE sync_state = $2`,
		StatePending, StateSyncing)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RetryCapture resets a FAILED capture to PENDING so the next sync pass picks
// it up, clearing the attempt counter. Returns ErrNotFound for unknown ids
// and ErrInvalidState when the capture is not FAILED.
func (s *Store) RetryCapture(ctx context.Context, id uuid.UUID) (Capture, error) {
	query := `
        UPDATE captures
        SET sync_state = $2, sync_attempts = 0, last_error = '', updated_at = now()
        WHERE id = $1 AND sync_state = $3
        RETURNING ` + captureColumns

	var out Capture
	err := db.Get(ctx, s.pool, &out, query, id, StatePending, StateFailed)
	if err == nil {
		return out, nil
	}
	if !pgxscan.NotFound(err) {
		return Capture{}, err
	}

	current, getErr := s.GetCapture(ctx, id)
	if getErr != nil {
		return Capture{}, getErr
	}
	return Capture{}, fmt.Errorf("capture %s is %s: %w", id, current.SyncState, ErrInvalidState)
}

// DeleteOlderThan removes up to limit captures created before cutoff: SYNCED
// rows always, PENDING/SYNCING/FAILED rows only when includeUnsynced is set.
// The file is removed before the row; if the file cannot be removed the row is
// kept and reported, so no file is ever orphaned without its database pointer.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, includeUnsynced bool, limit int) (SweepResult, error) {
	query := `
        SELECT ` + captureColumns + `
        FROM captures
        WHERE created_at < $1 AND (sync_state = $2 OR $3)
        ORDER BY created_at ASC
        LIMIT $4`

	var victims []Capture
	if err := db.Select(ctx, s.pool, &victims, query, cutoff, StateSynced, includeUnsynced, limit); err != nil {
		return SweepResult{}, err
	}

	return s.sweepVictims(ctx, victims)
}

// sweepVictims deletes each victim's file, then its row. The order is the
// partial-failure contract: a file that cannot be removed keeps its row, so
// no photo is ever orphaned on disk without a database pointer to it.
func (s *Store) sweepVictims(ctx context.Context, victims []Capture) (SweepResult, error) {
	var res SweepResult
	for _, victim := range victims {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := s.removeFile(victim.LocalPath); err != nil {
			res.Partial = append(res.Partial, PartialDeletion{
				ID:     victim.ID,
				Path:   victim.LocalPath,
				Reason: err.Error(),
			})
			continue
		}

		tag, err := db.Exec(ctx, s.pool, `DELETE FROM captures WHERE id = $1`, victim.ID)
		if err != nil {
			return res, err
		}
		if tag.RowsAffected() > 0 {
			res.Deleted++
			res.BytesFreed += victim.SizeBytes
		}
	}

	return res, nil
}

// Stats reports queue counts, the age of the oldest pending capture, and the
// total bytes of photos held locally.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	type stateCount struct {
		SyncState  SyncState `db:"sync_state"`
		N          int64     `db:"n"`
		TotalBytes int64     `db:"total_bytes"`
	}

	var rows []stateCount
	err := db.Select(ctx, s.pool, &rows, `
        SELECT sync_state, COUNT(*) AS n, COALESCE(SUM(size_bytes), 0) AS total_bytes
        FROM captures
        GROUP BY sync_state`)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{Counts: make(map[SyncState]int64, len(rows))}
	for _, row := range rows {
		out.Counts[row.SyncState] = row.N
		out.TotalBytes += row.TotalBytes
	}

	var oldest []time.Time
	err = db.Select(ctx, s.pool, &oldest, `
        SELECT created_at FROM captures
        WHERE sync_state IN ($1, $2)
        ORDER BY created_at ASC
        LIMIT 1`, StatePending, StateSyncing)
	if err != nil {
		return Stats{}, err
	}
	if len(oldest) > 0 {
		out.OldestPendingSeconds = time.Since(oldest[0]).Seconds()
	}

	return out, nil
}

// Ping verifies the local database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

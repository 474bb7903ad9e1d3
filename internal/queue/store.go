// Package queue implements the durable local operation queue. Every answer
// edit, proctoring event, and the terminal submit lands here first; the sync
// engine drains it toward the server. The store survives an ungraceful
// process termination: SQLite in WAL mode with synchronous=FULL persists
// each enqueue before the call returns.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/model"
)

// ErrPersistence marks a failure of the local storage medium itself.
// Callers must surface this to the user: past this point answers can be lost.
var ErrPersistence = errors.New("local queue storage unavailable")

// ErrNotFound is returned when a keyed mutation targets an absent entry.
var ErrNotFound = errors.New("operation not found")

// Options tunes the store.
type Options struct {
	// MaxAttempts is the retry ceiling. After this many retryable failures
	// an operation transitions to ABANDONED.
	MaxAttempts int
	// Clock supplies time for sequencing and retry eligibility.
	Clock clock.Clock
	Log   zerolog.Logger
}

// Store is the single owner of pending operation records. All state
// transitions run under one writer lock; other components only receive
// copies.
type Store struct {
	db          *sql.DB
	clk         clock.Clock
	log         zerolog.Logger
	maxAttempts int

	mu      sync.Mutex
	onStats func(model.QueueStats)
}

// Open opens (or creates) the store at path and applies schema migrations.
// InFlight entries left over from a previous process are NOT reset here;
// call ResetInFlight once during startup.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	// Single connection: the store serializes all access anyway, and one
	// connection sidesteps SQLITE_BUSY between readers and the writer.
	db.SetMaxOpenConns(1)

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return &Store{
		db:          db,
		clk:         opts.Clock,
		log:         opts.Log.With().Str("component", "queue").Logger(),
		maxAttempts: opts.MaxAttempts,
	}, nil
}

// Close releases the underlying database handle. Pending entries remain
// durable; no flush is required.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetStatsListener registers the callback invoked after every mutation with
// fresh per-state counts. Drives the UI Saving/Saved/Offline indicator.
func (s *Store) SetStatsListener(fn func(model.QueueStats)) {
	s.mu.Lock()
	s.onStats = fn
	s.mu.Unlock()
}

// Enqueue durably records one operation. For OpAnswerUpsert and
// OpSubmitAttempt an existing entry with the same key is coalesced: the
// payload is replaced and the sequence bumped, never creating a duplicate.
// An ABANDONED entry hit by a fresh edit re-enters PENDING with a reset
// attempt budget. Proctoring events insert unconditionally (unique keys).
func (s *Store) Enqueue(ctx context.Context, key string, kind model.OpKind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSequence(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending_operations
				(key, kind, payload, sequence, attempts, state, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, 'PENDING', 0, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				payload    = excluded.payload,
				sequence   = excluded.sequence,
				updated_at = excluded.updated_at,
				attempts   = CASE WHEN state = 'ABANDONED' THEN 0 ELSE attempts END,
				last_error = CASE WHEN state = 'ABANDONED' THEN '' ELSE last_error END,
				state      = CASE WHEN state = 'ABANDONED' THEN 'PENDING' ELSE state END`,
			key, string(kind), payload, seq, now.UnixMilli(), now.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.notifyLocked(ctx)
	return nil
}

// NextBatch atomically claims up to max PENDING entries whose retry delay
// has elapsed, in ascending sequence order, transitioning each to IN_FLIGHT.
// No two callers can claim the same entry, and a key already IN_FLIGHT is
// never returned — this is the at-most-one-in-flight-per-key invariant.
func (s *Store) NextBatch(ctx context.Context, max int) ([]model.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var batch []model.PendingOperation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT key, kind, payload, sequence, attempts, state, next_attempt_at, last_error, created_at, updated_at
			FROM pending_operations
			WHERE state = 'PENDING' AND next_attempt_at <= ?
			ORDER BY sequence ASC
			LIMIT ?`, now.UnixMilli(), max)
		if err != nil {
			return err
		}
		batch, err = scanOperations(rows)
		if err != nil {
			return err
		}
		for i := range batch {
			batch[i].State = model.OpStateInFlight
			if _, err := tx.ExecContext(ctx,
				`UPDATE pending_operations SET state = 'IN_FLIGHT', updated_at = ? WHERE key = ?`,
				now.UnixMilli(), batch[i].Key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return batch, nil
}

// Acknowledge removes a delivered operation. Idempotent: acknowledging an
// absent key is a no-op. The sequence guard keeps an edit that raced the
// in-flight send alive — if the payload was superseded after the send
// started, the row's sequence is newer than seq, nothing is deleted, and the
// entry is released back to PENDING for redelivery with the newer value.
func (s *Store) Acknowledge(ctx context.Context, key string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_operations WHERE key = ? AND sequence <= ?`, key, seq); err != nil {
			return err
		}
		// Superseded mid-flight: make the surviving newer payload eligible.
		_, err := tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET state = 'PENDING', attempts = 0, next_attempt_at = 0, updated_at = ?
			WHERE key = ? AND state = 'IN_FLIGHT'`,
			s.clk.Now().UnixMilli(), key)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.notifyLocked(ctx)
	return nil
}

// MarkFailed records a send failure. Retryable failures increment the
// attempt count and release the entry to PENDING, eligible again after
// retryAfter. A non-retryable failure, or exhausting the retry ceiling,
// transitions the entry to ABANDONED. Returns true when abandoned.
func (s *Store) MarkFailed(ctx context.Context, key string, retryable bool, retryAfter time.Duration, cause string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	abandoned := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT attempts FROM pending_operations WHERE key = ?`, key).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		attempts++
		if !retryable || attempts >= s.maxAttempts {
			abandoned = true
			_, err = tx.ExecContext(ctx, `
				UPDATE pending_operations
				SET state = 'ABANDONED', attempts = ?, last_error = ?, updated_at = ?
				WHERE key = ?`,
				attempts, cause, now.UnixMilli(), key)
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET state = 'PENDING', attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
			WHERE key = ?`,
			attempts, now.Add(retryAfter).UnixMilli(), cause, now.UnixMilli(), key)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if abandoned {
		s.log.Warn().Str("key", key).Str("cause", cause).Msg("Operation abandoned")
	}
	s.notifyLocked(ctx)
	return abandoned, nil
}

// ResetInFlight releases every IN_FLIGHT entry back to PENDING. Called once
// at startup: the outcome of sends interrupted by the previous process is
// unknown, so they are re-driven (server-side upserts are idempotent).
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET state = 'PENDING', next_attempt_at = 0, updated_at = ?
			WHERE state = 'IN_FLIGHT'`, s.clk.Now().UnixMilli())
		if err != nil {
			return err
		}
		reset, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if reset > 0 {
		s.log.Info().Int64("count", reset).Msg("Reset in-flight operations after restart")
	}
	return int(reset), nil
}

// RetryAbandoned manually re-queues an abandoned operation with a fresh
// attempt budget ("retry now" in the UI).
func (s *Store) RetryAbandoned(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET state = 'PENDING', attempts = 0, next_attempt_at = 0, last_error = '', updated_at = ?
			WHERE key = ? AND state = 'ABANDONED'`, s.clk.Now().UnixMilli(), key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.notifyLocked(ctx)
	return nil
}

// Stats returns per-state counts.
func (s *Store) Stats(ctx context.Context) (model.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(ctx)
}

// Abandoned lists terminally failed operations for UI diagnostics.
func (s *Store) Abandoned(ctx context.Context) ([]model.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, kind, payload, sequence, attempts, state, next_attempt_at, last_error, created_at, updated_at
		FROM pending_operations WHERE state = 'ABANDONED' ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return scanOperations(rows)
}

// CountKind returns how many not-yet-abandoned operations of the given kind
// are queued. Used by the proctoring backlog cap.
func (s *Store) CountKind(ctx context.Context, kind model.OpKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_operations
		WHERE kind = ? AND state IN ('PENDING', 'IN_FLIGHT')`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return n, nil
}

// PruneKind drops the oldest PENDING entries of a kind until at most keep
// remain queued. Returns the number dropped. In-flight entries are never
// pruned.
func (s *Store) PruneKind(ctx context.Context, kind model.OpKind, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM pending_operations
			WHERE key IN (
				SELECT key FROM pending_operations
				WHERE kind = ? AND state = 'PENDING'
				ORDER BY sequence ASC
				LIMIT MAX(0, (
					SELECT COUNT(*) FROM pending_operations
					WHERE kind = ? AND state IN ('PENDING', 'IN_FLIGHT')
				) - ?)
			)`, string(kind), string(kind), keep)
		if err != nil {
			return err
		}
		dropped, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if dropped > 0 {
		s.log.Warn().Int64("count", dropped).Str("kind", string(kind)).Msg("Pruned queued events over backlog cap")
		s.notifyLocked(ctx)
	}
	return int(dropped), nil
}

// ─── Attempt session persistence ────────────────────────────────────

// SaveSession upserts the attempt session record so a reloaded client
// resumes the same attempt and deadline.
func (s *Store) SaveSession(ctx context.Context, sess model.AttemptSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempt_session (attempt_id, exam_id, token, deadline, clock_offset_ms, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attempt_id) DO UPDATE SET
			token = excluded.token,
			deadline = excluded.deadline,
			clock_offset_ms = excluded.clock_offset_ms,
			status = excluded.status`,
		sess.AttemptID.String(), sess.ExamID.String(), sess.Token,
		sess.Deadline.UnixMilli(), sess.ClockOffset.Milliseconds(),
		sess.StartedAt.UnixMilli(), string(sess.Status))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// LoadSession returns the most recently started attempt session, or
// ErrNotFound when none is stored.
func (s *Store) LoadSession(ctx context.Context) (model.AttemptSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sess                          model.AttemptSession
		attemptID, examID, status     string
		deadline, offsetMS, startedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT attempt_id, exam_id, token, deadline, clock_offset_ms, started_at, status
		FROM attempt_session ORDER BY started_at DESC LIMIT 1`).
		Scan(&attemptID, &examID, &sess.Token, &deadline, &offsetMS, &startedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttemptSession{}, ErrNotFound
	}
	if err != nil {
		return model.AttemptSession{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if sess.AttemptID, err = uuid.Parse(attemptID); err != nil {
		return model.AttemptSession{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if sess.ExamID, err = uuid.Parse(examID); err != nil {
		return model.AttemptSession{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	sess.Deadline = time.UnixMilli(deadline)
	sess.ClockOffset = time.Duration(offsetMS) * time.Millisecond
	sess.StartedAt = time.UnixMilli(startedAt)
	sess.Status = model.AttemptStatus(status)
	return sess, nil
}

// ─── Internals ──────────────────────────────────────────────────────

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) statsLocked(ctx context.Context) (model.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM pending_operations GROUP BY state`)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var stats model.QueueStats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return model.QueueStats{}, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		switch model.OpState(state) {
		case model.OpStatePending:
			stats.Pending = n
		case model.OpStateInFlight:
			stats.InFlight = n
		case model.OpStateAbandoned:
			stats.Abandoned = n
		}
	}
	return stats, rows.Err()
}

func (s *Store) notifyLocked(ctx context.Context) {
	if s.onStats == nil {
		return
	}
	stats, err := s.statsLocked(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Stats refresh failed")
		return
	}
	s.onStats(stats)
}

func nextSequence(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_meta SET value = value + 1 WHERE name = 'sequence'`); err != nil {
		return 0, err
	}
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE name = 'sequence'`).Scan(&seq)
	return seq, err
}

func scanOperations(rows *sql.Rows) ([]model.PendingOperation, error) {
	defer rows.Close()
	var ops []model.PendingOperation
	for rows.Next() {
		var (
			op                           model.PendingOperation
			kind, state                  string
			nextAt, createdAt, updatedAt int64
		)
		if err := rows.Scan(&op.Key, &kind, &op.Payload, &op.Sequence, &op.Attempts,
			&state, &nextAt, &op.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		op.Kind = model.OpKind(kind)
		op.State = model.OpState(state)
		op.NextAttemptAt = time.UnixMilli(nextAt)
		op.CreatedAt = time.UnixMilli(createdAt)
		op.UpdatedAt = time.UnixMilli(updatedAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

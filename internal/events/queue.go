package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/watzon/hookrelay/internal/database"
)

// ReasonNoTargets is the failure reason for events closed without any
// request.
const ReasonNoTargets = "no deliverable targets"

const jobColumns = `id, event_id, kind, target_key, target, attempt, status, outcome, last_error, next_attempt_at, lease_until`

// ClaimDue leases up to limit jobs that are due. Running jobs whose lease
// expired are reclaimed.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Job, error) {
	nowStr := database.FormatTime(now)
	leaseUntil := database.FormatTime(now.Add(lease))

	var jobs []*Job
	err := s.db.Transaction(ctx, func(tx *database.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM delivery_jobs
			WHERE (status = ? AND next_attempt_at <= ?)
			   OR (status = ? AND lease_until <= ?)
			ORDER BY next_attempt_at ASC
			LIMIT ?`,
			JobPending, nowStr, JobRunning, nowStr, limit,
		)
		if err != nil {
			return fmt.Errorf("querying due jobs: %w", err)
		}

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating due jobs: %w", err)
		}

		for _, job := range jobs {
			_, err := tx.ExecContext(ctx, `
				UPDATE delivery_jobs SET status = ?, lease_until = ?, updated_at = ?
				WHERE id = ?`,
				JobRunning, leaseUntil, nowStr, job.ID,
			)
			if err != nil {
				return fmt.Errorf("leasing job %s: %w", job.ID, err)
			}
			job.Status = JobRunning
			job.lease = leaseUntil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// StartFanOut closes a route job and creates one deliver job per target in
// the same transaction. With targets the event moves to processing; without
// any it completes immediately with zero requests.
func (s *Store) StartFanOut(ctx context.Context, route *Job, targets []JobTarget) (*Event, error) {
	var updated *Event
	err := s.db.Transaction(ctx, func(tx *database.Tx) error {
		if err := closeJobTx(ctx, tx, route, OutcomeRouted, ""); err != nil {
			return err
		}

		if len(targets) == 0 {
			var err error
			updated, err = transitionTx(ctx, tx, route.EventID, StatusCompleted, TransitionFields{})
			return err
		}

		ts := database.Now()
		for _, t := range targets {
			payload := t.Payload
			if len(payload) == 0 {
				payload = []byte("{}")
			}
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO delivery_jobs (id, event_id, kind, target_key, target, attempt, status, next_attempt_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
				uuid.New().String(), route.EventID, JobDeliver, t.Key, string(payload), JobPending, ts, ts, ts,
			)
			if err != nil {
				return fmt.Errorf("inserting deliver job: %w", err)
			}
		}

		var err error
		updated, err = transitionTx(ctx, tx, route.EventID, StatusProcessing, TransitionFields{})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated)
	return updated, nil
}

// CompleteJob closes a job and finalizes its event when no open jobs
// remain. The returned event is nil while other jobs are still open.
func (s *Store) CompleteJob(ctx context.Context, job *Job, outcome JobOutcome, lastErr string) (*Event, error) {
	var finalized *Event
	err := s.db.Transaction(ctx, func(tx *database.Tx) error {
		if err := closeJobTx(ctx, tx, job, outcome, lastErr); err != nil {
			return err
		}
		var err error
		finalized, err = finalizeTx(ctx, tx, job.EventID, lastErr)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, finalized)
	return finalized, nil
}

// RescheduleJob releases a job for another attempt at next.
func (s *Store) RescheduleJob(ctx context.Context, job *Job, next time.Time, attempt int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET status = ?, attempt = ?, next_attempt_at = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND lease_until = ?`,
		JobPending, attempt, database.FormatTime(next), lastErr, database.Now(), job.ID, JobRunning, job.lease,
	)
	if err != nil {
		return fmt.Errorf("rescheduling job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotOwned
	}
	job.Status = JobPending
	job.Attempt = attempt
	job.NextAttemptAt = next
	job.LastError = lastErr
	job.lease = ""
	return nil
}

// ExtendLease pushes a running job's lease out to until. It fails with
// ErrJobNotOwned once the lease has been taken over by another claim.
func (s *Store) ExtendLease(ctx context.Context, job *Job, until time.Time) error {
	next := database.FormatTime(until)
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ? AND lease_until = ?`,
		next, database.Now(), job.ID, JobRunning, job.lease,
	)
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotOwned
	}
	job.lease = next
	return nil
}

// RecordRetry raises the event's retry count to at least count. The count
// never decreases and never exceeds max_retries.
func (s *Store) RecordRetry(ctx context.Context, eventID string, count int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET retry_count = MAX(retry_count, MIN(?, max_retries)), updated_at = ?
		WHERE id = ?`,
		count, database.Now(), eventID,
	)
	if err != nil {
		return fmt.Errorf("recording retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "event", ID: eventID}
	}
	return nil
}

// FinalizeEvent closes an event whose jobs are all done: completed when any
// request completed, failed otherwise. It returns nil while jobs are open
// and the stored event when it is already terminal.
func (s *Store) FinalizeEvent(ctx context.Context, eventID, fallbackReason string) (*Event, error) {
	var finalized *Event
	err := s.db.Transaction(ctx, func(tx *database.Tx) error {
		var err error
		finalized, err = finalizeTx(ctx, tx, eventID, fallbackReason)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, finalized)
	return finalized, nil
}

// OpenJobs counts jobs of an event that are not done.
func (s *Store) OpenJobs(ctx context.Context, eventID string) (int, error) {
	return openJobs(ctx, s.db, eventID)
}

// ListJobs returns an event's jobs.
func (s *Store) ListJobs(ctx context.Context, eventID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM delivery_jobs WHERE event_id = ? ORDER BY created_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func openJobs(ctx context.Context, q database.Querier, eventID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_jobs WHERE event_id = ? AND status != ?`, eventID, JobDone,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting open jobs: %w", err)
	}
	return n, nil
}

func closeJobTx(ctx context.Context, q database.Querier, job *Job, outcome JobOutcome, lastErr string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET status = ?, outcome = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND lease_until = ?`,
		JobDone, outcome, nullString(lastErr), database.Now(), job.ID, JobRunning, job.lease,
	)
	if err != nil {
		return fmt.Errorf("closing job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotOwned
	}
	job.Status = JobDone
	job.Outcome = outcome
	job.LastError = lastErr
	job.lease = ""
	return nil
}

// finalizeTx returns the updated event when it transitioned, the stored
// event when it was already terminal, and nil while jobs remain open.
func finalizeTx(ctx context.Context, q database.Querier, eventID, fallbackReason string) (*Event, error) {
	open, err := openJobs(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, nil
	}

	event, err := getEvent(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status.Terminal() {
		return event, nil
	}

	var completed int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE event_id = ? AND status = ?`, eventID, RequestCompleted,
	).Scan(&completed); err != nil {
		return nil, fmt.Errorf("counting completed requests: %w", err)
	}
	if completed > 0 {
		return transitionTx(ctx, q, eventID, StatusCompleted, TransitionFields{})
	}

	reason, err := lastFailure(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = fallbackReason
	}
	if reason == "" {
		reason = ReasonNoTargets
	}
	return transitionTx(ctx, q, eventID, StatusFailed, TransitionFields{FailedReason: reason})
}

func lastFailure(ctx context.Context, q database.Querier, eventID string) (string, error) {
	var reason sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT failed_reason FROM requests
		WHERE event_id = ? AND status = ?
		ORDER BY completed_at DESC, created_at DESC
		LIMIT 1`, eventID, RequestFailed,
	).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading last failure: %w", err)
	}
	return reason.String, nil
}

func scanJob(row scanner) (*Job, error) {
	var (
		job       Job
		target    string
		outcome   sql.NullString
		lastError sql.NullString
		nextAt    string
		lease     sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.EventID,
		&job.Kind,
		&job.TargetKey,
		&target,
		&job.Attempt,
		&job.Status,
		&outcome,
		&lastError,
		&nextAt,
		&lease,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.Target = []byte(target)
	job.Outcome = JobOutcome(outcome.String)
	job.LastError = lastError.String
	job.lease = lease.String
	if job.NextAttemptAt, err = database.ParseTime(nextAt); err != nil {
		return nil, fmt.Errorf("parsing next_attempt_at: %w", err)
	}
	return &job, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/database"
)

// StatusListener is called after a committed status change.
type StatusListener func(ctx context.Context, event *Event)

// DefaultListLimit caps ListEvents when no limit is given.
const DefaultListLimit = 50

// Store persists events, requests and delivery jobs.
type Store struct {
	db *database.DB

	mu       sync.RWMutex
	listener StatusListener
}

// NewStore creates a new event store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// SetListener installs the status listener. Passing nil removes it.
func (s *Store) SetListener(fn StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

func (s *Store) notify(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	s.mu.RLock()
	fn := s.listener
	s.mu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event_id", event.ID).Msg("Status listener panicked")
		}
	}()
	fn(ctx, event)
}

const eventColumns = `id, webhook_id, source, method, path, headers, body, body_omitted,
	content_type, client_ip, source_url, size, received_at, status, retry_count,
	max_retries, failed_reason, created_at, updated_at`

// CreateEvent stores a pending event together with its route job.
func (s *Store) CreateEvent(ctx context.Context, event *Event) error {
	now := time.Now().UTC()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Source == "" {
		event.Source = "*"
	}
	if event.Request.Timestamp.IsZero() {
		event.Request.Timestamp = now
	}
	if event.MaxRetries < 0 {
		event.MaxRetries = 0
	}
	event.Status = StatusPending
	event.RetryCount = 0
	event.CreatedAt = now
	event.UpdatedAt = now

	headers, err := json.Marshal(nonNilHeaders(event.Request.Headers))
	if err != nil {
		return fmt.Errorf("marshaling headers: %w", err)
	}
	body, err := compressBody(event.Request.Body)
	if err != nil {
		return err
	}

	ts := database.FormatTime(now)

	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID,
			event.WebhookID,
			event.Source,
			event.Request.Method,
			event.Request.Path,
			string(headers),
			body,
			event.Request.BodyOmitted,
			event.Request.ContentType,
			event.Request.ClientIP,
			event.Request.SourceURL,
			event.Request.Size,
			database.FormatTime(event.Request.Timestamp),
			event.Status,
			event.RetryCount,
			event.MaxRetries,
			nil,
			ts,
			ts,
		)
		if err != nil {
			return fmt.Errorf("inserting event: %w", database.ClassifyError(err))
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO delivery_jobs (id, event_id, kind, target_key, target, attempt, status, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, '', '{}', 0, ?, ?, ?, ?)`,
			uuid.New().String(), event.ID, JobRoute, JobPending, ts, ts, ts,
		)
		if err != nil {
			return fmt.Errorf("inserting route job: %w", err)
		}
		return nil
	})
}

// Transition moves an event to a new status. Only forward moves are
// accepted; the update is a compare-and-set on the current status.
func (s *Store) Transition(ctx context.Context, id string, to Status, fields TransitionFields) (*Event, error) {
	var updated *Event
	err := s.db.Transaction(ctx, func(tx *database.Tx) error {
		var err error
		updated, err = transitionTx(ctx, tx, id, to, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated)
	return updated, nil
}

func transitionTx(ctx context.Context, q database.Querier, id string, to Status, fields TransitionFields) (*Event, error) {
	current, err := getEvent(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(to) {
		return nil, &InvalidTransitionError{ID: id, From: current.Status, To: to}
	}

	var reason any
	if to == StatusFailed {
		reason = fields.FailedReason
	}

	res, err := q.ExecContext(ctx, `
		UPDATE events SET status = ?, failed_reason = COALESCE(?, failed_reason), updated_at = ?
		WHERE id = ? AND status = ?`,
		to, reason, database.Now(), id, current.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("updating event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &InvalidTransitionError{ID: id, From: current.Status, To: to}
	}

	return getEvent(ctx, q, id)
}

// CreateRequest records the start of one delivery attempt.
func (s *Store) CreateRequest(ctx context.Context, eventID string, dest Destination, attempt int) (*Request, error) {
	now := time.Now().UTC()
	req := &Request{
		ID:          uuid.New().String(),
		EventID:     eventID,
		Destination: dest,
		Attempt:     attempt,
		Status:      RequestPending,
		CreatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, event_id, destination_name, destination_url, connection_id, mode, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, eventID, dest.Name, dest.URL, dest.ConnectionID, dest.Mode, attempt, req.Status, database.FormatTime(now),
	)
	if err != nil {
		if database.IsForeignKeyError(err) {
			return nil, &NotFoundError{Kind: "event", ID: eventID}
		}
		return nil, fmt.Errorf("inserting request: %w", err)
	}
	return req, nil
}

// CompleteRequest stores a destination's response.
func (s *Store) CompleteRequest(ctx context.Context, id string, resp Response, elapsed time.Duration) error {
	headers, err := json.Marshal(nonNilHeaders(resp.Headers))
	if err != nil {
		return fmt.Errorf("marshaling response headers: %w", err)
	}
	body, err := compressBody(resp.Body)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, response_status = ?, response_headers = ?, response_body = ?, response_time_ms = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		RequestCompleted, resp.Status, string(headers), body, elapsed.Milliseconds(), database.Now(), id, RequestPending,
	)
	if err != nil {
		return fmt.Errorf("completing request: %w", err)
	}
	return s.requireRequestUpdated(ctx, res, id)
}

// FailRequest marks an attempt as failed. Failed requests carry no
// response; the reason describes what the destination returned.
func (s *Store) FailRequest(ctx context.Context, id, reason string, elapsed time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, failed_reason = ?, response_time_ms = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		RequestFailed, reason, elapsed.Milliseconds(), database.Now(), id, RequestPending,
	)
	if err != nil {
		return fmt.Errorf("failing request: %w", err)
	}
	return s.requireRequestUpdated(ctx, res, id)
}

func (s *Store) requireRequestUpdated(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Kind: "request", ID: id}
	}
	if err != nil {
		return fmt.Errorf("checking request: %w", err)
	}
	return ErrRequestClosed
}

// GetEvent returns an event with its origin request body.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	return getEvent(ctx, s.db, id)
}

func getEvent(ctx context.Context, q database.Querier, id string) (*Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "event", ID: id}
	}
	return event, err
}

// ListEvents returns events newest first.
func (s *Store) ListEvents(ctx context.Context, f ListFilter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if f.WebhookID != "" {
		where = append(where, "webhook_id = ?")
		args = append(args, f.WebhookID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Before.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, database.FormatTime(f.Before))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

const requestColumns = `id, event_id, destination_name, destination_url, connection_id, mode, attempt,
	status, response_status, response_headers, response_body, response_time_ms, failed_reason,
	created_at, completed_at`

// ListRequests returns an event's requests in creation order.
func (s *Store) ListRequests(ctx context.Context, eventID string) ([]*Request, error) {
	return listRequests(ctx, s.db, eventID)
}

func listRequests(ctx context.Context, q database.Querier, eventID string) ([]*Request, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE event_id = ?
		ORDER BY created_at ASC, attempt ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating requests: %w", err)
	}
	return out, nil
}

// ListExpired returns terminal events last updated before cutoff, oldest
// first.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		StatusCompleted, StatusFailed, database.FormatTime(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expired events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired events: %w", err)
	}
	return out, nil
}

// DeleteEvents removes terminal events and, by cascade, their requests and
// jobs. Non-terminal ids are skipped.
func (s *Store) DeleteEvents(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, StatusCompleted, StatusFailed)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id IN (`+placeholders+`) AND status IN (?, ?)`, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		e            Event
		headers      string
		body         []byte
		receivedAt   string
		createdAt    string
		updatedAt    string
		failedReason sql.NullString
	)

	err := row.Scan(
		&e.ID,
		&e.WebhookID,
		&e.Source,
		&e.Request.Method,
		&e.Request.Path,
		&headers,
		&body,
		&e.Request.BodyOmitted,
		&e.Request.ContentType,
		&e.Request.ClientIP,
		&e.Request.SourceURL,
		&e.Request.Size,
		&receivedAt,
		&e.Status,
		&e.RetryCount,
		&e.MaxRetries,
		&failedReason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning event: %w", err)
	}

	if err := json.Unmarshal([]byte(headers), &e.Request.Headers); err != nil {
		return nil, fmt.Errorf("unmarshaling headers: %w", err)
	}
	if e.Request.Body, err = decompressBody(body); err != nil {
		return nil, err
	}
	e.FailedReason = failedReason.String

	if e.Request.Timestamp, err = database.ParseTime(receivedAt); err != nil {
		return nil, fmt.Errorf("parsing received_at: %w", err)
	}
	if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &e, nil
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r            Request
		respStatus   sql.NullInt64
		respHeaders  sql.NullString
		respBody     []byte
		respTime     sql.NullInt64
		failedReason sql.NullString
		createdAt    string
		completedAt  sql.NullString
	)

	err := row.Scan(
		&r.ID,
		&r.EventID,
		&r.Destination.Name,
		&r.Destination.URL,
		&r.Destination.ConnectionID,
		&r.Destination.Mode,
		&r.Attempt,
		&r.Status,
		&respStatus,
		&respHeaders,
		&respBody,
		&respTime,
		&failedReason,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning request: %w", err)
	}

	if respStatus.Valid {
		resp := &Response{Status: int(respStatus.Int64)}
		if respHeaders.Valid && respHeaders.String != "" {
			if err := json.Unmarshal([]byte(respHeaders.String), &resp.Headers); err != nil {
				return nil, fmt.Errorf("unmarshaling response headers: %w", err)
			}
		}
		if resp.Body, err = decompressBody(respBody); err != nil {
			return nil, err
		}
		r.Response = resp
	}
	if respTime.Valid {
		ms := respTime.Int64
		r.ResponseTimeMs = &ms
	}
	r.FailedReason = failedReason.String
	if r.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CompletedAt = database.NullTime(completedAt)

	return &r, nil
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

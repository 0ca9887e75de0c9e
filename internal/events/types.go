package events

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a forward move.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// OriginRequest is the inbound HTTP request an event was created from.
// Body is base64 encoded in JSON.
type OriginRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body,omitempty"`
	BodyOmitted bool              `json:"bodyOmitted,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	ClientIP    string            `json:"clientIp,omitempty"`
	SourceURL   string            `json:"sourceUrl,omitempty"`
	Size        int64             `json:"size"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Event is a persisted inbound webhook.
type Event struct {
	ID           string        `json:"id"`
	WebhookID    string        `json:"webhookId"`
	Source       string        `json:"source"`
	Request      OriginRequest `json:"originRequest"`
	Status       Status        `json:"status"`
	RetryCount   int           `json:"retryCount"`
	MaxRetries   int           `json:"maxRetries"`
	FailedReason string        `json:"failedReason,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Mode is how a request reaches its destination.
type Mode string

const (
	ModeLive Mode = "live"
	ModeHTTP Mode = "http"
)

// Destination identifies where one request was sent.
type Destination struct {
	Name         string `json:"name"`
	URL          string `json:"url,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Mode         Mode   `json:"mode"`
}

// RequestStatus is the state of one delivery attempt.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// Response is what a destination returned.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Request is one delivery attempt of an event to one destination.
type Request struct {
	ID             string        `json:"id"`
	EventID        string        `json:"eventId"`
	Destination    Destination   `json:"destination"`
	Attempt        int           `json:"attempt"`
	Status         RequestStatus `json:"status"`
	Response       *Response     `json:"response,omitempty"`
	ResponseTimeMs *int64        `json:"responseTimeMs,omitempty"`
	FailedReason   string        `json:"failedReason,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}

// TransitionFields are written alongside a status change.
type TransitionFields struct {
	FailedReason string
}

// ListFilter narrows ListEvents.
type ListFilter struct {
	WebhookID string
	Status    Status
	Before    time.Time
	Limit     int
}

// JobKind distinguishes the fan-out step from per-target deliveries.
type JobKind string

const (
	JobRoute   JobKind = "route"
	JobDeliver JobKind = "deliver"
)

// JobStatus is the state of a queue row.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
)

// JobOutcome records why a job was closed.
type JobOutcome string

const (
	OutcomeDelivered JobOutcome = "delivered"
	OutcomePermanent JobOutcome = "permanent"
	OutcomeExhausted JobOutcome = "exhausted"
	OutcomeSkipped   JobOutcome = "skipped"
	OutcomeRouted    JobOutcome = "routed"
)

// Job is a durable unit of work in the delivery queue. A route job exists
// per event; a deliver job exists per (event, target).
type Job struct {
	ID            string          `json:"id"`
	EventID       string          `json:"eventId"`
	Kind          JobKind         `json:"kind"`
	TargetKey     string          `json:"targetKey,omitempty"`
	Target        json.RawMessage `json:"target,omitempty"`
	Attempt       int             `json:"attempt"`
	Status        JobStatus       `json:"status"`
	Outcome       JobOutcome      `json:"outcome,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`

	// lease is the raw lease_until value written by ClaimDue. Updates
	// require it to still match so a job reclaimed after lease expiry
	// cannot be closed twice.
	lease string
}

// JobTarget is a deliver job to create during fan-out.
type JobTarget struct {
	Key     string
	Payload json.RawMessage
}

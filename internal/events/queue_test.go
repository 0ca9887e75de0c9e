package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimOne(t *testing.T, store *Store, now time.Time) *Job {
	t.Helper()
	jobs, err := store.ClaimDue(context.Background(), now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestQueue_ZeroTargetsCompletesEvent(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_1")
	require.NoError(t, store.CreateEvent(ctx, event))

	route := claimOne(t, store, time.Now())
	assert.Equal(t, JobRoute, route.Kind)

	updated, err := store.StartFanOut(ctx, route, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)

	reqs, err := store.ListRequests(ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, reqs)

	open, err := store.OpenJobs(ctx, event.ID)
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestQueue_FanOutAndPartialSuccess(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_1")
	require.NoError(t, store.CreateEvent(ctx, event))

	route := claimOne(t, store, time.Now())
	updated, err := store.StartFanOut(ctx, route, []JobTarget{
		{Key: "local", Payload: json.RawMessage(`{"destination":"local"}`)},
		{Key: "backup", Payload: json.RawMessage(`{"destination":"backup"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, updated.Status)

	jobs, err := store.ClaimDue(ctx, time.Now(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byKey := map[string]*Job{}
	for _, j := range jobs {
		byKey[j.TargetKey] = j
		assert.Equal(t, JobDeliver, j.Kind)
		assert.JSONEq(t, `{"destination":"`+j.TargetKey+`"}`, string(j.Target))
	}

	ok, err := store.CreateRequest(ctx, event.ID, Destination{Name: "local", Mode: ModeLive}, 0)
	require.NoError(t, err)
	require.NoError(t, store.CompleteRequest(ctx, ok.ID, Response{Status: 200}, time.Millisecond))

	finalized, err := store.CompleteJob(ctx, byKey["local"], OutcomeDelivered, "")
	require.NoError(t, err)
	assert.Nil(t, finalized, "event must stay open while backup is pending")

	bad, err := store.CreateRequest(ctx, event.ID, Destination{Name: "backup", Mode: ModeHTTP}, 0)
	require.NoError(t, err)
	require.NoError(t, store.FailRequest(ctx, bad.ID, "destination returned 404", time.Millisecond))

	finalized, err = store.CompleteJob(ctx, byKey["backup"], OutcomePermanent, "destination returned 404")
	require.NoError(t, err)
	require.NotNil(t, finalized)
	assert.Equal(t, StatusCompleted, finalized.Status)
}

func TestQueue_AllFailedUsesLastReason(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_1")
	require.NoError(t, store.CreateEvent(ctx, event))

	route := claimOne(t, store, time.Now())
	_, err := store.StartFanOut(ctx, route, []JobTarget{{Key: "backup"}})
	require.NoError(t, err)

	job := claimOne(t, store, time.Now())
	req, err := store.CreateRequest(ctx, event.ID, Destination{Name: "backup", Mode: ModeHTTP}, 0)
	require.NoError(t, err)
	require.NoError(t, store.FailRequest(ctx, req.ID, "connection refused", 0))

	finalized, err := store.CompleteJob(ctx, job, OutcomeExhausted, "connection refused")
	require.NoError(t, err)
	require.NotNil(t, finalized)
	assert.Equal(t, StatusFailed, finalized.Status)
	assert.Equal(t, "connection refused", finalized.FailedReason)

	again, err := store.FinalizeEvent(ctx, event.ID, "other")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Equal(t, "connection refused", again.FailedReason)
}

func TestQueue_AbandonedRouteFailsEvent(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_gone")
	require.NoError(t, store.CreateEvent(ctx, event))

	route := claimOne(t, store, time.Now())
	finalized, err := store.CompleteJob(ctx, route, OutcomeSkipped, "webhook no longer configured")
	require.NoError(t, err)
	require.NotNil(t, finalized)
	assert.Equal(t, StatusFailed, finalized.Status)
	assert.Equal(t, "webhook no longer configured", finalized.FailedReason)
}

func TestQueue_RescheduleAndLease(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_1")
	require.NoError(t, store.CreateEvent(ctx, event))
	now := time.Now()

	route := claimOne(t, store, now)

	jobs, err := store.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs, "leased job must not be claimed twice")

	next := now.Add(5 * time.Second)
	require.NoError(t, store.RescheduleJob(ctx, route, next, 1, "timeout"))
	assert.ErrorIs(t, store.RescheduleJob(ctx, route, next, 2, "timeout"), ErrJobNotOwned)

	jobs, err = store.ClaimDue(ctx, now.Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs, "job is not due yet")

	again := claimOne(t, store, next.Add(time.Millisecond))
	assert.Equal(t, 1, again.Attempt)
	assert.Equal(t, "timeout", again.LastError)
}

func TestQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_1")
	require.NoError(t, store.CreateEvent(ctx, event))
	now := time.Now()

	stale := claimOne(t, store, now)
	fresh := claimOne(t, store, now.Add(2*time.Minute))
	assert.Equal(t, stale.ID, fresh.ID)

	_, err := store.CompleteJob(ctx, stale, OutcomeSkipped, "")
	assert.ErrorIs(t, err, ErrJobNotOwned)

	_, err = store.StartFanOut(ctx, fresh, nil)
	assert.NoError(t, err)
}

func TestQueue_ExtendLeaseKeepsJobOwned(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_1")
	require.NoError(t, store.CreateEvent(ctx, event))
	now := time.Now()

	job := claimOne(t, store, now)
	require.NoError(t, store.ExtendLease(ctx, job, now.Add(5*time.Minute)))

	// Past the original lease but inside the extended one.
	jobs, err := store.ClaimDue(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = store.StartFanOut(ctx, job, nil)
	assert.NoError(t, err)
}

func TestQueue_ExtendLeaseAfterReclaim(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_1")
	require.NoError(t, store.CreateEvent(ctx, event))
	now := time.Now()

	stale := claimOne(t, store, now)
	claimOne(t, store, now.Add(2*time.Minute))

	assert.ErrorIs(t, store.ExtendLease(ctx, stale, now.Add(5*time.Minute)), ErrJobNotOwned)
}

func TestQueue_RecordRetryIsBounded(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	event := newTestEvent("wh_1")
	event.MaxRetries = 2
	require.NoError(t, store.CreateEvent(ctx, event))

	require.NoError(t, store.RecordRetry(ctx, event.ID, 1))
	require.NoError(t, store.RecordRetry(ctx, event.ID, 5))
	require.NoError(t, store.RecordRetry(ctx, event.ID, 0))

	got, err := store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)

	assert.True(t, IsNotFound(store.RecordRetry(ctx, "missing", 1)))
}

package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/routing"
)

type staticLister map[string][]registry.Registration

func (s staticLister) ListLive(webhookID string) []registry.Registration {
	return s[webhookID]
}

func webhook(t *testing.T, doc string) *routing.Webhook {
	t.Helper()
	snap, err := routing.Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, snap.Webhooks, 1)
	return snap.Webhooks[0]
}

func event(source string) *events.Event {
	return &events.Event{
		ID:        "evt_1",
		WebhookID: "wh_1",
		Source:    source,
		Request: events.OriginRequest{
			Method:  "POST",
			Path:    "/webhook/acme/payments",
			Headers: map[string]string{"Stripe-Signature": "t=1,v1=abc"},
			Size:    42,
		},
		CreatedAt: time.Now(),
	}
}

const fanOutDoc = `
webhooks:
  - id: wh_1
    to:
      - name: local
      - name: audit
    forward:
      - from: "*"
        to: local
      - from: stripe
        to: audit
`

func TestRoute_StripeFansOutToBothDestinations(t *testing.T) {
	wh := webhook(t, fanOutDoc)
	live := staticLister{"wh_1": {{ConnectionID: "c1", WebhookID: "wh_1"}}}

	targets := Route(event("stripe"), wh, live)
	require.Len(t, targets, 2)

	assert.Equal(t, "local", targets[0].Destination)
	assert.Equal(t, "audit", targets[1].Destination)
	for _, target := range targets {
		assert.Equal(t, events.ModeLive, target.Mode)
		assert.Equal(t, "c1", target.ConnectionID)
	}
	assert.NotEqual(t, targets[0].Key(), targets[1].Key())
}

func TestRoute_SourceFiltersRules(t *testing.T) {
	wh := webhook(t, fanOutDoc)
	live := staticLister{"wh_1": {{ConnectionID: "c1", WebhookID: "wh_1"}}}

	targets := Route(event("github"), wh, live)
	require.Len(t, targets, 1)
	assert.Equal(t, "local", targets[0].Destination)
}

func TestRoute_NoRules(t *testing.T) {
	wh := webhook(t, `
webhooks:
  - id: wh_1
    to:
      - name: local
`)
	assert.Empty(t, Route(event("stripe"), wh, staticLister{}))
	assert.Empty(t, Route(event("stripe"), nil, nil))
}

func TestRoute_DeduplicatesDestinations(t *testing.T) {
	wh := webhook(t, `
webhooks:
  - id: wh_1
    to:
      - name: local
        url: http://localhost:3000/hook
    forward:
      - from: stripe
        to: local
      - from: "*"
        to: local
`)
	targets := Route(event("stripe"), wh, staticLister{})
	require.Len(t, targets, 1)
	assert.Equal(t, 0, targets[0].Rule)
}

func TestRoute_Modes(t *testing.T) {
	wh := webhook(t, `
webhooks:
  - id: wh_1
    to:
      - name: local
        url: http://localhost:3000/hook
      - name: laptop
    forward:
      - to: local
      - to: laptop
`)

	t.Run("no live connections", func(t *testing.T) {
		targets := Route(event("stripe"), wh, staticLister{})
		require.Len(t, targets, 2)

		assert.Equal(t, events.ModeHTTP, targets[0].Mode)
		assert.Equal(t, "http://localhost:3000/hook", targets[0].URL)
		assert.Equal(t, "local:http", targets[0].Key())

		assert.Equal(t, events.ModeLive, targets[1].Mode)
		assert.Empty(t, targets[1].ConnectionID)
		assert.Equal(t, "laptop:live", targets[1].Key())
	})

	t.Run("live connections preferred newest first", func(t *testing.T) {
		live := staticLister{"wh_1": {
			{ConnectionID: "newest", WebhookID: "wh_1"},
			{ConnectionID: "older", WebhookID: "wh_1", Destinations: []string{"local"}},
		}}
		targets := Route(event("stripe"), wh, live)
		require.Len(t, targets, 3)

		assert.Equal(t, "local", targets[0].Destination)
		assert.Equal(t, "newest", targets[0].ConnectionID)
		assert.Equal(t, "http://localhost:3000/hook", targets[0].URL)
		assert.Equal(t, "older", targets[1].ConnectionID)

		assert.Equal(t, "laptop", targets[2].Destination)
		assert.Equal(t, "newest", targets[2].ConnectionID)
	})

	t.Run("connection not accepting source", func(t *testing.T) {
		live := staticLister{"wh_1": {{ConnectionID: "c1", WebhookID: "wh_1", Sources: []string{"github"}}}}
		targets := Route(event("stripe"), wh, live)
		require.Len(t, targets, 2)
		assert.Equal(t, events.ModeHTTP, targets[0].Mode)
		assert.Empty(t, targets[1].ConnectionID)
	})
}

func TestRoute_WhenCondition(t *testing.T) {
	wh := webhook(t, `
webhooks:
  - id: wh_1
    to:
      - name: local
        url: http://localhost:3000/hook
    forward:
      - to: local
        when: 'request.headers["stripe-signature"] != "" && request.size < 100'
`)
	assert.Len(t, Route(event("stripe"), wh, nil), 1)

	big := event("stripe")
	big.Request.Size = 1000
	assert.Empty(t, Route(big, wh, nil))
}

func TestJobTargetsRoundTrip(t *testing.T) {
	targets := []Target{
		{Destination: "local", Mode: events.ModeLive, ConnectionID: "c1", Rule: 0},
		{Destination: "backup", Mode: events.ModeHTTP, URL: "https://backup.example.com", Rule: 1},
	}

	jobs, err := JobTargets(targets)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "local:c1", jobs[0].Key)
	assert.Equal(t, "backup:http", jobs[1].Key)

	decoded, err := DecodeTarget(&events.Job{ID: "job_1", Target: jobs[1].Payload})
	require.NoError(t, err)
	assert.Equal(t, targets[1], decoded)
}

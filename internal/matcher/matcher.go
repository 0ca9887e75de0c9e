// Package matcher turns an event and a webhook's forwarding rules into the
// list of delivery targets.
package matcher

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/routing"
)

// Target is one place an event should be delivered to.
type Target struct {
	Destination string      `json:"destination"`
	Mode        events.Mode `json:"mode"`
	URL         string      `json:"url,omitempty"`

	// ConnectionID is empty for a live target that had no connection at
	// routing time. The dispatcher binds it to the newest live connection
	// when the attempt runs.
	ConnectionID string `json:"connectionId,omitempty"`

	// Rule is the index of the forward rule that produced the target.
	Rule int `json:"rule"`
}

// Key identifies the target within its event. The queue uses it to keep a
// single deliver job per target.
func (t Target) Key() string {
	switch {
	case t.ConnectionID != "":
		return t.Destination + ":" + t.ConnectionID
	case t.Mode == events.ModeHTTP:
		return t.Destination + ":http"
	default:
		return t.Destination + ":live"
	}
}

// EventDestination is the stored form of the target.
func (t Target) EventDestination() events.Destination {
	return events.Destination{
		Name:         t.Destination,
		URL:          t.URL,
		ConnectionID: t.ConnectionID,
		Mode:         t.Mode,
	}
}

// LiveLister reports the live connections of a webhook, newest first.
type LiveLister interface {
	ListLive(webhookID string) []registry.Registration
}

// Route returns the targets for event in rule declaration order. Each
// destination appears once even when several rules name it. A destination
// with live connections gets one target per connection, newest first;
// otherwise it is delivered over HTTP when it has a URL, or left pending
// for a connection to appear.
func Route(event *events.Event, wh *routing.Webhook, reg LiveLister) []Target {
	if wh == nil || len(wh.Forward) == 0 {
		return nil
	}

	input := routing.MatchInput{
		Source:      event.Source,
		Method:      event.Request.Method,
		Path:        event.Request.Path,
		Headers:     event.Request.Headers,
		ContentType: event.Request.ContentType,
		Size:        event.Request.Size,
	}

	var live []registry.Registration
	if reg != nil {
		live = reg.ListLive(wh.ID)
	}

	seen := make(map[string]bool)
	var targets []Target

	for i, rule := range wh.Forward {
		ok, err := rule.Accepts(input)
		if err != nil {
			log.Warn().
				Err(err).
				Str("webhook_id", wh.ID).
				Str("event_id", event.ID).
				Int("rule", i).
				Msg("Forward condition failed, skipping rule")
			continue
		}
		if !ok || seen[rule.To] {
			continue
		}
		seen[rule.To] = true

		dest, found := wh.Destination(rule.To)
		if !found {
			continue
		}

		targets = append(targets, resolve(dest, i, event.Source, live)...)
	}

	return targets
}

func resolve(dest *routing.Destination, rule int, source string, live []registry.Registration) []Target {
	var out []Target
	for _, conn := range live {
		if !conn.Serves(dest.Name) || !conn.Accepts(source) {
			continue
		}
		out = append(out, Target{
			Destination:  dest.Name,
			Mode:         events.ModeLive,
			URL:          dest.URL,
			ConnectionID: conn.ConnectionID,
			Rule:         rule,
		})
	}
	if len(out) > 0 {
		return out
	}

	if dest.URL != "" {
		return []Target{{Destination: dest.Name, Mode: events.ModeHTTP, URL: dest.URL, Rule: rule}}
	}
	return []Target{{Destination: dest.Name, Mode: events.ModeLive, Rule: rule}}
}

// JobTargets encodes targets for the delivery queue.
func JobTargets(targets []Target) ([]events.JobTarget, error) {
	out := make([]events.JobTarget, 0, len(targets))
	for _, t := range targets {
		payload, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encoding target %s: %w", t.Key(), err)
		}
		out = append(out, events.JobTarget{Key: t.Key(), Payload: payload})
	}
	return out, nil
}

// DecodeTarget reads the target stored on a deliver job.
func DecodeTarget(job *events.Job) (Target, error) {
	var t Target
	if err := json.Unmarshal(job.Target, &t); err != nil {
		return Target{}, fmt.Errorf("decoding target of job %s: %w", job.ID, err)
	}
	return t, nil
}

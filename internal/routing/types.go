// Package routing loads and validates the routing document that describes
// webhooks, their sources, destinations and forwarding rules.
package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/watzon/hookrelay/internal/filter"
)

// Wildcard matches any source.
const Wildcard = "*"

// DefaultMethod is the only method accepted when allowedMethods is empty.
const DefaultMethod = "POST"

// Verification types for inbound signatures.
const (
	VerifyHMACSHA256       = "hmac-sha256"
	VerifyHMACSHA1         = "hmac-sha1"
	VerifyStandardWebhooks = "standard-webhooks"
)

// Document is the root of a routing file.
type Document struct {
	Webhooks []*Webhook `yaml:"webhooks" json:"webhooks" validate:"dive,required"`
}

// Webhook is one tenant endpoint.
type Webhook struct {
	ID       string `yaml:"id" json:"id" validate:"required,max=128"`
	Org      string `yaml:"org" json:"org" validate:"required_with=Name"`
	Name     string `yaml:"name" json:"name" validate:"required_with=Org"`
	TunnelID string `yaml:"tunnelId" json:"tunnelId"`

	// Active defaults to true when omitted.
	Active  *bool `yaml:"active" json:"active"`
	Private bool  `yaml:"private" json:"private"`

	// APIKeys holds bcrypt hashes; see `hookrelay hash-key`.
	APIKeys []string `yaml:"apiKeys" json:"-"`

	AllowedMethods []string `yaml:"allowedMethods" json:"allowedMethods" validate:"dive,oneof=GET POST PUT PATCH DELETE"`
	AllowedFrom    []string `yaml:"allowedFrom" json:"allowedFrom"`
	BlockedFrom    []string `yaml:"blockedFrom" json:"blockedFrom"`

	MaxRetries *int          `yaml:"maxRetries" json:"maxRetries" validate:"omitempty,min=0,max=25"`
	Storage    StoragePolicy `yaml:"storage" json:"storage"`

	From         []*Provider    `yaml:"from" json:"from" validate:"dive,required"`
	To           []*Destination `yaml:"to" json:"to" validate:"dive,required"`
	Destinations []*Destination `yaml:"destinations" json:"destinations" validate:"dive,required"`
	Forward      []*ForwardRule `yaml:"forward" json:"forward" validate:"dive,required"`

	allowedFrom []glob.Glob
	blockedFrom []glob.Glob
	dests       []*Destination
}

// StoragePolicy controls what part of an inbound request is persisted.
type StoragePolicy struct {
	MaxBodySize  int64    `yaml:"maxBodySize" json:"maxBodySize" validate:"gte=-1"`
	DenyHeaders  []string `yaml:"denyHeaders" json:"denyHeaders"`
	AllowHeaders []string `yaml:"allowHeaders" json:"allowHeaders"`
}

// Provider describes an inbound source such as stripe or github.
type Provider struct {
	Name           string        `yaml:"name" json:"name" validate:"required"`
	Verification   *Verification `yaml:"verification" json:"verification,omitempty"`
	DefaultTimeout Duration      `yaml:"defaultTimeout" json:"defaultTimeout" validate:"gte=0"`
}

// Verification configures inbound signature checks for a provider.
type Verification struct {
	Type   string `yaml:"type" json:"type" validate:"required,oneof=hmac-sha256 hmac-sha1 standard-webhooks"`
	Header string `yaml:"header" json:"header"`
	Secret string `yaml:"secret" json:"-" validate:"required"`
}

// Destination is a named delivery target.
type Destination struct {
	Name          string            `yaml:"name" json:"name" validate:"required"`
	URL           string            `yaml:"url" json:"url,omitempty" validate:"omitempty,http_url"`
	Ping          string            `yaml:"ping" json:"ping,omitempty" validate:"omitempty,http_url"`
	Timeout       Duration          `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Headers       map[string]string `yaml:"headers" json:"headers,omitempty"`
	SigningSecret string            `yaml:"signingSecret" json:"-"`
}

// ForwardRule sends events from a source to a destination.
type ForwardRule struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to" validate:"required"`
	When string `yaml:"when" json:"when,omitempty"`

	program cel.Program
}

// Duration accepts Go duration strings ("5s") or integer milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// IsActive reports whether the webhook accepts and delivers events.
func (w *Webhook) IsActive() bool {
	return w.Active == nil || *w.Active
}

// RetryLimit returns the webhook's retry budget or def when unset.
func (w *Webhook) RetryLimit(def int) int {
	if w.MaxRetries != nil {
		return *w.MaxRetries
	}
	return def
}

// AllDestinations returns to[] followed by destinations[].
func (w *Webhook) AllDestinations() []*Destination {
	if w.dests != nil {
		return w.dests
	}
	out := make([]*Destination, 0, len(w.To)+len(w.Destinations))
	out = append(out, w.To...)
	return append(out, w.Destinations...)
}

// Destination looks a destination up by name.
func (w *Webhook) Destination(name string) (*Destination, bool) {
	for _, d := range w.AllDestinations() {
		if d != nil && d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Provider looks a source definition up by name.
func (w *Webhook) Provider(name string) (*Provider, bool) {
	for _, p := range w.From {
		if p != nil && p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// MethodAllowed reports whether method may be used for ingress.
func (w *Webhook) MethodAllowed(method string) bool {
	if len(w.AllowedMethods) == 0 {
		return strings.EqualFold(method, DefaultMethod)
	}
	for _, m := range w.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Methods returns the allowed ingress methods.
func (w *Webhook) Methods() []string {
	if len(w.AllowedMethods) == 0 {
		return []string{DefaultMethod}
	}
	return w.AllowedMethods
}

// SourceAllowed applies blockedFrom then allowedFrom. An empty allow list
// admits every source that is not blocked.
func (w *Webhook) SourceAllowed(source string) bool {
	for _, g := range w.blockedFrom {
		if g.Match(source) {
			return false
		}
	}
	if len(w.allowedFrom) == 0 {
		return true
	}
	for _, g := range w.allowedFrom {
		if g.Match(source) {
			return true
		}
	}
	return false
}

// FilterPolicy builds the header/body policy for this webhook.
func (w *Webhook) FilterPolicy(defaultMaxBody int64) filter.Policy {
	limit := w.Storage.MaxBodySize
	if limit == 0 {
		limit = defaultMaxBody
	}
	return filter.Policy{
		Deny:        w.Storage.DenyHeaders,
		Allow:       w.Storage.AllowHeaders,
		MaxBodySize: limit,
	}
}

// Key returns the "org/name" lookup key, or "" when the webhook has no name.
func (w *Webhook) Key() string {
	if w.Org == "" || w.Name == "" {
		return ""
	}
	return nameKey(w.Org, w.Name)
}

func nameKey(org, name string) string {
	return strings.ToLower(org) + "/" + strings.ToLower(name)
}

// MatchesSource reports whether the rule's from pattern admits source.
// Only "*" and literal names are supported.
func (r *ForwardRule) MatchesSource(source string) bool {
	from := r.From
	if from == "" {
		from = Wildcard
	}
	return from == Wildcard || from == source
}

// HasCondition reports whether the rule carries a when expression.
func (r *ForwardRule) HasCondition() bool {
	return r.program != nil
}

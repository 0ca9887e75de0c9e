// Package filter sanitizes inbound headers and bodies before they are stored
// or forwarded.
package filter

import (
	"net/http"
	"sort"
	"strings"
)

// DefaultMaxBodySize is the body cap applied when a policy does not set one.
const DefaultMaxBodySize int64 = 10 * 1024 * 1024

// DefaultDenyHeaders are always removed unless a policy allows them.
var DefaultDenyHeaders = []string{
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailer",
	"transfer-encoding",
	"upgrade",
	"host",
	"content-length",
	"authorization",
	"cookie",
	"set-cookie",
	"x-unhook-api-key",
}

// Policy controls which headers survive and how much body is kept.
type Policy struct {
	// Deny extends DefaultDenyHeaders.
	Deny []string

	// Allow overrides any deny entry.
	Allow []string

	// MaxBodySize caps stored bodies. Zero means DefaultMaxBodySize,
	// a negative value disables the cap.
	MaxBodySize int64
}

// Captured is the stored form of a body.
type Captured struct {
	Body    []byte
	Size    int64
	Omitted bool
}

// Headers returns a copy of h without denied headers. Matching is
// case-insensitive; the surviving keys keep their original spelling.
func Headers(h map[string]string, p Policy) map[string]string {
	deny := make(map[string]bool, len(DefaultDenyHeaders)+len(p.Deny))
	for _, name := range DefaultDenyHeaders {
		deny[name] = true
	}
	for _, name := range p.Deny {
		deny[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for _, name := range p.Allow {
		delete(deny, strings.ToLower(strings.TrimSpace(name)))
	}

	out := make(map[string]string, len(h))
	for name, value := range h {
		if deny[strings.ToLower(name)] {
			continue
		}
		out[name] = value
	}
	return out
}

// Capture applies the body cap. Oversized bodies are dropped but their size
// is kept.
func Capture(body []byte, p Policy) Captured {
	size := int64(len(body))
	limit := p.MaxBodySize
	if limit == 0 {
		limit = DefaultMaxBodySize
	}

	if limit > 0 && size > limit {
		return Captured{Size: size, Omitted: true}
	}

	return Captured{Body: body, Size: size}
}

// FromHTTP flattens an http.Header. Multiple values are joined with ", ".
func FromHTTP(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// ToHTTP expands a flat header map onto dst in a stable order.
func ToHTTP(h map[string]string, dst http.Header) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dst.Set(name, h[name])
	}
}

// Get looks a header up case-insensitively.
func Get(h map[string]string, name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

package routing

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"golang.org/x/crypto/bcrypt"
)

// Problem is one validation failure in a routing document.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	if p.Path == "" {
		return p.Message
	}
	return p.Path + ": " + p.Message
}

// ConfigError aggregates every problem found in a document.
type ConfigError struct {
	Problems []Problem
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid routing config: " + e.Problems[0].String()
	}
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.String()
	}
	return fmt.Sprintf("invalid routing config (%d problems): %s", len(e.Problems), strings.Join(msgs, "; "))
}

// AsConfigError unwraps a *ConfigError.
func AsConfigError(err error) (*ConfigError, bool) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

var structValidator = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
})

type problems []Problem

func (p *problems) add(path, format string, args ...any) {
	*p = append(*p, Problem{Path: path, Message: fmt.Sprintf(format, args...)})
}

// validate runs struct checks, then reference and compile checks, and
// returns every problem found. It also compiles globs and conditions into
// the document.
func validate(doc *Document) []Problem {
	var out problems

	if err := structValidator().Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				out.add(fieldPath(fe), "%s", describe(fe))
			}
		} else {
			out.add("", "%v", err)
		}
	}

	ids := make(map[string]int)
	names := make(map[string]int)
	tunnels := make(map[string]int)

	for i, wh := range doc.Webhooks {
		if wh == nil {
			continue
		}
		base := fmt.Sprintf("webhooks[%d]", i)

		if wh.ID != "" {
			if prev, dup := ids[wh.ID]; dup {
				out.add(base+".id", "duplicate webhook id %q (also webhooks[%d])", wh.ID, prev)
			} else {
				ids[wh.ID] = i
			}
		}
		if key := wh.Key(); key != "" {
			if prev, dup := names[key]; dup {
				out.add(base+".name", "duplicate org/name %q (also webhooks[%d])", key, prev)
			} else {
				names[key] = i
			}
		}
		if wh.TunnelID != "" {
			if prev, dup := tunnels[wh.TunnelID]; dup {
				out.add(base+".tunnelId", "duplicate tunnel id %q (also webhooks[%d])", wh.TunnelID, prev)
			} else {
				tunnels[wh.TunnelID] = i
			}
		}

		validateWebhook(base, wh, &out)
	}

	return out
}

func validateWebhook(base string, wh *Webhook, out *problems) {
	if wh.Private && len(wh.APIKeys) == 0 {
		out.add(base+".apiKeys", "private webhook needs at least one api key")
	}
	for i, hash := range wh.APIKeys {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			out.add(fmt.Sprintf("%s.apiKeys[%d]", base, i), "not a bcrypt hash")
		}
	}

	wh.allowedFrom = compileGlobs(base+".allowedFrom", wh.AllowedFrom, out)
	wh.blockedFrom = compileGlobs(base+".blockedFrom", wh.BlockedFrom, out)

	providers := make(map[string]bool)
	for i, p := range wh.From {
		if p == nil || p.Name == "" {
			continue
		}
		if providers[p.Name] {
			out.add(fmt.Sprintf("%s.from[%d].name", base, i), "duplicate source %q", p.Name)
		}
		providers[p.Name] = true
	}

	wh.dests = nil
	dests := make(map[string]bool)
	checkDest := func(field string, list []*Destination) {
		for i, d := range list {
			if d == nil || d.Name == "" {
				continue
			}
			path := fmt.Sprintf("%s.%s[%d]", base, field, i)
			if dests[d.Name] {
				out.add(path+".name", "duplicate destination %q", d.Name)
			}
			dests[d.Name] = true
		}
	}
	checkDest("to", wh.To)
	checkDest("destinations", wh.Destinations)
	wh.dests = wh.AllDestinations()

	for i, rule := range wh.Forward {
		if rule == nil {
			continue
		}
		path := fmt.Sprintf("%s.forward[%d]", base, i)

		// Empty to is already reported by the struct validator.
		if rule.To != "" && !dests[rule.To] {
			out.add(path+".to", "unknown destination %q", rule.To)
		}

		rule.program = nil
		if strings.TrimSpace(rule.When) != "" {
			program, err := compileCondition(rule.When)
			if err != nil {
				out.add(path+".when", "%v", err)
				continue
			}
			rule.program = program
		}
	}
}

func compileGlobs(path string, patterns []string, out *problems) []glob.Glob {
	if len(patterns) == 0 {
		return nil
	}
	globs := make([]glob.Glob, 0, len(patterns))
	for i, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			out.add(fmt.Sprintf("%s[%d]", path, i), "invalid pattern %q: %v", pattern, err)
			continue
		}
		globs = append(globs, g)
	}
	return globs
}

// fieldPath turns "Document.webhooks[0].to[1].url" into
// "webhooks[0].to[1].url".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.IndexByte(ns, '.'); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_with":
		return "is required when " + strings.ToLower(fe.Param()) + " is set"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "http_url":
		return "must be an http(s) URL"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

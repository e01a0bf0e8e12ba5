// Package acl implements the gateway's access-control decision engine.
//
// DESIGN: The policy document (TOML) is resolved once at load time into an
// immutable RuleSet: per-method endpoint templates with their explicit
// allow/deny overrides and model filters, plus the method-level and global
// defaults. Decisions are pure lookups against that table; nothing is
// re-parsed or mutated per request, so the RuleSet is shared by all request
// handlers without locking.
package acl

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// RuleSet is the full, immutable decision policy.
type RuleSet struct {
	defaultAllow   bool
	methodDefaults map[string]bool
	routes         map[string][]*route
}

// route is one pre-registered (method, template) entry.
type route struct {
	template string
	segments []segment
	override *bool
	filter   *ModelFilter
}

// segment is one resolved path segment of a template. A param segment
// matches any single segment; the "model" param additionally captures it.
type segment struct {
	literal string
	param   bool
	model   bool
}

// ModelFilter is the per-endpoint model policy.
type ModelFilter struct {
	allowAny     bool
	allows       []*regexp.Regexp
	disallows    []*regexp.Regexp
	FromPath     bool
	AllowOmitted bool
}

// defaultTemplates pre-registers the upstream API surface so requests match
// a template even when the policy document never mentions the endpoint.
var defaultTemplates = map[string][]string{
	http.MethodGet: {
		"/models",
		"/models/{model}",
		"/files",
		"/files/{file_id}/content",
		"/fine-tunes",
		"/fine-tunes/{fine_tune_id}",
		"/fine-tunes/{fine_tune_id}/events",
		"/engines",
		"/engines/{engine_id}",
	},
	http.MethodPost: {
		"/completions",
		"/chat/completions",
		"/edits",
		"/images/generations",
		"/images/edits",
		"/images/variations",
		"/embeddings",
		"/audio/transcriptions",
		"/audio/translations",
		"/files",
		"/fine-tunes",
		"/fine-tunes/{fine_tune_id}/cancel",
		"/moderations",
	},
	http.MethodDelete: {
		"/files/{file_id}",
		"/models/{model}",
	},
}

type policyDoc struct {
	Global   globalDoc                            `toml:"global"`
	Endpoint map[string]map[string]bool           `toml:"endpoint"`
	Model    map[string]map[string]modelFilterDoc `toml:"model"`
}

type globalDoc struct {
	DefaultAllow bool            `toml:"default_allow"`
	Methods      map[string]bool `toml:"methods"`
}

type modelFilterDoc struct {
	Allows       []string `toml:"allows"`
	Disallows    []string `toml:"disallows"`
	Path         bool     `toml:"path"`
	AllowOmitted bool     `toml:"allow_omitted"`
}

// Load parses a TOML policy document into an immutable RuleSet.
func Load(data []byte) (*RuleSet, error) {
	var doc policyDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse acl policy: %w", err)
	}

	rs := &RuleSet{
		defaultAllow:   doc.Global.DefaultAllow,
		methodDefaults: make(map[string]bool, len(doc.Global.Methods)),
		routes:         make(map[string][]*route),
	}
	for m, allow := range doc.Global.Methods {
		rs.methodDefaults[strings.ToUpper(m)] = allow
	}

	for method, templates := range defaultTemplates {
		for _, tmpl := range templates {
			rs.register(method, tmpl)
		}
	}
	for method, overrides := range doc.Endpoint {
		method = strings.ToUpper(method)
		for tmpl, allow := range overrides {
			allow := allow
			rt, err := rs.register(method, tmpl)
			if err != nil {
				return nil, err
			}
			rt.override = &allow
		}
	}
	for method, filters := range doc.Model {
		method = strings.ToUpper(method)
		for tmpl, fd := range filters {
			rt, err := rs.register(method, tmpl)
			if err != nil {
				return nil, err
			}
			filter, err := fd.compile()
			if err != nil {
				return nil, fmt.Errorf("acl model filter %s %q: %w", method, tmpl, err)
			}
			if filter.FromPath && !rt.capturesModel() {
				return nil, fmt.Errorf("acl model filter %s %q: path=true requires a {model} segment", method, tmpl)
			}
			rt.filter = filter
		}
	}

	return rs, nil
}

// register adds (or returns) the route for a (method, template) pair.
func (rs *RuleSet) register(method, template string) (*route, error) {
	for _, rt := range rs.routes[method] {
		if rt.template == template {
			return rt, nil
		}
	}
	segs, err := parseTemplate(template)
	if err != nil {
		return nil, fmt.Errorf("acl template %s %q: %w", method, template, err)
	}
	rt := &route{template: template, segments: segs}
	rs.routes[method] = append(rs.routes[method], rt)
	return rt, nil
}

func parseTemplate(template string) ([]segment, error) {
	if !strings.HasPrefix(template, "/") {
		return nil, fmt.Errorf("template must start with '/'")
	}
	parts := strings.Split(strings.TrimPrefix(template, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			name := p[1 : len(p)-1]
			if name == "" {
				return nil, fmt.Errorf("empty parameter segment")
			}
			segs = append(segs, segment{param: true, model: name == "model"})
			continue
		}
		if strings.ContainsAny(p, "{}") {
			return nil, fmt.Errorf("malformed segment %q", p)
		}
		segs = append(segs, segment{literal: p})
	}
	return segs, nil
}

func (rt *route) capturesModel() bool {
	for _, s := range rt.segments {
		if s.model {
			return true
		}
	}
	return false
}

func (fd modelFilterDoc) compile() (*ModelFilter, error) {
	f := &ModelFilter{
		FromPath:     fd.Path,
		AllowOmitted: fd.AllowOmitted,
	}
	for _, p := range fd.Allows {
		if p == "*" {
			f.allowAny = true
			f.allows = nil
			break
		}
		re, err := wildcardToRegexp(p)
		if err != nil {
			return nil, err
		}
		f.allows = append(f.allows, re)
	}
	for _, p := range fd.Disallows {
		re, err := wildcardToRegexp(p)
		if err != nil {
			return nil, err
		}
		f.disallows = append(f.disallows, re)
	}
	return f, nil
}

// wildcardToRegexp compiles a wildcard pattern ("gpt-4*") to an anchored
// regexp. '*' matches any run of characters, everything else is literal.
func wildcardToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Check reports whether a model is permitted by this filter. The empty
// string means the request specified no model at all. Disallows always win
// over allows; a model not covered by allows is denied.
func (f *ModelFilter) Check(model string) bool {
	if model == "" {
		return f.AllowOmitted
	}
	for _, re := range f.disallows {
		if re.MatchString(model) {
			return false
		}
	}
	if f.allowAny {
		return true
	}
	for _, re := range f.allows {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

package acl

import "strings"

// Decision is the endpoint-level outcome for one (method, path) pair.
type Decision struct {
	Allowed bool

	// Template is the matched endpoint template, or the raw path when no
	// registered template matched. Used for audit attribution.
	Template string

	// Matched reports whether Template is a registered template rather
	// than the raw request path.
	Matched bool

	// Filter is the model policy registered for the matched template, nil
	// when the endpoint decision is final.
	Filter *ModelFilter

	// PathModel is the {model} path segment captured during matching,
	// empty when the template has none.
	PathModel string
}

// Decide resolves the endpoint-level decision for a request. Precedence:
// explicit (method, template) override, then the method default, then the
// global default flag. Pure; safe for concurrent use.
func (rs *RuleSet) Decide(method, path string) Decision {
	rt, pathModel := rs.match(method, path)
	if rt == nil {
		return Decision{
			Allowed:  rs.fallback(method),
			Template: path,
		}
	}

	allowed := rs.fallback(method)
	if rt.override != nil {
		allowed = *rt.override
	}

	d := Decision{
		Allowed:   allowed,
		Template:  rt.template,
		Matched:   true,
		PathModel: pathModel,
	}
	if allowed {
		d.Filter = rt.filter
	}
	return d
}

func (rs *RuleSet) fallback(method string) bool {
	if def, ok := rs.methodDefaults[method]; ok {
		return def
	}
	return rs.defaultAllow
}

// match finds the registered template for a path and captures its {model}
// segment. Literal segments must match exactly; a param segment matches any
// single non-empty segment.
func (rs *RuleSet) match(method, path string) (*route, string) {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		path = "/"
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")

outer:
	for _, rt := range rs.routes[method] {
		if len(rt.segments) != len(parts) {
			continue
		}
		model := ""
		for i, seg := range rt.segments {
			if seg.param {
				if parts[i] == "" {
					continue outer
				}
				if seg.model {
					model = parts[i]
				}
				continue
			}
			if seg.literal != parts[i] {
				continue outer
			}
		}
		return rt, model
	}
	return nil, ""
}

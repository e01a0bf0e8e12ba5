package acl

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, policy string) *RuleSet {
	t.Helper()
	rs, err := Load([]byte(policy))
	require.NoError(t, err)
	return rs
}

func TestDecide_GlobalDefaultFallback(t *testing.T) {
	// No endpoint override, no method default: decision equals the global flag.
	allow := mustLoad(t, `
[global]
default_allow = true
`)
	deny := mustLoad(t, `
[global]
default_allow = false
`)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/models"},
		{http.MethodPost, "/chat/completions"},
		{http.MethodDelete, "/files/file-123"},
		{http.MethodGet, "/not/registered/anywhere"},
	} {
		assert.True(t, allow.Decide(tc.method, tc.path).Allowed, "%s %s", tc.method, tc.path)
		assert.False(t, deny.Decide(tc.method, tc.path).Allowed, "%s %s", tc.method, tc.path)
	}
}

func TestDecide_MethodDefaultBeatsGlobal(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = false

[global.methods]
POST = true
`)

	assert.True(t, rs.Decide(http.MethodPost, "/completions").Allowed)
	assert.False(t, rs.Decide(http.MethodGet, "/models").Allowed)
	assert.False(t, rs.Decide(http.MethodDelete, "/models/gpt-4").Allowed)
}

func TestDecide_EndpointOverrideBeatsMethodDefault(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = false

[global.methods]
POST = true

[endpoint.POST]
"/images/generations" = false

[endpoint.GET]
"/models" = true
`)

	assert.True(t, rs.Decide(http.MethodPost, "/chat/completions").Allowed)
	assert.False(t, rs.Decide(http.MethodPost, "/images/generations").Allowed)
	assert.True(t, rs.Decide(http.MethodGet, "/models").Allowed)
	assert.False(t, rs.Decide(http.MethodGet, "/engines").Allowed)
}

func TestDecide_TemplateMatchingAndCapture(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = true
`)

	d := rs.Decide(http.MethodGet, "/models/gpt-4")
	assert.Equal(t, "/models/{model}", d.Template)
	assert.Equal(t, "gpt-4", d.PathModel)

	d = rs.Decide(http.MethodGet, "/fine-tunes/ft-abc/events")
	assert.Equal(t, "/fine-tunes/{fine_tune_id}/events", d.Template)
	assert.Empty(t, d.PathModel)

	// Trailing slash normalizes to the same template.
	d = rs.Decide(http.MethodGet, "/models/")
	assert.Equal(t, "/models", d.Template)

	// Unknown path keeps the raw path for audit attribution.
	d = rs.Decide(http.MethodGet, "/totally/unknown")
	assert.Equal(t, "/totally/unknown", d.Template)
}

func TestDecide_PathModelFilter(t *testing.T) {
	// GET /models/{model} with allows=["*"] and path=true allows any
	// model regardless of the global default.
	rs := mustLoad(t, `
[global]
default_allow = false

[endpoint.GET]
"/models/{model}" = true

[model.GET."/models/{model}"]
path = true
allows = ["*"]
`)

	d := rs.Decide(http.MethodGet, "/models/gpt-4")
	require.True(t, d.Allowed)
	require.NotNil(t, d.Filter)
	assert.True(t, d.Filter.FromPath)
	assert.Equal(t, "gpt-4", d.PathModel)
	assert.True(t, d.Filter.Check(d.PathModel))
}

func TestDecide_NoFilterMeansEndpointDecisionFinal(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = false

[endpoint.POST]
"/embeddings" = true
`)

	d := rs.Decide(http.MethodPost, "/embeddings")
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Filter)
}

func TestDecide_DeniedEndpointCarriesNoFilter(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = false

[model.POST."/chat/completions"]
allows = ["*"]
`)

	d := rs.Decide(http.MethodPost, "/chat/completions")
	assert.False(t, d.Allowed)
	assert.Nil(t, d.Filter)
}

func TestModelFilter_DisallowPrecedence(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = true

[model.POST."/chat/completions"]
allows = ["gpt-4"]
disallows = ["gpt-4"]
`)

	d := rs.Decide(http.MethodPost, "/chat/completions")
	require.NotNil(t, d.Filter)
	assert.False(t, d.Filter.Check("gpt-4"))
}

func TestModelFilter_Wildcards(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = true

[model.POST."/chat/completions"]
allows = ["gpt-4*"]
disallows = ["gpt-4-32k*"]
`)

	f := rs.Decide(http.MethodPost, "/chat/completions").Filter
	require.NotNil(t, f)
	assert.True(t, f.Check("gpt-4"))
	assert.True(t, f.Check("gpt-4-turbo"))
	assert.False(t, f.Check("gpt-4-32k"))
	assert.False(t, f.Check("gpt-4-32k-0613"))
	assert.False(t, f.Check("gpt-3.5-turbo"))
}

func TestModelFilter_AllowStarPermitsAnyNonEmpty(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = true

[model.POST."/completions"]
allows = ["*"]
`)

	f := rs.Decide(http.MethodPost, "/completions").Filter
	require.NotNil(t, f)
	assert.True(t, f.Check("gpt-4"))
	assert.True(t, f.Check("anything-at-all"))
	// allows=["*"] does not imply allow_omitted.
	assert.False(t, f.Check(""))
}

func TestModelFilter_AllowOmitted(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = true

[model.POST."/edits"]
allows = []
allow_omitted = true
`)

	f := rs.Decide(http.MethodPost, "/edits").Filter
	require.NotNil(t, f)
	assert.True(t, f.Check(""))
	// Empty allow list denies every explicit model.
	assert.False(t, f.Check("gpt-4"))
}

func TestModelFilter_WildcardsAreLiteralOutsideStar(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = true

[model.POST."/completions"]
allows = ["text-davinci-003"]
`)

	f := rs.Decide(http.MethodPost, "/completions").Filter
	require.NotNil(t, f)
	assert.True(t, f.Check("text-davinci-003"))
	// '.' and '-' must not behave as regex metacharacters.
	assert.False(t, f.Check("text-davinciX003"))
}

func TestDecide_Idempotent(t *testing.T) {
	rs := mustLoad(t, `
[global]
default_allow = false

[endpoint.POST]
"/chat/completions" = true

[model.POST."/chat/completions"]
allows = ["gpt-4"]
`)

	first := rs.Decide(http.MethodPost, "/chat/completions")
	second := rs.Decide(http.MethodPost, "/chat/completions")
	assert.Equal(t, first.Allowed, second.Allowed)
	assert.Equal(t, first.Template, second.Template)
	assert.Same(t, first.Filter, second.Filter)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		policy string
	}{
		{"bad toml", `global = "nope`},
		{"bad template", "[endpoint.GET]\n\"models\" = true"},
		{"path filter without model segment", "[model.POST.\"/embeddings\"]\npath = true\nallows = [\"*\"]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.policy))
			assert.Error(t, err)
		})
	}
}

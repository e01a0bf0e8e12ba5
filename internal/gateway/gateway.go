// Package gateway implements the request dispatch pipeline: authenticate
// the caller, authorize the endpoint and model against the access policy,
// lease an upstream credential, forward the request, and record the
// outcome.
package gateway

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai-hub/openai-hub/internal/acl"
	"github.com/openai-hub/openai-hub/internal/audit"
	"github.com/openai-hub/openai-hub/internal/auth"
	"github.com/openai-hub/openai-hub/internal/config"
	"github.com/openai-hub/openai-hub/internal/keypool"
	"github.com/openai-hub/openai-hub/internal/metrics"
)

// HeaderRayID carries the per-request correlation id back to the caller
// and into the audit trail.
const HeaderRayID = "X-Ray-Id"

// Gateway proxies caller requests to the upstream API.
type Gateway struct {
	cfg      *config.Config
	rules    *acl.RuleSet
	verifier *auth.Verifier // nil when caller auth is disabled
	pool     *keypool.Pool
	sink     *audit.Sink
	metrics  *metrics.Metrics
	client   *http.Client
	apiBase  *url.URL
}

func New(cfg *config.Config, rules *acl.RuleSet, pool *keypool.Pool, sink *audit.Sink, m *metrics.Metrics) (*Gateway, error) {
	apiBase, err := url.Parse(strings.TrimSuffix(cfg.Upstream.APIBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api_base: %w", err)
	}
	if apiBase.Scheme == "" || apiBase.Host == "" {
		return nil, fmt.Errorf("api_base %q must be an absolute URL", cfg.Upstream.APIBase)
	}

	g := &Gateway{
		cfg:     cfg,
		rules:   rules,
		pool:    pool,
		sink:    sink,
		metrics: m,
		apiBase: apiBase,
		client: &http.Client{
			// No client-level timeout: it would cut off long SSE
			// streams. The header wait is bounded instead.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.Upstream.Timeout.Std(),
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
	if cfg.JWTAuth != nil {
		g.verifier = auth.NewVerifier(*cfg.JWTAuth)
	}
	m.RegisterKeyPool(pool.HealthyCount, pool.InFlightTotal)
	return g, nil
}

// Handler builds the inbound mux: health, metrics, and the catch-all
// proxy covering the whole upstream API surface.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealth)
	if g.cfg.Metrics.Enabled {
		metricsHandler := g.metrics.Handler()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			if !isLoopback(r.RemoteAddr) {
				g.writeError(w, "not found", http.StatusNotFound)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		})
	}
	mux.HandleFunc("/", g.handleProxy)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := g.pool.HealthyCount()
	status := "ok"
	code := http.StatusOK
	if healthy == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       status,
		"healthy_keys": healthy,
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

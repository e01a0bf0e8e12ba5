package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/openai-hub/openai-hub/internal/audit"
	"github.com/openai-hub/openai-hub/internal/auth"
	"github.com/openai-hub/openai-hub/internal/config"
	"github.com/openai-hub/openai-hub/internal/keypool"
	"github.com/openai-hub/openai-hub/internal/tokencount"
	"github.com/openai-hub/openai-hub/internal/utils"
)

// hopHeaders are stripped in both directions, per RFC 9110 §7.6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// endpointUnmatched is the metrics label for paths that matched no
// registered template, keeping scanner traffic out of the label space.
const endpointUnmatched = "(unmatched)"

// requestState carries one request through the dispatch pipeline.
type requestState struct {
	rayID  string
	start  time.Time
	user   string
	method string
	model  string

	// endpoint is the audit attribution (template or raw path);
	// metricEndpoint is the bounded-cardinality metrics label.
	endpoint       string
	metricEndpoint string

	// buffered is the request body prefix held in memory. When complete
	// is true this is the whole body and a 429 retry is possible.
	buffered []byte
	complete bool
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	st := &requestState{
		rayID:  uuid.New().String(),
		start:  time.Now(),
		user:   auth.AnonymousSubject,
		method: r.Method,
	}
	w.Header().Set(HeaderRayID, st.rayID)

	path := normalizePath(r.URL.Path)
	decision := g.rules.Decide(r.Method, path)
	st.endpoint = decision.Template
	st.metricEndpoint = decision.Template
	if !decision.Matched {
		st.metricEndpoint = endpointUnmatched
	}

	// Authenticate. Failures are answered with one generic message and
	// produce no audit record.
	if g.verifier != nil {
		claims, err := g.verifier.VerifyHeader(r.Header.Get("Authorization"))
		if err != nil {
			log.Warn().
				Str("ray_id", st.rayID).
				Str("path", path).
				Msg("caller authentication failed")
			g.metrics.Requests.WithLabelValues(st.method, st.metricEndpoint, "unauthenticated").Inc()
			g.writeError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		st.user = claims.Subject
	}

	// Buffer the body up to the retry cap; larger bodies are forwarded
	// once with the prefix replayed ahead of the remainder.
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	buffered, err := io.ReadAll(io.LimitReader(r.Body, config.MaxRetryBodySize+1))
	if err != nil {
		g.writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	st.complete = len(buffered) <= config.MaxRetryBodySize
	st.buffered = buffered

	// Authorize. A fully buffered body is validated and scanned whole;
	// an oversized body only gets a bounded prefix scan, so a model past
	// the cap counts as omitted.
	doc := st.buffered
	if !st.complete && len(doc) > config.ModelPeekLimit {
		doc = doc[:config.ModelPeekLimit]
	}

	if decision.Filter != nil && decision.Filter.FromPath {
		st.model = decision.PathModel
	} else {
		if decision.Filter != nil && st.complete && len(doc) > 0 && !gjson.ValidBytes(doc) {
			// Malformed syntax is rejected before the authorization
			// decision and leaves no audit trail.
			g.metrics.Requests.WithLabelValues(st.method, st.metricEndpoint, "malformed").Inc()
			g.writeError(w, "request body is not valid JSON", http.StatusBadRequest)
			return
		}
		st.model = gjson.GetBytes(doc, "model").String()
		if st.model == "" {
			st.model = decision.PathModel
		}
	}

	if !decision.Allowed || (decision.Filter != nil && !decision.Filter.Check(st.model)) {
		g.finish(w, st, audit.Record{Outcome: audit.OutcomeDenied},
			"access denied by policy", http.StatusForbidden)
		return
	}

	streaming := gjson.GetBytes(doc, "stream").Bool()
	if streaming && g.cfg.Audit.StreamTokens == config.StreamTokensReject &&
		tokencount.EstimatableEndpoint(decision.Template) {
		g.finish(w, st, audit.Record{Outcome: audit.OutcomeDenied},
			"streaming requests are not permitted", http.StatusForbidden)
		return
	}

	g.dispatch(w, r, st, path)
}

// dispatch acquires a credential, forwards the request, and relays the
// response. An upstream 429 penalizes the credential and is retried at
// most once on a different one, provided the whole body is in memory.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, st *requestState, path string) {
	var body io.Reader = bytes.NewReader(st.buffered)
	if !st.complete {
		body = io.MultiReader(bytes.NewReader(st.buffered), r.Body)
	}

	retried := false
	for {
		lease, err := g.pool.Acquire()
		if err != nil {
			g.finish(w, st, audit.Record{Outcome: audit.OutcomeUnavailable},
				"no upstream credential available", http.StatusServiceUnavailable)
			return
		}
		log.Debug().
			Str("ray_id", st.rayID).
			Str("key", lease.ID()).
			Str("endpoint", st.endpoint).
			Bool("retry", retried).
			Msg("dispatching upstream")

		resp, err := g.forward(r.Context(), r, path, lease, body)
		if err != nil {
			g.forwardError(w, r, st, lease, err)
			return
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			g.pool.Report(lease.ID(), keypool.OutcomeRateLimited, retryAfter)
			if !retried && st.complete {
				resp.Body.Close()
				retried = true
				g.metrics.UpstreamRetries.Inc()
				body = bytes.NewReader(st.buffered)
				continue
			}
			// Second rate limit or unrepeatable body: relay it.
			g.relay(w, r, st, resp, lease, true)
			return
		}

		g.relay(w, r, st, resp, lease, false)
		return
	}
}

// forward re-issues the inbound request against the upstream base URL with
// the leased credential substituted for the caller's.
func (g *Gateway) forward(ctx context.Context, r *http.Request, path string, lease *keypool.Lease, body io.Reader) (*http.Response, error) {
	u := *g.apiBase
	u.Path = g.apiBase.Path + path
	u.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vv := range r.Header {
		if k == "Authorization" || isHopHeader(k) {
			continue
		}
		req.Header[k] = vv
	}
	req.Header.Set("Authorization", "Bearer "+lease.Secret())
	if org := g.cfg.Upstream.Organization; org != "" {
		req.Header.Set("OpenAI-Organization", org)
	}
	if br, ok := body.(*bytes.Reader); ok {
		req.ContentLength = int64(br.Len())
	}
	return g.client.Do(req)
}

// forwardError maps a transport failure to a caller response and reports
// the credential outcome.
func (g *Gateway) forwardError(w http.ResponseWriter, r *http.Request, st *requestState, lease *keypool.Lease, err error) {
	var nerr net.Error
	switch {
	case r.Context().Err() != nil || errors.Is(err, context.Canceled):
		g.pool.Report(lease.ID(), keypool.OutcomeCanceled, 0)
		log.Debug().Str("ray_id", st.rayID).Msg("caller disconnected before upstream response")
		// The caller is gone; record the cancellation and stop.
		g.emit(st, audit.Record{Outcome: audit.OutcomeCanceled, KeyID: lease.ID()})
	case errors.As(err, &nerr) && nerr.Timeout():
		g.pool.Report(lease.ID(), keypool.OutcomeTransient, 0)
		g.finish(w, st, audit.Record{Outcome: audit.OutcomeError, KeyID: lease.ID()},
			"upstream request timed out", http.StatusGatewayTimeout)
	default:
		g.pool.Report(lease.ID(), keypool.OutcomeTransient, 0)
		log.Error().Err(err).
			Str("ray_id", st.rayID).
			Str("key", utils.MaskKey(lease.Secret())).
			Msg("upstream request failed")
		g.finish(w, st, audit.Record{Outcome: audit.OutcomeError, KeyID: lease.ID()},
			"upstream request failed", http.StatusBadGateway)
	}
}

// relay copies the upstream response to the caller, derives token usage,
// reports the credential outcome, and emits the audit record, in that
// order.
func (g *Gateway) relay(w http.ResponseWriter, r *http.Request, st *requestState, resp *http.Response, lease *keypool.Lease, rateLimited bool) {
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		w.Header()[k] = vv
	}
	w.WriteHeader(resp.StatusCode)

	var usage tokencount.Usage
	var haveUsage bool
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		usage, haveUsage = g.streamResponse(w, resp.Body, st)
	} else {
		usage, haveUsage = g.copyResponse(w, resp, st)
	}
	clientGone := r.Context().Err() != nil

	switch {
	case rateLimited:
		// Already reported in the dispatch loop.
	case resp.StatusCode == http.StatusUnauthorized:
		// The pooled key itself was rejected; take it out of rotation.
		log.Error().
			Str("key", lease.ID()).
			Msg("upstream rejected pooled credential, disabling")
		g.pool.Report(lease.ID(), keypool.OutcomeAuthRejected, 0)
	case clientGone:
		g.pool.Report(lease.ID(), keypool.OutcomeCanceled, 0)
		log.Debug().Str("ray_id", st.rayID).Msg("caller disconnected during response relay")
	default:
		g.pool.Report(lease.ID(), keypool.OutcomeSuccess, 0)
	}

	rec := audit.Record{
		KeyID:          lease.ID(),
		UpstreamStatus: resp.StatusCode,
		Outcome:        audit.OutcomeSuccess,
	}
	switch {
	case clientGone:
		rec.Outcome = audit.OutcomeCanceled
	case resp.StatusCode >= 400:
		rec.Outcome = audit.OutcomeError
	}
	if haveUsage {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
		rec.TokensEstimated = usage.Estimated
		if st.model != "" {
			g.metrics.TokensTotal.WithLabelValues(st.model, "prompt").Add(float64(usage.PromptTokens))
			g.metrics.TokensTotal.WithLabelValues(st.model, "completion").Add(float64(usage.CompletionTokens))
		}
	}
	g.emit(st, rec)
}

// streamResponse relays an SSE body chunk by chunk, flushing after each
// write, while feeding the usage estimator when the audit policy asks for
// token accounting.
func (g *Gateway) streamResponse(w http.ResponseWriter, body io.Reader, st *requestState) (tokencount.Usage, bool) {
	flusher, _ := w.(http.Flusher)

	var estimator *tokencount.StreamEstimator
	if g.cfg.Audit.StreamTokens == config.StreamTokensEstimate &&
		tokencount.EstimatableEndpoint(st.endpoint) {
		estimator = tokencount.NewStreamEstimator()
	}

	buf := make([]byte, config.DefaultBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if estimator != nil {
				estimator.Feed(chunk)
			}
			if _, writeErr := w.Write(chunk); writeErr != nil {
				log.Debug().Str("ray_id", st.rayID).Msg("caller disconnected mid-stream")
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Str("ray_id", st.rayID).Msg("upstream stream ended with error")
			}
			break
		}
	}

	if estimator == nil {
		return tokencount.Usage{}, false
	}
	return estimator.Finish(st.model, st.buffered), true
}

// copyResponse relays a buffered response. JSON bodies small enough to
// hold in memory are captured for usage extraction; everything else is
// copied straight through.
func (g *Gateway) copyResponse(w http.ResponseWriter, resp *http.Response, st *requestState) (tokencount.Usage, bool) {
	isJSON := strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json")
	if !isJSON || resp.ContentLength > config.MaxRetryBodySize {
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Debug().Err(err).Str("ray_id", st.rayID).Msg("response copy interrupted")
		}
		return tokencount.Usage{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxRetryBodySize))
	if err != nil {
		log.Debug().Err(err).Str("ray_id", st.rayID).Msg("response read interrupted")
	}
	if resp.StatusCode >= 400 {
		log.Warn().
			Str("ray_id", st.rayID).
			Int("status", resp.StatusCode).
			Str("body", utils.TruncateString(string(body), config.MaxErrorBodyLogLen)).
			Msg("upstream returned error")
	}
	if _, err := w.Write(body); err != nil {
		log.Debug().Str("ray_id", st.rayID).Msg("caller disconnected before response write")
	}
	// Relay any remainder past the capture cap.
	_, _ = io.Copy(w, resp.Body)

	return tokencount.FromResponseBody(body)
}

// finish writes the caller-facing error and emits the audit record.
func (g *Gateway) finish(w http.ResponseWriter, st *requestState, rec audit.Record, msg string, status int) {
	g.writeError(w, msg, status)
	g.emit(st, rec)
}

// emit fills the record's request-scoped fields, updates metrics, and
// enqueues it. Called exactly once per audited request.
func (g *Gateway) emit(st *requestState, rec audit.Record) {
	rec.Timestamp = st.start.UTC()
	rec.RayID = st.rayID
	rec.User = st.user
	rec.Method = st.method
	rec.Endpoint = st.endpoint
	rec.Model = st.model
	rec.LatencyMS = time.Since(st.start).Milliseconds()
	if g.cfg.Audit.LogRequestBody && st.complete && len(st.buffered) > 0 {
		rec.RequestBody = audit.RedactBody(st.buffered, g.cfg.Audit.RedactFields)
	}

	g.metrics.Requests.WithLabelValues(st.method, st.metricEndpoint, string(rec.Outcome)).Inc()
	g.metrics.RequestDuration.WithLabelValues(st.method, st.metricEndpoint).
		Observe(time.Since(st.start).Seconds())
	if err := g.sink.Enqueue(rec); err != nil {
		log.Warn().Err(err).Str("ray_id", st.rayID).Msg("audit enqueue failed")
	}
}

// normalizePath trims a client SDK's /v1 prefix so paths match the
// registered endpoint templates; the upstream base URL carries its own
// version prefix.
func normalizePath(path string) string {
	if path == "/v1" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, "/v1/"); ok {
		return "/" + rest
	}
	return path
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(name) == h {
			return true
		}
	}
	return false
}

// parseRetryAfter reads a Retry-After header as either delay seconds or an
// HTTP date. Zero means no usable hint.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

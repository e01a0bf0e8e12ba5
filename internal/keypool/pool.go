// Package keypool manages the shared pool of upstream API credentials.
//
// DESIGN: the pool owns all credential state. Callers acquire a lease,
// forward one request with it, and report the outcome exactly once. Health
// transitions (rate-limit cooldowns, permanent disables) happen inside
// Report; Acquire lazily revives cooled-down credentials. All mutation is a
// short critical section under one mutex, never held across network I/O.
package keypool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openai-hub/openai-hub/internal/utils"
)

// ErrPoolExhausted is returned by Acquire when no credential is healthy.
// Callers answer 503 rather than waiting for a credential to free up.
var ErrPoolExhausted = errors.New("keypool: no healthy credential available")

// State is a credential's health state.
type State int

const (
	StateHealthy State = iota
	StateRateLimited
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateRateLimited:
		return "rate_limited"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Outcome classifies one completed forwarded request for Report.
type Outcome int

const (
	// OutcomeSuccess covers any upstream response that did not indicate a
	// problem with the credential itself, error statuses included.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited marks the credential cooling-down until its
	// backoff elapses.
	OutcomeRateLimited
	// OutcomeAuthRejected disables the credential permanently; the
	// upstream no longer accepts it.
	OutcomeAuthRejected
	// OutcomeTransient covers network failures and timeouts. The
	// credential stays healthy.
	OutcomeTransient
	// OutcomeCanceled frees the in-flight slot after a caller disconnect.
	OutcomeCanceled
)

type credential struct {
	id       string
	secret   string
	state    State
	cooldown time.Time
	inFlight int
	lastUsed time.Time
	requests uint64
	failures uint64
}

// Lease grants use of one credential for a single upstream request.
type Lease struct {
	id     string
	secret string
}

// ID returns the credential identifier, safe for logs and audit records.
func (l *Lease) ID() string { return l.id }

// Secret returns the credential value for the outbound Authorization header.
func (l *Lease) Secret() string { return l.secret }

// Pool holds the process-wide credential set.
type Pool struct {
	mu              sync.Mutex
	creds           []*credential
	defaultCooldown time.Duration
	now             func() time.Time
}

// New builds a pool from the configured secrets. Identifiers are positional
// ("key-01", ...) so audit records never carry the secret itself.
func New(secrets []string, defaultCooldown time.Duration) *Pool {
	creds := make([]*credential, 0, len(secrets))
	for i, s := range secrets {
		creds = append(creds, &credential{
			id:     fmt.Sprintf("key-%02d", i+1),
			secret: s,
		})
	}
	return &Pool{
		creds:           creds,
		defaultCooldown: defaultCooldown,
		now:             time.Now,
	}
}

// Acquire selects the healthy credential with the fewest in-flight requests
// (ties broken by least recent use) and increments its in-flight count.
// Returns ErrPoolExhausted when no credential is usable.
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *credential
	for _, c := range p.creds {
		if c.state == StateRateLimited && !now.Before(c.cooldown) {
			c.state = StateHealthy
			log.Debug().Str("key_id", c.id).Msg("keypool: cooldown elapsed, credential healthy again")
		}
		if c.state != StateHealthy {
			continue
		}
		if best == nil ||
			c.inFlight < best.inFlight ||
			(c.inFlight == best.inFlight && c.lastUsed.Before(best.lastUsed)) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrPoolExhausted
	}

	best.inFlight++
	best.lastUsed = now
	return &Lease{id: best.id, secret: best.secret}, nil
}

// Report records the outcome of one forwarded request. Must be called
// exactly once per successful Acquire. retryAfter applies only to
// OutcomeRateLimited; zero falls back to the pool default cooldown.
func (p *Pool) Report(id string, outcome Outcome, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.lookup(id)
	if c == nil {
		log.Warn().Str("key_id", id).Msg("keypool: report for unknown credential")
		return
	}
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.requests++

	switch outcome {
	case OutcomeSuccess:
	case OutcomeRateLimited:
		c.failures++
		if retryAfter <= 0 {
			retryAfter = p.defaultCooldown
		}
		c.state = StateRateLimited
		c.cooldown = p.now().Add(retryAfter)
		log.Warn().
			Str("key_id", c.id).
			Dur("cooldown", retryAfter).
			Msg("keypool: credential rate limited")
	case OutcomeAuthRejected:
		c.failures++
		c.state = StateDisabled
		log.Error().
			Str("key_id", c.id).
			Str("key", utils.MaskKey(c.secret)).
			Msg("keypool: credential rejected by upstream, disabled")
	case OutcomeTransient, OutcomeCanceled:
		c.failures++
	}
}

func (p *Pool) lookup(id string) *credential {
	for _, c := range p.creds {
		if c.id == id {
			return c
		}
	}
	return nil
}

// CredentialStatus is a point-in-time view of one credential.
type CredentialStatus struct {
	ID       string
	State    State
	InFlight int
	Requests uint64
	Failures uint64
}

// Snapshot returns the current state of every credential, for metrics and
// the health endpoint.
func (p *Pool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]CredentialStatus, 0, len(p.creds))
	for _, c := range p.creds {
		state := c.state
		if state == StateRateLimited && !now.Before(c.cooldown) {
			state = StateHealthy
		}
		out = append(out, CredentialStatus{
			ID:       c.id,
			State:    state,
			InFlight: c.inFlight,
			Requests: c.requests,
			Failures: c.failures,
		})
	}
	return out
}

// HealthyCount reports how many credentials are currently usable.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, s := range p.Snapshot() {
		if s.State == StateHealthy {
			n++
		}
	}
	return n
}

// InFlightTotal reports the number of requests currently holding a lease.
func (p *Pool) InFlightTotal() int {
	n := 0
	for _, s := range p.Snapshot() {
		n += s.InFlight
	}
	return n
}

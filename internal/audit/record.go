// Package audit implements the asynchronous audit pipeline: a bounded
// queue feeding a single writer goroutine that batches records into a
// pluggable backend (JSONL file or SQLite).
package audit

import (
	"context"
	"time"
)

// Outcome classifies how a request concluded.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeDenied      Outcome = "denied"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeError       Outcome = "error"
)

// Record is one audit entry describing a single proxied request.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	RayID            string    `json:"ray_id"`
	User             string    `json:"user"`
	Method           string    `json:"method"`
	Endpoint         string    `json:"endpoint"`
	Model            string    `json:"model,omitempty"`
	KeyID            string    `json:"key_id,omitempty"`
	UpstreamStatus   int       `json:"upstream_status,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	TotalTokens      int       `json:"total_tokens,omitempty"`
	TokensEstimated  bool      `json:"tokens_estimated,omitempty"`
	LatencyMS        int64     `json:"latency_ms"`
	RequestBody      string    `json:"request_body,omitempty"`
}

// Backend persists batches of records. Implementations are called from a
// single goroutine and do not need to be safe for concurrent use.
type Backend interface {
	WriteBatch(ctx context.Context, records []Record) error
	Close() error
}

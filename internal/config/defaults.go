// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultBind is the default listen address for the gateway.
const DefaultBind = "127.0.0.1:8080"

// DefaultAPIBase is the upstream API base URL.
const DefaultAPIBase = "https://api.openai.com/v1"

// DefaultUpstreamTimeout bounds one upstream round trip, streaming included.
const DefaultUpstreamTimeout = 10 * time.Minute

// DefaultServerReadTimeout for the inbound HTTP server.
const DefaultServerReadTimeout = 1 * time.Minute

// DefaultServerWriteTimeout for the inbound HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultBufferSize is the standard I/O buffer size for stream copies.
const DefaultBufferSize = 4096

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// ModelPeekLimit bounds the prefix scanned for the model field when a
// request body is too large to buffer whole.
const ModelPeekLimit = 256 * 1024

// MaxRetryBodySize bounds the request-body copy kept for the single
// different-credential retry after an upstream 429. Bodies larger than this
// are forwarded once and never retried.
const MaxRetryBodySize = 4 * 1024 * 1024

// MaxErrorBodyLogLen limits upstream error bodies in logs.
const MaxErrorBodyLogLen = 500

// =============================================================================
// KEY POOL
// =============================================================================

// DefaultKeyCooldown is applied to a rate-limited credential when the
// upstream response carries no usable Retry-After hint.
const DefaultKeyCooldown = 30 * time.Second

// =============================================================================
// AUDIT
// =============================================================================

// DefaultAuditQueueSize is the bounded audit queue capacity.
const DefaultAuditQueueSize = 1024

// DefaultAuditBatchSize is how many records one backend write may carry.
const DefaultAuditBatchSize = 64

// DefaultAuditFlushInterval flushes partial batches on this cadence.
const DefaultAuditFlushInterval = 2 * time.Second

// DefaultAuditEnqueueTimeout bounds the wait in "block" overflow mode.
const DefaultAuditEnqueueTimeout = 50 * time.Millisecond

// DefaultAuditWriteRetries caps backend write retry attempts per batch.
const DefaultAuditWriteRetries = 3

// DefaultAuditFile is the file backend path.
const DefaultAuditFile = "audit.log"

// MaxAuditBodyLen caps a captured request body inside one audit record.
const MaxAuditBodyLen = 16 * 1024

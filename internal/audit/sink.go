package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/openai-hub/openai-hub/internal/config"
)

// ErrSinkClosed is returned by Enqueue after Close has started.
var ErrSinkClosed = errors.New("audit: sink closed")

// Sink decouples request handling from audit persistence. Enqueue never
// blocks the caller beyond the configured bound: under the drop policy a
// full queue loses the record immediately, under the block policy the
// caller waits up to enqueue_timeout first.
type Sink struct {
	cfg     config.AuditConfig
	backend Backend
	queue   chan Record
	onDrop  func()

	// mu orders in-flight Enqueue sends ahead of Close's channel close:
	// producers send under the read lock, Close closes under the write
	// lock, so a send can never hit a closed queue.
	mu     sync.RWMutex
	closed bool

	workerDone chan struct{}
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithDropHook registers a callback invoked once per dropped record.
func WithDropHook(fn func()) SinkOption {
	return func(s *Sink) { s.onDrop = fn }
}

// NewSink starts the writer goroutine and returns the sink.
func NewSink(cfg config.AuditConfig, backend Backend, opts ...SinkOption) *Sink {
	s := &Sink{
		cfg:        cfg,
		backend:    backend,
		queue:      make(chan Record, cfg.QueueSize),
		onDrop:     func() {},
		workerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Enqueue submits a record for persistence. It returns ErrSinkClosed after
// shutdown and nil otherwise, even when the record was dropped; drops are
// counted through the drop hook instead.
func (s *Sink) Enqueue(rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	if s.cfg.OverflowPolicy == config.OverflowBlock {
		timer := time.NewTimer(s.cfg.EnqueueTimeout.Std())
		defer timer.Stop()
		select {
		case s.queue <- rec:
			return nil
		case <-timer.C:
		}
	} else {
		select {
		case s.queue <- rec:
			return nil
		default:
		}
	}

	s.onDrop()
	log.Warn().
		Str("ray_id", rec.RayID).
		Str("endpoint", rec.Endpoint).
		Msg("audit queue full, record dropped")
	return nil
}

// Close stops accepting records, drains the queue, and closes the backend.
// The context bounds the drain; records still queued when it expires are
// lost.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.workerDone:
	case <-ctx.Done():
		log.Warn().Msg("audit drain interrupted, records lost")
	}
	return s.backend.Close()
}

func (s *Sink) run() {
	defer close(s.workerDone)

	ticker := time.NewTicker(s.cfg.FlushInterval.Std())
	defer ticker.Stop()

	batch := make([]Record, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// writeBatch retries transient backend failures with exponential backoff.
// A batch that still fails after the configured attempts is logged and
// dropped so the queue keeps moving.
func (s *Sink) writeBatch(batch []Record) {
	ctx := context.Background()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.backend.WriteBatch(ctx, batch)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.cfg.WriteRetries)),
	)
	if err != nil {
		for range batch {
			s.onDrop()
		}
		log.Error().Err(err).Int("records", len(batch)).
			Msg("audit batch write failed, records lost")
	}
}

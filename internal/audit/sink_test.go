package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openai-hub/openai-hub/internal/config"
)

type captureBackend struct {
	mu      sync.Mutex
	batches [][]Record
	fail    int // WriteBatch errors this many times before succeeding
	closed  bool
}

func (b *captureBackend) WriteBatch(_ context.Context, records []Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail > 0 {
		b.fail--
		return errors.New("backend down")
	}
	batch := make([]Record, len(records))
	copy(batch, records)
	b.batches = append(b.batches, batch)
	return nil
}

func (b *captureBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *captureBackend) records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []Record
	for _, batch := range b.batches {
		all = append(all, batch...)
	}
	return all
}

func sinkConfig() config.AuditConfig {
	return config.AuditConfig{
		QueueSize:      8,
		OverflowPolicy: config.OverflowDrop,
		EnqueueTimeout: config.Duration(20 * time.Millisecond),
		BatchSize:      4,
		FlushInterval:  config.Duration(25 * time.Millisecond),
		WriteRetries:   3,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSinkFlushesFullBatch(t *testing.T) {
	backend := &captureBackend{}
	sink := NewSink(sinkConfig(), backend)
	defer sink.Close(context.Background())

	for i := 0; i < 4; i++ {
		require.NoError(t, sink.Enqueue(Record{RayID: "r", Outcome: OutcomeSuccess}))
	}
	waitFor(t, func() bool { return len(backend.records()) == 4 })
}

func TestSinkFlushesOnInterval(t *testing.T) {
	backend := &captureBackend{}
	sink := NewSink(sinkConfig(), backend)
	defer sink.Close(context.Background())

	require.NoError(t, sink.Enqueue(Record{RayID: "solo", Outcome: OutcomeDenied}))
	waitFor(t, func() bool { return len(backend.records()) == 1 })
	assert.Equal(t, "solo", backend.records()[0].RayID)
}

func TestSinkCloseDrains(t *testing.T) {
	backend := &captureBackend{}
	sink := NewSink(sinkConfig(), backend)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Enqueue(Record{RayID: "drain"}))
	}
	require.NoError(t, sink.Close(context.Background()))

	assert.Len(t, backend.records(), 3)
	assert.True(t, backend.closed)
	assert.ErrorIs(t, sink.Enqueue(Record{}), ErrSinkClosed)
	// A second Close is a no-op.
	assert.NoError(t, sink.Close(context.Background()))
}

func TestSinkDropPolicy(t *testing.T) {
	cfg := sinkConfig()
	cfg.QueueSize = 1
	var dropped int64
	var mu sync.Mutex

	backend := &captureBackend{}
	sink := NewSink(cfg, backend, WithDropHook(func() {
		mu.Lock()
		dropped++
		mu.Unlock()
	}))

	// Flood faster than the worker can drain; at least one record must
	// survive and no Enqueue call may error.
	for i := 0; i < 50; i++ {
		require.NoError(t, sink.Enqueue(Record{RayID: "flood"}))
	}
	require.NoError(t, sink.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, len(backend.records())+int(dropped))
	assert.NotEmpty(t, backend.records())
}

func TestSinkEnqueueConcurrentWithClose(t *testing.T) {
	// Producers racing Close must either land their record or get
	// ErrSinkClosed; the process must never panic on a closed queue.
	for i := 0; i < 200; i++ {
		backend := &captureBackend{}
		sink := NewSink(sinkConfig(), backend)

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					if err := sink.Enqueue(Record{RayID: "race"}); err != nil {
						assert.ErrorIs(t, err, ErrSinkClosed)
						return
					}
				}
			}()
		}
		require.NoError(t, sink.Close(context.Background()))
		wg.Wait()
	}
}

func TestSinkRetriesTransientFailure(t *testing.T) {
	backend := &captureBackend{fail: 1}
	sink := NewSink(sinkConfig(), backend)
	defer sink.Close(context.Background())

	require.NoError(t, sink.Enqueue(Record{RayID: "retry"}))
	waitFor(t, func() bool { return len(backend.records()) == 1 })
}

func TestFileBackendWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	backend, err := NewFileBackend(path)
	require.NoError(t, err)

	now := time.Now().UTC()
	err = backend.WriteBatch(context.Background(), []Record{
		{Timestamp: now, RayID: "a", Outcome: OutcomeSuccess, TotalTokens: 10},
		{Timestamp: now, RayID: "b", Outcome: OutcomeDenied},
	})
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(data)
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "a", rec.RayID)
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 10, rec.TotalTokens)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	return lines
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	backend, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer backend.Close()

	err = backend.WriteBatch(context.Background(), []Record{
		{
			Timestamp:      time.Now(),
			RayID:          "sqlite-1",
			User:           "alice",
			Method:         "POST",
			Endpoint:       "/chat/completions",
			Model:          "gpt-4o",
			KeyID:          "key-01",
			UpstreamStatus: 200,
			Outcome:        OutcomeSuccess,
			TotalTokens:    42,
			LatencyMS:      120,
		},
	})
	require.NoError(t, err)

	var count int
	var rayID, outcome string
	row := backend.db.QueryRow(`SELECT COUNT(*) FROM audit_log`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	row = backend.db.QueryRow(`SELECT ray_id, outcome FROM audit_log LIMIT 1`)
	require.NoError(t, row.Scan(&rayID, &outcome))
	assert.Equal(t, "sqlite-1", rayID)
	assert.Equal(t, "success", outcome)
}

func TestRedactBody(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"secret"}],"api_key":"sk-x"}`)

	got := RedactBody(body, []string{"messages", "api_key"})
	assert.JSONEq(t, `{"model":"gpt-4o"}`, got)
}

func TestRedactBodyTruncates(t *testing.T) {
	big := make([]byte, config.MaxAuditBodyLen+100)
	for i := range big {
		big[i] = 'x'
	}
	got := RedactBody(big, nil)
	assert.Len(t, got, config.MaxAuditBodyLen)
}

func TestRedactBodyNonJSON(t *testing.T) {
	got := RedactBody([]byte("plain text body"), []string{"messages"})
	assert.Equal(t, "plain text body", got)
}

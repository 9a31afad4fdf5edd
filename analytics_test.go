package analytics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/testutil"
)

// testConfig is a fully-local pipeline config: temp data directory, no
// enrichment lookups, no hashing, deterministic sampling.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Enabled: true,
		Dir:     t.TempDir(),
		Backpressure: config.BackpressureConfig{
			High:     20_000,
			Critical: 50_000,
			Sampling: config.SamplingRates{High: 1.0, Critical: 1.0},
		},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{
		WithConfig(*cfg),
		WithLogger(testutil.TestLogger()),
		WithVersion("1.2.3"),
	}, opts...)
	p := New(opts...)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestEmitDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enabled = false
	p := newTestPipeline(t, cfg)

	res := p.Emit(Event{Type: "cli.command"})
	assert.False(t, res.Queued)
	assert.Equal(t, "Analytics disabled", res.Reason)
}

func TestEmitFillsDefaults(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	res := p.Emit(Event{Type: "cli.command"})
	require.True(t, res.Queued, "reason: %s", res.Reason)

	segments, err := p.Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, segments, 1)

	events, err := p.ReadSegment(context.Background(), segments[0])
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "kb.v1", e.Schema)
	assert.Equal(t, "cli.command", e.Type)
	assert.False(t, e.TS.IsZero())
	assert.False(t, e.IngestTS.IsZero())
	assert.Equal(t, "kb", e.Source.Product)
	assert.Equal(t, "1.2.3", e.Source.Version)
	assert.Contains(t, e.RunID, "run_")
}

func TestEmitValidationFailure(t *testing.T) {
	t.Setenv("KB_CLI_VERSION", "")
	cfg := testConfig(t)
	// No WithVersion: source.version has no fallback and must fail the
	// strict checks.
	p := New(WithConfig(*cfg), WithLogger(testutil.TestLogger()))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	res := p.Emit(Event{Type: "t"})
	assert.False(t, res.Queued)
	assert.Contains(t, res.Reason, "Validation failed:")
	assert.Contains(t, res.Reason, "source.version")

	segments, err := p.Segments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, segments, "refused events must not touch the buffer")
}

func TestEmitHappyPathFSSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sinks = []config.SinkConfig{{
		Type:       config.SinkFS,
		Path:       "out",
		Prefix:     "events",
		RotateSize: 10 << 20,
	}}
	p := newTestPipeline(t, cfg)

	first := p.Emit(Event{Type: "cli.command", Payload: map[string]any{"n": 1}})
	second := p.Emit(Event{Type: "cli.command", Payload: map[string]any{"n": 2}})
	require.True(t, first.Queued, "reason: %s", first.Reason)
	require.True(t, second.Queued, "reason: %s", second.Reason)

	require.NoError(t, p.Flush(context.Background()))

	files, err := filepath.Glob(filepath.Join(cfg.Dir, "out", "events-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	lines := readLines(t, files[0])
	require.Len(t, lines, 2)
	for i, line := range lines {
		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &got))
		payload, ok := got["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(i+1), payload["n"], "emission order preserved")
	}
}

func TestEmitRedactsSecretsWithPartialConfig(t *testing.T) {
	// A minimal WithConfig must still carry the default redaction keys.
	p := New(
		WithConfig(config.Config{Enabled: true, Dir: t.TempDir()}),
		WithLogger(testutil.TestLogger()),
		WithVersion("1.2.3"),
	)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	res := p.Emit(Event{
		Type:    "cli.command",
		Payload: map[string]any{"password": "hunter2", "count": 2},
	})
	require.True(t, res.Queued, "reason: %s", res.Reason)

	segments, err := p.Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, segments, 1)
	events, err := p.ReadSegment(context.Background(), segments[0])
	require.NoError(t, err)
	require.Len(t, events, 1)

	payload, ok := events[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "****", payload["password"], "secret must not reach the buffer")
	assert.Equal(t, float64(2), payload["count"])
}

func TestEmitDuplicateSuppression(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	const id = "01234567-89ab-cdef-0123-456789abcdef"
	first := p.Emit(Event{ID: id, Type: "cli.command"})
	second := p.Emit(Event{ID: id, Type: "cli.command"})

	require.True(t, first.Queued, "reason: %s", first.Reason)
	assert.False(t, second.Queued)
	assert.Equal(t, "Duplicate event", second.Reason)

	segments, err := p.Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, segments, 1)
	events, err := p.ReadSegment(context.Background(), segments[0])
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEmitBackpressureCriticalDrop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backpressure.High = 2
	cfg.Backpressure.Critical = 5
	cfg.Backpressure.Sampling = config.SamplingRates{High: 1.0, Critical: 1.0}
	p := newTestPipeline(t, cfg)

	for i := 0; i < 5; i++ {
		res := p.Emit(Event{Type: fmt.Sprintf("t.%d", i)})
		require.True(t, res.Queued, "event %d refused: %s", i, res.Reason)
	}

	// The sixth emit observes depth 5 and critical pauses intake.
	res := p.Emit(Event{Type: "t.5"})
	assert.False(t, res.Queued)
	assert.Contains(t, res.Reason, "Backpressure critical")

	res = p.Emit(Event{Type: "t.6"})
	assert.False(t, res.Queued)
	assert.Contains(t, res.Reason, "Backpressure critical")
}

func TestEmitSamplingDrop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Middleware.Sampling = config.SamplingConfig{
		Default: 1.0,
		ByEvent: map[string]float64{"noise.tick": 0},
	}
	p := newTestPipeline(t, cfg)

	kept := p.Emit(Event{Type: "cli.command"})
	dropped := p.Emit(Event{Type: "noise.tick"})

	require.True(t, kept.Queued, "reason: %s", kept.Reason)
	assert.False(t, dropped.Queued)
	assert.Equal(t, "Dropped by sampling", dropped.Reason)

	snap, err := p.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.SamplingDrops)
}

func TestDLQRoundTripAndReplay(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	var delivered atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Sinks = []config.SinkConfig{{
		Type:  config.SinkHTTP,
		ID:    "collector",
		URL:   srv.URL,
		Retry: &config.RetryConfig{InitialMs: 1, MaxMs: 2, Factor: 2},
		// High threshold keeps the breaker closed through the failures so
		// the replay below is not rejected.
		Breaker: &config.BreakerConfig{Failures: 100, WindowMs: 1000, HalfOpenEveryMs: 100},
	}}
	p := newTestPipeline(t, cfg)

	res := p.Emit(Event{Type: "roadmap.sync", RunID: "run_replay"})
	require.True(t, res.Queued, "reason: %s", res.Reason)
	require.Error(t, p.Flush(context.Background()), "failing sink should surface on flush")

	ctx := context.Background()
	files, err := p.DLQFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)

	entries, err := p.ReadDLQ(ctx, files[0], &DLQFilter{EventType: "roadmap.sync"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run_replay", entries[0].Event.RunID)
	assert.Contains(t, entries[0].Error, "sink_write_failed")

	none, err := p.ReadDLQ(ctx, files[0], &DLQFilter{EventType: "other.type"})
	require.NoError(t, err)
	assert.Empty(t, none)

	stats, err := p.DLQStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, DLQStats{TotalFiles: 1, TotalEntries: 1}, stats)

	failing.Store(false)
	replayed, err := p.ReplayDLQ(ctx, files[0], nil)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, int64(1), delivered.Load())

	// Replay keeps the file until the caller removes it.
	require.NoError(t, p.RemoveDLQFile(ctx, files[0]))
	files, err = p.DLQFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMetricsSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sinks = []config.SinkConfig{{Type: config.SinkFS, Path: "out"}}
	p := newTestPipeline(t, cfg)

	for i := 0; i < 3; i++ {
		res := p.Emit(Event{Type: "cli.command"})
		require.True(t, res.Queued, "reason: %s", res.Reason)
	}
	require.NoError(t, p.Flush(context.Background()))

	snap, err := p.Metrics(context.Background())
	require.NoError(t, err)
	assert.Greater(t, snap.EventsPerSecond, 0.0)
	assert.Zero(t, snap.ErrorRate)
	require.Contains(t, snap.Sinks, "fs")
	assert.Equal(t, int64(1), snap.Sinks["fs"].SuccessCount)
	// fs writes carry no circuit breaker, so no state is reported.
	assert.NotContains(t, snap.CircuitBreakerStates, "fs")
}

func TestCurrentSegment(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	seg, err := p.CurrentSegment(context.Background())
	require.NoError(t, err)
	assert.Nil(t, seg)

	res := p.Emit(Event{Type: "cli.command"})
	require.True(t, res.Queued, "reason: %s", res.Reason)

	seg, err = p.CurrentSegment(context.Background())
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, 1, seg.Events)
	assert.Positive(t, seg.Bytes)
}

func TestClearDedupCache(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	const id = "11234567-89ab-cdef-0123-456789abcdef"
	require.True(t, p.Emit(Event{ID: id, Type: "cli.command"}).Queued)
	assert.False(t, p.Emit(Event{ID: id, Type: "cli.command"}).Queued)

	require.NoError(t, p.ClearDedupCache(context.Background()))
	assert.True(t, p.Emit(Event{ID: id, Type: "cli.command"}).Queued)
}

func TestCloseIdempotent(t *testing.T) {
	cfg := testConfig(t)
	p := New(WithConfig(*cfg), WithLogger(testutil.TestLogger()), WithVersion("1.2.3"))

	require.True(t, p.Emit(Event{Type: "cli.command"}).Queued)
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	res := p.Emit(Event{Type: "cli.command"})
	assert.False(t, res.Queued)
}

func TestCloseWithoutUse(t *testing.T) {
	cfg := testConfig(t)
	p := New(WithConfig(*cfg), WithLogger(testutil.TestLogger()))
	require.NoError(t, p.Close(context.Background()))
}

func TestInitFailureIsSticky(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backpressure = config.BackpressureConfig{High: 10, Critical: 5}
	p := New(WithConfig(*cfg), WithLogger(testutil.TestLogger()))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	res := p.Emit(Event{Type: "cli.command"})
	assert.False(t, res.Queued)
	assert.Contains(t, res.Reason, "Initialization failed")

	err := p.Init(context.Background())
	require.Error(t, err)

	_, err = p.Metrics(context.Background())
	assert.Error(t, err)
}

func TestFlushHonorsContext(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)
	require.True(t, p.Emit(Event{Type: "cli.command"}).Queued)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analytics.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ---- defaults ----------------------------------------------------------

func TestDefault_CoreValues(t *testing.T) {
	cfg := config.Default()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, int64(1<<20), cfg.Buffer.SegmentBytes)
	assert.Equal(t, int64(60_000), cfg.Buffer.SegmentMaxAgeMs)
	assert.True(t, cfg.Buffer.FsyncOnRotate)
	assert.Equal(t, 20_000, cfg.Backpressure.High)
	assert.Equal(t, 50_000, cfg.Backpressure.Critical)
	assert.Equal(t, 0.5, cfg.Backpressure.Sampling.High)
	assert.Equal(t, 0.1, cfg.Backpressure.Sampling.Critical)
	assert.Equal(t, "KB_ANALYTICS_SALT", cfg.PII.Hash.SaltEnv)
	assert.Equal(t, 1.0, cfg.Middleware.Sampling.Default)
	assert.Contains(t, cfg.Middleware.Redact.Keys, "password")
	assert.Contains(t, cfg.Middleware.Redact.Keys, "apiKey")
	assert.Equal(t, 7, cfg.Retention.WAL.Days)
	assert.Equal(t, 30, cfg.Retention.Out.Days)
	assert.Empty(t, cfg.Sinks)
}

func TestDefaultRetryAndBreaker(t *testing.T) {
	r := config.DefaultRetry()
	assert.Equal(t, int64(100), r.InitialMs)
	assert.Equal(t, int64(10_000), r.MaxMs)
	assert.Equal(t, 2.0, r.Factor)
	assert.Equal(t, 0.1, r.Jitter)

	b := config.DefaultBreaker()
	assert.Equal(t, 5, b.Failures)
	assert.Equal(t, int64(60_000), b.WindowMs)
	assert.Equal(t, int64(30_000), b.HalfOpenEveryMs)
}

// ---- file loading ------------------------------------------------------

func TestApplyFile_PartialFileKeepsDefaults(t *testing.T) {
	path := writeYAML(t, "backpressure:\n  high: 100\n  critical: 200\n")

	cfg := config.Default()
	require.NoError(t, cfg.ApplyFile(path))

	assert.Equal(t, 100, cfg.Backpressure.High)
	assert.Equal(t, 200, cfg.Backpressure.Critical)
	assert.Equal(t, int64(1<<20), cfg.Buffer.SegmentBytes, "untouched sections keep defaults")
	assert.True(t, cfg.Enabled)
}

func TestApplyFile_SinkList(t *testing.T) {
	path := writeYAML(t, `
sinks:
  - type: fs
    path: out/events
  - type: http
    id: collector
    url: https://collector.example.com/v1/events
    auth:
      type: bearer
      token: tok-123
    retry:
      initialMs: 10
      maxMs: 50
      factor: 2
      jitter: 0.05
  - type: s3
    bucket: kb-events
    endpoint: http://localhost:9000
  - type: sqlite
    path: out/events.db
    partitionByDay: false
`)

	cfg := config.Default()
	require.NoError(t, cfg.ApplyFile(path))
	require.Len(t, cfg.Sinks, 4)

	assert.Equal(t, config.SinkFS, cfg.Sinks[0].Type)
	assert.Equal(t, "out/events", cfg.Sinks[0].Path)

	assert.Equal(t, "collector", cfg.Sinks[1].ID)
	require.NotNil(t, cfg.Sinks[1].Auth)
	assert.Equal(t, config.AuthBearer, cfg.Sinks[1].Auth.Type)
	require.NotNil(t, cfg.Sinks[1].Retry)
	assert.Equal(t, int64(10), cfg.Sinks[1].Retry.InitialMs)

	assert.Equal(t, "kb-events", cfg.Sinks[2].Bucket)
	assert.Equal(t, "http://localhost:9000", cfg.Sinks[2].Endpoint)

	require.NotNil(t, cfg.Sinks[3].PartitionByDay)
	assert.False(t, *cfg.Sinks[3].PartitionByDay)
}

func TestApplyFile_UnknownKeyRejected(t *testing.T) {
	path := writeYAML(t, "bufer:\n  segmentBytes: 10\n")
	cfg := config.Default()
	err := cfg.ApplyFile(path)
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfigInvalid, errs.CodeOf(err))
}

func TestApplyFile_MissingFile(t *testing.T) {
	cfg := config.Default()
	err := cfg.ApplyFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfigInvalid, errs.CodeOf(err))
}

func TestApplyFile_EmptyFileIsNoop(t *testing.T) {
	path := writeYAML(t, "")
	cfg := config.Default()
	require.NoError(t, cfg.ApplyFile(path))
	assert.Equal(t, 20_000, cfg.Backpressure.High)
}

// ---- environment -------------------------------------------------------

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("KB_ANALYTICS_ENABLED", "false")
	t.Setenv("KB_ANALYTICS_DIR", "/var/lib/kb")
	t.Setenv("KB_ANALYTICS_BUFFER_SEGMENT_BYTES", "2048")
	t.Setenv("KB_ANALYTICS_BACKPRESSURE_HIGH", "10")
	t.Setenv("KB_ANALYTICS_BACKPRESSURE_CRITICAL", "20")
	t.Setenv("KB_ANALYTICS_PII_ENABLED", "true")
	t.Setenv("KB_ANALYTICS_PII_SALT_ID", "q3-2026")

	cfg := config.Default()
	cfg.ApplyEnv()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "/var/lib/kb", cfg.Dir)
	assert.Equal(t, int64(2048), cfg.Buffer.SegmentBytes)
	assert.Equal(t, 10, cfg.Backpressure.High)
	assert.Equal(t, 20, cfg.Backpressure.Critical)
	assert.True(t, cfg.PII.Hash.Enabled)
	assert.Equal(t, "q3-2026", cfg.PII.Hash.SaltID)
}

func TestApplyEnv_MalformedValuesIgnored(t *testing.T) {
	t.Setenv("KB_ANALYTICS_BACKPRESSURE_HIGH", "lots")
	t.Setenv("KB_ANALYTICS_ENABLED", "maybe")

	cfg := config.Default()
	cfg.ApplyEnv()

	assert.Equal(t, 20_000, cfg.Backpressure.High)
	assert.True(t, cfg.Enabled)
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := writeYAML(t, "backpressure:\n  high: 100\n  critical: 50000\n")
	t.Setenv("KB_ANALYTICS_BACKPRESSURE_HIGH", "200")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Backpressure.High)
}

func TestLoad_NoFileYieldsValidatedDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Dir, "dir is resolved during normalization")
	assert.True(t, cfg.Enabled)
}

// ---- normalization -----------------------------------------------------

func TestNormalize_SinkDefaultsPerType(t *testing.T) {
	cfg := config.Default()
	cfg.Sinks = []config.SinkConfig{
		{Type: config.SinkFS, Path: "out"},
		{Type: config.SinkHTTP, URL: "https://example.com"},
		{Type: config.SinkS3, Bucket: "b"},
		{Type: config.SinkSQLite, Path: "events.db"},
	}
	cfg.Normalize()

	fs := cfg.Sinks[0]
	assert.Equal(t, "events", fs.Prefix)
	assert.Equal(t, int64(10<<20), fs.RotateSize)
	assert.Equal(t, 30, fs.RetentionDays, "falls back to retention.out.days")

	h := cfg.Sinks[1]
	assert.Equal(t, "POST", h.Method)
	assert.Equal(t, int64(5_000), h.TimeoutMs)
	assert.Equal(t, "Idempotency-Key", h.IdempotencyHeader)

	s3 := cfg.Sinks[2]
	assert.Equal(t, "us-east-1", s3.Region)
	assert.Equal(t, "events/", s3.KeyPrefix)

	sq := cfg.Sinks[3]
	require.NotNil(t, sq.PartitionByDay)
	assert.True(t, *sq.PartitionByDay)
	assert.Equal(t, 30, sq.RetentionDays)
}

func TestNormalize_CustomRetentionFlowsToSinks(t *testing.T) {
	cfg := config.Default()
	cfg.Retention.Out.Days = 5
	cfg.Sinks = []config.SinkConfig{{Type: config.SinkFS, Path: "out"}}
	cfg.Normalize()
	assert.Equal(t, 5, cfg.Sinks[0].RetentionDays)
}

func TestNormalize_PartialConfigKeepsRedactDefaults(t *testing.T) {
	cfg := config.Config{Enabled: true, Dir: "/tmp/kb"}
	cfg.Normalize()

	assert.Contains(t, cfg.Middleware.Redact.Keys, "password")
	assert.Contains(t, cfg.Middleware.Redact.Keys, "token")
	assert.Contains(t, cfg.Middleware.Redact.Keys, "apiKey")
	assert.Equal(t, 1.0, cfg.Middleware.Sampling.Default)
}

func TestNormalize_EmptyRedactKeysDisableRedaction(t *testing.T) {
	cfg := config.Config{
		Middleware: config.MiddlewareConfig{
			Redact: config.RedactConfig{Keys: []string{}},
		},
	}
	cfg.Normalize()

	require.NotNil(t, cfg.Middleware.Redact.Keys)
	assert.Empty(t, cfg.Middleware.Redact.Keys, "explicit empty list stays empty")
}

func TestNormalize_ByEventOnlySamplingKeepsDefaultRate(t *testing.T) {
	cfg := config.Config{
		Middleware: config.MiddlewareConfig{
			Sampling: config.SamplingConfig{
				ByEvent: map[string]float64{"noise.tick": 0.1},
			},
		},
	}
	cfg.Normalize()

	assert.Equal(t, 1.0, cfg.Middleware.Sampling.Default,
		"unlisted event types keep the full rate")
	assert.Equal(t, 0.1, cfg.Middleware.Sampling.ByEvent["noise.tick"])
}

func TestEffectiveID(t *testing.T) {
	assert.Equal(t, "fs", config.SinkConfig{Type: config.SinkFS}.EffectiveID())
	assert.Equal(t, "audit", config.SinkConfig{Type: config.SinkFS, ID: "audit"}.EffectiveID())
}

// ---- validation --------------------------------------------------------

func TestValidate_HighMustBeBelowCritical(t *testing.T) {
	cfg := config.Default()
	cfg.Backpressure.High = 50_000
	cfg.Backpressure.Critical = 20_000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfigInvalid, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "backpressure.high")
}

func TestValidate_HighEqualCriticalRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Backpressure.High = 1000
	cfg.Backpressure.Critical = 1000
	assert.Error(t, cfg.Validate())
}

func TestValidate_SamplingRateOutOfRange(t *testing.T) {
	cfg := config.Default()
	cfg.Backpressure.Sampling.High = 1.5
	assert.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.Middleware.Sampling.ByEvent = map[string]float64{"cli.command": -0.1}
	assert.Error(t, cfg.Validate())
}

func TestValidate_SinkRequiredKeys(t *testing.T) {
	cases := []struct {
		name string
		sink config.SinkConfig
	}{
		{"fs without path", config.SinkConfig{Type: config.SinkFS}},
		{"http without url", config.SinkConfig{Type: config.SinkHTTP, Method: "POST"}},
		{"s3 without bucket", config.SinkConfig{Type: config.SinkS3}},
		{"sqlite without path", config.SinkConfig{Type: config.SinkSQLite}},
		{"missing type", config.SinkConfig{Path: "out"}},
		{"unknown type", config.SinkConfig{Type: "kafka"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Sinks = []config.SinkConfig{tc.sink}
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errs.CodeConfigInvalid, errs.CodeOf(err))
		})
	}
}

func TestValidate_HTTPAuthAndMethod(t *testing.T) {
	cfg := config.Default()
	cfg.Sinks = []config.SinkConfig{{
		Type: config.SinkHTTP, URL: "https://x", Method: "POST",
		Auth: &config.AuthConfig{Type: "oauth"},
	}}
	assert.Error(t, cfg.Validate())

	cfg.Sinks = []config.SinkConfig{{Type: config.SinkHTTP, URL: "https://x", Method: "PATCH"}}
	assert.Error(t, cfg.Validate())

	cfg.Sinks = []config.SinkConfig{{Type: config.SinkHTTP, URL: "https://x", Method: "PUT"}}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_DuplicateSinkIDs(t *testing.T) {
	cfg := config.Default()
	cfg.Sinks = []config.SinkConfig{
		{Type: config.SinkFS, Path: "a"},
		{Type: config.SinkFS, Path: "b"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate sink id")

	cfg.Sinks[1].ID = "fs-archive"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RetryAndBreakerBounds(t *testing.T) {
	cfg := config.Default()
	cfg.Sinks = []config.SinkConfig{{
		Type: config.SinkFS, Path: "out",
		Retry: &config.RetryConfig{InitialMs: 10, MaxMs: 100, Factor: 0.5, Jitter: 0.1},
	}}
	assert.Error(t, cfg.Validate(), "factor below 1")

	cfg.Sinks[0].Retry = &config.RetryConfig{InitialMs: 10, MaxMs: 100, Factor: 2, Jitter: 1}
	assert.Error(t, cfg.Validate(), "jitter at 1")

	cfg.Sinks[0].Retry = nil
	cfg.Sinks[0].Breaker = &config.BreakerConfig{Failures: 0, WindowMs: 1, HalfOpenEveryMs: 1}
	assert.Error(t, cfg.Validate(), "zero failure threshold")
}

// Package config defines the pipeline configuration surface and loads the
// effective configuration from defaults, an optional YAML file, and
// environment variables. Precedence is defaults < file < environment <
// caller overrides.
package config

import (
	"os"
	"path/filepath"

	"github.com/kb-labs/analytics/internal/errs"
)

// Sink types.
const (
	SinkFS     = "fs"
	SinkHTTP   = "http"
	SinkS3     = "s3"
	SinkSQLite = "sqlite"
)

// HTTP sink auth schemes.
const (
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthAPIKey = "apikey"
)

// Config holds all pipeline configuration.
type Config struct {
	// Enabled gates the whole pipeline. When false, emit is a cheap no-op.
	Enabled bool `yaml:"enabled"`

	// Dir is the root data directory (buffer, DLQ, fs sinks resolve
	// relative paths under it). Empty means DefaultDir().
	Dir string `yaml:"dir"`

	Buffer       BufferConfig       `yaml:"buffer"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Sinks        []SinkConfig       `yaml:"sinks"`
	PII          PIIConfig          `yaml:"pii"`
	Middleware   MiddlewareConfig   `yaml:"middleware"`
	Retention    RetentionConfig    `yaml:"retention"`

	// OTELEndpoint enables OTLP metric export when non-empty.
	OTELEndpoint string `yaml:"otelEndpoint"`
}

// BufferConfig controls the write-ahead buffer segments.
type BufferConfig struct {
	SegmentBytes    int64 `yaml:"segmentBytes"`
	SegmentMaxAgeMs int64 `yaml:"segmentMaxAgeMs"`
	FsyncOnRotate   bool  `yaml:"fsyncOnRotate"`
}

// BackpressureConfig sets the queue-depth thresholds and the sampling rates
// applied at each level.
type BackpressureConfig struct {
	High     int           `yaml:"high"`
	Critical int           `yaml:"critical"`
	Sampling SamplingRates `yaml:"sampling"`
}

// SamplingRates are the keep probabilities applied under pressure.
type SamplingRates struct {
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// RetryConfig shapes the exponential backoff applied to sink writes.
type RetryConfig struct {
	InitialMs int64   `yaml:"initialMs"`
	MaxMs     int64   `yaml:"maxMs"`
	Factor    float64 `yaml:"factor"`
	Jitter    float64 `yaml:"jitter"`
}

// BreakerConfig shapes the circuit breaker guarding sink writes.
type BreakerConfig struct {
	Failures        int   `yaml:"failures"`
	WindowMs        int64 `yaml:"windowMs"`
	HalfOpenEveryMs int64 `yaml:"halfOpenEveryMs"`
}

// AuthConfig is the HTTP sink's outbound authentication.
type AuthConfig struct {
	Type  string `yaml:"type"` // bearer, basic, or apikey
	Token string `yaml:"token"`
	User  string `yaml:"user"`
	Pass  string `yaml:"pass"`
}

// SinkConfig configures one sink adapter. Type selects the adapter; the
// type-specific keys live flat on the struct, matching the canonical
// configuration surface.
type SinkConfig struct {
	Type    string         `yaml:"type"`
	ID      string         `yaml:"id"`
	Retry   *RetryConfig   `yaml:"retry"`
	Breaker *BreakerConfig `yaml:"breaker"`

	// fs and sqlite.
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retentionDays"`

	// fs.
	Prefix     string `yaml:"prefix"`
	RotateSize int64  `yaml:"rotateSize"`

	// http.
	URL               string            `yaml:"url"`
	Method            string            `yaml:"method"`
	Headers           map[string]string `yaml:"headers"`
	Auth              *AuthConfig       `yaml:"auth"`
	TimeoutMs         int64             `yaml:"timeout"`
	IdempotencyHeader string            `yaml:"idempotencyKey"`

	// s3.
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	KeyPrefix       string `yaml:"keyPrefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	HashKeys        bool   `yaml:"hashKeys"`

	// sqlite.
	PartitionByDay *bool `yaml:"partitionByDay"`
}

// EffectiveID returns the sink's registry key: the configured id, or the
// sink type when no id is set.
func (s SinkConfig) EffectiveID() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Type
}

// PIIConfig controls the hash middleware stage.
type PIIConfig struct {
	Hash   PIIHashConfig `yaml:"hash"`
	Fields []string      `yaml:"fields"`
}

// PIIHashConfig names the salt source and rotation policy.
type PIIHashConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SaltEnv         string `yaml:"saltEnv"`
	SaltID          string `yaml:"saltId"`
	RotateAfterDays int    `yaml:"rotateAfterDays"`
}

// MiddlewareConfig controls the per-event transform chain.
type MiddlewareConfig struct {
	Redact   RedactConfig   `yaml:"redact"`
	Sampling SamplingConfig `yaml:"sampling"`
	Enrich   EnrichConfig   `yaml:"enrich"`
}

// RedactConfig lists the key names whose values are masked. Matching is
// case-insensitive.
type RedactConfig struct {
	Keys []string `yaml:"keys"`
}

// SamplingConfig sets per-event-type keep rates with a default. A zero
// Default normalizes to 1.0; drop-by-default callers set an explicit
// near-zero rate.
type SamplingConfig struct {
	Default float64            `yaml:"default"`
	ByEvent map[string]float64 `yaml:"byEvent"`
}

// EnrichConfig toggles the context fields the enrich stage fills in.
// Default() turns every toggle on; a zero-valued EnrichConfig handed to
// WithConfig leaves them all off, since false is indistinguishable from
// unset. Normalize does not touch these.
type EnrichConfig struct {
	Git       bool `yaml:"git"`
	Host      bool `yaml:"host"`
	CLI       bool `yaml:"cli"`
	Workspace bool `yaml:"workspace"`
}

// RetentionConfig bounds how long buffered and sunk data is kept.
type RetentionConfig struct {
	WAL RetentionWindow `yaml:"wal"`
	Out RetentionWindow `yaml:"out"`
}

// RetentionWindow is a retention horizon in days. Zero means the default.
type RetentionWindow struct {
	Days int `yaml:"days"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Enabled: true,
		Buffer: BufferConfig{
			SegmentBytes:    1 << 20,
			SegmentMaxAgeMs: 60_000,
			FsyncOnRotate:   true,
		},
		Backpressure: BackpressureConfig{
			High:     20_000,
			Critical: 50_000,
			Sampling: SamplingRates{High: 0.5, Critical: 0.1},
		},
		PII: PIIConfig{
			Hash: PIIHashConfig{
				Enabled:         false,
				SaltEnv:         "KB_ANALYTICS_SALT",
				RotateAfterDays: 90,
			},
		},
		Middleware: MiddlewareConfig{
			Redact:   RedactConfig{Keys: defaultRedactKeys()},
			Sampling: SamplingConfig{Default: 1.0},
			Enrich:   EnrichConfig{Git: true, Host: true, CLI: true, Workspace: true},
		},
		Retention: RetentionConfig{
			WAL: RetentionWindow{Days: 7},
			Out: RetentionWindow{Days: 30},
		},
	}
}

// defaultRedactKeys is the key set masked when redact.keys is unset.
func defaultRedactKeys() []string {
	return []string{
		"token", "apiKey", "authorization", "password",
		"secret", "privateKey", "accessToken", "refreshToken",
	}
}

// DefaultRetry returns the retry policy used when a sink omits one.
func DefaultRetry() RetryConfig {
	return RetryConfig{InitialMs: 100, MaxMs: 10_000, Factor: 2, Jitter: 0.1}
}

// DefaultBreaker returns the breaker settings used when a sink omits them.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{Failures: 5, WindowMs: 60_000, HalfOpenEveryMs: 30_000}
}

// DefaultDir returns the per-user data directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kb-analytics")
	}
	return filepath.Join(home, ".kb", "analytics")
}

// Normalize fills zero-valued fields with their defaults. It is applied
// after file and environment merging so partially-specified configs behave
// like fully-specified ones.
func (c *Config) Normalize() {
	if c.Dir == "" {
		c.Dir = DefaultDir()
	}
	if c.Buffer.SegmentBytes == 0 {
		c.Buffer.SegmentBytes = 1 << 20
	}
	if c.Buffer.SegmentMaxAgeMs == 0 {
		c.Buffer.SegmentMaxAgeMs = 60_000
	}
	if c.Backpressure.High == 0 {
		c.Backpressure.High = 20_000
	}
	if c.Backpressure.Critical == 0 {
		c.Backpressure.Critical = 50_000
	}
	if c.Backpressure.Sampling.High == 0 {
		c.Backpressure.Sampling.High = 0.5
	}
	if c.Backpressure.Sampling.Critical == 0 {
		c.Backpressure.Sampling.Critical = 0.1
	}
	if c.PII.Hash.SaltEnv == "" {
		c.PII.Hash.SaltEnv = "KB_ANALYTICS_SALT"
	}
	if c.PII.Hash.RotateAfterDays == 0 {
		c.PII.Hash.RotateAfterDays = 90
	}
	// nil means unset; an empty non-nil slice deliberately disables
	// redaction.
	if c.Middleware.Redact.Keys == nil {
		c.Middleware.Redact.Keys = defaultRedactKeys()
	}
	if c.Middleware.Sampling.Default == 0 {
		c.Middleware.Sampling.Default = 1.0
	}
	if c.Retention.WAL.Days == 0 {
		c.Retention.WAL.Days = 7
	}
	if c.Retention.Out.Days == 0 {
		c.Retention.Out.Days = 30
	}
	for i := range c.Sinks {
		c.Sinks[i].normalize(c.Retention.Out.Days)
	}
}

func (s *SinkConfig) normalize(outDays int) {
	switch s.Type {
	case SinkFS:
		if s.Prefix == "" {
			s.Prefix = "events"
		}
		if s.RotateSize == 0 {
			s.RotateSize = 10 << 20
		}
		if s.RetentionDays == 0 {
			s.RetentionDays = outDays
		}
	case SinkHTTP:
		if s.Method == "" {
			s.Method = "POST"
		}
		if s.TimeoutMs == 0 {
			s.TimeoutMs = 5_000
		}
		if s.IdempotencyHeader == "" {
			s.IdempotencyHeader = "Idempotency-Key"
		}
	case SinkS3:
		if s.Region == "" {
			s.Region = "us-east-1"
		}
		if s.KeyPrefix == "" {
			s.KeyPrefix = "events/"
		}
	case SinkSQLite:
		if s.PartitionByDay == nil {
			t := true
			s.PartitionByDay = &t
		}
		if s.RetentionDays == 0 {
			s.RetentionDays = outDays
		}
	}
}

// Validate checks invariants the pipeline cannot run without. It returns a
// config_invalid taxonomy error describing the first violation.
func (c Config) Validate() error {
	if c.Backpressure.High >= c.Backpressure.Critical {
		return errs.Newf(errs.CodeConfigInvalid,
			"backpressure.high (%d) must be below backpressure.critical (%d)",
			c.Backpressure.High, c.Backpressure.Critical)
	}
	if err := rateInRange("backpressure.sampling.high", c.Backpressure.Sampling.High); err != nil {
		return err
	}
	if err := rateInRange("backpressure.sampling.critical", c.Backpressure.Sampling.Critical); err != nil {
		return err
	}
	if c.Buffer.SegmentBytes <= 0 {
		return errs.Newf(errs.CodeConfigInvalid, "buffer.segmentBytes must be positive")
	}
	if c.Buffer.SegmentMaxAgeMs <= 0 {
		return errs.Newf(errs.CodeConfigInvalid, "buffer.segmentMaxAgeMs must be positive")
	}
	if err := rateInRange("middleware.sampling.default", c.Middleware.Sampling.Default); err != nil {
		return err
	}
	for typ, rate := range c.Middleware.Sampling.ByEvent {
		if err := rateInRange("middleware.sampling.byEvent."+typ, rate); err != nil {
			return err
		}
	}
	if c.Retention.WAL.Days < 0 || c.Retention.Out.Days < 0 {
		return errs.Newf(errs.CodeConfigInvalid, "retention days must not be negative")
	}

	seen := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if err := s.validate(i); err != nil {
			return err
		}
		id := s.EffectiveID()
		if seen[id] {
			return errs.Newf(errs.CodeConfigInvalid,
				"sinks[%d]: duplicate sink id %q; set an explicit id", i, id)
		}
		seen[id] = true
	}
	return nil
}

func (s SinkConfig) validate(i int) error {
	switch s.Type {
	case SinkFS, SinkSQLite:
		if s.Path == "" {
			return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: %s sink requires path", i, s.Type)
		}
	case SinkHTTP:
		if s.URL == "" {
			return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: http sink requires url", i)
		}
		if s.Method != "POST" && s.Method != "PUT" {
			return errs.Newf(errs.CodeConfigInvalid,
				"sinks[%d]: http method must be POST or PUT, got %q", i, s.Method)
		}
		if s.Auth != nil {
			switch s.Auth.Type {
			case AuthBearer, AuthBasic, AuthAPIKey:
			default:
				return errs.Newf(errs.CodeConfigInvalid,
					"sinks[%d]: auth.type must be bearer, basic, or apikey, got %q", i, s.Auth.Type)
			}
		}
	case SinkS3:
		if s.Bucket == "" {
			return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: s3 sink requires bucket", i)
		}
	case "":
		return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: type is required", i)
	default:
		return errs.Newf(errs.CodeConfigInvalid,
			"sinks[%d]: unknown sink type %q (want fs, http, s3, or sqlite)", i, s.Type)
	}
	if s.Retry != nil {
		if s.Retry.InitialMs <= 0 || s.Retry.MaxMs <= 0 {
			return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: retry delays must be positive", i)
		}
		if s.Retry.Factor < 1 {
			return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: retry.factor must be at least 1", i)
		}
		if s.Retry.Jitter < 0 || s.Retry.Jitter >= 1 {
			return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: retry.jitter must be in [0, 1)", i)
		}
	}
	if s.Breaker != nil {
		if s.Breaker.Failures <= 0 {
			return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: breaker.failures must be positive", i)
		}
		if s.Breaker.WindowMs <= 0 || s.Breaker.HalfOpenEveryMs <= 0 {
			return errs.Newf(errs.CodeConfigInvalid, "sinks[%d]: breaker durations must be positive", i)
		}
	}
	return nil
}

func rateInRange(name string, rate float64) error {
	if rate < 0 || rate > 1 {
		return errs.Newf(errs.CodeConfigInvalid, "%s must be in [0, 1], got %v", name, rate)
	}
	return nil
}

package config

import (
	"os"
	"strconv"
)

// ApplyEnv overlays KB_ANALYTICS_* environment variables onto the config.
// Only variables that are set and parse cleanly take effect.
func (c *Config) ApplyEnv() {
	envBool("KB_ANALYTICS_ENABLED", &c.Enabled)
	envStr("KB_ANALYTICS_DIR", &c.Dir)
	envInt64("KB_ANALYTICS_BUFFER_SEGMENT_BYTES", &c.Buffer.SegmentBytes)
	envInt64("KB_ANALYTICS_BUFFER_SEGMENT_MAX_AGE_MS", &c.Buffer.SegmentMaxAgeMs)
	envInt("KB_ANALYTICS_BACKPRESSURE_HIGH", &c.Backpressure.High)
	envInt("KB_ANALYTICS_BACKPRESSURE_CRITICAL", &c.Backpressure.Critical)
	envBool("KB_ANALYTICS_PII_ENABLED", &c.PII.Hash.Enabled)
	envStr("KB_ANALYTICS_PII_SALT_ID", &c.PII.Hash.SaltID)
	envStr("KB_ANALYTICS_OTEL_ENDPOINT", &c.OTELEndpoint)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

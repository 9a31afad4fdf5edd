package analytics

import (
	"log/slog"

	"github.com/kb-labs/analytics/config"
)

// Option configures a Pipeline.
type Option func(*resolvedOptions)

// resolvedOptions holds the caller-supplied settings after applying
// defaults. Unexported — callers use the With* functions.
type resolvedOptions struct {
	cfg     *config.Config
	cfgFile string
	logger  *slog.Logger
	version string
}

// WithConfig supplies a fully-resolved configuration. The value is
// normalized and validated but no file or environment layering is applied:
// the caller has already decided the effective settings.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithConfigFile names a YAML file layered between the defaults and the
// environment. Ignored when WithConfig is also given.
func WithConfigFile(path string) Option {
	return func(o *resolvedOptions) { o.cfgFile = path }
}

// WithLogger sets the structured logger for the pipeline.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the embedding product's version. It feeds the source
// fallback and ctx.cliVersion enrichment, ahead of KB_CLI_VERSION.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

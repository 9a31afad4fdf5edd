// Package analytics is an embeddable event pipeline: callers Emit
// structured kb.v1 events and the pipeline validates, transforms, buffers
// them durably, and fans them out to the configured sinks with
// at-least-once delivery.
//
//	p := analytics.New(
//	    analytics.WithVersion(version),
//	    analytics.WithLogger(logger),
//	)
//	defer p.Close(ctx)
//	res := p.Emit(analytics.Event{Type: "cli.command", Payload: payload})
//	if !res.Queued { ... }
//
// Emit never returns an error and never panics: every refusal is reported
// as EmitResult{Queued: false, Reason: ...}. Sink delivery happens on
// background goroutines; failures divert to the dead-letter queue.
//
// The import graph enforces a strict no-cycle rule: analytics (root)
// imports internal/*, but internal/* never imports the root. Conversion
// helpers between public and internal types live in types.go because the
// root is the only package that sees both sides of the boundary.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/backpressure"
	"github.com/kb-labs/analytics/internal/buffer"
	"github.com/kb-labs/analytics/internal/dispatch"
	"github.com/kb-labs/analytics/internal/dlq"
	"github.com/kb-labs/analytics/internal/metrics"
	"github.com/kb-labs/analytics/internal/middleware"
	"github.com/kb-labs/analytics/internal/model"
	"github.com/kb-labs/analytics/internal/sink"
	"github.com/kb-labs/analytics/internal/telemetry"
)

// retentionSweepEvery is how often the background loop removes expired
// buffer segments.
const retentionSweepEvery = time.Hour

// Pipeline is the analytics event pipeline. Construct with New; the heavy
// initialization (directories, sinks, git lookup) is deferred to the first
// Emit and its failure is sticky.
type Pipeline struct {
	opts resolvedOptions

	initOnce sync.Once
	initErr  error

	// Set by init.
	cfg          config.Config
	logger       *slog.Logger
	version      string // service version for telemetry and logs
	cliVersion   string // fills source.version; may stay empty
	buf          *buffer.Buffer
	deadLetter   *dlq.Queue
	chain        *middleware.Chain
	pressure     *backpressure.Controller
	collector    *metrics.Collector
	router       *dispatch.Router
	otelShutdown telemetry.Shutdown

	retentionStop chan struct{}
	retentionDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New builds a pipeline from the given options. No I/O happens here;
// initialization runs on the first Emit (or Init).
func New(opts ...Option) *Pipeline {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	return &Pipeline{opts: o}
}

// Init forces eager initialization. Optional: Emit initializes lazily.
// The first error is sticky; later calls return it unchanged.
func (p *Pipeline) Init(ctx context.Context) error {
	p.initOnce.Do(func() { p.initErr = p.init(ctx) })
	return p.initErr
}

func (p *Pipeline) init(ctx context.Context) error {
	logger := p.opts.logger
	if logger == nil {
		logger = slog.Default()
	}
	p.logger = logger

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	var cfg config.Config
	if p.opts.cfg != nil {
		cfg = *p.opts.cfg
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return err
		}
	} else {
		loaded, err := config.Load(p.opts.cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	p.cfg = cfg

	// The CLI version is allowed to stay empty: events with no known
	// source.version must fail validation rather than carry a made-up one.
	p.cliVersion = p.opts.version
	if p.cliVersion == "" {
		p.cliVersion = os.Getenv("KB_CLI_VERSION")
	}
	p.version = p.cliVersion
	if p.version == "" {
		p.version = "dev"
	}

	if !cfg.Enabled {
		logger.Info("analytics disabled by configuration")
		return nil
	}

	logger.Info("analytics starting", "version", p.version, "dir", cfg.Dir)

	// The meter provider must exist before components register gauges.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, "kb-analytics", p.version)
	if err != nil {
		return err
	}
	p.otelShutdown = otelShutdown

	buf, err := buffer.New(logger, buffer.Config{
		Dir:             filepath.Join(cfg.Dir, "buffer"),
		SegmentBytes:    cfg.Buffer.SegmentBytes,
		SegmentMaxAgeMs: cfg.Buffer.SegmentMaxAgeMs,
		FsyncOnRotate:   cfg.Buffer.FsyncOnRotate,
	})
	if err != nil {
		return err
	}
	p.buf = buf

	deadLetter, err := dlq.New(logger, filepath.Join(cfg.Dir, "dlq"))
	if err != nil {
		return err
	}
	p.deadLetter = deadLetter

	p.chain = middleware.NewChain(logger, p.middlewareConfig())
	p.pressure = backpressure.New(backpressure.Config{
		High:         cfg.Backpressure.High,
		Critical:     cfg.Backpressure.Critical,
		HighRate:     cfg.Backpressure.Sampling.High,
		CriticalRate: cfg.Backpressure.Sampling.Critical,
	})
	p.collector = metrics.New()

	p.router = dispatch.NewRouter(logger, p.collector, deadLetter)
	for _, sc := range cfg.Sinks {
		// fs and sqlite paths resolve under the data directory.
		if (sc.Type == config.SinkFS || sc.Type == config.SinkSQLite) && !filepath.IsAbs(sc.Path) {
			sc.Path = filepath.Join(cfg.Dir, sc.Path)
		}
		adapter, err := sink.New(logger, sc)
		if err != nil {
			return err
		}
		if err := p.router.Register(ctx, adapter, dispatch.BatcherConfig{FlushOnClose: true}); err != nil {
			return err
		}
	}

	p.retentionStop = make(chan struct{})
	p.retentionDone = make(chan struct{})
	go p.retentionLoop()

	return nil
}

// middlewareConfig resolves the salt material, enrichment lookups, and
// stage settings. Runs once, inside init.
func (p *Pipeline) middlewareConfig() middleware.Config {
	workdir, err := os.Getwd()
	if err != nil {
		workdir = ""
	}
	gitDir := ""
	if p.cfg.Middleware.Enrich.Git {
		gitDir = workdir
	}

	return middleware.Config{
		RedactKeys: p.cfg.Middleware.Redact.Keys,
		Hash: middleware.HashConfig{
			Enabled:         p.cfg.PII.Hash.Enabled,
			Salt:            os.Getenv(p.cfg.PII.Hash.SaltEnv),
			Pepper:          os.Getenv("KB_ANALYTICS_PEPPER"),
			SaltID:          p.cfg.PII.Hash.SaltID,
			RotateAfterDays: p.cfg.PII.Hash.RotateAfterDays,
			Fields:          p.cfg.PII.Fields,
		},
		SampleDefault: p.cfg.Middleware.Sampling.Default,
		SampleByEvent: p.cfg.Middleware.Sampling.ByEvent,
		Enrich: middleware.EnrichConfig{
			Git:        p.cfg.Middleware.Enrich.Git,
			Host:       p.cfg.Middleware.Enrich.Host,
			CLI:        p.cfg.Middleware.Enrich.CLI,
			Workspace:  p.cfg.Middleware.Enrich.Workspace,
			Workdir:    workdir,
			CLIVersion: p.cliVersion,
			GitDir:     gitDir,
		},
	}
}

// Emit submits one event. It blocks only for validation, middleware, and
// the durable buffer append; sink delivery happens on background
// goroutines. Emit never returns an error and never panics.
func (p *Pipeline) Emit(e Event) (result EmitResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("analytics: panic in emit", "panic", r)
			result = EmitResult{Queued: false, Reason: fmt.Sprintf("Internal error: %v", r)}
		}
	}()

	if err := p.Init(context.Background()); err != nil {
		return EmitResult{Queued: false, Reason: fmt.Sprintf("Initialization failed: %v", err)}
	}
	if !p.cfg.Enabled {
		return EmitResult{Queued: false, Reason: "Analytics disabled"}
	}

	ev := toModelEvent(e)
	p.fillDefaults(&ev)

	if violations := model.Validate(ev); len(violations) > 0 {
		return EmitResult{Queued: false, Reason: "Validation failed: " + model.JoinFieldErrors(violations)}
	}

	processed, kept := p.chain.Process(ev)
	if !kept {
		p.collector.RecordSamplingDrop()
		return EmitResult{Queued: false, Reason: "Dropped by sampling"}
	}

	// Backpressure is consulted before the append so its drops never
	// consume segment space.
	depth := p.buf.Depth()
	p.pressure.Update(depth)
	p.collector.SetQueueDepth(depth)
	if !p.pressure.ShouldAccept() {
		level := p.pressure.State().Level
		return EmitResult{Queued: false, Reason: fmt.Sprintf("Backpressure %s: dropped", level)}
	}

	status, err := p.buf.Append(processed)
	if err != nil {
		p.logger.Error("analytics: buffer append failed", "error", err)
		if derr := p.deadLetter.Add(processed, err.Error(), 0); derr != nil {
			p.logger.Error("analytics: dead-letter insert failed", "error", derr)
		}
		return EmitResult{Queued: false, Reason: fmt.Sprintf("Internal error: %v", err)}
	}
	if status == buffer.Duplicate {
		return EmitResult{Queued: false, Reason: "Duplicate event"}
	}

	p.collector.RecordEvent()
	p.router.Dispatch(processed)
	return EmitResult{Queued: true}
}

// fillDefaults populates the required fields Emit callers may omit.
func (p *Pipeline) fillDefaults(e *model.Event) {
	now := time.Now().UTC()
	if e.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			e.ID = id.String()
		} else {
			e.ID = uuid.NewString()
		}
	}
	if e.Schema == "" {
		e.Schema = model.Schema
	}
	if e.Type == "" {
		e.Type = "unknown"
	}
	if e.TS.IsZero() {
		e.TS = now
	}
	if e.IngestTS.IsZero() {
		e.IngestTS = now
	}
	if e.Source.Product == "" {
		e.Source.Product = "kb"
	}
	if e.Source.Version == "" {
		e.Source.Version = p.cliVersion
	}
	if e.RunID == "" {
		e.RunID = fmt.Sprintf("run_%d", now.UnixMilli())
	}
}

// Flush forces every sink batcher to deliver its queued events and waits.
// Short-lived embedders call this before exiting.
func (p *Pipeline) Flush(ctx context.Context) error {
	if err := p.ready(ctx); err != nil {
		return err
	}
	return p.router.Flush(ctx)
}

// Close shuts the pipeline down: batchers drain, sinks close, the buffer
// and DLQ files are synced and closed. Safe to call twice; Emit after
// Close reports an internal error instead of panicking.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() { p.closeErr = p.close(ctx) })
	return p.closeErr
}

func (p *Pipeline) close(ctx context.Context) error {
	// Seal initOnce so Emit after Close reports a refusal instead of
	// re-initializing. A partially failed init may have created only some
	// of the components; release whatever exists.
	p.initOnce.Do(func() { p.initErr = fmt.Errorf("analytics: closed before first use") })

	if p.retentionStop != nil {
		close(p.retentionStop)
		<-p.retentionDone
	}

	var first error
	if p.router != nil {
		if err := p.router.Close(ctx); err != nil {
			first = err
		}
	}
	if p.buf != nil {
		if err := p.buf.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.deadLetter != nil {
		if err := p.deadLetter.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.otelShutdown != nil {
		if err := p.otelShutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	if p.logger != nil {
		p.logger.Info("analytics stopped")
	}
	return first
}

// retentionLoop sweeps expired buffer segments until Close.
func (p *Pipeline) retentionLoop() {
	defer close(p.retentionDone)
	maxAge := time.Duration(p.cfg.Retention.WAL.Days) * 24 * time.Hour
	ticker := time.NewTicker(retentionSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.retentionStop:
			return
		case <-ticker.C:
			if _, err := p.buf.SweepExpired(maxAge); err != nil {
				p.logger.Warn("analytics: buffer retention sweep failed", "error", err)
			}
		}
	}
}

// ready returns the sticky init error, refusing when the pipeline is
// disabled. Accessors use it instead of initializing implicitly mid-call.
func (p *Pipeline) ready(ctx context.Context) error {
	if err := p.Init(ctx); err != nil {
		return err
	}
	if !p.cfg.Enabled {
		return fmt.Errorf("analytics: disabled by configuration")
	}
	return nil
}

// --- Read-side surfaces for external collaborators ---

// Metrics returns a snapshot of pipeline health.
func (p *Pipeline) Metrics(ctx context.Context) (MetricsSnapshot, error) {
	if err := p.ready(ctx); err != nil {
		return MetricsSnapshot{}, err
	}
	return toPublicSnapshot(p.collector.Snapshot()), nil
}

// CurrentSegment describes the buffer segment being written, or nil when
// nothing has been appended yet.
func (p *Pipeline) CurrentSegment(ctx context.Context) (*SegmentInfo, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	return toPublicSegment(p.buf.CurrentSegment()), nil
}

// Segments lists the buffer segment files in creation order, for tailing
// and compaction collaborators.
func (p *Pipeline) Segments(ctx context.Context) ([]string, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	return p.buf.ListSegments()
}

// ReadSegment parses every event of one buffer segment file.
func (p *Pipeline) ReadSegment(ctx context.Context, path string) ([]Event, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	events, err := p.buf.ReadSegment(path)
	if err != nil {
		return nil, err
	}
	return toPublicEvents(events), nil
}

// DLQFiles lists the dead-letter files in creation order.
func (p *Pipeline) DLQFiles(ctx context.Context) ([]string, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	return p.deadLetter.ListFiles()
}

// ReadDLQ returns the entries of one dead-letter file that pass the filter.
func (p *Pipeline) ReadDLQ(ctx context.Context, file string, filter *DLQFilter) ([]DLQEntry, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	entries, err := p.deadLetter.ReadEntries(file, toInternalFilter(filter))
	if err != nil {
		return nil, err
	}
	out := make([]DLQEntry, len(entries))
	for i, e := range entries {
		out[i] = toPublicDLQEntry(e)
	}
	return out, nil
}

// ReplayDLQ re-delivers the filtered events of one dead-letter file to
// every sink and returns them. The file itself is kept; call
// RemoveDLQFile once the replay is confirmed.
func (p *Pipeline) ReplayDLQ(ctx context.Context, file string, filter *DLQFilter) ([]Event, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	events, err := p.deadLetter.Replay(file, toInternalFilter(filter))
	if err != nil {
		return nil, err
	}
	p.router.Route(ctx, events)
	return toPublicEvents(events), nil
}

// RemoveDLQFile deletes one dead-letter file.
func (p *Pipeline) RemoveDLQFile(ctx context.Context, file string) error {
	if err := p.ready(ctx); err != nil {
		return err
	}
	return p.deadLetter.RemoveFile(file)
}

// DLQStats counts dead-letter files and entries.
func (p *Pipeline) DLQStats(ctx context.Context) (DLQStats, error) {
	if err := p.ready(ctx); err != nil {
		return DLQStats{}, err
	}
	stats, err := p.deadLetter.GetStats()
	if err != nil {
		return DLQStats{}, err
	}
	return DLQStats{TotalFiles: stats.TotalFiles, TotalEntries: stats.TotalEntries}, nil
}

// ClearDedupCache forgets every remembered event id, allowing previously
// buffered ids to be emitted again within this process.
func (p *Pipeline) ClearDedupCache(ctx context.Context) error {
	if err := p.ready(ctx); err != nil {
		return err
	}
	p.buf.ClearDedupCache()
	return nil
}

// Package buffer implements the write-ahead event buffer: JSONL segment
// files with sidecar indexes, duplicate suppression, and size/age based
// rotation.
//
// Layout:
//
//	<dir>/segment-<epochms>.jsonl   one event per line
//	<dir>/segment-<epochms>.idx     one {eventId, offset, size} per line
//
// Every accepted event hits disk before emit returns to the caller. The
// index is append-only so a crash can only leave it shorter than the data
// file; readers clamp to whichever is shorter.
package buffer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kb-labs/analytics/internal/errs"
	"github.com/kb-labs/analytics/internal/model"
	"github.com/kb-labs/analytics/internal/telemetry"
)

const (
	defaultSegmentBytes = 1 << 20
	defaultSegmentAge   = 60 * time.Second

	// maxLineBytes bounds a single event line when reading segments back.
	maxLineBytes = 16 << 20
)

// AppendStatus reports what an Append call did.
type AppendStatus int

const (
	// Accepted means the event was written to the current segment.
	Accepted AppendStatus = iota
	// Duplicate means the event id was already buffered; nothing was written.
	Duplicate
)

// Config holds buffer tuning.
type Config struct {
	Dir             string // directory for segment files
	SegmentBytes    int64  // bytes before rotation; default 1 MiB
	SegmentMaxAgeMs int64  // ms a segment may hold events before rotation; default 60s
	FsyncOnRotate   bool   // sync files when a segment is closed
	DedupCapacity   int    // ids remembered for duplicate suppression; default 10000
}

// IndexEntry locates one event line inside a segment data file.
type IndexEntry struct {
	EventID string `json:"eventId"`
	Offset  int64  `json:"offset"`
	Size    int64  `json:"size"`
}

// SegmentInfo describes the open segment.
type SegmentInfo struct {
	Path       string
	Events     int
	Bytes      int64
	FirstEvent time.Time
	LastEvent  time.Time
}

// Buffer is the write-ahead event buffer. Appends are serialized so
// concurrent emitters never interleave lines.
type Buffer struct {
	dir           string
	segmentBytes  int64
	maxAge        time.Duration
	fsyncOnRotate bool

	mu      sync.Mutex // guards segment state and writes
	data    *os.File   // current segment data file
	index   *os.File   // sidecar index file
	path    string     // current data file path
	bytes   int64
	events  int
	firstAt time.Time
	lastAt  time.Time
	closed  bool

	dedup  *dedupCache
	logger *slog.Logger
}

// New creates the segment directory and returns an empty buffer. The first
// segment is created on demand by Append.
func New(logger *slog.Logger, cfg Config) (*Buffer, error) {
	if cfg.Dir == "" {
		return nil, errs.Newf(errs.CodeBufferIO, "buffer directory is required")
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = defaultSegmentBytes
	}
	maxAge := time.Duration(cfg.SegmentMaxAgeMs) * time.Millisecond
	if maxAge <= 0 {
		maxAge = defaultSegmentAge
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("create directory: %w", err))
	}

	// Verify the directory is writable before accepting events.
	probe := filepath.Join(cfg.Dir, ".buffer_probe")
	f, err := os.Create(probe)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("directory not writable: %w", err))
	}
	_ = f.Close()
	_ = os.Remove(probe)

	b := &Buffer{
		dir:           cfg.Dir,
		segmentBytes:  cfg.SegmentBytes,
		maxAge:        maxAge,
		fsyncOnRotate: cfg.FsyncOnRotate,
		dedup:         newDedupCache(cfg.DedupCapacity),
		logger:        logger,
	}
	b.registerMetrics()
	return b, nil
}

// Append writes one event line plus one index entry, rotating first when
// the segment would exceed its byte budget or has held events longer than
// the age budget. A cached id returns Duplicate without touching disk.
func (b *Buffer) Append(e model.Event) (AppendStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errs.Wrap(errs.CodeBufferIO, errors.New("buffer is closed"))
	}
	if b.dedup.Has(e.ID) {
		return Duplicate, nil
	}

	line, err := model.Encode(e)
	if err != nil {
		return 0, errs.Wrap(errs.CodeBufferIO, err)
	}
	lineSize := int64(len(line)) + 1 // trailing newline
	now := time.Now()

	if b.data == nil {
		if err := b.openSegment(now); err != nil {
			return 0, err
		}
	} else if b.events > 0 && (b.bytes+lineSize > b.segmentBytes || now.Sub(b.firstAt) > b.maxAge) {
		if err := b.rotate(now); err != nil {
			return 0, err
		}
	}

	offset := b.bytes
	if _, err := b.data.Write(append(line, '\n')); err != nil {
		return 0, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("write segment line: %w", err))
	}
	b.bytes += lineSize
	b.events++
	if b.firstAt.IsZero() {
		b.firstAt = now
	}
	b.lastAt = now

	// The data line is durable from here on; remember the id now so a
	// retry after an index-write failure cannot append the line twice.
	b.dedup.Add(e.ID)

	entry, err := json.Marshal(IndexEntry{EventID: e.ID, Offset: offset, Size: int64(len(line))})
	if err != nil {
		return 0, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("marshal index entry: %w", err))
	}
	if _, err := b.index.Write(append(entry, '\n')); err != nil {
		// Readers clamp to the shorter index, so the segment stays
		// readable.
		return 0, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("write index entry: %w", err))
	}

	return Accepted, nil
}

// CurrentSegment returns a snapshot of the open segment, or nil when no
// event has been appended yet.
func (b *Buffer) CurrentSegment() *SegmentInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil
	}
	return &SegmentInfo{
		Path:       b.path,
		Events:     b.events,
		Bytes:      b.bytes,
		FirstEvent: b.firstAt,
		LastEvent:  b.lastAt,
	}
}

// Depth returns the event count of the current segment. Backpressure
// derives its level from this.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// ListSegments returns all segment data files in name order. Names embed
// epoch milliseconds, so name order is creation order.
func (b *Buffer) ListSegments() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("list segments: %w", err))
	}
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "segment-") && strings.HasSuffix(e.Name(), ".jsonl") {
			paths = append(paths, filepath.Join(b.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// SegmentCount returns the number of segment data files on disk.
func (b *Buffer) SegmentCount() int {
	segs, _ := b.ListSegments()
	return len(segs)
}

// ReadSegment parses every event line of a segment data file. A truncated
// final line ends the read without error.
func (b *Buffer) ReadSegment(path string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("open segment: %w", err))
	}
	defer f.Close()

	var events []model.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		ev, err := model.Decode(sc.Bytes())
		if err != nil {
			b.logger.Warn("buffer: corrupted event line, stopping segment read",
				"path", path, "line", len(events)+1, "error", err)
			break
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("scan segment: %w", err))
	}
	return events, nil
}

// ReadIndex parses a segment's sidecar index. After a crash the index may
// cover fewer lines than the data file; callers clamp to it.
func (b *Buffer) ReadIndex(path string) ([]IndexEntry, error) {
	f, err := os.Open(indexPath(path))
	if err != nil {
		return nil, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("open index: %w", err))
	}
	defer f.Close()

	var entries []IndexEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4*1024), maxLineBytes)
	for sc.Scan() {
		var ie IndexEntry
		if err := json.Unmarshal(sc.Bytes(), &ie); err != nil {
			b.logger.Warn("buffer: corrupted index entry, stopping index read",
				"path", path, "entry", len(entries)+1, "error", err)
			break
		}
		entries = append(entries, ie)
	}
	if err := sc.Err(); err != nil {
		return entries, errs.Wrap(errs.CodeBufferIO, fmt.Errorf("scan index: %w", err))
	}
	return entries, nil
}

// ClearDedupCache forgets all remembered event ids.
func (b *Buffer) ClearDedupCache() {
	b.dedup.Clear()
}

// DedupSize returns the number of ids in the dedup cache.
func (b *Buffer) DedupSize() int {
	return b.dedup.Len()
}

// SweepExpired removes segments (and their indexes) whose embedded
// timestamp is older than maxAge. The current segment is never removed.
func (b *Buffer) SweepExpired(maxAge time.Duration) (int, error) {
	b.mu.Lock()
	current := b.path
	b.mu.Unlock()

	segments, err := b.ListSegments()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, seg := range segments {
		if seg == current {
			continue
		}
		ts, ok := segmentTime(seg)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := os.Remove(seg); err != nil {
			b.logger.Warn("buffer: failed to remove expired segment", "path", seg, "error", err)
			continue
		}
		if err := os.Remove(indexPath(seg)); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("buffer: failed to remove expired index", "path", indexPath(seg), "error", err)
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info("buffer: removed expired segments", "count", removed, "max_age", maxAge)
	}
	return removed, nil
}

// Close syncs and closes the current segment files. Safe to call twice.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.closeSegment(true)
}

// --- Internal methods ---

func indexPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, ".jsonl") + ".idx"
}

// segmentTime extracts the epoch-ms timestamp embedded in a segment name.
func segmentTime(path string) (time.Time, bool) {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, "segment-")
	name = strings.TrimSuffix(name, ".jsonl")
	ms, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// openSegment creates fresh data and index files named by epoch ms,
// bumping the timestamp on collision so rapid rotations stay distinct.
func (b *Buffer) openSegment(now time.Time) error {
	ms := now.UnixMilli()
	for {
		path := filepath.Join(b.dir, fmt.Sprintf("segment-%d.jsonl", ms))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			ms++
			continue
		}
		if err != nil {
			return errs.Wrap(errs.CodeBufferIO, fmt.Errorf("open segment: %w", err))
		}
		idx, err := os.OpenFile(indexPath(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			_ = f.Close()
			return errs.Wrap(errs.CodeBufferIO, fmt.Errorf("open index: %w", err))
		}
		b.data = f
		b.index = idx
		b.path = path
		b.bytes = 0
		b.events = 0
		b.firstAt = time.Time{}
		b.lastAt = time.Time{}
		return nil
	}
}

func (b *Buffer) rotate(now time.Time) error {
	if err := b.closeSegment(b.fsyncOnRotate); err != nil {
		return err
	}
	return b.openSegment(now)
}

// closeSegment syncs (when asked) and closes the open files. Sync failures
// are logged, close failures are returned.
func (b *Buffer) closeSegment(sync bool) error {
	if b.data == nil {
		return nil
	}
	if sync {
		if err := b.data.Sync(); err != nil {
			b.logger.Warn("buffer: segment sync failed", "path", b.path, "error", err)
		}
		if err := b.index.Sync(); err != nil {
			b.logger.Warn("buffer: index sync failed", "path", indexPath(b.path), "error", err)
		}
	}
	dataErr := b.data.Close()
	idxErr := b.index.Close()
	b.data = nil
	b.index = nil
	if dataErr != nil {
		return errs.Wrap(errs.CodeBufferIO, fmt.Errorf("close segment: %w", dataErr))
	}
	if idxErr != nil {
		return errs.Wrap(errs.CodeBufferIO, fmt.Errorf("close index: %w", idxErr))
	}
	return nil
}

// registerMetrics registers gauges for buffer health monitoring.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("analytics/buffer")

	_, _ = meter.Int64ObservableGauge("analytics.buffer.depth",
		metric.WithDescription("Events in the current buffer segment"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Depth()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("analytics.buffer.segment_count",
		metric.WithDescription("Segment data files on disk"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.SegmentCount()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("analytics.buffer.dedup_size",
		metric.WithDescription("Event ids held by the dedup cache"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.DedupSize()))
			return nil
		}),
	)
}

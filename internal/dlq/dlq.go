// Package dlq stores events that failed delivery as JSONL files and
// supports filtered listing and replay. Entries are appended to a rolling
// dlq-<iso-ts>.jsonl file; a new file starts on the first failure after
// startup or after the previous file grew past its size bound.
package dlq

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
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kb-labs/analytics/internal/errs"
	"github.com/kb-labs/analytics/internal/model"
	"github.com/kb-labs/analytics/internal/telemetry"
)

const (
	// maxFileBytes bounds one DLQ file before the queue rolls to a new one.
	maxFileBytes = 10 << 20

	// maxLineBytes bounds a single entry line when reading files back.
	maxLineBytes = 16 << 20
)

// Entry is one failed event with its failure context.
type Entry struct {
	Event      model.Event `json:"event"`
	Error      string      `json:"error"`
	Timestamp  int64       `json:"timestamp"` // epoch milliseconds
	RetryCount int         `json:"retryCount"`
}

// Filter narrows ReadEntries and Replay results. All set predicates must
// match (AND semantics); zero values match everything.
type Filter struct {
	EventID       string
	EventType     string
	RunID         string
	ErrorContains string
	FromTimestamp int64 // epoch ms, inclusive
	ToTimestamp   int64 // epoch ms, inclusive
}

// Matches reports whether an entry passes every set predicate.
func (f *Filter) Matches(e Entry) bool {
	if f == nil {
		return true
	}
	if f.EventID != "" && e.Event.ID != f.EventID {
		return false
	}
	if f.EventType != "" && e.Event.Type != f.EventType {
		return false
	}
	if f.RunID != "" && e.Event.RunID != f.RunID {
		return false
	}
	if f.ErrorContains != "" && !strings.Contains(e.Error, f.ErrorContains) {
		return false
	}
	if f.FromTimestamp != 0 && e.Timestamp < f.FromTimestamp {
		return false
	}
	if f.ToTimestamp != 0 && e.Timestamp > f.ToTimestamp {
		return false
	}
	return true
}

// Stats summarizes the queue contents.
type Stats struct {
	TotalFiles   int `json:"totalFiles"`
	TotalEntries int `json:"totalEntries"`
}

// Queue is the file-backed dead-letter queue. Appends are serialized.
type Queue struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	path   string
	bytes  int64
	closed bool
}

// New creates the DLQ directory and returns an empty queue. The first file
// is created on the first Add.
func New(logger *slog.Logger, dir string) (*Queue, error) {
	if dir == "" {
		return nil, errs.Newf(errs.CodeDLQIO, "dlq directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.CodeDLQIO, fmt.Errorf("create directory: %w", err))
	}
	q := &Queue{dir: dir, logger: logger}
	q.registerMetrics()
	return q, nil
}

// Add appends one failed event to the current DLQ file.
func (q *Queue) Add(event model.Event, errText string, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errs.Wrap(errs.CodeDLQIO, errors.New("dlq is closed"))
	}

	entry := Entry{
		Event:      event,
		Error:      errText,
		Timestamp:  time.Now().UnixMilli(),
		RetryCount: retryCount,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.CodeDLQIO, fmt.Errorf("marshal entry: %w", err))
	}

	if q.file == nil || q.bytes+int64(len(line))+1 > maxFileBytes {
		if err := q.roll(); err != nil {
			return err
		}
	}
	if _, err := q.file.Write(append(line, '\n')); err != nil {
		return errs.Wrap(errs.CodeDLQIO, fmt.Errorf("write entry: %w", err))
	}
	q.bytes += int64(len(line)) + 1
	return nil
}

// AddBatch appends every event of a failed batch with the same error text.
// The first write failure stops the batch and is returned.
func (q *Queue) AddBatch(events []model.Event, errText string, retryCount int) error {
	for _, e := range events {
		if err := q.Add(e, errText, retryCount); err != nil {
			return err
		}
	}
	return nil
}

// ListFiles returns every DLQ file path in name order. Names embed an
// ISO timestamp, so name order is creation order.
func (q *Queue) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, errs.Wrap(errs.CodeDLQIO, fmt.Errorf("list files: %w", err))
	}
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "dlq-") && strings.HasSuffix(e.Name(), ".jsonl") {
			paths = append(paths, filepath.Join(q.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadEntries parses one DLQ file, returning the entries that pass the
// filter. Corrupted lines are skipped with a warning.
func (q *Queue) ReadEntries(path string, filter *Filter) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeDLQIO, fmt.Errorf("open file: %w", err))
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		var entry Entry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			q.logger.Warn("dlq: skipping corrupted entry", "path", path, "line", lineNo, "error", err)
			continue
		}
		if filter.Matches(entry) {
			out = append(out, entry)
		}
	}
	if err := sc.Err(); err != nil {
		return out, errs.Wrap(errs.CodeDLQIO, fmt.Errorf("scan file: %w", err))
	}
	return out, nil
}

// Replay returns the events of the entries that pass the filter. The file
// is not modified; callers decide whether to remove it afterwards.
func (q *Queue) Replay(path string, filter *Filter) ([]model.Event, error) {
	entries, err := q.ReadEntries(path, filter)
	if err != nil {
		return nil, err
	}
	events := make([]model.Event, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}
	return events, nil
}

// RemoveFile deletes one DLQ file. Removing the file currently being
// written closes it first; the next Add starts a fresh file.
func (q *Queue) RemoveFile(path string) error {
	q.mu.Lock()
	if path == q.path && q.file != nil {
		_ = q.file.Close()
		q.file = nil
		q.path = ""
		q.bytes = 0
	}
	q.mu.Unlock()

	if err := os.Remove(path); err != nil {
		return errs.Wrap(errs.CodeDLQIO, fmt.Errorf("remove file: %w", err))
	}
	return nil
}

// GetStats counts files and entries across the whole queue.
func (q *Queue) GetStats() (Stats, error) {
	files, err := q.ListFiles()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalFiles: len(files)}
	for _, path := range files {
		n, err := countLines(path)
		if err != nil {
			return stats, errs.Wrap(errs.CodeDLQIO, fmt.Errorf("count entries in %s: %w", path, err))
		}
		stats.TotalEntries += n
	}
	return stats, nil
}

// Close closes the current file. Safe to call twice.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.file == nil {
		return nil
	}
	err := q.file.Close()
	q.file = nil
	if err != nil {
		return errs.Wrap(errs.CodeDLQIO, fmt.Errorf("close file: %w", err))
	}
	return nil
}

// roll closes the current file and opens a fresh one named by the current
// time, bumping a counter suffix on collision. Caller holds q.mu.
func (q *Queue) roll() error {
	if q.file != nil {
		if err := q.file.Close(); err != nil {
			q.logger.Warn("dlq: close rolled file failed", "path", q.path, "error", err)
		}
		q.file = nil
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
	for i := 0; ; i++ {
		name := fmt.Sprintf("dlq-%s.jsonl", stamp)
		if i > 0 {
			name = fmt.Sprintf("dlq-%s-%d.jsonl", stamp, i)
		}
		path := filepath.Join(q.dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return errs.Wrap(errs.CodeDLQIO, fmt.Errorf("open file: %w", err))
		}
		q.file = f
		q.path = path
		q.bytes = 0
		return nil
	}
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func (q *Queue) registerMetrics() {
	meter := telemetry.Meter("analytics/dlq")

	_, _ = meter.Int64ObservableGauge("analytics.dlq.entries",
		metric.WithDescription("Entries across all dead-letter files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			stats, err := q.GetStats()
			if err != nil {
				return nil
			}
			o.Observe(int64(stats.TotalEntries))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("analytics.dlq.files",
		metric.WithDescription("Dead-letter files on disk"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			stats, err := q.GetStats()
			if err != nil {
				return nil
			}
			o.Observe(int64(stats.TotalFiles))
			return nil
		}),
	)
}

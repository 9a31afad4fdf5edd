package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
	"github.com/kb-labs/analytics/internal/model"
)

// fsSink appends events as JSONL files under a directory, rotating by file
// size and sweeping files past the retention horizon after every batch.
// An in-process id set suppresses duplicate writes.
type fsSink struct {
	id            string
	dir           string
	prefix        string
	rotateSize    int64
	retentionDays int
	logger        *slog.Logger

	mu      sync.Mutex
	file    *os.File
	path    string
	bytes   int64
	written map[string]struct{}
	closed  bool
}

func newFSSink(logger *slog.Logger, cfg config.SinkConfig) *fsSink {
	return &fsSink{
		id:            cfg.EffectiveID(),
		dir:           cfg.Path,
		prefix:        cfg.Prefix,
		rotateSize:    cfg.RotateSize,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		written:       make(map[string]struct{}),
	}
}

func (s *fsSink) ID() string { return s.id }

func (s *fsSink) IdempotencyKey(e model.Event) string { return e.ID }

func (s *fsSink) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errs.Wrap(errs.CodeSinkInitFailed, fmt.Errorf("fs sink %s: create directory: %w", s.id, err))
	}
	return nil
}

func (s *fsSink) Write(ctx context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("fs sink %s is closed", s.id))
	}

	for _, e := range events {
		if _, dup := s.written[e.ID]; dup {
			continue
		}
		line, err := model.Encode(e)
		if err != nil {
			return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("fs sink %s: %w", s.id, err))
		}
		if s.file == nil || s.bytes >= s.rotateSize {
			if err := s.roll(); err != nil {
				return err
			}
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("fs sink %s: write line: %w", s.id, err))
		}
		s.bytes += int64(len(line)) + 1
		s.written[e.ID] = struct{}{}
	}

	s.sweepExpired()
	return nil
}

func (s *fsSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("fs sink %s: close: %w", s.id, err))
	}
	return nil
}

// roll closes the current file and opens <prefix>-<iso-ts>.jsonl, bumping
// a counter suffix on collision. Caller holds s.mu.
func (s *fsSink) roll() error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.Warn("fs sink: close rotated file failed", "sink", s.id, "path", s.path, "error", err)
		}
		s.file = nil
	}

	stamp := sanitizedTimestamp(time.Now().UTC())
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s-%s.jsonl", s.prefix, stamp)
		if i > 0 {
			name = fmt.Sprintf("%s-%s-%d.jsonl", s.prefix, stamp, i)
		}
		path := filepath.Join(s.dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("fs sink %s: open file: %w", s.id, err))
		}
		s.file = f
		s.path = path
		s.bytes = 0
		return nil
	}
}

// sweepExpired removes output files whose mtime is past the retention
// horizon. Failures are logged and do not fail the batch. Caller holds s.mu.
func (s *fsSink) sweepExpired() {
	if s.retentionDays <= 0 {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("fs sink: retention scan failed", "sink", s.id, "error", err)
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, s.prefix+"-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		path := filepath.Join(s.dir, name)
		if path == s.path {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("fs sink: failed to remove expired file", "sink", s.id, "path", path, "error", err)
			continue
		}
		s.logger.Info("fs sink: removed expired file", "sink", s.id, "path", path)
	}
}

// sanitizedTimestamp renders an ISO timestamp safe for file and object
// names: colons and dots become dashes.
func sanitizedTimestamp(t time.Time) string {
	iso := t.Format("2006-01-02T15:04:05.000Z")
	iso = strings.ReplaceAll(iso, ":", "-")
	return strings.ReplaceAll(iso, ".", "-")
}

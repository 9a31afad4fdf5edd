package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
	"github.com/kb-labs/analytics/internal/model"
)

// eventColumns is the flattened kb.v1 projection shared by the main table
// and every daily partition.
const eventColumns = `
	id TEXT PRIMARY KEY,
	schema TEXT NOT NULL,
	type TEXT NOT NULL,
	ts TEXT NOT NULL,
	ingestTs TEXT NOT NULL,
	source_product TEXT NOT NULL,
	source_version TEXT NOT NULL,
	runId TEXT NOT NULL,
	actor_type TEXT,
	actor_id TEXT,
	actor_name TEXT,
	ctx_repo TEXT,
	ctx_branch TEXT,
	ctx_commit TEXT,
	ctx_workspace TEXT,
	payload TEXT,
	hashMeta_algo TEXT,
	hashMeta_saltId TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))`

const insertColumns = `id, schema, type, ts, ingestTs, source_product, source_version, runId,
	actor_type, actor_id, actor_name, ctx_repo, ctx_branch, ctx_commit, ctx_workspace,
	payload, hashMeta_algo, hashMeta_saltId`

// sqliteSink persists events into an embedded SQLite database in WAL
// journal mode. Batches are written in one transaction with INSERT OR
// IGNORE, so replays of the same event id are no-ops.
type sqliteSink struct {
	id             string
	path           string
	partitionByDay bool
	retentionDays  int
	logger         *slog.Logger

	mu         sync.Mutex
	db         *sql.DB
	partitions map[string]bool // partition suffixes known to exist
	sweptDay   string          // last day retention ran
}

func newSQLiteSink(logger *slog.Logger, cfg config.SinkConfig) *sqliteSink {
	partition := true
	if cfg.PartitionByDay != nil {
		partition = *cfg.PartitionByDay
	}
	return &sqliteSink{
		id:             cfg.EffectiveID(),
		path:           cfg.Path,
		partitionByDay: partition,
		retentionDays:  cfg.RetentionDays,
		logger:         logger,
		partitions:     make(map[string]bool),
	}
}

func (s *sqliteSink) ID() string { return s.id }

func (s *sqliteSink) IdempotencyKey(e model.Event) string { return e.ID }

func (s *sqliteSink) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errs.Wrap(errs.CodeSinkInitFailed, fmt.Errorf("sqlite sink %s: create directory: %w", s.id, err))
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return errs.Wrap(errs.CodeSinkInitFailed, fmt.Errorf("sqlite sink %s: open database: %w", s.id, err))
	}
	// The sink serializes writes itself; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return errs.Wrap(errs.CodeSinkInitFailed, fmt.Errorf("sqlite sink %s: set WAL mode: %w", s.id, err))
	}
	if err := createEventTable(ctx, db, "events"); err != nil {
		_ = db.Close()
		return errs.Wrap(errs.CodeSinkInitFailed, fmt.Errorf("sqlite sink %s: %w", s.id, err))
	}

	s.db = db
	return nil
}

func (s *sqliteSink) Write(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("sqlite sink %s is not initialized", s.id))
	}

	day := time.Now().UTC().Format("2006_01_02")
	tables := []string{"events"}
	if s.partitionByDay {
		partition := "events_" + day
		if err := s.ensurePartition(ctx, partition); err != nil {
			return err
		}
		tables = append(tables, partition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("sqlite sink %s: begin tx: %w", s.id, err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, table := range tables {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT OR IGNORE INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
			table, insertColumns))
		if err != nil {
			return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("sqlite sink %s: prepare insert: %w", s.id, err))
		}
		for _, e := range events {
			args, aerr := insertArgs(e)
			if aerr != nil {
				_ = stmt.Close()
				return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("sqlite sink %s: %w", s.id, aerr))
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				_ = stmt.Close()
				return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("sqlite sink %s: insert event: %w", s.id, err))
			}
		}
		_ = stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("sqlite sink %s: commit: %w", s.id, err))
	}

	if day != s.sweptDay {
		s.sweptDay = day
		s.sweepExpired(ctx)
	}
	return nil
}

func (s *sqliteSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("sqlite sink %s: close: %w", s.id, err))
	}
	return nil
}

// ensurePartition creates the daily table on first write of the day.
// Caller holds s.mu.
func (s *sqliteSink) ensurePartition(ctx context.Context, name string) error {
	if s.partitions[name] {
		return nil
	}
	if err := createEventTable(ctx, s.db, name); err != nil {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("sqlite sink %s: %w", s.id, err))
	}
	s.partitions[name] = true
	return nil
}

// sweepExpired drops partition tables dated past the retention horizon and
// deletes aged rows from the main table. Failures are logged, never fatal.
// Caller holds s.mu.
func (s *sqliteSink) sweepExpired(ctx context.Context) {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name LIKE 'events_%'")
	if err != nil {
		s.logger.Warn("sqlite sink: retention scan failed", "sink", s.id, "error", err)
		return
	}
	var drop []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		day, perr := time.Parse("2006_01_02", strings.TrimPrefix(name, "events_"))
		if perr != nil {
			continue
		}
		if day.Before(cutoff) {
			drop = append(drop, name)
		}
	}
	_ = rows.Close()

	for _, name := range drop {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			s.logger.Warn("sqlite sink: failed to drop expired partition", "sink", s.id, "table", name, "error", err)
			continue
		}
		delete(s.partitions, name)
		s.logger.Info("sqlite sink: dropped expired partition", "sink", s.id, "table", name)
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE created_at < datetime('now', ?)",
		fmt.Sprintf("-%d days", s.retentionDays))
	if err != nil {
		s.logger.Warn("sqlite sink: retention delete failed", "sink", s.id, "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("sqlite sink: deleted expired rows", "sink", s.id, "rows", n)
	}
}

func createEventTable(ctx context.Context, db *sql.DB, table string) error {
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, eventColumns)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	for _, col := range []string{"type", "ts", "runId", "created_at"} {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, col, table, col)); err != nil {
			return fmt.Errorf("create index on %s.%s: %w", table, col, err)
		}
	}
	return nil
}

// insertArgs flattens an event into the insert column order.
func insertArgs(e model.Event) ([]any, error) {
	var payload any
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}

	var actorType, actorID, actorName any
	if e.Actor != nil {
		actorType = string(e.Actor.Type)
		actorID = nullableString(e.Actor.ID)
		actorName = nullableString(e.Actor.Name)
	}

	var algo, saltID any
	if e.HashMeta != nil {
		algo = e.HashMeta.Algo
		saltID = e.HashMeta.SaltID
	}

	return []any{
		e.ID, e.Schema, e.Type,
		e.TS.UTC().Format(time.RFC3339Nano),
		e.IngestTS.UTC().Format(time.RFC3339Nano),
		e.Source.Product, e.Source.Version, e.RunID,
		actorType, actorID, actorName,
		ctxString(e.Ctx, model.CtxRepo),
		ctxString(e.Ctx, model.CtxBranch),
		ctxString(e.Ctx, model.CtxCommit),
		ctxString(e.Ctx, model.CtxWorkspace),
		payload, algo, saltID,
	}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ctxString projects a well-known ctx key to its column. Non-string
// scalars are formatted; absent keys map to NULL.
func ctxString(ctx map[string]any, key string) any {
	v, ok := ctx[key]
	if !ok || v == nil {
		return nil
	}
	if s, isStr := v.(string); isStr {
		return s
	}
	return fmt.Sprint(v)
}

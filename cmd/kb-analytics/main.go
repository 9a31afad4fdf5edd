// Command kb-analytics is the operational companion to the analytics
// pipeline: it emits events from the command line or stdin, inspects the
// buffer and dead-letter queue, and prints metrics snapshots. It talks to
// the same data directory the embedding product uses.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kb-labs/analytics"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `usage: kb-analytics [-config FILE] <command> [args]

commands:
  emit        emit one event (flags) or a stream of JSON events from stdin
  metrics     print a metrics snapshot as JSON
  segments    list buffer segment files
  cat FILE    print the events of one buffer segment
  dlq         inspect the dead-letter queue (list|read|replay|rm|stats)
`

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KB_ANALYTICS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	flags := flag.NewFlagSet("kb-analytics", flag.ExitOnError)
	cfgFile := flags.String("config", os.Getenv("KB_ANALYTICS_CONFIG"), "path to a YAML config file")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		return fmt.Errorf("command is required")
	}

	p := analytics.New(
		analytics.WithConfigFile(*cfgFile),
		analytics.WithLogger(logger),
		analytics.WithVersion(version),
	)
	defer func() {
		if err := p.Close(context.Background()); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	switch args[0] {
	case "emit":
		return runEmit(ctx, p, args[1:])
	case "metrics":
		snap, err := p.Metrics(ctx)
		if err != nil {
			return err
		}
		return printJSON(snap)
	case "segments":
		segments, err := p.Segments(ctx)
		if err != nil {
			return err
		}
		for _, s := range segments {
			fmt.Println(s)
		}
		return nil
	case "cat":
		if len(args) < 2 {
			return fmt.Errorf("cat: segment file is required")
		}
		events, err := p.ReadSegment(ctx, args[1])
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := printJSON(e); err != nil {
				return err
			}
		}
		return nil
	case "dlq":
		return runDLQ(ctx, p, args[1:])
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runEmit(ctx context.Context, p *analytics.Pipeline, args []string) error {
	flags := flag.NewFlagSet("emit", flag.ExitOnError)
	eventType := flags.String("type", "", "event type; empty reads JSON events from stdin")
	runID := flags.String("run", "", "run id (optional)")
	payload := flags.String("payload", "", "payload as a JSON document (optional)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *eventType != "" {
		e := analytics.Event{Type: *eventType, RunID: *runID}
		if *payload != "" {
			var v any
			if err := json.Unmarshal([]byte(*payload), &v); err != nil {
				return fmt.Errorf("emit: parse payload: %w", err)
			}
			e.Payload = v
		}
		if err := printJSON(p.Emit(e)); err != nil {
			return err
		}
		return p.Flush(ctx)
	}

	// Stream mode: one JSON event per stdin line.
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e analytics.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("emit: parse event: %w", err)
		}
		if err := printJSON(p.Emit(e)); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("emit: read stdin: %w", err)
	}
	return p.Flush(ctx)
}

func runDLQ(ctx context.Context, p *analytics.Pipeline, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("dlq: subcommand is required (list|read|replay|rm|stats)")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "list":
		files, err := p.DLQFiles(ctx)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	case "stats":
		stats, err := p.DLQStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	case "read", "replay":
		flags := flag.NewFlagSet("dlq "+sub, flag.ExitOnError)
		eventType := flags.String("type", "", "keep entries of this event type")
		runID := flags.String("run", "", "keep entries of this run id")
		contains := flags.String("error-contains", "", "keep entries whose error contains this text")
		if err := flags.Parse(rest); err != nil {
			return err
		}
		if flags.NArg() < 1 {
			return fmt.Errorf("dlq %s: file is required", sub)
		}
		var filter *analytics.DLQFilter
		if *eventType != "" || *runID != "" || *contains != "" {
			filter = &analytics.DLQFilter{
				EventType:     *eventType,
				RunID:         *runID,
				ErrorContains: *contains,
			}
		}
		if sub == "read" {
			entries, err := p.ReadDLQ(ctx, flags.Arg(0), filter)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := printJSON(e); err != nil {
					return err
				}
			}
			return nil
		}
		events, err := p.ReplayDLQ(ctx, flags.Arg(0), filter)
		if err != nil {
			return err
		}
		slog.Info("replay dispatched", "file", flags.Arg(0), "events", len(events))
		return p.Flush(ctx)
	case "rm":
		if len(rest) < 1 {
			return fmt.Errorf("dlq rm: file is required")
		}
		return p.RemoveDLQFile(ctx, rest[0])
	default:
		return fmt.Errorf("dlq: unknown subcommand %q", sub)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}

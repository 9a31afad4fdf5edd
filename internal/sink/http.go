package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
	"github.com/kb-labs/analytics/internal/model"
)

// httpSink posts event batches as JSON arrays. Every transport attempt
// runs through the circuit breaker; the retry policy sleeps between
// attempts. Idempotency is delegated to the receiver via the configured
// idempotency header.
type httpSink struct {
	id      string
	url     string
	method  string
	headers map[string]string
	auth    *config.AuthConfig
	idemKey string
	timeout time.Duration
	logger  *slog.Logger

	retry   retryPolicy
	breaker *breaker
	client  *http.Client // replaced in tests

	mu sync.Mutex // serializes Write
}

func newHTTPSink(logger *slog.Logger, cfg config.SinkConfig) *httpSink {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	return &httpSink{
		id:      cfg.EffectiveID(),
		url:     cfg.URL,
		method:  cfg.Method,
		headers: cfg.Headers,
		auth:    cfg.Auth,
		idemKey: cfg.IdempotencyHeader,
		timeout: timeout,
		logger:  logger,
		retry:   newRetryPolicy(cfg.Retry),
		breaker: newBreaker(cfg.EffectiveID(), cfg.Breaker, logger),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *httpSink) ID() string { return s.id }

func (s *httpSink) IdempotencyKey(e model.Event) string { return e.ID }

func (s *httpSink) BreakerState() string { return s.breaker.State() }

func (s *httpSink) Init(ctx context.Context) error { return nil }

func (s *httpSink) Close(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *httpSink) Write(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Fail fast while the breaker is open so retry attempts are not
	// consumed against a dependency known to be down.
	if s.breaker.Open() {
		return errs.New(errs.CodeCircuitBreakerOpen)
	}

	body, err := json.Marshal(events)
	if err != nil {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("http sink %s: marshal batch: %w", s.id, err))
	}

	idem := fmt.Sprintf("batch_%d", time.Now().UnixMilli())
	if events[0].ID != "" {
		idem = events[0].ID
	}

	err = s.retry.do(ctx, func() error {
		return s.breaker.Execute(func() error {
			return s.send(ctx, body, idem)
		})
	})
	if err != nil {
		if errs.CodeOf(err) != "" {
			return err
		}
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("http sink %s: %w", s.id, err))
	}
	return nil
}

// send performs one transport attempt.
func (s *httpSink) send(ctx context.Context, body []byte, idempotencyKey string) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, s.method, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(s.idemKey, idempotencyKey)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	s.applyAuth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *httpSink) applyAuth(req *http.Request) {
	if s.auth == nil {
		return
	}
	switch s.auth.Type {
	case config.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+s.auth.Token)
	case config.AuthBasic:
		req.SetBasicAuth(s.auth.User, s.auth.Pass)
	case config.AuthAPIKey:
		req.Header.Set("X-API-Key", s.auth.Token)
	}
}

package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
	"github.com/kb-labs/analytics/internal/model"
)

// Environment variables consulted when the config carries no credentials.
const (
	envAccessKeyID     = "ACCESS_KEY_ID"
	envSecretAccessKey = "SECRET_ACCESS_KEY"
)

// maxKeyIDChars bounds the joined-id suffix of an object key.
const maxKeyIDChars = 50

// s3PutAPI is the slice of the S3 client the sink uses. Tests inject a fake.
type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Sink uploads each batch as one JSONL object. Object keys embed the
// batch timestamp and event ids, so they are unique by construction; an
// in-process key set suppresses duplicate uploads.
type s3Sink struct {
	id          string
	bucket      string
	region      string
	keyPrefix   string
	endpoint    string
	accessKey   string
	secretKey   string
	idemMetaKey string
	hashKeys    bool
	logger      *slog.Logger

	retry   retryPolicy
	breaker *breaker
	client  s3PutAPI         // built by Init; tests inject a fake
	now     func() time.Time // swapped in tests

	mu      sync.Mutex
	written map[string]struct{}
}

func newS3Sink(logger *slog.Logger, cfg config.SinkConfig) *s3Sink {
	idemMetaKey := cfg.IdempotencyHeader
	if idemMetaKey == "" {
		idemMetaKey = "idempotency-key"
	}
	return &s3Sink{
		id:          cfg.EffectiveID(),
		bucket:      cfg.Bucket,
		region:      cfg.Region,
		keyPrefix:   cfg.KeyPrefix,
		endpoint:    cfg.Endpoint,
		accessKey:   cfg.AccessKeyID,
		secretKey:   cfg.SecretAccessKey,
		idemMetaKey: idemMetaKey,
		hashKeys:    cfg.HashKeys,
		logger:      logger,
		retry:       newRetryPolicy(cfg.Retry),
		breaker:     newBreaker(cfg.EffectiveID(), cfg.Breaker, logger),
		now:         time.Now,
		written:     make(map[string]struct{}),
	}
}

func (s *s3Sink) ID() string { return s.id }

func (s *s3Sink) IdempotencyKey(e model.Event) string { return e.ID }

func (s *s3Sink) BreakerState() string { return s.breaker.State() }

// Init builds the S3 client from config or environment credentials. A
// custom endpoint switches to path-style addressing for S3-compatible
// services.
func (s *s3Sink) Init(ctx context.Context) error {
	if s.client != nil {
		return nil
	}

	accessKey, secretKey := s.accessKey, s.secretKey
	if accessKey == "" {
		accessKey = os.Getenv(envAccessKeyID)
	}
	if secretKey == "" {
		secretKey = os.Getenv(envSecretAccessKey)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return errs.Wrap(errs.CodeSinkInitFailed, fmt.Errorf("s3 sink %s: load aws config: %w", s.id, err))
	}

	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		}
	})
	return nil
}

func (s *s3Sink) Write(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("s3 sink %s is not initialized", s.id))
	}
	if s.breaker.Open() {
		return errs.New(errs.CodeCircuitBreakerOpen)
	}

	key := s.objectKey(events)
	if _, dup := s.written[key]; dup {
		return nil
	}

	var body bytes.Buffer
	for _, e := range events {
		line, err := model.Encode(e)
		if err != nil {
			return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("s3 sink %s: %w", s.id, err))
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	err := s.retry.do(ctx, func() error {
		return s.breaker.Execute(func() error {
			_, perr := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(s.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(body.Bytes()),
				ContentType: aws.String("application/jsonl"),
				Metadata:    map[string]string{s.idemMetaKey: events[0].ID},
			})
			return perr
		})
	})
	if err != nil {
		if errs.CodeOf(err) != "" {
			return err
		}
		return errs.Wrap(errs.CodeSinkWriteFailed, fmt.Errorf("s3 sink %s: put object: %w", s.id, err))
	}

	s.written[key] = struct{}{}
	return nil
}

func (s *s3Sink) Close(ctx context.Context) error { return nil }

// objectKey builds <keyPrefix><sanitized-iso-ts>-<ids>.jsonl, where ids is
// the first 50 characters of the dash-joined event ids, or a short hash of
// the join when hashKeys is set.
func (s *s3Sink) objectKey(events []model.Event) string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	joined := strings.Join(ids, "-")
	if s.hashKeys {
		sum := sha256.Sum256([]byte(joined))
		joined = hex.EncodeToString(sum[:])[:16]
	} else if len(joined) > maxKeyIDChars {
		joined = joined[:maxKeyIDChars]
	}
	return fmt.Sprintf("%s%s-%s.jsonl", s.keyPrefix, sanitizedTimestamp(s.now().UTC()), joined)
}

// Package trigger turns raw-bucket object events into pipeline runs. The
// listener subscribes to bucket notifications and feeds every matching key
// through the idempotent run-creation contract, so redelivered events never
// spawn duplicate runs.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/platform/env"
)

// Config tunes the bucket-notification subscriber.
type Config struct {
	Enabled bool
	// Suffix restricts triggering to matching keys, e.g. ".parquet".
	// Empty accepts every key.
	Suffix string
	// ReconnectDelay is the pause before re-subscribing after the
	// notification stream breaks.
	ReconnectDelay time.Duration
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("SLUICE_TRIGGER_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	reconnect, err := env.Duration("SLUICE_TRIGGER_RECONNECT_DELAY", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Enabled:        enabled,
		Suffix:         strings.TrimSpace(env.String("SLUICE_TRIGGER_SUFFIX", "")),
		ReconnectDelay: reconnect,
	}, nil
}

// RunCreator is the slice of the run service the listener needs.
type RunCreator interface {
	CreateOrGetRun(ctx context.Context, sourceKey, location string) (domain.Run, bool, error)
}

// Listener subscribes to object-created events on the raw bucket.
type Listener struct {
	logger     *slog.Logger
	client     *minio.Client
	service    RunCreator
	bucket     string
	suffix     string
	skipPrefix string
	reconnect  time.Duration
}

// StartListener launches the subscriber in the background. It returns nil
// when triggering is disabled. The loop stops when the context does.
func StartListener(ctx context.Context, logger *slog.Logger, client *minio.Client, service RunCreator, bucket, skipPrefix string, cfg Config) (*Listener, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("trigger: object store client is required")
	}
	if service == nil {
		return nil, errors.New("trigger: run service is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("trigger: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	l := &Listener{
		logger:     logger,
		client:     client,
		service:    service,
		bucket:     bucket,
		suffix:     cfg.Suffix,
		skipPrefix: strings.Trim(strings.TrimSpace(skipPrefix), "/"),
		reconnect:  cfg.ReconnectDelay,
	}
	go l.run(ctx)
	return l, nil
}

func (l *Listener) run(ctx context.Context) {
	l.log(ctx, slog.LevelInfo, "trigger listener started", "bucket", l.bucket, "suffix", l.suffix)
	for {
		if ctx.Err() != nil {
			l.log(ctx, slog.LevelInfo, "trigger listener stopped")
			return
		}
		l.listenOnce(ctx)
		select {
		case <-ctx.Done():
			l.log(ctx, slog.LevelInfo, "trigger listener stopped")
			return
		case <-time.After(l.reconnect):
		}
	}
}

// listenOnce consumes one notification subscription until the stream breaks
// or the context ends. The caller re-subscribes after the reconnect delay.
func (l *Listener) listenOnce(ctx context.Context) {
	events := l.client.ListenBucketNotification(ctx, l.bucket, "", l.suffix, []string{"s3:ObjectCreated:*"})
	for info := range events {
		if info.Err != nil {
			l.log(ctx, slog.LevelWarn, "notification stream error", "bucket", l.bucket, "error", info.Err)
			return
		}
		for _, record := range info.Records {
			l.handleKey(ctx, record.S3.Object.Key)
		}
	}
}

// handleKey normalizes one event key and creates the run for it.
func (l *Listener) handleKey(ctx context.Context, rawKey string) {
	key, ok := NormalizeKey(rawKey, l.suffix, l.skipPrefix)
	if !ok {
		return
	}
	location := fmt.Sprintf("s3://%s/%s", l.bucket, key)
	run, created, err := l.service.CreateOrGetRun(ctx, key, location)
	if err != nil {
		l.log(ctx, slog.LevelError, "run creation from event failed", "source_key", key, "error", err)
		return
	}
	if created {
		l.log(ctx, slog.LevelInfo, "run created from bucket event", "run_id", run.ID, "source_key", key)
		return
	}
	l.log(ctx, slog.LevelDebug, "event ignored, run already active", "run_id", run.ID, "source_key", key)
}

// NormalizeKey URL-decodes a notification key and applies the suffix filter
// and the reserved-prefix skip. Bucket notifications deliver keys
// percent-encoded with '+' for spaces.
func NormalizeKey(rawKey, suffix, skipPrefix string) (string, bool) {
	key := strings.TrimSpace(rawKey)
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", false
	}
	if suffix != "" && !strings.HasSuffix(key, suffix) {
		return "", false
	}
	if skipPrefix != "" {
		p := strings.Trim(skipPrefix, "/")
		if p != "" && (key == p || strings.HasPrefix(key, p+"/")) {
			return "", false
		}
	}
	return key, true
}

func (l *Listener) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if l.logger == nil {
		return
	}
	args := make([]any, 0, len(attrs)+2)
	args = append(args, "component", "trigger")
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	args = append(args, attrs...)
	l.logger.Log(ctx, level, msg, args...)
}

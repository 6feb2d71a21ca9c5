// Package backup provides the destinations a clinic snapshot can be exported
// to: S3, a signed webhook, a local directory, or memory for tests.
package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Target kinds accepted by New.
const (
	KindNone    = "none"
	KindLog     = "log"
	KindS3      = "s3"
	KindWebhook = "webhook"
	KindDir     = "dir"
	KindMemory  = "memory"
)

var ErrUnknownTarget = errors.New("unknown backup target")

// Target stores a payload under key and returns a reference to the stored
// object.
type Target interface {
	Upload(ctx context.Context, key string, payload []byte) (string, error)
}

// Config selects and configures a Target.
type Config struct {
	Kind string

	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	WebhookURL    string
	WebhookSecret string

	Dir string
}

// New builds the target named by cfg.Kind. An empty kind or "none" returns a
// nil Target and no error: sync stays unavailable.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Target, error) {
	logger = logger.With().Str("component", "backup").Str("target", cfg.Kind).Logger()

	switch strings.ToLower(cfg.Kind) {
	case "", KindNone:
		return nil, nil
	case KindLog:
		return NewLogTarget(logger), nil
	case KindS3:
		return NewS3Target(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	case KindWebhook:
		return NewWebhookTarget(cfg.WebhookURL, cfg.WebhookSecret)
	case KindDir:
		return NewDirTarget(cfg.Dir)
	case KindMemory:
		return NewMemoryTarget(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, cfg.Kind)
}

// LogTarget discards payloads and only logs them. Useful for exercising the
// sync path without storing anything.
type LogTarget struct {
	logger zerolog.Logger
}

func NewLogTarget(logger zerolog.Logger) *LogTarget {
	return &LogTarget{logger: logger}
}

func (t *LogTarget) Upload(_ context.Context, key string, payload []byte) (string, error) {
	t.logger.Info().Str("key", key).Int("bytes", len(payload)).Msg("backup target disabled, snapshot not stored")
	return key, nil
}

// Package publish uploads encoded artifacts to object storage.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/thaitrn/musicgen-docker/internal/config"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/observability"
	"github.com/thaitrn/musicgen-docker/internal/resilience"
)

// ContentType is stamped on every uploaded artifact
const ContentType = "audio/wav"

// ErrDisabled is returned by the none backend
var ErrDisabled = errors.New("publishing disabled")

// Publisher stores a local artifact file under an object key
type Publisher interface {
	// Publish uploads the file at localPath as name
	Publish(ctx context.Context, localPath, name string) (*musicgen.Reference, error)

	// Backend names the storage backend for logs and metrics
	Backend() string

	Close() error
}

// New builds the publisher selected by PUBLISHER_BACKEND. A backend that
// cannot reach its storage is still returned; its uploads fail and the
// service keeps serving unpublished artifacts.
func New(cfg *config.Config, logger zerolog.Logger) Publisher {
	retry := retryConfig(cfg)
	logger = logger.With().Str("component", "publish").Str("backend", cfg.PublisherBackend).Logger()

	switch cfg.PublisherBackend {
	case config.PublisherR2:
		p, err := NewR2(R2Options{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2BucketName,
			StorageHost:     cfg.R2StorageHost,
		}, retry, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("R2 publisher unavailable, uploads will fail")
			return Unavailable(config.PublisherR2, err)
		}
		return p
	case config.PublisherNATS:
		p, err := NewNATS(cfg.NATSURL, cfg.NATSObjectBucket, retry, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS publisher unavailable, uploads will fail")
			return Unavailable(config.PublisherNATS, err)
		}
		return p
	default:
		return Unavailable(config.PublisherNone, ErrDisabled)
	}
}

func retryConfig(cfg *config.Config) *resilience.RetryConfig {
	retry := resilience.DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoff > 0 {
		retry.InitialBackoff = cfg.RetryInitialBackoffDuration()
	}
	return retry
}

// unavailable fails every upload with the reason it could not be set up
type unavailable struct {
	backend string
	reason  error
}

// Unavailable returns a publisher whose uploads always fail with reason
func Unavailable(backend string, reason error) Publisher {
	return &unavailable{backend: backend, reason: reason}
}

func (u *unavailable) Publish(_ context.Context, _, name string) (*musicgen.Reference, error) {
	observability.RecordPublish(u.backend, false)
	return nil, publishError(u.reason, "upload %q", name)
}

func (u *unavailable) Backend() string { return u.backend }

func (u *unavailable) Close() error { return nil }

func publishError(err error, format string, args ...any) error {
	return &musicgen.Error{Kind: musicgen.KindPublish, Message: fmt.Sprintf(format, args...), Err: err}
}

// upload runs put with retries on transient errors and records the result
func upload(ctx context.Context, backend string, retry *resilience.RetryConfig, put resilience.RetryableFunc) error {
	err := resilience.Retry(ctx, put, retry, resilience.IsRetryableNetworkError)
	observability.RecordPublish(backend, err == nil)
	return err
}

package publish

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/thaitrn/musicgen-docker/internal/config"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/resilience"
)

// NATSPublisher stores artifacts in a JetStream object store bucket
type NATSPublisher struct {
	conn   *nats.Conn // nil when the caller owns the connection
	store  nats.ObjectStore
	bucket string
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewNATS connects to url and binds the object store bucket, creating it
// on first use. The connection is closed by Close.
func NewNATS(url, bucket string, retry *resilience.RetryConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("musicgen-publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	p, err := NewNATSWithJetStream(js, bucket, retry, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewNATSWithJetStream binds to bucket over an existing JetStream context
func NewNATSWithJetStream(js nats.JetStreamContext, bucket string, retry *resilience.RetryConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	store, err := js.ObjectStore(bucket)
	if err != nil {
		store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Generated music artifacts",
			Storage:     nats.FileStorage,
			Replicas:    1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucket, err)
		}
	}

	return &NATSPublisher{store: store, bucket: bucket, retry: retry, logger: logger}, nil
}

// Publish streams localPath into the bucket under name
func (p *NATSPublisher) Publish(ctx context.Context, localPath, name string) (*musicgen.Reference, error) {
	err := upload(ctx, config.PublisherNATS, p.retry, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()

		headers := nats.Header{}
		headers.Set("Content-Type", ContentType)
		_, err = p.store.Put(&nats.ObjectMeta{Name: name, Headers: headers}, f, nats.Context(ctx))
		return err
	})
	if err != nil {
		return nil, publishError(err, "put %q to object store %s", name, p.bucket)
	}

	ref := &musicgen.Reference{
		Backend: config.PublisherNATS,
		Bucket:  p.bucket,
		Key:     name,
		URL:     NATSObjectURL(p.bucket, name),
	}
	p.logger.Info().Str("key", name).Str("url", ref.URL).Msg("artifact stored")
	return ref, nil
}

// Backend implements Publisher
func (p *NATSPublisher) Backend() string { return config.PublisherNATS }

// Close drains the connection when the publisher opened it
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// NATSObjectURL names an object in a JetStream object store
func NATSObjectURL(bucket, key string) string {
	return "nats://" + bucket + "/" + key
}

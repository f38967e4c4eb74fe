package publish

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/thaitrn/musicgen-docker/internal/config"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/resilience"
)

// R2Options locates a Cloudflare R2 bucket
type R2Options struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	StorageHost     string

	// Endpoint replaces {account}.{host}, for S3-compatible stand-ins
	Endpoint string
	Insecure bool
}

func (o R2Options) endpoint() string {
	if o.Endpoint != "" {
		return o.Endpoint
	}
	return o.AccountID + "." + o.StorageHost
}

func (o R2Options) validate() error {
	var missing []string
	if o.AccountID == "" && o.Endpoint == "" {
		missing = append(missing, "CLOUDFLARE_ACCOUNT_ID")
	}
	if o.AccessKeyID == "" {
		missing = append(missing, "R2_ACCESS_KEY_ID")
	}
	if o.SecretAccessKey == "" {
		missing = append(missing, "R2_SECRET_ACCESS_KEY")
	}
	if o.Bucket == "" {
		missing = append(missing, "R2_BUCKET_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("R2 credentials not configured: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// R2Publisher uploads to Cloudflare R2 through its S3 API
type R2Publisher struct {
	client *minio.Client
	opts   R2Options
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewR2 creates an R2 publisher. It does not contact the bucket.
func NewR2(opts R2Options, retry *resilience.RetryConfig, logger zerolog.Logger) (*R2Publisher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.StorageHost == "" {
		opts.StorageHost = "r2.cloudflarestorage.com"
	}

	client, err := minio.New(opts.endpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: !opts.Insecure,
		Region: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create R2 client: %w", err)
	}

	return &R2Publisher{client: client, opts: opts, retry: retry, logger: logger}, nil
}

// Publish uploads localPath to the bucket under name
func (p *R2Publisher) Publish(ctx context.Context, localPath, name string) (*musicgen.Reference, error) {
	err := upload(ctx, config.PublisherR2, p.retry, func(ctx context.Context) error {
		_, err := p.client.FPutObject(ctx, p.opts.Bucket, name, localPath, minio.PutObjectOptions{
			ContentType: ContentType,
		})
		return classifyS3Error(err)
	})
	if err != nil {
		return nil, publishError(err, "upload %q to R2 bucket %s", name, p.opts.Bucket)
	}

	ref := &musicgen.Reference{
		Backend: config.PublisherR2,
		Bucket:  p.opts.Bucket,
		Key:     name,
		URL:     R2ObjectURL(p.opts.Bucket, p.opts.AccountID, p.opts.StorageHost, name),
	}
	p.logger.Info().Str("key", name).Str("url", ref.URL).Msg("artifact uploaded")
	return ref, nil
}

// Backend implements Publisher
func (p *R2Publisher) Backend() string { return config.PublisherR2 }

// Close implements Publisher; the S3 client holds no resources
func (p *R2Publisher) Close() error { return nil }

// R2ObjectURL is the public address of an object in an R2 bucket
func R2ObjectURL(bucket, accountID, storageHost, key string) string {
	u := url.URL{
		Scheme: "https",
		Host:   bucket + "." + accountID + "." + storageHost,
		Path:   "/" + key,
	}
	return u.String()
}

// classifyS3Error marks throttling and server side failures retryable
func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}
	if resp := minio.ToErrorResponse(err); resp.StatusCode == 429 || resp.StatusCode >= 500 {
		return resilience.NewRetryableError(err)
	}
	return err
}

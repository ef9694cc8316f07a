// Package s3 stores artifacts in an S3 compatible object store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	storage "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/codec"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination"
)

// Type is the destination type served by this sink.
const Type = "s3"

// Destination options.
const (
	OptionBucket          = "bucket"
	OptionRegion          = "region"
	OptionEndpoint        = "endpoint"
	OptionAccessKeyID     = "accessKeyID"
	OptionSecretAccessKey = "secretAccessKey"
	OptionSessionToken    = "sessionToken"
	OptionPathStyle       = "forcePathStyle"
)

const maxRetry = 3 * time.Minute

// API is the subset of the S3 client used by the sink.
type API interface {
	PutObject(ctx context.Context, in *storage.PutObjectInput, optFns ...func(*storage.Options)) (*storage.PutObjectOutput, error)
	GetObject(ctx context.Context, in *storage.GetObjectInput, optFns ...func(*storage.Options)) (*storage.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *storage.DeleteObjectInput, optFns ...func(*storage.Options)) (*storage.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *storage.ListObjectsV2Input, optFns ...func(*storage.Options)) (*storage.ListObjectsV2Output, error)
}

// Sink writes artifacts to the bucket and key prefix named by the destination.
// The path is "bucket/prefix" unless the bucket option is set, in which case
// the whole path is the prefix.
type Sink struct {
	logger    *zap.Logger
	newClient func(ctx context.Context, dest config.Destination) (API, error)
	maxRetry  time.Duration
}

var _ destination.Sink = (*Sink)(nil)

// Option configures a Sink.
type Option func(s *Sink) error

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) error {
		s.logger = l
		return nil
	}
}

// WithClientFactory replaces how S3 clients are built for a destination.
func WithClientFactory(f func(ctx context.Context, dest config.Destination) (API, error)) Option {
	return func(s *Sink) error {
		s.newClient = f
		return nil
	}
}

// WithMaxRetry bounds the total time spent retrying one request.
func WithMaxRetry(d time.Duration) Option {
	return func(s *Sink) error {
		s.maxRetry = d
		return nil
	}
}

// New returns an S3 sink.
func New(opts ...Option) (*Sink, error) {
	s := &Sink{newClient: newClient, maxRetry: maxRetry}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

func (s *Sink) Type() string { return Type }

func newClient(ctx context.Context, dest config.Destination) (API, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		// wrap the transport so that the throughput via HTTP is limited
		awsconfig.WithHTTPClient(destination.HTTPClient(dest)),
	}
	if region := destination.Option(dest.Options, OptionRegion); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if ak := destination.Option(dest.Options, OptionAccessKeyID); ak != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			ak,
			destination.Option(dest.Options, OptionSecretAccessKey),
			destination.Option(dest.Options, OptionSessionToken),
		)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	endpoint := destination.Option(dest.Options, OptionEndpoint)
	pathStyle := destination.Option(dest.Options, OptionPathStyle) == "true"
	return storage.NewFromConfig(cfg, func(o *storage.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	}), nil
}

// location splits the destination into bucket and key prefix.
func location(dest config.Destination) (bucket, prefix string, err error) {
	p := strings.Trim(dest.Path, "/")
	if b := destination.Option(dest.Options, OptionBucket); b != "" {
		return b, p, nil
	}
	parts := strings.SplitN(p, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("destination %s names no bucket", dest)
	}
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return parts[0], prefix, nil
}

func objectKey(prefix, artifactID string) string {
	if prefix == "" {
		return artifactID
	}
	return path.Join(prefix, artifactID)
}

func (s *Sink) retry(ctx context.Context, name string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.maxRetry
	bo.MaxElapsedTime = s.maxRetry
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		s.logger.Warn(name+". Retrying", zap.Error(err), zap.Duration("retry_in", d))
	})
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *Sink) Write(ctx context.Context, artifact *backup.Artifact, dest config.Destination) (*destination.WriteResult, error) {
	bucket, prefix, err := location(dest)
	if err != nil {
		return nil, err
	}
	client, err := s.newClient(ctx, dest)
	if err != nil {
		return nil, err
	}
	sum, err := codec.DigestFile(artifact.Path)
	if err != nil {
		return nil, err
	}

	key := objectKey(prefix, artifact.ID)
	err = s.retry(ctx, "PutObject", func() error {
		f, err := os.Open(artifact.Path)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()
		_, err = client.PutObject(ctx, &storage.PutObjectInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			Body:     f,
			Metadata: map[string]string{"sha256": sum.Checksum},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &destination.WriteResult{
		ArtifactID: artifact.ID,
		Location:   "s3://" + bucket + "/" + key,
		Size:       sum.Size,
		Checksum:   sum.Checksum,
	}, nil
}

func (s *Sink) Open(ctx context.Context, artifactID string, dest config.Destination) (io.ReadCloser, error) {
	bucket, prefix, err := location(dest)
	if err != nil {
		return nil, err
	}
	client, err := s.newClient(ctx, dest)
	if err != nil {
		return nil, err
	}

	var body io.ReadCloser
	key := objectKey(prefix, artifactID)
	err = s.retry(ctx, "GetObject", func() error {
		out, err := client.GetObject(ctx, &storage.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if isNotFound(err) {
			return backoff.Permanent(fmt.Errorf("%s: %w", key, destination.ErrNotFound))
		}
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Sink) ListArtifacts(ctx context.Context, dest config.Destination) ([]backup.ArtifactRef, error) {
	bucket, prefix, err := location(dest)
	if err != nil {
		return nil, err
	}
	client, err := s.newClient(ctx, dest)
	if err != nil {
		return nil, err
	}

	in := &storage.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		in.Prefix = aws.String(prefix + "/")
	}

	var refs []backup.ArtifactRef
	p := storage.NewListObjectsV2Paginator(client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			refs = append(refs, backup.ArtifactRef{
				ID:           path.Base(key),
				Location:     "s3://" + bucket + "/" + key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return refs, nil
}

func (s *Sink) Delete(ctx context.Context, artifactID string, dest config.Destination) error {
	bucket, prefix, err := location(dest)
	if err != nil {
		return err
	}
	client, err := s.newClient(ctx, dest)
	if err != nil {
		return err
	}
	key := objectKey(prefix, artifactID)
	return s.retry(ctx, "DeleteObject", func() error {
		_, err := client.DeleteObject(ctx, &storage.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

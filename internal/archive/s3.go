package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"stockflow/internal/config"
	"stockflow/internal/domain"
)

// objectAPI is the part of *s3.Client the archive needs.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archive writes every analytics event to object storage for long-term keeping.
type Archive struct {
	api    objectAPI
	bucket string
	prefix string
	log    zerolog.Logger
}

// New builds an S3 client for AWS or an S3-compatible endpoint such as MinIO.
func New(ctx context.Context, cfg config.S3Config, lg zerolog.Logger) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newArchive(client, cfg.Bucket, cfg.Prefix, lg), nil
}

func newArchive(api objectAPI, bucket, prefix string, lg zerolog.Logger) *Archive {
	return &Archive{
		api:    api,
		bucket: bucket,
		prefix: prefix,
		log:    lg.With().Str("component", "archive").Str("bucket", bucket).Logger(),
	}
}

// Key lays objects out by type and UTC day of occurrence.
func (a *Archive) Key(ev domain.Event) string {
	at := ev.OccurredAt.UTC()
	return path.Join(a.prefix, ev.Type.String(), at.Format("2006"), at.Format("01"), at.Format("02"), ev.ID+".json")
}

// Handle archives ev. The object key is derived from the event id, so a
// redelivered event overwrites the same object.
func (a *Archive) Handle(ctx context.Context, ev domain.Event) error {
	body, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	key := a.Key(ev)
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"event-type": ev.Type.String(),
			"event-id":   ev.ID,
			"occurred":   ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		a.log.Error().Err(err).Str("event_id", ev.ID).Str("key", key).Msg("archive failed")
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	a.log.Debug().Str("event_id", ev.ID).Str("key", key).Msg("event archived")
	return nil
}

// Check reports whether the bucket is reachable.
func (a *Archive) Check(ctx context.Context) error {
	_, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	return err
}

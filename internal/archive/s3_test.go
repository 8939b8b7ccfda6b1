package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockflow/internal/config"
	"stockflow/internal/domain"
)

type fakeS3 struct {
	puts    map[string][]byte
	meta    map[string]map[string]string
	putErr  error
	headErr error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
		f.meta = map[string]map[string]string{}
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.puts[key] = body
	f.meta[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func created(at time.Time) domain.Event {
	ev := domain.NewEvent("seller-1", domain.ProductCreated{Product: domain.Product{ID: "p1", Name: "Widget", Category: "tools", Price: 3, Quantity: 4}})
	ev.OccurredAt = at
	return ev
}

func TestKeyLayout(t *testing.T) {
	a := newArchive(&fakeS3{}, "analytics-archive", "events", zerolog.Nop())
	ev := created(time.Date(2026, 2, 3, 23, 59, 0, 0, time.FixedZone("x", -3*3600)))
	assert.Equal(t, "events/ProductCreated/2026/02/04/"+ev.ID+".json", a.Key(ev), "day is taken in UTC")

	bare := newArchive(&fakeS3{}, "b", "", zerolog.Nop())
	assert.Equal(t, "ProductCreated/2026/02/04/"+ev.ID+".json", bare.Key(ev))
}

func TestHandleStoresEncodedEvent(t *testing.T) {
	api := &fakeS3{}
	a := newArchive(api, "analytics-archive", "events", zerolog.Nop())
	ev := created(time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC))

	require.NoError(t, a.Handle(context.Background(), ev))
	require.NoError(t, a.Handle(context.Background(), ev))
	require.Len(t, api.puts, 1, "redelivery overwrites the same object")

	key := "analytics-archive/" + a.Key(ev)
	back, err := domain.Decode(api.puts[key])
	require.NoError(t, err)
	assert.Equal(t, ev.ID, back.ID)
	assert.Equal(t, "ProductCreated", api.meta[key]["event-type"])
}

func TestHandleReturnsPutFailure(t *testing.T) {
	boom := errors.New("slow down")
	a := newArchive(&fakeS3{putErr: boom}, "b", "events", zerolog.Nop())
	err := a.Handle(context.Background(), created(time.Now()))
	assert.ErrorIs(t, err, boom)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, newArchive(&fakeS3{}, "b", "", zerolog.Nop()).Check(context.Background()))
	assert.Error(t, newArchive(&fakeS3{headErr: errors.New("no such bucket")}, "b", "", zerolog.Nop()).Check(context.Background()))
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), config.S3Config{Region: "us-east-1"}, zerolog.Nop())
	assert.Error(t, err)

	a, err := New(context.Background(), config.S3Config{
		Region:          "us-east-1",
		Bucket:          "analytics-archive",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		UsePathStyle:    true,
		Prefix:          "events",
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "analytics-archive", a.bucket)
}

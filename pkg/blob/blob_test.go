package blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu            sync.Mutex
	bucketExists  bool
	objects       map[string][]byte
	contentTypes  map[string]string
	createdBucket int
	puts          int
}

func newFakeS3(bucketExists bool) *fakeS3 {
	return &fakeS3{
		bucketExists: bucketExists,
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts++

	if !f.bucketExists {
		return nil, &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "bucket missing"}
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.objects[aws.ToString(params.Key)] = data
	f.contentTypes[aws.ToString(params.Key)] = aws.ToString(params.ContentType)

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.bucketExists {
		return nil, &smithy.GenericAPIError{Code: "NotFound"}
	}

	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, _ *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createdBucket++
	f.bucketExists = true

	return &s3.CreateBucketOutput{}, nil
}

func TestObservationKey(t *testing.T) {
	assert.Equal(t, "flows/f1/steps/s1/observations/input-v2.json", ObservationKey("f1", "s1", "input", 2))
}

func TestS3Store_PutCreatesMissingBucket(t *testing.T) {
	client := newFakeS3(false)
	store := newS3Store(client, S3Config{Bucket: "trails", Region: "eu-west-1"}, slog.Default())

	location, err := store.Put(context.Background(), "flows/a/b.json", []byte(`{"x":1}`))
	require.NoError(t, err)

	assert.Equal(t, "https://trails.s3.eu-west-1.amazonaws.com/flows/a/b.json", location)
	assert.Equal(t, 1, client.createdBucket)
	assert.Equal(t, 2, client.puts)
	assert.Equal(t, ContentType, client.contentTypes["flows/a/b.json"])

	data, err := store.Get(context.Background(), "flows/a/b.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(data))
}

func TestS3Store_GetMissing(t *testing.T) {
	store := newS3Store(newFakeS3(true), S3Config{Bucket: "trails"}, slog.Default())

	_, err := store.Get(context.Background(), "flows/none.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_LocationAndKey(t *testing.T) {
	pathStyle := newS3Store(newFakeS3(true), S3Config{
		Bucket:         "trails",
		Endpoint:       "http://localhost:9000/",
		ForcePathStyle: true,
	}, slog.Default())

	location := pathStyle.Location("flows/f/steps/s/observations/input-v1.json")
	assert.Equal(t, "http://localhost:9000/trails/flows/f/steps/s/observations/input-v1.json", location)

	key, err := pathStyle.Key(location)
	require.NoError(t, err)
	assert.Equal(t, "flows/f/steps/s/observations/input-v1.json", key)

	key, err = pathStyle.Key("https://trails.s3.us-east-1.amazonaws.com/flows/f/x.json")
	require.NoError(t, err)
	assert.Equal(t, "flows/f/x.json", key)

	key, err = pathStyle.Key("s3://trails/flows/f/y.json")
	require.NoError(t, err)
	assert.Equal(t, "flows/f/y.json", key)

	_, err = pathStyle.Key("https://other.s3.us-east-1.amazonaws.com/flows/f/x.json")
	require.ErrorIs(t, err, ErrForeignLocation)

	_, err = pathStyle.Key("not a url")
	require.ErrorIs(t, err, ErrForeignLocation)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	location, err := store.Put(ctx, "flows/f/steps/s/observations/out-v1.json", []byte(`[1,2]`))
	require.NoError(t, err)

	key, err := store.Key(location)
	require.NoError(t, err)
	assert.Equal(t, "flows/f/steps/s/observations/out-v1.json", key)

	_, err = store.Put(ctx, key, []byte(`[3]`))
	require.NoError(t, err)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `[3]`, string(data))

	_, err = store.Get(ctx, "flows/missing.json")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Put(ctx, "../escape.json", nil)
	require.Error(t, err)

	_, err = store.Key("file:///elsewhere/flows/x.json")
	require.ErrorIs(t, err, ErrForeignLocation)
}

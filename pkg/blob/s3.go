package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const defaultRegion = "us-east-1"

// S3Config holds the configuration of an S3 or S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Store keeps blobs in a single bucket.
type S3Store struct {
	client objectAPI
	cfg    S3Config
	logger *slog.Logger
}

// NewS3Store builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("invalid S3 config, no bucket")
	}

	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		o.UsePathStyle = cfg.ForcePathStyle
	})

	return newS3Store(client, cfg, logger), nil
}

func newS3Store(client objectAPI, cfg S3Config, logger *slog.Logger) *S3Store {
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	return &S3Store{
		client: client,
		cfg:    cfg,
		logger: logger.With("bucket", cfg.Bucket),
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil {
		return nil
	}

	if !isAPIError(err, "NotFound", "NoSuchBucket") {
		return fmt.Errorf("failed to check bucket %q: %w", s.cfg.Bucket, err)
	}

	s.logger.InfoContext(ctx, "Creating bucket")

	input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}
	if s.cfg.Region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
		}
	}

	_, err = s.client.CreateBucket(ctx, input)
	if err != nil && !isAPIError(err, "BucketAlreadyExists", "BucketAlreadyOwnedByYou") {
		return fmt.Errorf("failed to create bucket %q: %w", s.cfg.Bucket, err)
	}

	return nil
}

// Put uploads data under key. A missing bucket is created once and the
// upload retried.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	err = s.put(ctx, key, data)
	if err != nil && isAPIError(err, "NoSuchBucket") {
		if ensureErr := s.EnsureBucket(ctx); ensureErr != nil {
			return "", ensureErr
		}

		err = s.put(ctx, key, data)
	}

	if err != nil {
		return "", fmt.Errorf("failed to upload %q: %w", key, err)
	}

	return s.Location(key), nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ContentType),
	})

	return err
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) || isAPIError(err, "NotFound", "NoSuchKey") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("failed to download %q: %w", key, err)
	}

	defer func() {
		_ = output.Body.Close()
	}()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}

	return data, nil
}

// Location renders the public URL of key: path style against the configured
// endpoint, or the virtual-hosted AWS form.
func (s *S3Store) Location(key string) string {
	if s.cfg.ForcePathStyle && s.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}

// Key extracts the object key from a location. Both URL styles are accepted
// regardless of the current configuration, as is s3://bucket/key.
func (s *S3Store) Key(location string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrForeignLocation, location)
	}

	path := strings.TrimLeft(parsed.Path, "/")

	switch {
	case parsed.Scheme == "s3" && parsed.Host == s.cfg.Bucket:
	case strings.HasPrefix(parsed.Host, s.cfg.Bucket+".s3."):
	case strings.HasPrefix(path, s.cfg.Bucket+"/"):
		path = strings.TrimPrefix(path, s.cfg.Bucket+"/")
	default:
		return "", fmt.Errorf("%w: %q", ErrForeignLocation, location)
	}

	return cleanKey(path)
}

func isAPIError(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}

	return false
}

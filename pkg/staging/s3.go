package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the object storage source.
//
// Authentication follows the AWS SDK v2 default chain: explicit keys if
// set, then environment, shared config and instance roles. DIAS object
// stores are S3-compatible, so Endpoint and ForcePathStyle are usually set.
type S3Config struct {
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// s3API is the subset of the S3 client the source uses. Narrowing the
// surface keeps tests free of the real client.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Source stages resources from S3-compatible object storage.
type S3Source struct {
	client s3API
}

// NewS3Source builds the source with the default credential chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.ForcePathStyle
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}
	return &S3Source{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// NewS3SourceWithClient injects a client, for tests.
func NewS3SourceWithClient(client s3API) *S3Source {
	return &S3Source{client: client}
}

// Fetch downloads every object under the URI key prefix, preserving the
// relative layout below the last path element. A single object downloads
// to a file, a prefix to a directory named after its last element.
func (s *S3Source) Fetch(ctx context.Context, uri URI, destDir string) (string, error) {
	keys, err := s.listKeys(ctx, uri.Bucket, uri.Key)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: s3 %s/%s", ErrNotFound, uri.Bucket, uri.Key)
	}

	if len(keys) == 1 && keys[0] == uri.Key {
		local := filepath.Join(destDir, path.Base(uri.Key))
		if err := s.downloadObject(ctx, uri.Bucket, uri.Key, local); err != nil {
			return "", err
		}
		return local, nil
	}

	root := filepath.Join(destDir, path.Base(uri.Key))
	prefix := uri.Key + "/"
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		if rel == key || rel == "" {
			continue
		}
		local := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return "", err
		}
		if err := s.downloadObject(ctx, uri.Bucket, key, local); err != nil {
			return "", err
		}
	}
	return root, nil
}

// Upload publishes a local file or directory tree under bucket/prefix.
func (s *S3Source) Upload(ctx context.Context, localPath, bucket, prefix string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return s.uploadFile(ctx, localPath, bucket, path.Join(prefix, filepath.Base(localPath)))
	}

	return filepath.Walk(localPath, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		return s.uploadFile(ctx, p, bucket, path.Join(prefix, filepath.ToSlash(rel)))
	})
}

func (s *S3Source) uploadFile(ctx context.Context, localPath, bucket, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: &size,
	})
	if err != nil {
		return classifyS3Error(fmt.Errorf("put %s/%s: %w", bucket, key, err))
	}
	return nil
}

func (s *S3Source) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		out, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, classifyS3Error(fmt.Errorf("list %s/%s: %w", bucket, prefix, err))
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return keys, nil
		}
		input.ContinuationToken = out.NextContinuationToken
	}
}

func (s *S3Source) downloadObject(ctx context.Context, bucket, key, localPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error(fmt.Errorf("get %s/%s: %w", bucket, key, err))
	}
	defer out.Body.Close()

	f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// classifyS3Error maps SDK errors onto the staging sentinels so the retry
// policy can tell transient throttling from permanent misses.
func classifyS3Error(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store keeps branch archives in a versioned S3 bucket. Bucket
// versioning must be enabled; Put relies on S3 assigning a VersionId.
type S3Store struct {
	client *s3.Client
	bucket string
}

// S3Options configures the S3 store client.
type S3Options struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Store builds an S3-backed store from static credentials.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("store: bucket is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load AWS config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: opts.Bucket,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	if size == 0 {
		return "", ErrEmptyContent
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", mapS3Error("put", err)
	}

	versionID := aws.ToString(out.VersionId)

	// Readback verification: an undetected truncation during transfer would
	// corrupt the branch's only durable copy.
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(key),
		VersionId: out.VersionId,
	})
	if err != nil {
		return "", mapS3Error("verify", err)
	}
	if aws.ToInt64(head.ContentLength) != size {
		return "", fmt.Errorf("%w: wrote %d bytes, readback reports %d",
			ErrVerificationFailed, size, aws.ToInt64(head.ContentLength))
	}

	return versionID, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error("get", err)
	}
	return out.Body, nil
}

func (s *S3Store) GetVersion(ctx context.Context, key, versionID string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(key),
		VersionId: aws.String(versionID),
	})
	if err != nil {
		return nil, mapS3Error("get version", err)
	}
	return out.Body, nil
}

func (s *S3Store) ListVersions(ctx context.Context, key string) ([]Version, error) {
	var versions []Version

	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(key),
	}

	for {
		out, err := s.client.ListObjectVersions(ctx, input)
		if err != nil {
			return nil, mapS3Error("list versions", err)
		}

		for _, v := range out.Versions {
			if aws.ToString(v.Key) != key {
				continue
			}
			versions = append(versions, Version{
				ID:        aws.ToString(v.VersionId),
				CreatedAt: aws.ToTime(v.LastModified),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}

	return versions, nil
}

func (s *S3Store) DeleteAll(ctx context.Context, key string) error {
	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(key),
	}

	for {
		out, err := s.client.ListObjectVersions(ctx, input)
		if err != nil {
			return mapS3Error("delete all", err)
		}

		var objects []types.ObjectIdentifier
		for _, v := range out.Versions {
			if aws.ToString(v.Key) != key {
				continue
			}
			objects = append(objects, types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range out.DeleteMarkers {
			if aws.ToString(m.Key) != key {
				continue
			}
			objects = append(objects, types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}

		if len(objects) > 0 {
			_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return mapS3Error("delete all", err)
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}

	return nil
}

// mapS3Error translates SDK failures into the store error taxonomy.
// Anything that is not a recognizable service response is treated as the
// service being unreachable.
func mapS3Error(op string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchVersion", "NotFound":
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return fmt.Errorf("store: %s failed: %w", op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("store: %s: %w", op, err)
	}

	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

var _ Store = (*S3Store)(nil)

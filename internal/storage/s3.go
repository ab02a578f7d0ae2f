package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

const (
	minPartSize  = 5 << 20 // S3 minimum for all parts but the last
	maxPartCount = 10000
)

// S3Config holds the configuration for the S3-compatible backend.
type S3Config struct {
	Endpoint           string
	Bucket             string
	Region             string
	AccessKey          string
	SecretKey          string
	ForcePathStyle     bool
	MultipartThreshold int64 // bytes; objects at or above stream via multipart
	RetryAttempts      int
}

// Compile-time check: S3 implements Backend.
var _ Backend = (*S3)(nil)

// S3 stores blobs in an S3-compatible object store. Objects at or above
// the multipart threshold are uploaded in parts; a failed part aborts the
// whole upload so partial objects are never committed.
type S3 struct {
	client    *s3.Client
	bucket    string
	threshold int64
	attempts  int
}

// NewS3 creates an S3 backend. If AccessKey is empty the default AWS
// credential chain is used (IAM instance profile on EC2).
func NewS3(cfg S3Config) (*S3, error) {
	var client *s3.Client

	optFns := func(o *s3.Options) {
		o.Region = cfg.Region
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}

	if cfg.AccessKey != "" {
		client = s3.New(s3.Options{
			Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		}, optFns)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for S3: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, optFns)
	}

	threshold := cfg.MultipartThreshold
	if threshold <= 0 {
		threshold = 16 << 20
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 5
	}

	return &S3{
		client:    client,
		bucket:    cfg.Bucket,
		threshold: threshold,
		attempts:  attempts,
	}, nil
}

// Put uploads the blob under key, switching to multipart upload when the
// payload reaches the configured threshold.
func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	if err := validateKey(key); err != nil {
		return err
	}

	// Read up to threshold bytes to decide between a single PutObject and
	// a multipart upload without buffering the whole payload.
	head := make([]byte, s.threshold)
	n, err := io.ReadFull(r, head)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return withRetry(ctx, s.attempts, func() error {
			_, perr := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				Body:          bytes.NewReader(head[:n]),
				ContentLength: aws.Int64(int64(n)),
			})
			return classify(perr)
		})
	case err != nil:
		return fmt.Errorf("failed to read payload for %s: %w", key, err)
	}

	return s.putMultipart(ctx, key, io.MultiReader(bytes.NewReader(head), r))
}

// putMultipart streams the payload as a multipart upload. Any failure
// aborts the upload before the error is returned.
func (s *S3) putMultipart(ctx context.Context, key string, r io.Reader) error {
	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to start multipart upload for %s: %w", key, err)
	}
	uploadID := create.UploadId

	abort := func() {
		_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
	}

	partSize := s.threshold
	if partSize < minPartSize {
		partSize = minPartSize
	}

	var completed []s3types.CompletedPart
	buf := make([]byte, partSize)
	for partNum := int32(1); ; partNum++ {
		if partNum > maxPartCount {
			abort()
			return errdefs.InvalidArgument("object %s exceeds %d multipart parts", key, maxPartCount)
		}

		n, rerr := io.ReadFull(r, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			abort()
			return fmt.Errorf("failed to read part %d for %s: %w", partNum, key, rerr)
		}

		var etag *string
		uerr := withRetry(ctx, s.attempts, func() error {
			out, perr := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(partNum),
				Body:          bytes.NewReader(buf[:n]),
				ContentLength: aws.Int64(int64(n)),
			})
			if perr != nil {
				return classify(perr)
			}
			etag = out.ETag
			return nil
		})
		if uerr != nil {
			abort()
			return fmt.Errorf("failed to upload part %d for %s: %w", partNum, key, uerr)
		}

		completed = append(completed, s3types.CompletedPart{
			ETag:       etag,
			PartNumber: aws.Int32(partNum),
		})

		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		abort()
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}

// Get streams the blob at key.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var body io.ReadCloser
	err := withRetry(ctx, s.attempts, func() error {
		out, gerr := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if gerr != nil {
			return classify(gerr)
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// List returns keys under prefix in lexicographic order (S3 listing order
// is already lexicographic; pagination preserves it).
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete removes the blob at key; missing keys succeed (S3 semantics).
func (s *S3) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return withRetry(ctx, s.attempts, func() error {
		_, derr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return classify(derr)
	})
}

// Exists reports whether key is present.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return true, nil
}

// classify maps SDK errors onto the taxonomy: missing keys become
// NotFound, 5xx and transport errors become Transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return errdefs.NotFound("object not found")
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalError", "SlowDown", "ServiceUnavailable", "RequestTimeout":
			return errdefs.Transient(err)
		}
		return err
	}
	// No typed API error: treat transport-level failures as transient.
	return errdefs.Transient(err)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

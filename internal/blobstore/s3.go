// AWS S3 backend for Driftdesk.
//
// The S3 backend streams uploads through the S3 multipart-upload API: the
// sink accumulates bytes into parts of at least the S3 minimum part size,
// uploads each part as it fills, and completes the multipart upload on
// finalize. Abort maps to AbortMultipartUpload, which discards all
// uploaded parts server-side.
//
// Key mapping:
//
//	Objects: {prefix}vault/{id}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.).
package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/driftdesk/driftdesk/internal/uid"
)

// s3MinPartSize is the S3 minimum multipart part size (all parts except the
// last must be at least this large).
const s3MinPartSize = 5 * 1024 * 1024

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store implements the Store interface on an upstream Amazon S3 bucket.
type S3Store struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all Driftdesk objects.
	Prefix string
	// client is the AWS S3 client (satisfying the S3API interface).
	client S3API
}

// NewS3Store creates a new S3Store targeting the specified bucket and region.
// It initializes the AWS SDK client using the default credential chain, with
// optional overrides for custom endpoint, path-style addressing, and static
// credentials.
func NewS3Store(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	// Use static credentials if provided, otherwise fall back to the
	// default chain.
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	s := &S3Store{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}

	// Verify the upstream bucket is accessible.
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("S3 blob store initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return s, nil
}

// NewS3StoreWithClient creates an S3Store with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3StoreWithClient(bucket, region, prefix string, client S3API) *S3Store {
	return &S3Store{Bucket: bucket, Region: region, Prefix: prefix, client: client}
}

// objectKey maps a fresh object id to an upstream S3 key.
func (s *S3Store) objectKey(id string) string {
	return s.Prefix + "vault/" + id
}

// OpenSink starts a multipart upload and returns a sink that accumulates
// bytes into parts of at least the S3 minimum part size.
func (s *S3Store) OpenSink(ctx context.Context, meta ObjectMetadata) (WriteSink, error) {
	key := s.objectKey(uid.New())

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("creating S3 multipart upload: %w", err)
	}

	return &s3Sink{
		store:    s,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
		md5:      md5.New(),
	}, nil
}

// s3Sink buffers bytes into S3 multipart parts. MD5 is computed locally over
// the whole payload for a backend-independent ETag; S3's own multipart ETag
// is a composite digest and not comparable across backends.
type s3Sink struct {
	store    *S3Store
	key      string
	uploadID string
	buf      bytes.Buffer
	parts    []types.CompletedPart
	partNum  int32
	md5      hash.Hash
	size     int64
	done     bool
}

func (k *s3Sink) Write(ctx context.Context, p []byte) (int, error) {
	if k.done {
		return 0, fmt.Errorf("write to finalized or aborted sink")
	}
	k.buf.Write(p)
	k.md5.Write(p)
	k.size += int64(len(p))

	if k.buf.Len() >= s3MinPartSize {
		if err := k.flushPart(ctx); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// flushPart uploads the buffered bytes as the next part.
func (k *s3Sink) flushPart(ctx context.Context) error {
	if k.buf.Len() == 0 {
		return nil
	}
	k.partNum++
	data := make([]byte, k.buf.Len())
	copy(data, k.buf.Bytes())
	k.buf.Reset()

	out, err := k.store.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(k.store.Bucket),
		Key:           aws.String(k.key),
		UploadId:      aws.String(k.uploadID),
		PartNumber:    aws.Int32(k.partNum),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("uploading S3 part %d: %w", k.partNum, err)
	}

	k.parts = append(k.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(k.partNum),
	})
	return nil
}

func (k *s3Sink) Finalize(ctx context.Context) (ObjectHandle, error) {
	if k.done {
		return ObjectHandle{}, fmt.Errorf("sink already released")
	}
	k.done = true

	// The final part may be smaller than the minimum part size.
	if err := k.flushPart(ctx); err != nil {
		return ObjectHandle{}, err
	}

	_, err := k.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(k.store.Bucket),
		Key:      aws.String(k.key),
		UploadId: aws.String(k.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: k.parts,
		},
	})
	if err != nil {
		return ObjectHandle{}, fmt.Errorf("completing S3 multipart upload: %w", err)
	}

	return ObjectHandle{
		Key:  k.key,
		Size: k.size,
		ETag: fmt.Sprintf(`"%x"`, k.md5.Sum(nil)),
	}, nil
}

func (k *s3Sink) Abort(ctx context.Context) error {
	if k.done {
		return nil
	}
	k.done = true

	_, err := k.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(k.store.Bucket),
		Key:      aws.String(k.key),
		UploadId: aws.String(k.uploadID),
	})
	if err != nil {
		return fmt.Errorf("aborting S3 multipart upload: %w", err)
	}
	return nil
}

// OpenReadStream retrieves a finalized object from S3. The caller is
// responsible for closing the returned ReadCloser.
func (s *S3Store) OpenReadStream(ctx context.Context, handle ObjectHandle) (io.ReadCloser, int64, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(handle.Key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("object not found: %s", handle.Key)
		}
		return nil, 0, fmt.Errorf("getting object from S3: %w", err)
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

// Delete removes a finalized object from S3. Idempotent: S3 DeleteObject
// does not error on missing keys.
func (s *S3Store) Delete(ctx context.Context, handle ObjectHandle) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(handle.Key),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// HealthCheck verifies that the upstream bucket is reachable.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	if err != nil {
		return fmt.Errorf("S3 health check: %w", err)
	}
	return nil
}

// isAWSNotFound reports whether an AWS SDK error represents a missing
// object or bucket.
func isAWSNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store keeps blobs in an S3 compatible bucket under the same keys the
// filesystem store uses.
type S3Store struct {
	Client     *minio.Client
	BucketName string
}

func NewS3Store(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if debug {
		client.TraceOn(os.Stdout)
	}
	return &S3Store{Client: client, BucketName: bucketName}, nil
}

// Write uploads the whole object in one request; S3 never exposes a
// partially written object, so there is nothing to clean up on failure.
func (s *S3Store) Write(ctx context.Context, id int64, blob Blob) error {
	data := blob.Bytes()
	_, err := s.Client.PutObject(ctx, s.BucketName, BlobKey(id), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream", SendContentMd5: true})
	s.observe("write", err)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
	}
	return nil
}

func (s *S3Store) Read(ctx context.Context, id int64) (Blob, error) {
	obj, err := s.Client.GetObject(ctx, s.BucketName, BlobKey(id), minio.GetObjectOptions{})
	if err != nil {
		s.observe("read", err)
		return Blob{}, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	s.observe("read", err)
	if err != nil {
		if isNotFound(err) {
			return Blob{}, fmt.Errorf("%w: message %d", consts.ErrBlobNotFound, id)
		}
		return Blob{}, err
	}
	return ParseBlob(data)
}

func (s *S3Store) Remove(ctx context.Context, id int64) error {
	err := s.Client.RemoveObject(ctx, s.BucketName, BlobKey(id), minio.RemoveObjectOptions{})
	if isNotFound(err) {
		err = nil
	}
	s.observe("remove", err)
	return err
}

// Link is a server side copy.
func (s *S3Store) Link(ctx context.Context, srcID, dstID int64) error {
	src := minio.CopySrcOptions{Bucket: s.BucketName, Object: BlobKey(srcID)}
	dst := minio.CopyDestOptions{Bucket: s.BucketName, Object: BlobKey(dstID)}
	_, err := s.Client.CopyObject(ctx, dst, src)
	s.observe("link", err)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: message %d", consts.ErrBlobNotFound, srcID)
		}
		return fmt.Errorf("failed to copy blob %d to %d: %w", srcID, dstID, err)
	}
	return nil
}

func (s *S3Store) observe(op string, err error) {
	metrics.StorageOperations.WithLabelValues("s3", op, classifyS3Error(err)).Inc()
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "success"
	}
	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case isNotFound(err):
		return "not_found"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}

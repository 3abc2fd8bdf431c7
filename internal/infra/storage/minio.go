package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

var _ domain.CallbackArchive = (*Store)(nil)

// putter is the subset of *minio.Client the archive uses.
type putter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Store keeps raw callback bodies in a MinIO/S3 bucket.
type Store struct {
	client     putter
	bucketName string
	now        func() time.Time
}

// New buat koneksi MinIO
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &Store{client: cli, bucketName: bucket, now: time.Now}, nil
}

// Key returns the object key for a callback received at t.
func Key(id domain.ScanID, t time.Time) string {
	return fmt.Sprintf("scans/%s/callback-%d.json", id, t.Unix())
}

// Archive implementasi CallbackArchive
func (s *Store) Archive(ctx context.Context, id domain.ScanID, body []byte) (string, error) {
	key := Key(id, s.now())
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("archive callback %s: %w", id, err)
	}
	return key, nil
}

package archive

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"clone-bench/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOUploader uploads archives to an S3-compatible bucket.
type MinIOUploader struct {
	client *minio.Client
	bucket string
	region string
}

func NewMinIOUploader(cfg config.ObjectStoreConfig) (*MinIOUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &MinIOUploader{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (u *MinIOUploader) Upload(ctx context.Context, key, path string) error {
	if err := u.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", u.bucket, err)
	}
	_, err := u.client.FPutObject(ctx, u.bucket, key, path, minio.PutObjectOptions{ContentType: "application/zip"})
	return err
}

func (u *MinIOUploader) ensureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

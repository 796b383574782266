// Package storage manages pre-recorded clip assets: object storage for the
// files and a drop-directory watcher that publishes new clips to the choir.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/casspangell/drone-choir-app-sub000/config"
	"github.com/casspangell/drone-choir-app-sub000/logger"
)

// ClipStore uploads and serves pre-recorded clip assets from object
// storage.
type ClipStore struct {
	client *minio.Client
	bucket string
}

// NewClipStore connects to MinIO and ensures the clip bucket exists.
func NewClipStore(cfg *config.Config) (*ClipStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check clip bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create clip bucket: %w", err)
		}
		logger.Info("clip bucket created", logger.String("bucket", cfg.MinioBucket))
	}

	return &ClipStore{client: client, bucket: cfg.MinioBucket}, nil
}

// UploadClip stores a local file as a clip object and returns the object
// name.
func (s *ClipStore) UploadClip(ctx context.Context, localPath string) (string, error) {
	name := filepath.Base(localPath)
	objectName := "clips/" + name

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.FPutObject(ctx, s.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload clip %s: %w", name, err)
	}

	logger.Info("clip uploaded",
		logger.String("object", objectName),
		logger.Int64("size", info.Size))
	return objectName, nil
}

// PresignClip returns a time-limited download URL for a clip object.
func (s *ClipStore) PresignClip(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign clip %s: %w", objectName, err)
	}
	return u.String(), nil
}

// OpenClip opens a clip object for streaming. The caller closes it.
func (s *ClipStore) OpenClip(ctx context.Context, objectName string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open clip %s: %w", objectName, err)
	}
	return obj, nil
}

// ListClips returns the object names under the clips/ prefix.
func (s *ClipStore) ListClips(ctx context.Context) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "clips/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		names = append(names, obj.Key)
	}
	return names, nil
}

package objectstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"paperflow/internal/config"
	"paperflow/internal/domain"
)

// GCSClient хранит объекты в Google Cloud Storage
type GCSClient struct {
	client *storage.Client
	bucket string
}

func NewGCSClient(ctx context.Context, conf config.StorageConfig) (*GCSClient, error) {
	if conf.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	var opts []option.ClientOption
	if conf.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(conf.CredentialsFile))
	}
	if conf.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(conf.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	attrsCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if _, err := client.Bucket(conf.Bucket).Attrs(attrsCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to access bucket %s: %w", conf.Bucket, err)
	}

	return &GCSClient{client: client, bucket: conf.Bucket}, nil
}

func (c *GCSClient) Bucket() string {
	return c.bucket
}

func (c *GCSClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := c.client.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object in GCS: %w", err)
	}
	return nil
}

func (c *GCSClient) Get(ctx context.Context, key string) (Object, error) {
	r, err := c.client.Bucket(c.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: object %s", domain.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object from GCS: %w", err)
	}
	return &object{
		ReadCloser:    r,
		contentLength: r.Attrs.Size,
		contentType:   r.Attrs.ContentType,
	}, nil
}

func (c *GCSClient) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err := c.client.Bucket(c.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete object from GCS: %w", err)
	}
	return nil
}

func (c *GCSClient) Close() error {
	return c.client.Close()
}

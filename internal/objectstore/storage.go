package objectstore

import (
	"context"
	"fmt"
	"io"

	"paperflow/internal/config"
)

// Object - содержимое объекта, открытое для чтения
type Object interface {
	io.ReadCloser
	ContentLength() int64
	ContentType() string
}

type object struct {
	io.ReadCloser
	contentLength int64
	contentType   string
}

func (o *object) ContentLength() int64 {
	return o.contentLength
}

func (o *object) ContentType() string {
	return o.contentType
}

// Storage определяет операции над хранилищем исходных файлов: только put/get/remove
type Storage interface {
	Bucket() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get возвращает ошибку, обёрнутую в domain.ErrNotFound, если объекта нет
	Get(ctx context.Context, key string) (Object, error)
	// Delete идемпотентен: отсутствующий объект не считается ошибкой
	Delete(ctx context.Context, key string) error
}

// New создаёт клиент хранилища по настройке Storage.Provider
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Provider {
	case "s3":
		return NewS3Client(ctx, cfg)
	case "gcs":
		return NewGCSClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

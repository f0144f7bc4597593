package extraction

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"paperflow/internal/domain"
	"paperflow/internal/logger"
	"paperflow/internal/objectstore"
)

// Fetcher скачивает исходный файл версии во временную директорию
type Fetcher struct {
	objects objectstore.Storage
	tempDir string
	log     *logger.Logger
}

func NewFetcher(objects objectstore.Storage, tempDir string, log *logger.Logger) *Fetcher {
	return &Fetcher{
		objects: objects,
		tempDir: tempDir,
		log:     log.With("component", "fetcher"),
	}
}

// Fetch возвращает путь к локальной копии объекта. cleanup удаляет копию
// вместе со всем, что движок положил рядом, и безопасен для повторного вызова.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key string) (string, func(), error) {
	if bucket != f.objects.Bucket() {
		return "", nil, fmt.Errorf("%w: message addresses bucket %q, worker serves %q",
			domain.ErrValidation, bucket, f.objects.Bucket())
	}

	obj, err := f.objects.Get(ctx, key)
	if err != nil {
		return "", nil, err
	}
	defer obj.Close()

	dir, err := os.MkdirTemp(f.tempDir, "ocr-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			f.log.Warn("failed to remove temp dir", "dir", dir, "error", err)
		}
	}

	path := filepath.Join(dir, "input"+filepath.Ext(key))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := io.Copy(file, obj)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}

	f.log.Debug("object fetched", "key", key, "bytes", n)
	return path, cleanup, nil
}

package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperflow/internal/config"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Provider: "ftp", Bucket: "documents"})
	assert.ErrorContains(t, err, "unknown storage provider")
}

func TestNewS3ClientRequiresCredentials(t *testing.T) {
	_, err := NewS3Client(context.Background(), config.StorageConfig{Bucket: "documents"})
	assert.ErrorContains(t, err, "missing required configuration")
}

func TestObjectExposesMetadata(t *testing.T) {
	var o Object = &object{
		ReadCloser:    io.NopCloser(strings.NewReader("%PDF")),
		contentLength: 4,
		contentType:   "application/pdf",
	}
	data, err := io.ReadAll(o)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))
	assert.Equal(t, int64(4), o.ContentLength())
	assert.Equal(t, "application/pdf", o.ContentType())
}

// Package storage keeps uploaded marketplace reports so queued import jobs
// can be re-read after a restart.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrFileNotFound is returned when a key has no stored object.
var ErrFileNotFound = errors.New("stored file not found")

// FileInfo contains metadata about a stored file
type FileInfo struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Checksum    string    `json:"checksum_sha256"`
	Key         string    `json:"key"` // backend object key
	CreatedAt   time.Time `json:"created_at"`
}

// Storage defines the interface for file storage operations
type Storage interface {
	// Save stores an upload under the tenant and returns its metadata
	Save(ctx context.Context, tenantID uuid.UUID, filename, contentType string, data []byte) (*FileInfo, error)

	// Open returns a reader for a stored object
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a stored object
	Delete(ctx context.Context, key string) error
}

// StorageType identifies the storage backend
type StorageType string

const (
	StorageTypeLocal  StorageType = "local"
	StorageTypeS3     StorageType = "s3"
	StorageTypeMemory StorageType = "memory"
)

// Config holds storage configuration
type Config struct {
	Type      StorageType
	LocalPath string

	S3Bucket   string
	S3Region   string
	S3Endpoint string // for S3-compatible services such as MinIO
	S3Prefix   string
}

// New creates a new Storage implementation based on configuration
func New(ctx context.Context, cfg *Config) (Storage, error) {
	switch cfg.Type {
	case StorageTypeS3:
		return NewS3Storage(ctx, cfg)
	case StorageTypeMemory:
		return NewMemoryStorage(), nil
	case StorageTypeLocal, "":
		return NewLocalStorage(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// ReadAll opens key and reads it fully.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// newFileInfo builds the metadata and object key for an upload.
func newFileInfo(tenantID uuid.UUID, filename, contentType string, data []byte) *FileInfo {
	id := uuid.New()
	sum := sha256.Sum256(data)
	return &FileInfo{
		ID:          id,
		Name:        filename,
		Size:        int64(len(data)),
		ContentType: contentType,
		Checksum:    hex.EncodeToString(sum[:]),
		Key:         path.Join(tenantID.String(), id.String()[:8]+"_"+sanitizeFilename(filename)),
		CreatedAt:   time.Now(),
	}
}

// sanitizeFilename removes unsafe characters from filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		"..", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	name = replacer.Replace(strings.TrimSpace(name))
	if name == "" {
		return "upload"
	}
	return name
}

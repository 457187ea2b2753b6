package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPublicPrefix is the retrieval path under which stored objects are served.
const DefaultPublicPrefix = "/api/images"

var (
	// ErrNotFound is returned when a key is unknown or was removed.
	ErrNotFound = errors.New("object not found")
	// ErrUnavailable is returned when the backing service cannot be reached.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrQuotaExceeded is returned when the namespace has no capacity left.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Config contains the information required to talk to an object store.
type Config struct {
	Provider     string
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	CreateBucket bool

	// DataDir is the root directory of the fs provider.
	DataDir string
	// QuotaBytes caps the fs and memory providers. Zero means unlimited.
	QuotaBytes int64
	// PublicPrefix is prepended to keys to build StoredObject.URL.
	PublicPrefix string
	// CacheSize enables an LRU of retrieved payloads when positive.
	CacheSize int
}

// StoredObject describes an object after a successful Store.
type StoredObject struct {
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	SizeBytes  int64     `json:"size_bytes"`
	Checksum   string    `json:"checksum"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Client represents the capabilities the ingestion pipeline expects from a backend.
type Client interface {
	// Store persists data under a freshly generated key.
	Store(ctx context.Context, data []byte, fileName, contentType string) (*StoredObject, error)
	// Retrieve returns the complete payload stored under key.
	Retrieve(ctx context.Context, key string) ([]byte, error)
	// ContentType returns the content type declared when key was stored.
	ContentType(ctx context.Context, key string) (string, error)
	// Remove deletes key. Unknown keys yield ErrNotFound.
	Remove(ctx context.Context, key string) error
	Close() error
}

// New creates an object store client based on the given configuration.
// Every client is instrumented; a retrieval cache is layered on top when enabled.
func New(ctx context.Context, cfg Config) (Client, error) {
	var (
		client Client
		err    error
	)

	switch strings.ToLower(cfg.Provider) {
	case "minio", "s3", "r2":
		client, err = newMinioClient(ctx, cfg)
	case "fs", "filesystem":
		client, err = NewFileSystem(cfg.DataDir, cfg.QuotaBytes, cfg.PublicPrefix)
	case "memory":
		client = NewMemory(cfg.QuotaBytes, cfg.PublicPrefix)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	client = Instrument(client, strings.ToLower(cfg.Provider))

	if cfg.CacheSize > 0 {
		client, err = NewCached(client, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	return client, nil
}

func objectURL(prefix, key string) string {
	if prefix == "" {
		prefix = DefaultPublicPrefix
	}
	return strings.TrimRight(prefix, "/") + "/" + key
}

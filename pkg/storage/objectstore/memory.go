package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Client. It is safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	objects   map[string]memoryObject
	usedBytes int64
	quota     int64
	prefix    string
}

type memoryObject struct {
	data        []byte
	checksum    string
	contentType string
}

// NewMemory returns an empty in-memory store. quotaBytes of zero disables the quota.
func NewMemory(quotaBytes int64, publicPrefix string) *Memory {
	return &Memory{
		objects: make(map[string]memoryObject),
		quota:   quotaBytes,
		prefix:  publicPrefix,
	}
}

func (m *Memory) Store(ctx context.Context, data []byte, fileName, contentType string) (*StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store %q: %w: %w", fileName, ErrUnavailable, err)
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	sum := sha256.Sum256(copied)
	key := NewKey(fileName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quota > 0 && m.usedBytes+int64(len(copied)) > m.quota {
		return nil, fmt.Errorf("store %q: %w", fileName, ErrQuotaExceeded)
	}
	m.objects[key] = memoryObject{data: copied, checksum: hex.EncodeToString(sum[:]), contentType: contentType}
	m.usedBytes += int64(len(copied))

	return &StoredObject{
		Key:        key,
		URL:        objectURL(m.prefix, key),
		SizeBytes:  int64(len(copied)),
		Checksum:   hex.EncodeToString(sum[:]),
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (m *Memory) Retrieve(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("retrieve %q: %w", key, ErrNotFound)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (m *Memory) ContentType(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return "", fmt.Errorf("content type %q: %w", key, ErrNotFound)
	}
	return obj.contentType, nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return fmt.Errorf("remove %q: %w", key, ErrNotFound)
	}
	delete(m.objects, key)
	m.usedBytes -= int64(len(obj.data))
	return nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) Close() error {
	return nil
}

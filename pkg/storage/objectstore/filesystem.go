package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileSystem stores objects as flat files under a single directory.
// Writes go to a temp file first and are renamed into place after fsync,
// so a key never points at a partially written object. The declared content
// type lives next to the object in a "<key>~type" file.
// Suffixes of helper files. '~' never occurs in a key, so these cannot
// collide with an object.
const (
	tmpSuffix  = "~tmp"
	typeSuffix = "~type"
)

type FileSystem struct {
	dir    string
	prefix string
	quota  int64

	mu        sync.Mutex
	usedBytes int64
}

// NewFileSystem creates dir when missing and accounts for the objects already in it.
func NewFileSystem(dir string, quotaBytes int64, publicPrefix string) (*FileSystem, error) {
	if dir == "" {
		return nil, errors.New("fs object store: data dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}

	var used int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), "~") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan data dir %s: %w", dir, err)
	}

	return &FileSystem{dir: dir, prefix: publicPrefix, quota: quotaBytes, usedBytes: used}, nil
}

func (s *FileSystem) Store(ctx context.Context, data []byte, fileName, contentType string) (*StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store %q: %w: %w", fileName, ErrUnavailable, err)
	}

	size := int64(len(data))
	if err := s.reserve(size); err != nil {
		return nil, fmt.Errorf("store %q: %w", fileName, err)
	}

	key := NewKey(fileName)
	fullPath := filepath.Join(s.dir, key)
	if err := writeAtomic(fullPath+typeSuffix, []byte(contentType)); err != nil {
		s.release(size)
		return nil, fmt.Errorf("store %q: %w", fileName, classifyFSError(err))
	}
	if err := writeAtomic(fullPath, data); err != nil {
		os.Remove(fullPath + typeSuffix)
		s.release(size)
		return nil, fmt.Errorf("store %q: %w", fileName, classifyFSError(err))
	}

	sum := sha256.Sum256(data)
	return &StoredObject{
		Key:        key,
		URL:        objectURL(s.prefix, key),
		SizeBytes:  size,
		Checksum:   hex.EncodeToString(sum[:]),
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (s *FileSystem) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("retrieve %q: %w", key, ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		return nil, fmt.Errorf("retrieve %q: %w", key, classifyFSError(err))
	}
	return data, nil
}

func (s *FileSystem) Remove(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("remove %q: %w", key, ErrNotFound)
	}

	fullPath := filepath.Join(s.dir, key)
	info, err := os.Stat(fullPath)
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, classifyFSError(err))
	}
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("remove %q: %w", key, classifyFSError(err))
	}
	s.release(info.Size())
	if err := os.Remove(fullPath + typeSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %q content type: %w", key, classifyFSError(err))
	}
	return nil
}

// ContentType reads the type recorded at Store. Objects written without a
// type file report an empty type.
func (s *FileSystem) ContentType(ctx context.Context, key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("content type %q: %w", key, ErrNotFound)
	}

	fullPath := filepath.Join(s.dir, key)
	if _, err := os.Stat(fullPath); err != nil {
		return "", fmt.Errorf("content type %q: %w", key, classifyFSError(err))
	}
	ct, err := os.ReadFile(fullPath + typeSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("content type %q: %w", key, classifyFSError(err))
	}
	return string(ct), nil
}

func (s *FileSystem) Close() error {
	return nil
}

func (s *FileSystem) reserve(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota > 0 && s.usedBytes+size > s.quota {
		return ErrQuotaExceeded
	}
	s.usedBytes += size
	return nil
}

func (s *FileSystem) release(size int64) {
	s.mu.Lock()
	s.usedBytes -= size
	s.mu.Unlock()
}

// writeAtomic: temp file -> write -> fsync -> rename. The temp file is removed on error.
func writeAtomic(fullPath string, data []byte) error {
	tmpPath := fullPath + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func classifyFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

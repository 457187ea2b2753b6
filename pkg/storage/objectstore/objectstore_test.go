package objectstore

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Client {
	t.Helper()

	fsStore, err := NewFileSystem(t.TempDir(), 0, "")
	require.NoError(t, err)

	cached, err := NewCached(NewMemory(0, ""), 8)
	require.NoError(t, err)

	return map[string]Client{
		"memory":       NewMemory(0, ""),
		"fs":           fsStore,
		"cached":       cached,
		"instrumented": Instrument(NewMemory(0, ""), "memory"),
	}
}

func TestRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 1024)

			obj, err := store.Store(ctx, payload, "chest pa.png", "image/png")
			require.NoError(t, err)

			assert.True(t, ValidKey(obj.Key), obj.Key)
			assert.True(t, strings.HasSuffix(obj.Key, "-chest_pa.png"), obj.Key)
			assert.Equal(t, DefaultPublicPrefix+"/"+obj.Key, obj.URL)
			assert.Equal(t, int64(len(payload)), obj.SizeBytes)
			assert.NotEmpty(t, obj.Checksum)
			assert.False(t, obj.UploadedAt.IsZero())

			got, err := store.Retrieve(ctx, obj.Key)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestRemove(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			obj, err := store.Store(ctx, []byte("dicom"), "scan.dcm", "application/dicom")
			require.NoError(t, err)

			// Warm any cache before removing.
			_, err = store.Retrieve(ctx, obj.Key)
			require.NoError(t, err)

			require.NoError(t, store.Remove(ctx, obj.Key))

			_, err = store.Retrieve(ctx, obj.Key)
			assert.ErrorIs(t, err, ErrNotFound)

			err = store.Remove(ctx, obj.Key)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUnknownKey(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Retrieve(ctx, "does-not-exist.png")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.Remove(ctx, "does-not-exist.png"), ErrNotFound)
		})
	}
}

func TestConcurrentStoreSameName(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const n = 32
			ctx := context.Background()

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				keys = make(map[string]struct{}, n)
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					obj, err := store.Store(ctx, []byte("same"), "xray.jpg", "image/jpeg")
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					keys[obj.Key] = struct{}{}
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Len(t, keys, n)
		})
	}
}

func TestQuota(t *testing.T) {
	fsStore, err := NewFileSystem(t.TempDir(), 10, "")
	require.NoError(t, err)

	for name, store := range map[string]Client{"memory": NewMemory(10, ""), "fs": fsStore} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			obj, err := store.Store(ctx, []byte("12345678"), "a.png", "image/png")
			require.NoError(t, err)

			_, err = store.Store(ctx, []byte("123"), "b.png", "image/png")
			assert.ErrorIs(t, err, ErrQuotaExceeded)

			// Space is released on remove.
			require.NoError(t, store.Remove(ctx, obj.Key))
			_, err = store.Store(ctx, []byte("123"), "b.png", "image/png")
			assert.NoError(t, err)
		})
	}
}

func TestFileSystem_NoTmpLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystem(dir, 0, "/files")
	require.NoError(t, err)

	obj, err := store.Store(context.Background(), []byte("data"), "x.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "/files/"+obj.Key, obj.URL)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{obj.Key, obj.Key + typeSuffix}, names)

	require.NoError(t, store.Remove(context.Background(), obj.Key))
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileSystem_TmpNamedUploadCountsAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystem(dir, 10, "")
	require.NoError(t, err)

	obj, err := store.Store(context.Background(), []byte("123456"), "scan.tmp", "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(obj.Key, "-scan.tmp"), obj.Key)

	reopened, err := NewFileSystem(dir, 10, "")
	require.NoError(t, err)
	_, err = reopened.Store(context.Background(), []byte("12345"), "b.png", "image/png")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestFileSystem_ContentTypeWithoutTypeFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystem(dir, 0, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.dcm"), []byte("x"), 0o600))

	ct, err := store.ContentType(context.Background(), "legacy.dcm")
	require.NoError(t, err)
	assert.Empty(t, ct)

	_, err = store.ContentType(context.Background(), "../secret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystem_AccountsExistingObjects(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.png"), []byte("123456"), 0o600))

	store, err := NewFileSystem(dir, 8, "")
	require.NoError(t, err)

	_, err = store.Store(context.Background(), []byte("123"), "b.png", "image/png")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestFileSystem_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystem(filepath.Join(dir, "data"), 0, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret"), []byte("x"), 0o600))

	_, err = store.Retrieve(context.Background(), "../secret")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Remove(context.Background(), "../secret"), ErrNotFound)
}

func TestStoreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory(0, "").Store(ctx, []byte("x"), "a.png", "image/png")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCachedReturnsCopies(t *testing.T) {
	store, err := NewCached(NewMemory(0, ""), 2)
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := store.Store(ctx, []byte("abc"), "a.png", "image/png")
	require.NoError(t, err)

	first, err := store.Retrieve(ctx, obj.Key)
	require.NoError(t, err)
	first[0] = 'z'

	second, err := store.Retrieve(ctx, obj.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), second)
}

func TestContentType(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			obj, err := store.Store(ctx, []byte("no preamble"), "slice.dcm", "application/dicom")
			require.NoError(t, err)

			ct, err := store.ContentType(ctx, obj.Key)
			require.NoError(t, err)
			assert.Equal(t, "application/dicom", ct)

			require.NoError(t, store.Remove(ctx, obj.Key))
			_, err = store.ContentType(ctx, obj.Key)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// gatedStore holds Retrieve after it has read the payload until release is closed.
type gatedStore struct {
	*Memory
	fetched chan struct{}
	release chan struct{}
}

func (g *gatedStore) Retrieve(ctx context.Context, key string) ([]byte, error) {
	data, err := g.Memory.Retrieve(ctx, key)
	g.fetched <- struct{}{}
	<-g.release
	return data, err
}

func TestCachedRetrieveOverlappingRemove(t *testing.T) {
	backend := &gatedStore{
		Memory:  NewMemory(0, ""),
		fetched: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	store, err := NewCached(backend, 4)
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := store.Store(ctx, []byte("x"), "a.png", "image/png")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := store.Retrieve(ctx, obj.Key)
		done <- err
	}()
	<-backend.fetched

	require.NoError(t, store.Remove(ctx, obj.Key))
	close(backend.release)
	require.NoError(t, <-done)

	_, err = store.Retrieve(ctx, obj.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	client, err := New(ctx, Config{Provider: "memory", CacheSize: 4})
	require.NoError(t, err)
	assert.IsType(t, &Cached{}, client)

	client, err = New(ctx, Config{Provider: "fs", DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &instrumented{}, client)

	_, err = New(ctx, Config{Provider: "fs"})
	assert.Error(t, err)

	_, err = New(ctx, Config{Provider: "ftp"})
	assert.EqualError(t, err, "unsupported object store provider: ftp")
}

func TestNewKey(t *testing.T) {
	tests := []struct {
		in     string
		suffix string
	}{
		{"xray.png", "-xray.png"},
		{"../../etc/passwd", "-passwd"},
		{`C:\scans\study 1.dcm`, "-study_1.dcm"},
		{"снимок.jpg", "-file.jpg"},
		{"", "-file"},
		{strings.Repeat("a", 300) + ".dcm", "-" + strings.Repeat("a", maxKeyNameLen-4) + ".dcm"},
	}
	for _, tt := range tests {
		key := NewKey(tt.in)
		assert.True(t, strings.HasSuffix(key, tt.suffix), "%q -> %q", tt.in, key)
		assert.True(t, ValidKey(key), key)
	}
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey("3f1c1f6e-8a4b-4b5e-9d0a-0a1b2c3d4e5f-a.png"))
	assert.False(t, ValidKey(""))
	assert.False(t, ValidKey(".."))
	assert.False(t, ValidKey("a/b"))
	assert.False(t, ValidKey("a b"))
	assert.False(t, ValidKey("a%2Fb"))
}

func TestClassifyMinioError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, ErrNotFound},
		{"head 404", minio.ErrorResponse{StatusCode: http.StatusNotFound}, ErrNotFound},
		{"no such bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}, ErrUnavailable},
		{"storage full", minio.ErrorResponse{Code: "XMinioStorageFull", StatusCode: http.StatusInsufficientStorage}, ErrQuotaExceeded},
		{"bucket quota", minio.ErrorResponse{Code: "XMinioAdminBucketQuotaExceeded", StatusCode: http.StatusBadRequest}, ErrQuotaExceeded},
		{"network", errors.New("dial tcp 127.0.0.1:9000: connect: connection refused"), ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyMinioError(tt.err), tt.want)
		})
	}
}

func TestSplitEndpoint(t *testing.T) {
	host, secure := splitEndpoint("http://localhost:9000", false)
	assert.Equal(t, "localhost:9000", host)
	assert.False(t, secure)

	host, secure = splitEndpoint("https://account.r2.cloudflarestorage.com/", false)
	assert.Equal(t, "account.r2.cloudflarestorage.com", host)
	assert.True(t, secure)

	host, secure = splitEndpoint("minio:9000", true)
	assert.Equal(t, "minio:9000", host)
	assert.True(t, secure)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "not_found", resultLabel(ErrNotFound))
	assert.Equal(t, "quota_exceeded", resultLabel(ErrQuotaExceeded))
	assert.Equal(t, "unavailable", resultLabel(ErrUnavailable))
	assert.Equal(t, "error", resultLabel(errors.New("boom")))
}

package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrader/qtrader/internal/config"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Object
	for key, data := range m.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, Object{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestService(t *testing.T, store ObjectStore, retentionDays int) (*Service, string) {
	t.Helper()
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "trader.db"), "sqlite bytes")
	writeFile(t, filepath.Join(base, "params", "ma1.toml"), "fast = 5\n")
	writeFile(t, filepath.Join(base, "params", "positions.msgpack"), "snapshot")

	svc := New(config.BackupConfig{Bucket: "test", RetentionDays: retentionDays}, "ACC001",
		[]string{
			filepath.Join(base, "trader.db"),
			filepath.Join(base, "params"),
			filepath.Join(base, "missing-exports"),
		}, store, zerolog.Nop())
	return svc, base
}

// extract reads every entry of an uploaded archive.
func extract(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = content
	}
	return out
}

func TestRunUploadsArchiveWithManifest(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store, 0)

	prepared := false
	svc.Prepare = func() error { prepared = true; return nil }

	require.NoError(t, svc.Run(context.Background()))
	assert.True(t, prepared)

	keys := store.keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "qtrader-backup-ACC001-")

	files := extract(t, store.objects[keys[0]])
	require.Contains(t, files, "manifest.json")
	require.Contains(t, files, "trader.db")
	require.Contains(t, files, filepath.Join("params", "ma1.toml"))
	require.Contains(t, files, filepath.Join("params", "positions.msgpack"))

	var manifest Manifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, "ACC001", manifest.AccountID)
	require.Len(t, manifest.Files, 3)

	// checksums in the manifest match the archived bytes
	for _, mf := range manifest.Files {
		sum := sha256.Sum256(files[mf.Path])
		assert.Equal(t, fmt.Sprintf("sha256:%x", sum), mf.Checksum)
		assert.Equal(t, int64(len(files[mf.Path])), mf.SizeBytes)
	}
}

func TestRunFailsWithNothingToArchive(t *testing.T) {
	svc := New(config.BackupConfig{Bucket: "test"}, "ACC001",
		[]string{filepath.Join(t.TempDir(), "nope")}, newMemStore(), zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}

func TestPrepareFailureAborts(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store, 0)
	svc.Prepare = func() error { return fmt.Errorf("checkpoint failed") }
	require.Error(t, svc.Run(context.Background()))
	assert.Empty(t, store.keys())
}

func TestKeyPrefixIncludesConfiguredPrefix(t *testing.T) {
	svc := New(config.BackupConfig{Bucket: "b", Prefix: "prod/"}, "ACC001", nil, newMemStore(), zerolog.Nop())
	assert.Equal(t, "prod/qtrader-backup-ACC001-", svc.keyPrefix())
}

func TestRotateKeepsMinimumAndRecent(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store, 7)

	now := time.Now()
	svc.now = func() time.Time { return now }

	// six archives: three recent, three far past the retention window
	ages := []time.Duration{
		1 * time.Hour, 2 * time.Hour, 3 * time.Hour,
		10 * 24 * time.Hour, 11 * 24 * time.Hour, 12 * 24 * time.Hour,
	}
	for _, age := range ages {
		key := svc.archiveKey(now.Add(-age))
		require.NoError(t, store.Upload(context.Background(), key, bytes.NewReader([]byte("x"))))
	}

	require.NoError(t, svc.Rotate(context.Background()))

	remaining, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
	for _, info := range remaining {
		assert.Less(t, now.Sub(info.Timestamp), 7*24*time.Hour)
	}
}

func TestRotateKeepsEverythingUnderMinimum(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store, 1)
	now := time.Now()
	svc.now = func() time.Time { return now }

	for _, age := range []time.Duration{30 * 24 * time.Hour, 40 * 24 * time.Hour} {
		key := svc.archiveKey(now.Add(-age))
		require.NoError(t, store.Upload(context.Background(), key, bytes.NewReader([]byte("x"))))
	}
	require.NoError(t, svc.Rotate(context.Background()))
	remaining, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

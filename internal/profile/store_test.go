package profile

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSaveAndRestore(t *testing.T) {
	store, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	p := store.Create()

	userData := t.TempDir()
	writeFile(t, filepath.Join(userData, "Default", "Cookies"), "cookie-jar")
	writeFile(t, filepath.Join(userData, "Local State"), `{"profile":{}}`)

	require.NoError(t, store.Save(p.ID, userData))

	saved, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Greater(t, saved.SizeBytes, int64(0))
	assert.FileExists(t, saved.ArchivePath)

	dir, err := store.Restore(p.ID)
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cookies, err := os.ReadFile(filepath.Join(dir, "Default", "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "cookie-jar", string(cookies))
	assert.FileExists(t, filepath.Join(dir, "Local State"))
}

func TestRestoreEmptyProfile(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	p := store.Create()
	dir, err := store.Restore(p.ID)
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreReindexesArchives(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, nil)
	require.NoError(t, err)

	p := store.Create()
	userData := t.TempDir()
	writeFile(t, filepath.Join(userData, "Preferences"), "{}")
	require.NoError(t, store.Save(p.ID, userData))

	reopened, err := NewStore(root, nil)
	require.NoError(t, err)

	got, err := reopened.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Len(t, reopened.List(), 1)
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	p := store.Create()
	userData := t.TempDir()
	writeFile(t, filepath.Join(userData, "Preferences"), "{}")
	require.NoError(t, store.Save(p.ID, userData))
	saved, _ := store.Get(p.ID)

	require.NoError(t, store.Delete(p.ID))
	assert.NoFileExists(t, saved.ArchivePath)
	assert.ErrorIs(t, store.Delete(p.ID), ErrProfileNotFound)

	_, err = store.Restore(p.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.ErrorIs(t, store.Save(p.ID, userData), ErrProfileNotFound)
}

func TestExtractRejectsTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(archive)
	require.NoError(t, err)

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	target := filepath.Join(t.TempDir(), "profile")
	require.NoError(t, os.MkdirAll(target, 0o755))

	err = extractArchive(archive, target)
	assert.ErrorContains(t, err, "escapes")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(target), "escape.txt"))
}

// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "reports")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutAndGetObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		data := []byte(`{"search_id":"s1"}`)
		uri, err := store.PutObject(ctx, "reports/s1.json", "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "reports/s1.json"), uri)

		rc, err := store.GetObject(ctx, "reports/s1.json")
		require.NoError(t, err)
		defer rc.Close()
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.PutObject(ctx, "reports/s2.json", "", bytes.NewReader([]byte("v1")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "reports/s2.json", "", bytes.NewReader([]byte("v2")))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(tempDir, "reports/s2.json"))
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetObject(ctx, "reports/none.json")
		require.ErrorIs(t, err, crawler.ErrNotFound)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.json", "", bytes.NewReader([]byte("x")))
		require.ErrorContains(t, err, "traversal")
		_, err = store.GetObject(ctx, "../../etc/passwd")
		require.ErrorContains(t, err, "traversal")
	})
}

package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewLocalStore(dir, "http://localhost:8080/")

	locator, err := store.Put(ctx, "exports/org-1/job-1.zip", []byte("bundle"), "application/zip")
	require.NoError(t, err)
	require.Equal(t, "local://exports/org-1/job-1.zip", locator)

	data, err := os.ReadFile(filepath.Join(dir, "exports", "org-1", "job-1.zip"))
	require.NoError(t, err)
	require.Equal(t, "bundle", string(data))

	url, err := store.DownloadURL(ctx, locator, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/artifacts/exports/org-1/job-1.zip", url)
}

func TestLocalStoreRejectsForeignLocator(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "http://localhost:8080")
	_, err := store.DownloadURL(context.Background(), "s3://bucket/key", time.Hour)
	require.Error(t, err)
}

func TestLocalStoreSanitizesTraversal(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "http://localhost:8080")

	locator, err := store.Put(context.Background(), "../../escape.zip", []byte("x"), "application/zip")
	require.NoError(t, err)
	require.NotContains(t, locator, "..")
}

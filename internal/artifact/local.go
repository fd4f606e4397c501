package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore keeps artifacts on the local filesystem for development. The API
// serves the base dir under /artifacts/, so download URLs are plain paths off
// the public base URL.
type LocalStore struct {
	baseDir       string
	publicBaseURL string
}

func NewLocalStore(baseDir, publicBaseURL string) *LocalStore {
	return &LocalStore{
		baseDir:       baseDir,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

// BaseDir exposes the directory the API mounts as a file server.
func (l *LocalStore) BaseDir() string { return l.baseDir }

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return "local://" + key, nil
}

func (l *LocalStore) DownloadURL(_ context.Context, locator string, _ time.Duration) (string, error) {
	key, ok := strings.CutPrefix(locator, "local://")
	if !ok {
		return "", fmt.Errorf("locator %q is not a local artifact", locator)
	}
	return l.publicBaseURL + "/artifacts/" + key, nil
}

func sanitizeKey(key string) string {
	// Rooting the path before Clean discards any ".." escape attempts.
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}

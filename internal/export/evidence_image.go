package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const (
	thumbWidth    = 320
	maxImageBytes = 25 << 20
)

// Thumbnailer downsizes evidence image attachments for inclusion in bundles,
// so auditors get a browsable preview without pulling full-size uploads.
type Thumbnailer struct {
	client *http.Client
}

func NewThumbnailer(timeout time.Duration) *Thumbnailer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Thumbnailer{client: &http.Client{Timeout: timeout}}
}

// Thumbnail downloads the attachment and returns a resized JPEG. Non-image
// attachments and oversized downloads are rejected with an error; callers
// treat thumbnails as best effort.
func (t *Thumbnailer) Thumbnail(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download evidence file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download evidence file: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("not an image: %s", ct)
	}

	limited := io.LimitReader(resp.Body, maxImageBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read evidence file: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("evidence file too large (>%d bytes)", maxImageBytes)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	thumb := imaging.Resize(img, thumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

package artifact

import (
	"context"
	"time"
)

// Store persists generated artifacts and hands out time-limited download URLs
// for them. The locator returned by Put is what the job record stores.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	DownloadURL(ctx context.Context, locator string, ttl time.Duration) (string, error)
}

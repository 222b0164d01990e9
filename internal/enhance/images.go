package enhance

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// maxImageBytes caps a single downloaded image.
	maxImageBytes = 5 << 20
	// maxParallelImages bounds concurrent downloads for one record.
	maxParallelImages = 4
)

// supportedImageTypes are the media types the provider accepts inline.
var supportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// ImageFetcher downloads referenced images for multimodal prompts.
type ImageFetcher interface {
	Fetch(ctx context.Context, urls []string) []Image
}

// HTTPImageFetcher fetches images over HTTP. Failures and unsupported
// formats (SVG in particular) are skipped with a warning.
type HTTPImageFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPImageFetcher creates a fetcher with a per-image timeout.
func NewHTTPImageFetcher(timeout time.Duration) *HTTPImageFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPImageFetcher{
		client:    &http.Client{Timeout: timeout, Transport: transport},
		userAgent: "qbank/1.0",
	}
}

// Fetch downloads urls concurrently and returns the successful ones in
// input order.
func (f *HTTPImageFetcher) Fetch(ctx context.Context, urls []string) []Image {
	slots := make([]*Image, len(urls))

	var g errgroup.Group
	g.SetLimit(maxParallelImages)
	for i, u := range urls {
		g.Go(func() error {
			img, err := f.fetchOne(ctx, u)
			if err != nil {
				zap.L().Warn("skipping image", zap.String("url", u), zap.Error(err))
				return nil
			}
			slots[i] = &img
			return nil
		})
	}
	_ = g.Wait()

	var out []Image
	for _, img := range slots {
		if img != nil {
			out = append(out, *img)
		}
	}
	return out
}

func (f *HTTPImageFetcher) fetchOne(ctx context.Context, url string) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Image{}, eris.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Image{}, eris.Wrap(err, "fetch")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Image{}, eris.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return Image{}, eris.Wrap(err, "read body")
	}
	if len(data) > maxImageBytes {
		return Image{}, eris.Errorf("image larger than %d bytes", maxImageBytes)
	}

	mediaType := mediaTypeOf(resp.Header.Get("Content-Type"), data)
	if !supportedImageTypes[mediaType] {
		return Image{}, eris.Errorf("unsupported image type %q", mediaType)
	}
	return Image{URL: url, MediaType: mediaType, Data: data}, nil
}

// mediaTypeOf prefers the declared content type and sniffs when it is
// missing or generic.
func mediaTypeOf(header string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

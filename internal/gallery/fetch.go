package gallery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DemoLabels are the identities of the public demo gallery.
var DemoLabels = []string{"Danyl", "Joel"}

// DemoURLTemplate is formatted with a label to get its one demo image.
const DemoURLTemplate = "https://raw.githubusercontent.com/WebDevSimplified/Face-Recognition-JavaScript/master/labeled_images/%s/1.jpg"

const maxImageSize = 32 * 1024 * 1024

// Demo returns the demo gallery as sources.
func Demo() []Source {
	out := make([]Source, len(DemoLabels))
	for i, label := range DemoLabels {
		out[i] = Source{Label: label, Images: []string{fmt.Sprintf(DemoURLTemplate, label)}}
	}
	return out
}

// Fetcher reads gallery images from local paths or HTTP(S) URLs.
type Fetcher struct {
	Client *http.Client
}

// NewFetcher returns a Fetcher with a bounded HTTP timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Fetch downloads one image.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("fetch %s: image larger than %d bytes", url, maxImageSize)
	}
	return data, nil
}

// Read loads an image from a URL or a file path.
func (f *Fetcher) Read(ctx context.Context, src string) ([]byte, error) {
	if isURL(src) {
		return f.Fetch(ctx, src)
	}
	return os.ReadFile(src)
}

package media

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

	"golang.org/x/image/webp"
)

const (
	defaultImageWidth  = 512
	defaultImageHeight = 512
	// sniffRangeBytes bounds how much of a remote image we fetch just to
	// read its header; 64 KiB comfortably covers PNG/JPEG/GIF/WebP headers.
	sniffRangeBytes = 64 * 1024
)

// decodeConfig peeks at an image's encoded header and returns its true
// pixel dimensions, trying the registered stdlib decoders first and
// falling back to WebP (not registered by the stdlib image package).
func decodeConfig(r io.Reader) (width, height int, err error) {
	data, err := io.ReadAll(io.LimitReader(r, sniffRangeBytes))
	if err != nil {
		return 0, 0, fmt.Errorf("read image header failed: %w", err)
	}

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return cfg.Width, cfg.Height, nil
	}
	if cfg, err := webp.DecodeConfig(bytes.NewReader(data)); err == nil {
		return cfg.Width, cfg.Height, nil
	}
	return 0, 0, fmt.Errorf("unrecognized image header")
}

// RemoteImageSize range-requests the first sniffRangeBytes of url and
// decodes its dimensions, returning the defaultImageWidth/Height fallback
// if the header cannot be parsed (a 512x512 markdown image literal is
// harmless even when wrong).
func RemoteImageSize(ctx context.Context, httpClient *http.Client, url string) (width, height int) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return defaultImageWidth, defaultImageHeight
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffRangeBytes-1))

	resp, err := httpClient.Do(req)
	if err != nil {
		return defaultImageWidth, defaultImageHeight
	}
	defer resp.Body.Close()

	w, h, err := decodeConfig(resp.Body)
	if err != nil {
		return defaultImageWidth, defaultImageHeight
	}
	return w, h
}

// LocalImageSize decodes dimensions from raw bytes already read from disk
// or a DataURL payload.
func LocalImageSize(data []byte) (width, height int) {
	w, h, err := decodeConfig(bytes.NewReader(data))
	if err != nil {
		return defaultImageWidth, defaultImageHeight
	}
	return w, h
}

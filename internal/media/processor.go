package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/vaultstream/internal/model"
	vsotel "github.com/basket/vaultstream/internal/otel"
)

// Processor downloads media referenced by a parsed Content and archives it
// content-addressed through Storage, producing MediaAsset rows.
type Processor struct {
	httpClient *http.Client
	storage    Storage
	namespace  string
	metrics    *vsotel.Metrics
}

// NewProcessor builds a Processor archiving into storage under namespace
// (a per-deployment or per-tenant prefix).
func NewProcessor(httpClient *http.Client, storage Storage, namespace string) *Processor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Processor{httpClient: httpClient, storage: storage, namespace: namespace}
}

// WithMetrics attaches optional otel metrics, returning p for chaining.
func (p *Processor) WithMetrics(m *vsotel.Metrics) *Processor {
	p.metrics = m
	return p
}

// ProcessImage downloads originalURL, re-encodes it as WebP, archives the
// full image and a bounded thumbnail, and extracts a dominant color for
// the first image of a Content (callers pass withDominantColor=true only
// for that one).
func (p *Processor) ProcessImage(ctx context.Context, originalURL string, withDominantColor bool) (model.MediaAsset, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.MediaTranscodeDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	raw, err := p.fetch(ctx, originalURL)
	if err != nil {
		return model.MediaAsset{}, err
	}

	webpBytes, width, height, frameCount, err := p.encodeImagePreservingAnimation(raw, originalURL)
	if err != nil {
		return model.MediaAsset{}, err
	}
	key, _ := ContentAddressedKey(webpBytes, "webp")
	exists, err := p.storage.Exists(ctx, key)
	if err != nil {
		return model.MediaAsset{}, fmt.Errorf("check existing image %s: %w", originalURL, err)
	}
	if !exists {
		if err := p.storage.PutBytes(ctx, key, webpBytes, "image/webp"); err != nil {
			return model.MediaAsset{}, fmt.Errorf("store image %s: %w", originalURL, err)
		}
	}

	asset := model.MediaAsset{
		Kind:        "image",
		StorageKey:  p.namespaced(key),
		OriginalURL: originalURL,
		Width:       width,
		Height:      height,
		FrameCount:  frameCount,
		Bytes:       int64(len(webpBytes)),
	}

	if thumb, err := Thumbnail(raw); err == nil {
		thumbKey, _ := ContentAddressedKey(thumb.WebP, "thumb.webp")
		thumbExists, err := p.storage.Exists(ctx, thumbKey)
		if err == nil {
			if !thumbExists {
				err = p.storage.PutBytes(ctx, thumbKey, thumb.WebP, "image/webp")
			}
			if err == nil {
				asset.ThumbnailKey = p.namespaced(thumbKey)
			}
		}
	}

	if withDominantColor {
		// image.Decode (and the registered gif decoder) always yields the
		// first frame, so raw works for stills and animated GIFs alike.
		if color, err := DominantColor(raw); err == nil {
			asset.DominantColor = color
		}
	}
	return asset, nil
}

// encodeImagePreservingAnimation re-encodes raw as WebP, keeping every
// frame (and its per-frame delay) when raw is a multi-frame GIF, and
// falling back to EncodeWebP's single-frame path for everything else.
// frameCount is 0 for a still image, matching MediaAsset.FrameCount's
// omitempty semantics.
func (p *Processor) encodeImagePreservingAnimation(raw []byte, originalURL string) (webpBytes []byte, width, height, frameCount int, err error) {
	if frames, delays, gifErr := DecodeGIFFrames(raw); gifErr == nil && len(frames) > 1 {
		animated, w, h, encErr := EncodeAnimatedWebP(frames, delays, DefaultQuality)
		if encErr != nil {
			return nil, 0, 0, 0, fmt.Errorf("encode animated webp for %s: %w", originalURL, encErr)
		}
		return animated, w, h, len(frames), nil
	}
	encoded, encErr := EncodeWebP(raw, DefaultQuality)
	if encErr != nil {
		return nil, 0, 0, 0, fmt.Errorf("encode webp for %s: %w", originalURL, encErr)
	}
	return encoded.WebP, encoded.Width, encoded.Height, 0, nil
}

// ProcessVideo downloads originalURL and archives it verbatim (no
// transcode) under a content-addressed key derived from its bytes and
// declared content type.
func (p *Processor) ProcessVideo(ctx context.Context, originalURL string) (model.MediaAsset, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.MediaTranscodeDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	raw, contentType, err := p.fetchWithContentType(ctx, originalURL)
	if err != nil {
		return model.MediaAsset{}, err
	}
	ext := extensionForVideoContentType(contentType)
	key, _ := ContentAddressedKey(raw, ext)
	exists, err := p.storage.Exists(ctx, key)
	if err != nil {
		return model.MediaAsset{}, fmt.Errorf("check existing video %s: %w", originalURL, err)
	}
	if !exists {
		if err := p.storage.PutBytes(ctx, key, raw, contentType); err != nil {
			return model.MediaAsset{}, fmt.Errorf("store video %s: %w", originalURL, err)
		}
	}
	return model.MediaAsset{
		Kind:        "video",
		StorageKey:  p.namespaced(key),
		OriginalURL: originalURL,
		Bytes:       int64(len(raw)),
	}, nil
}

func (p *Processor) namespaced(key string) string {
	ns := strings.Trim(p.namespace, "/")
	if ns == "" {
		return key
	}
	return ns + "/" + key
}

func (p *Processor) fetch(ctx context.Context, url string) ([]byte, error) {
	data, _, err := p.fetchWithContentType(ctx, url)
	return data, err
}

const maxFetchAttempts = 3

// fetchWithContentType downloads url, retrying transient failures up to
// maxFetchAttempts times with a 0.8s*attempt backoff between tries.
func (p *Processor) fetchWithContentType(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		data, contentType, err := p.fetchOnce(ctx, url)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
		if attempt == maxFetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(time.Duration(800*attempt) * time.Millisecond):
		}
	}
	return nil, "", fmt.Errorf("fetch %s after %d attempts: %w", url, maxFetchAttempts, lastErr)
}

func (p *Processor) fetchOnce(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", requestUserAgent)
	applyRefererForCDN(req, url)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body for %s: %w", url, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return data, contentType, nil
}

const requestUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// applyRefererForCDN sets Referer/Origin headers some CDNs require to
// serve media (hotlink protection keyed on the platform's own site).
func applyRefererForCDN(req *http.Request, url string) {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "hdslb.com/"):
		req.Header.Set("Referer", "https://www.bilibili.com/")
		req.Header.Set("Origin", "https://www.bilibili.com")
	case strings.Contains(lower, "sinaimg.cn"), strings.Contains(lower, "weibocdn.com"):
		req.Header.Set("Referer", "https://weibo.com/")
	}
}

func extensionForVideoContentType(contentType string) string {
	sub := contentType
	if idx := strings.Index(sub, "/"); idx >= 0 {
		sub = sub[idx+1:]
	}
	if idx := strings.Index(sub, ";"); idx >= 0 {
		sub = sub[:idx]
	}
	sub = strings.TrimSpace(sub)
	switch sub {
	case "mp4", "webm", "ogg", "quicktime", "x-matroska":
		if sub == "quicktime" {
			return "mov"
		}
		if sub == "x-matroska" {
			return "mkv"
		}
		return sub
	default:
		return "mp4"
	}
}

// Package bilibili is a reference Adapter implementation showing how a
// platform adapter plugs into the registry. It covers video and article
// URLs only; the full scraping surface (dynamics, bangumi, WBI signing)
// is out of scope — a real deployment swaps in its own adapter set.
package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/basket/vaultstream/internal/adapter"
)

const platform = "bilibili"

type videoInfoResponse struct {
	Code int `json:"code"`
	Data struct {
		Title string `json:"title"`
		Desc  string `json:"desc"`
		Pic   string `json:"pic"`
		Owner struct {
			Name string `json:"name"`
		} `json:"owner"`
	} `json:"data"`
}

// Adapter parses bilibili video (/video/BV.../av...) and article
// (/read/cv...) URLs via the public, unauthenticated view API.
type Adapter struct {
	httpClient *http.Client
	apiBase    string // overridable in tests
}

// New builds a bilibili Adapter using http.DefaultClient.
func New() *Adapter {
	return &Adapter{httpClient: http.DefaultClient, apiBase: "https://api.bilibili.com"}
}

// NewWithAPIBase builds a bilibili Adapter against a non-default API base
// URL, for tests that stand up a fake view-API server.
func NewWithAPIBase(httpClient *http.Client, apiBase string) *Adapter {
	return &Adapter{httpClient: httpClient, apiBase: apiBase}
}

func (a *Adapter) Platform() string { return platform }

func (a *Adapter) CanHandle(canonicalURL string) bool {
	return strings.Contains(canonicalURL, "bilibili.com/video/") ||
		strings.Contains(canonicalURL, "bilibili.com/read/")
}

func (a *Adapter) Parse(ctx context.Context, canonicalURL string) (*adapter.ParsedContent, error) {
	bvid, ok := extractBVID(canonicalURL)
	if !ok {
		return nil, adapter.NonRetryable("bilibili: no recognizable BV id in %q", canonicalURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/x/web-interface/view?bvid=%s", a.apiBase, bvid), nil)
	if err != nil {
		return nil, adapter.NonRetryable("bilibili: build request: %v", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, adapter.Retryable("bilibili: fetch view api: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, adapter.Retryable("bilibili: view api returned status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, adapter.AuthRequired("bilibili: view api returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, adapter.NonRetryable("bilibili: view api returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, adapter.Retryable("bilibili: read response body: %v", err)
	}
	var parsed videoInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, adapter.NonRetryable("bilibili: decode view api response: %v", err)
	}
	switch parsed.Code {
	case 0:
		// success
	case -404:
		return nil, adapter.NonRetryable("bilibili: video %s not found", bvid)
	case -401, -403:
		return nil, adapter.AuthRequired("bilibili: video %s requires authentication (code %d)", bvid, parsed.Code)
	default:
		return nil, adapter.Retryable("bilibili: view api returned code %d", parsed.Code)
	}

	var mediaURLs []adapter.MediaRef
	if parsed.Data.Pic != "" {
		mediaURLs = append(mediaURLs, adapter.MediaRef{Kind: "image", URL: normalizeProtocolRelative(parsed.Data.Pic)})
	}

	return &adapter.ParsedContent{
		PlatformID:  bvid,
		ContentType: "video",
		Title:       parsed.Data.Title,
		Author:      parsed.Data.Owner.Name,
		TextBody:    parsed.Data.Desc,
		MediaURLs:   mediaURLs,
	}, nil
}

func extractBVID(canonicalURL string) (string, bool) {
	idx := strings.Index(canonicalURL, "/video/")
	if idx < 0 {
		return "", false
	}
	rest := canonicalURL[idx+len("/video/"):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		rest = rest[:q]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

func normalizeProtocolRelative(url string) string {
	if strings.HasPrefix(url, "//") {
		return "https:" + url
	}
	return url
}

// Package urlcanon canonicalizes submitted URLs so the same piece of
// content, reached through different links, resolves to one Content row.
package urlcanon

import (
	"net/url"
	"sort"
	"strings"
)

// trackingQueryKeys are known tracking parameters stripped in addition to
// any utm_* key.
var trackingQueryKeys = map[string]bool{
	"gclid":       true,
	"fbclid":      true,
	"spm_id_from": true,
	"from_source": true,
	"vd_source":   true,
}

// Canonicalize normalizes a raw URL: trims whitespace, defaults a missing
// scheme to https, lowercases the host, strips the fragment, and removes
// utm_* and other known tracking query parameters. Platform-specific
// short-link expansion (bilibili BV/av/cv, t.co) is the Adapter's job, not
// this package's.
func Canonicalize(raw string) string {
	val := strings.TrimSpace(raw)
	if val == "" {
		return val
	}
	if !strings.HasPrefix(val, "http://") && !strings.HasPrefix(val, "https://") {
		val = "https://" + val
	}

	parsed, err := url.Parse(val)
	if err != nil {
		return val
	}
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for key := range q {
			lk := strings.ToLower(key)
			if strings.HasPrefix(lk, "utm_") || trackingQueryKeys[lk] {
				q.Del(key)
			}
		}
		parsed.RawQuery = encodeSorted(q)
	}
	return parsed.String()
}

// encodeSorted re-encodes url.Values with stable key ordering, matching
// the deterministic output a dedup-by-string comparison needs.
func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// NormalizeBilibiliID expands a bare bilibili BV/av/cv identifier into its
// canonical URL; a string that is already a full URL passes through
// unchanged.
func NormalizeBilibiliID(idOrURL string) string {
	val := strings.TrimSpace(idOrURL)
	if strings.HasPrefix(val, "http://") || strings.HasPrefix(val, "https://") {
		return val
	}
	lower := strings.ToLower(val)
	switch {
	case strings.HasPrefix(lower, "bv"), strings.HasPrefix(lower, "av"):
		return "https://www.bilibili.com/video/" + val
	case strings.HasPrefix(lower, "cv"):
		return "https://www.bilibili.com/read/" + val
	default:
		return val
	}
}

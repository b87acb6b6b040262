// Package adapter defines the platform-adapter SPI the parse worker
// dispatches against. Scraper internals for any given platform are
// deliberately out of scope here — only the interface, its error
// taxonomy, and the registry that resolves a URL to an implementation.
package adapter

import (
	"context"

	"github.com/basket/vaultstream/internal/model"
)

// ParsedContent is what an Adapter hands back for a successfully parsed
// URL — everything internal/persistence needs to populate a Content row,
// before internal/media has archived any referenced images or videos.
type ParsedContent struct {
	// PlatformID is the platform-native identifier for the parsed content
	// (e.g. bilibili's bvid, weibo's mid). Left empty when an adapter has
	// no stable native id to offer.
	PlatformID    string
	ContentType   string
	Title         string
	Author        string
	TextBody      string
	Tags          []string
	IsNSFW        bool
	ContextBlocks []model.ContextBlock
	// MediaURLs are original, not-yet-archived media references; the
	// parse worker passes these through internal/media before persisting.
	MediaURLs []MediaRef
}

// MediaRef is one unarchived media reference discovered during parse.
type MediaRef struct {
	Kind string // "image" or "video"
	URL  string
}

// Adapter parses one piece of platform content from its canonical URL.
// Implementations must classify every returned error via Retryable,
// NonRetryable, or AuthRequired so the parse worker can react correctly.
type Adapter interface {
	// Platform is the identifier this adapter registers under (matches
	// Content.Platform and DistributionRule match conditions).
	Platform() string

	// CanHandle reports whether canonicalURL belongs to this adapter.
	CanHandle(canonicalURL string) bool

	// Parse fetches and extracts canonicalURL's content.
	Parse(ctx context.Context, canonicalURL string) (*ParsedContent, error)
}

// CredentialRefresher is implemented by adapters whose session cookies or
// tokens expire and need periodic renewal (the cookie-keepalive
// supplement). Adapters that don't need this simply don't implement it;
// callers type-assert for it.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// Registry resolves a canonical URL to the Adapter that can parse it.
type Registry struct {
	adapters []Adapter
}

// NewRegistry builds a Registry from a fixed set of adapters, tried in
// order on lookup.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Resolve returns the first registered Adapter whose CanHandle matches
// canonicalURL, or ok=false if none do.
func (r *Registry) Resolve(canonicalURL string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.CanHandle(canonicalURL) {
			return a, true
		}
	}
	return nil, false
}

// ByPlatform returns the registered Adapter for an exact platform name, or
// ok=false if none is registered under it.
func (r *Registry) ByPlatform(platform string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Platform() == platform {
			return a, true
		}
	}
	return nil, false
}

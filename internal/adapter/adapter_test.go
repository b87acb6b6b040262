package adapter_test

import (
	"context"
	"testing"

	"github.com/basket/vaultstream/internal/adapter"
)

type fakeAdapter struct {
	platform string
	prefix   string
}

func (f *fakeAdapter) Platform() string { return f.platform }
func (f *fakeAdapter) CanHandle(url string) bool {
	return len(url) >= len(f.prefix) && url[:len(f.prefix)] == f.prefix
}
func (f *fakeAdapter) Parse(ctx context.Context, url string) (*adapter.ParsedContent, error) {
	return &adapter.ParsedContent{Title: "parsed:" + url}, nil
}

func TestRegistry_ResolveByURL(t *testing.T) {
	reg := adapter.NewRegistry(
		&fakeAdapter{platform: "bilibili", prefix: "https://bilibili.com"},
		&fakeAdapter{platform: "twitter", prefix: "https://twitter.com"},
	)
	a, ok := reg.Resolve("https://twitter.com/x/status/1")
	if !ok {
		t.Fatalf("expected a match")
	}
	if a.Platform() != "twitter" {
		t.Fatalf("platform = %q, want twitter", a.Platform())
	}
}

func TestRegistry_ResolveNoMatch(t *testing.T) {
	reg := adapter.NewRegistry(&fakeAdapter{platform: "bilibili", prefix: "https://bilibili.com"})
	if _, ok := reg.Resolve("https://unknown.example/1"); ok {
		t.Fatalf("expected no match")
	}
}

func TestRegistry_ByPlatform(t *testing.T) {
	reg := adapter.NewRegistry(&fakeAdapter{platform: "bilibili", prefix: "https://bilibili.com"})
	if _, ok := reg.ByPlatform("bilibili"); !ok {
		t.Fatalf("expected a match by platform name")
	}
	if _, ok := reg.ByPlatform("nope"); ok {
		t.Fatalf("expected no match for an unregistered platform")
	}
}

func TestErrorClassification(t *testing.T) {
	if !adapter.IsRetryable(adapter.Retryable("timeout")) {
		t.Fatalf("expected Retryable error to classify as retryable")
	}
	if adapter.IsRetryable(adapter.NonRetryable("gone")) {
		t.Fatalf("expected NonRetryable error to not classify as retryable")
	}
	if !adapter.IsAuthRequired(adapter.AuthRequired("expired cookie")) {
		t.Fatalf("expected AuthRequired error to classify as auth required")
	}
	if adapter.IsRetryable(context.DeadlineExceeded) {
		t.Fatalf("expected a plain stdlib error to not classify as retryable")
	}
}

package telegram

import (
	"strings"
	"testing"

	"github.com/basket/vaultstream/internal/distributor"
	"github.com/basket/vaultstream/internal/model"
)

func TestRenderCaption_AssemblesTitleAuthorBodySource(t *testing.T) {
	payload := distributor.Payload{
		Title:        "A title",
		Author:       "someone",
		TextBody:     "the body",
		CanonicalURL: "https://example.com/post/1",
		Render:       model.RenderConfig{IncludeSource: true},
	}
	got := renderCaption(payload)
	for _, want := range []string{"A title", "someone", "the body", "https://example.com/post/1"} {
		if !strings.Contains(got, want) {
			t.Fatalf("caption %q missing %q", got, want)
		}
	}
}

func TestRenderCaption_OmitsSourceWhenNotIncluded(t *testing.T) {
	payload := distributor.Payload{
		Title:        "A title",
		CanonicalURL: "https://example.com/post/1",
		Render:       model.RenderConfig{IncludeSource: false},
	}
	got := renderCaption(payload)
	if strings.Contains(got, "https://example.com/post/1") {
		t.Fatalf("caption %q should not include source link", got)
	}
}

func TestTruncate_ShortStringUnchanged(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}
}

func TestTruncate_LongStringGetsEllipsis(t *testing.T) {
	long := strings.Repeat("a", 2000)
	got := truncate(long, maxMediaCaption)
	if len([]rune(got)) != maxMediaCaption {
		t.Fatalf("truncated length = %d, want %d", len([]rune(got)), maxMediaCaption)
	}
	if !strings.HasSuffix(got, truncateSuffix) {
		t.Fatalf("truncated string %q missing suffix", got)
	}
}

func TestParseChatID_ValidNegativeID(t *testing.T) {
	id, err := parseChatID("-1001234567890")
	if err != nil {
		t.Fatalf("parseChatID: %v", err)
	}
	if id != -1001234567890 {
		t.Fatalf("id = %d, want -1001234567890", id)
	}
}

func TestParseChatID_Invalid(t *testing.T) {
	if _, err := parseChatID("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

type fakeResolver struct{ base string }

func (f fakeResolver) URLFor(key string) string { return f.base + "/" + key }

func TestMediaURL_PrefersStorageOverOriginal(t *testing.T) {
	s := &Sink{storage: fakeResolver{base: "https://cdn.example.com"}}
	asset := model.MediaAsset{StorageKey: "blobs/sha256/ab/cd/abcd.jpg", OriginalURL: "https://source.example.com/img.jpg"}
	got := s.mediaURL(asset)
	want := "https://cdn.example.com/blobs/sha256/ab/cd/abcd.jpg"
	if got != want {
		t.Fatalf("mediaURL = %q, want %q", got, want)
	}
}

func TestMediaURL_FallsBackToOriginalWhenNoStorage(t *testing.T) {
	s := &Sink{}
	asset := model.MediaAsset{OriginalURL: "https://source.example.com/img.jpg"}
	got := s.mediaURL(asset)
	if got != asset.OriginalURL {
		t.Fatalf("mediaURL = %q, want fallback to OriginalURL", got)
	}
}

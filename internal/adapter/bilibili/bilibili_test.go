package bilibili_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/vaultstream/internal/adapter"
	"github.com/basket/vaultstream/internal/adapter/bilibili"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *bilibili.Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return bilibili.NewWithAPIBase(srv.Client(), srv.URL)
}

func TestAdapter_CanHandle(t *testing.T) {
	a := bilibili.New()
	if !a.CanHandle("https://www.bilibili.com/video/BV1xx411c7Xg") {
		t.Fatalf("expected video URL to be handled")
	}
	if a.CanHandle("https://twitter.com/x/status/1") {
		t.Fatalf("expected non-bilibili URL to be rejected")
	}
}

func TestAdapter_Parse_Success(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"title":"launch video","desc":"desc text","pic":"//i0.hdslb.com/x.jpg","owner":{"name":"someone"}}}`))
	})
	got, err := a.Parse(context.Background(), "https://www.bilibili.com/video/BV1xx411c7Xg")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Title != "launch video" || got.Author != "someone" {
		t.Fatalf("unexpected parse result: %+v", got)
	}
	if len(got.MediaURLs) != 1 || got.MediaURLs[0].URL != "https://i0.hdslb.com/x.jpg" {
		t.Fatalf("expected protocol-relative pic normalized: %+v", got.MediaURLs)
	}
}

func TestAdapter_Parse_NotFoundIsNonRetryable(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-404,"data":{}}`))
	})
	_, err := a.Parse(context.Background(), "https://www.bilibili.com/video/BV1xx411c7Xg")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if adapter.IsRetryable(err) {
		t.Fatalf("expected a non-retryable error, got retryable: %v", err)
	}
}

func TestAdapter_Parse_ServerErrorIsRetryable(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := a.Parse(context.Background(), "https://www.bilibili.com/video/BV1xx411c7Xg")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !adapter.IsRetryable(err) {
		t.Fatalf("expected a retryable error: %v", err)
	}
}

func TestAdapter_Parse_ForbiddenIsAuthRequired(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := a.Parse(context.Background(), "https://www.bilibili.com/video/BV1xx411c7Xg")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !adapter.IsAuthRequired(err) {
		t.Fatalf("expected an auth-required error: %v", err)
	}
}

func TestAdapter_Parse_RejectsURLWithoutBVID(t *testing.T) {
	a := bilibili.New()
	_, err := a.Parse(context.Background(), "https://www.bilibili.com/read/cv12345")
	if err == nil {
		t.Fatalf("expected an error for a non-video URL")
	}
}

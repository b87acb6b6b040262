package onebot_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/vaultstream/internal/distributor"
	"github.com/basket/vaultstream/internal/model"
	"github.com/basket/vaultstream/internal/sink/onebot"
)

type capturedRequest struct {
	Path    string
	Auth    string
	GroupID int64 `json:"group_id"`
	UserID  int64 `json:"user_id"`
	Message []struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	} `json:"message"`
}

func newTestServer(t *testing.T, captured *capturedRequest, retcode int, messageID int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(captured)

		resp := map[string]any{"status": "ok", "retcode": retcode}
		if retcode == 0 {
			resp["data"] = map[string]any{"message_id": messageID}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSink_Push_GroupTargetTextOnly(t *testing.T) {
	var captured capturedRequest
	srv := newTestServer(t, &captured, 0, 42)

	sink := onebot.New(srv.URL, "secret-token", nil)
	payload := distributor.Payload{Title: "hello", TextBody: "world"}
	msgID, err := sink.Push(context.Background(), payload, "group:1001")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if msgID != "42" {
		t.Fatalf("message id = %q, want 42", msgID)
	}
	if captured.Path != "/send_group_msg" {
		t.Fatalf("path = %q, want /send_group_msg", captured.Path)
	}
	if captured.GroupID != 1001 {
		t.Fatalf("group_id = %d, want 1001", captured.GroupID)
	}
	if captured.Auth != "Bearer secret-token" {
		t.Fatalf("Authorization = %q", captured.Auth)
	}
	if len(captured.Message) != 1 || captured.Message[0].Type != "text" {
		t.Fatalf("unexpected message segments: %+v", captured.Message)
	}
}

func TestSink_Push_PrivateTargetWithMedia(t *testing.T) {
	var captured capturedRequest
	srv := newTestServer(t, &captured, 0, 7)

	resolver := stubResolver{base: "https://cdn.example.com"}
	sink := onebot.New(srv.URL, "", resolver)
	payload := distributor.Payload{
		TextBody: "caption",
		Media: []model.MediaAsset{
			{Kind: "image", StorageKey: "blobs/sha256/ab/cd/x.jpg"},
		},
	}
	msgID, err := sink.Push(context.Background(), payload, "12345")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if msgID != "7" {
		t.Fatalf("message id = %q, want 7", msgID)
	}
	if captured.Path != "/send_private_msg" {
		t.Fatalf("path = %q, want /send_private_msg", captured.Path)
	}
	if captured.UserID != 12345 {
		t.Fatalf("user_id = %d, want 12345", captured.UserID)
	}
	if len(captured.Message) != 2 {
		t.Fatalf("expected text + image segments, got %+v", captured.Message)
	}
	imgData := captured.Message[1].Data
	if imgData["file"] != "https://cdn.example.com/blobs/sha256/ab/cd/x.jpg" {
		t.Fatalf("unexpected image url: %+v", imgData)
	}
}

func TestSink_Push_RejectedRetcodeReturnsError(t *testing.T) {
	var captured capturedRequest
	srv := newTestServer(t, &captured, 100, 0)

	sink := onebot.New(srv.URL, "", nil)
	_, err := sink.Push(context.Background(), distributor.Payload{TextBody: "x"}, "group:1")
	if err == nil {
		t.Fatal("expected an error for non-zero retcode")
	}
}

func TestSink_Push_InvalidChatID(t *testing.T) {
	sink := onebot.New("http://127.0.0.1:0", "", nil)
	_, err := sink.Push(context.Background(), distributor.Payload{TextBody: "x"}, "group:not-a-number")
	if err == nil {
		t.Fatal("expected an error for invalid group id")
	}
}

type stubResolver struct{ base string }

func (s stubResolver) URLFor(key string) string { return s.base + "/" + key }

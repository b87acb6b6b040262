// Package onebot implements a distributor.Sink over the OneBot v11 HTTP
// API (as exposed by Napcat and similar QQ bridges). OneBot's wire
// protocol is plain JSON over HTTP, so this sink is built on net/http and
// encoding/json directly rather than a QQ SDK — see DESIGN.md for why
// tencent-connect/botgo (the official QQ guild SDK) does not fit here.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/vaultstream/internal/distributor"
	"github.com/basket/vaultstream/internal/model"
)

const (
	maxMessageLength = 4500 // OneBot/QQ message length is generous but not unlimited
	defaultTimeout   = 30 * time.Second
)

// URLResolver resolves a MediaAsset's storage key to a servable URL.
type URLResolver interface {
	URLFor(key string) string
}

// Sink pushes a distributor.Payload through a OneBot HTTP endpoint. A
// chatID prefixed with "group:" targets send_group_msg; any other value
// targets send_private_msg by user id.
type Sink struct {
	baseURL     string
	accessToken string
	storage     URLResolver
	client      *http.Client
}

// New builds a Sink posting to baseURL (e.g. "http://127.0.0.1:3000")
// with accessToken sent as a bearer token, the OneBot HTTP server's
// standard auth scheme.
func New(baseURL, accessToken string, storage URLResolver) *Sink {
	return &Sink{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		storage:     storage,
		client:      &http.Client{Timeout: defaultTimeout},
	}
}

type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type sendMessageRequest struct {
	GroupID int64     `json:"group_id,omitempty"`
	UserID  int64     `json:"user_id,omitempty"`
	Message []segment `json:"message"`
}

type sendMessageResponse struct {
	Status  string `json:"status"`
	Retcode int    `json:"retcode"`
	Data    struct {
		MessageID int64 `json:"message_id"`
	} `json:"data"`
	Msg string `json:"msg,omitempty"`
}

// Push renders payload into OneBot message segments (text + image/video
// CQ segments referencing the archived media's servable URL) and posts
// it to the appropriate endpoint for chatID.
func (s *Sink) Push(ctx context.Context, payload distributor.Payload, chatID string) (string, error) {
	endpoint, req, err := s.buildRequest(payload, chatID)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal onebot request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build onebot request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("onebot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("onebot http status %d", resp.StatusCode)
	}

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode onebot response: %w", err)
	}
	if out.Status != "ok" && out.Retcode != 0 {
		return "", fmt.Errorf("onebot rejected message: retcode=%d msg=%s", out.Retcode, out.Msg)
	}
	return strconv.FormatInt(out.Data.MessageID, 10), nil
}

func (s *Sink) buildRequest(payload distributor.Payload, chatID string) (string, sendMessageRequest, error) {
	var req sendMessageRequest
	var endpoint string

	if group, ok := strings.CutPrefix(chatID, "group:"); ok {
		id, err := strconv.ParseInt(group, 10, 64)
		if err != nil {
			return "", req, fmt.Errorf("invalid onebot group id %q: %w", chatID, err)
		}
		req.GroupID = id
		endpoint = "/send_group_msg"
	} else {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return "", req, fmt.Errorf("invalid onebot user id %q: %w", chatID, err)
		}
		req.UserID = id
		endpoint = "/send_private_msg"
	}

	req.Message = s.buildSegments(payload)
	return endpoint, req, nil
}

func (s *Sink) buildSegments(payload distributor.Payload) []segment {
	var segments []segment

	text := renderText(payload)
	if text != "" {
		segments = append(segments, segment{Type: "text", Data: map[string]any{"text": text}})
	}

	maxItems := payload.Render.MaxMediaItems
	if maxItems <= 0 {
		maxItems = len(payload.Media)
	}
	for i, asset := range payload.Media {
		if i >= maxItems {
			break
		}
		url := asset.OriginalURL
		if s.storage != nil {
			url = s.storage.URLFor(asset.StorageKey)
		}
		segments = append(segments, mediaSegment(asset, url))
	}
	return segments
}

func mediaSegment(asset model.MediaAsset, url string) segment {
	if asset.Kind == "video" {
		return segment{Type: "video", Data: map[string]any{"file": url}}
	}
	return segment{Type: "image", Data: map[string]any{"file": url}}
}

func renderText(payload distributor.Payload) string {
	var parts []string
	if payload.Title != "" {
		parts = append(parts, payload.Title)
	}
	if payload.Author != "" {
		parts = append(parts, payload.Author)
	}
	if payload.TextBody != "" {
		parts = append(parts, payload.TextBody)
	}
	if payload.Render.IncludeSource && payload.CanonicalURL != "" {
		parts = append(parts, payload.CanonicalURL)
	}
	text := strings.Join(parts, "\n\n")
	if len([]rune(text)) > maxMessageLength {
		r := []rune(text)
		text = string(r[:maxMessageLength-1]) + "…"
	}
	return text
}

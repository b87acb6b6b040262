// Package telegram implements a push-only distributor.Sink over the
// Telegram Bot API: it never polls updates or routes chat commands, only
// sends rendered Content to a configured chat id.
package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/vaultstream/internal/distributor"
	"github.com/basket/vaultstream/internal/model"
)

const (
	maxTextCaption  = 4096
	maxMediaCaption = 1024
	truncateSuffix  = "…" // "…"
)

// URLResolver resolves a MediaAsset's storage key to a servable URL.
// internal/media.Storage satisfies this via its URLFor method.
type URLResolver interface {
	URLFor(key string) string
}

// Sink pushes a distributor.Payload to a Telegram chat. One Sink instance
// is shared by every DistributionTarget on the "telegram" platform; the
// chat id is supplied per-Push, not fixed at construction.
type Sink struct {
	bot     *tgbotapi.BotAPI
	storage URLResolver
}

// New builds a Sink authenticated with token, resolving archived media
// through storage. Unlike the bidirectional bot channel, this never calls
// GetUpdatesChan — there is no polling loop to start or stop.
func New(token string, storage URLResolver) (*Sink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram sink init: %w", err)
	}
	return &Sink{bot: bot, storage: storage}, nil
}

// Push renders payload and sends it to chatID, returning the Telegram
// message id of the first message sent (the caption-bearing one when
// media is attached).
func (s *Sink) Push(ctx context.Context, payload distributor.Payload, chatID string) (string, error) {
	chat, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	caption := renderCaption(payload)

	switch len(payload.Media) {
	case 0:
		msg := tgbotapi.NewMessage(chat, truncate(caption, maxTextCaption))
		sent, err := s.bot.Send(msg)
		if err != nil {
			return "", fmt.Errorf("send text message: %w", err)
		}
		return fmt.Sprintf("%d", sent.MessageID), nil
	case 1:
		return s.pushSingleMedia(payload.Media[0], chat, caption)
	default:
		return s.pushMediaGroup(payload.Media, chat, caption, payload.Render.MaxMediaItems)
	}
}

func (s *Sink) mediaURL(asset model.MediaAsset) string {
	if s.storage != nil {
		return s.storage.URLFor(asset.StorageKey)
	}
	return asset.OriginalURL
}

func (s *Sink) pushSingleMedia(asset model.MediaAsset, chat int64, caption string) (string, error) {
	file := tgbotapi.FileURL(s.mediaURL(asset))
	caption = truncate(caption, maxMediaCaption)

	if asset.Kind == "video" {
		video := tgbotapi.NewVideo(chat, file)
		video.Caption = caption
		sent, err := s.bot.Send(video)
		if err != nil {
			return "", fmt.Errorf("send video: %w", err)
		}
		return fmt.Sprintf("%d", sent.MessageID), nil
	}

	photo := tgbotapi.NewPhoto(chat, file)
	photo.Caption = caption
	sent, err := s.bot.Send(photo)
	if err != nil {
		return "", fmt.Errorf("send photo: %w", err)
	}
	return fmt.Sprintf("%d", sent.MessageID), nil
}

func (s *Sink) pushMediaGroup(assets []model.MediaAsset, chat int64, caption string, maxItems int) (string, error) {
	if maxItems <= 0 || maxItems > 10 {
		maxItems = 10 // Telegram's hard limit per media group
	}
	if len(assets) > maxItems {
		assets = assets[:maxItems]
	}
	caption = truncate(caption, maxMediaCaption)

	group := make([]interface{}, 0, len(assets))
	for i, asset := range assets {
		file := tgbotapi.FileURL(s.mediaURL(asset))
		if asset.Kind == "video" {
			item := tgbotapi.NewInputMediaVideo(file)
			if i == 0 {
				item.Caption = caption
			}
			group = append(group, item)
			continue
		}
		item := tgbotapi.NewInputMediaPhoto(file)
		if i == 0 {
			item.Caption = caption
		}
		group = append(group, item)
	}

	cfg := tgbotapi.NewMediaGroup(chat, group)
	sentMsgs, err := s.bot.SendMediaGroup(cfg)
	if err != nil {
		return "", fmt.Errorf("send media group: %w", err)
	}
	if len(sentMsgs) == 0 {
		return "", fmt.Errorf("media group sent no messages")
	}
	return fmt.Sprintf("%d", sentMsgs[0].MessageID), nil
}

func renderCaption(payload distributor.Payload) string {
	var b strings.Builder
	if payload.Title != "" {
		b.WriteString(payload.Title)
	}
	if payload.Author != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(payload.Author)
	}
	if payload.TextBody != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(payload.TextBody)
	}
	if payload.Render.IncludeSource && payload.CanonicalURL != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(payload.CanonicalURL)
	}
	return b.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	cut := max - len([]rune(truncateSuffix))
	if cut < 0 {
		cut = 0
	}
	return string(r[:cut]) + truncateSuffix
}

func parseChatID(chatID string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(chatID, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

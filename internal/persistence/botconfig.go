package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/vaultstream/internal/model"
	"github.com/google/uuid"
)

// UpsertBotConfig inserts or replaces a platform credential set.
func (s *Store) UpsertBotConfig(ctx context.Context, b *model.BotConfig) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_configs (id, platform, display_name, token, base_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			platform=excluded.platform, display_name=excluded.display_name,
			token=excluded.token, base_url=excluded.base_url;`,
		b.ID, b.Platform, b.DisplayName, b.Token, b.BaseURL)
	return err
}

// GetBotConfig loads a BotConfig by id.
func (s *Store) GetBotConfig(ctx context.Context, id string) (*model.BotConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform, display_name, token, base_url, created_at
		FROM bot_configs WHERE id = ?;`, id)
	var b model.BotConfig
	if err := row.Scan(&b.ID, &b.Platform, &b.DisplayName, &b.Token, &b.BaseURL, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan bot config: %w", err)
	}
	return &b, nil
}

// ListBotConfigsByPlatform returns every BotConfig for a platform, used by
// the distributor to build its per-platform sink clients at startup.
func (s *Store) ListBotConfigsByPlatform(ctx context.Context, platform string) ([]*model.BotConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform, display_name, token, base_url, created_at
		FROM bot_configs WHERE platform = ?;`, platform)
	if err != nil {
		return nil, fmt.Errorf("list bot configs: %w", err)
	}
	defer rows.Close()
	var out []*model.BotConfig
	for rows.Next() {
		var b model.BotConfig
		if err := rows.Scan(&b.ID, &b.Platform, &b.DisplayName, &b.Token, &b.BaseURL, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bot config row: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// RecordBotChat upserts a chat/channel known to a BotConfig, used to
// validate DistributionTarget.ChatID references and populate the doctor
// status view.
func (s *Store) RecordBotChat(ctx context.Context, botConfigID, chatID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_chats (id, bot_config_id, chat_id, title)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bot_config_id, chat_id) DO UPDATE SET title=excluded.title;`,
		uuid.NewString(), botConfigID, chatID, title)
	return err
}

// ListBotChats returns every known chat for a BotConfig.
func (s *Store) ListBotChats(ctx context.Context, botConfigID string) ([]*model.BotChat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_config_id, chat_id, title, added_at
		FROM bot_chats WHERE bot_config_id = ?;`, botConfigID)
	if err != nil {
		return nil, fmt.Errorf("list bot chats: %w", err)
	}
	defer rows.Close()
	var out []*model.BotChat
	for rows.Next() {
		var c model.BotChat
		if err := rows.Scan(&c.ID, &c.BotConfigID, &c.ChatID, &c.Title, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("scan bot chat row: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

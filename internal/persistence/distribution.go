package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/vaultstream/internal/model"
	"github.com/google/uuid"
)

// ListEnabledRules returns all enabled DistributionRule rows, ordered by
// priority descending, for the rule engine to evaluate against a Content.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*model.DistributionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, match_conditions, target_ids, render_config,
			rate_limit, time_window_seconds, priority, enabled, created_at, updated_at
		FROM distribution_rules WHERE enabled = 1 ORDER BY priority DESC, created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.DistributionRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(scan func(dest ...any) error) (*model.DistributionRule, error) {
	var r model.DistributionRule
	var matchJSON, targetsJSON, renderJSON string
	var enabled int
	var windowSeconds int
	if err := scan(&r.ID, &r.Name, &matchJSON, &targetsJSON, &renderJSON,
		&r.RateLimit, &windowSeconds, &r.Priority, &enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan distribution rule: %w", err)
	}
	r.Enabled = enabled != 0
	r.TimeWindow = time.Duration(windowSeconds) * time.Second
	if err := json.Unmarshal([]byte(matchJSON), &r.MatchConditions); err != nil {
		return nil, fmt.Errorf("unmarshal match conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(targetsJSON), &r.TargetIDs); err != nil {
		return nil, fmt.Errorf("unmarshal target ids: %w", err)
	}
	if err := json.Unmarshal([]byte(renderJSON), &r.RenderConfig); err != nil {
		return nil, fmt.Errorf("unmarshal render config: %w", err)
	}
	return &r, nil
}

// GetRule loads a DistributionRule by id, used when the distribution
// worker pool builds a queue item's push payload from the rule's
// RenderConfig.
func (s *Store) GetRule(ctx context.Context, id string) (*model.DistributionRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, match_conditions, target_ids, render_config,
			rate_limit, time_window_seconds, priority, enabled, created_at, updated_at
		FROM distribution_rules WHERE id = ?;`, id)
	return scanRule(row.Scan)
}

// UpsertRule inserts or replaces a DistributionRule by id.
func (s *Store) UpsertRule(ctx context.Context, r *model.DistributionRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	matchJSON, err := json.Marshal(r.MatchConditions)
	if err != nil {
		return fmt.Errorf("marshal match conditions: %w", err)
	}
	targetsJSON, err := json.Marshal(r.TargetIDs)
	if err != nil {
		return fmt.Errorf("marshal target ids: %w", err)
	}
	renderJSON, err := json.Marshal(r.RenderConfig)
	if err != nil {
		return fmt.Errorf("marshal render config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO distribution_rules
			(id, name, match_conditions, target_ids, render_config, rate_limit, time_window_seconds, priority, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, match_conditions=excluded.match_conditions,
			target_ids=excluded.target_ids, render_config=excluded.render_config,
			rate_limit=excluded.rate_limit, time_window_seconds=excluded.time_window_seconds,
			priority=excluded.priority, enabled=excluded.enabled, updated_at=CURRENT_TIMESTAMP;`,
		r.ID, r.Name, string(matchJSON), string(targetsJSON), string(renderJSON),
		r.RateLimit, int(r.TimeWindow/time.Second), r.Priority, boolToInt(r.Enabled))
	return err
}

// GetTarget loads a DistributionTarget by id.
func (s *Store) GetTarget(ctx context.Context, id string) (*model.DistributionTarget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, platform, bot_config_id, chat_id, nsfw_routing,
			requires_approval, render_config_override, enabled, created_at, updated_at
		FROM distribution_targets WHERE id = ?;`, id)
	return scanTarget(row.Scan)
}

func scanTarget(scan func(dest ...any) error) (*model.DistributionTarget, error) {
	var t model.DistributionTarget
	var requiresApproval, enabled int
	var overrideJSON string
	if err := scan(&t.ID, &t.Name, &t.Platform, &t.BotConfigID, &t.ChatID, &t.NSFWRouting,
		&requiresApproval, &overrideJSON, &enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan distribution target: %w", err)
	}
	t.RequiresApproval = requiresApproval != 0
	t.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(overrideJSON), &t.RenderConfigOverride); err != nil {
		return nil, fmt.Errorf("unmarshal render config override: %w", err)
	}
	return &t, nil
}

// UpsertTarget inserts or replaces a DistributionTarget by id.
func (s *Store) UpsertTarget(ctx context.Context, t *model.DistributionTarget) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	overrideJSON, err := json.Marshal(t.RenderConfigOverride)
	if err != nil {
		return fmt.Errorf("marshal render config override: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO distribution_targets
			(id, name, platform, bot_config_id, chat_id, nsfw_routing, requires_approval, render_config_override, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, platform=excluded.platform, bot_config_id=excluded.bot_config_id,
			chat_id=excluded.chat_id, nsfw_routing=excluded.nsfw_routing,
			requires_approval=excluded.requires_approval,
			render_config_override=excluded.render_config_override, enabled=excluded.enabled,
			updated_at=CURRENT_TIMESTAMP;`,
		t.ID, t.Name, t.Platform, t.BotConfigID, t.ChatID, string(t.NSFWRouting),
		boolToInt(t.RequiresApproval), string(overrideJSON), boolToInt(t.Enabled))
	return err
}

// HasPushed reports whether (contentID, targetID) has already been
// successfully pushed — the dedup barrier the enqueue service and
// distribution worker both consult before scheduling or claiming work.
func (s *Store) HasPushed(ctx context.Context, contentID, targetID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pushed_records WHERE content_id = ? AND target_id = ?;`,
		contentID, targetID).Scan(&n)
	return n > 0, err
}

// RecordPushed inserts the dedup barrier row for a successful push. A
// duplicate insert (same content+target racing through two workers) is
// tolerated via INSERT OR IGNORE rather than treated as an error.
func (s *Store) RecordPushed(ctx context.Context, contentID, targetID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pushed_records (id, content_id, target_id, message_id)
		VALUES (?, ?, ?, ?);`, uuid.NewString(), contentID, targetID, messageID)
	return err
}

// CountPushesInWindow counts pushes to any target in targetIDs within the
// last `window`, used to enforce a DistributionRule's rate limit.
func (s *Store) CountPushesInWindow(ctx context.Context, targetIDs []string, window time.Duration) (int, error) {
	if len(targetIDs) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(targetIDs))
	args := make([]any, 0, len(targetIDs)+1)
	since := time.Now().UTC().Add(-window)
	args = append(args, since)
	for i, id := range targetIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		SELECT COUNT(1) FROM pushed_records
		WHERE pushed_at >= ? AND target_id IN (%s);`, joinPlaceholders(placeholders))
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

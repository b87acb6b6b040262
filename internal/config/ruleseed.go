package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/vaultstream/internal/model"
	"github.com/basket/vaultstream/internal/persistence"
	"github.com/basket/vaultstream/internal/ruleconfig"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// seedNamespace anchors the deterministic ids RuleSeed.Apply assigns to
// targets and rules, so re-applying the same seed file on every restart
// upserts the same rows instead of accumulating duplicates.
var seedNamespace = uuid.MustParse("a8f9c8c0-6e1b-4f64-9e1b-2c6a9f9e2b41")

// TargetSeed describes a DistributionTarget to upsert at startup.
// BotConfig names a BotConfigEntry.DisplayName from the same file.
type TargetSeed struct {
	Name             string `yaml:"name"`
	Platform         string `yaml:"platform"`
	BotConfig        string `yaml:"bot_config"`
	ChatID           string `yaml:"chat_id"`
	NSFWRouting      string `yaml:"nsfw_routing"` // "block", "separate_channel", "allow"
	RequiresApproval bool   `yaml:"requires_approval"`
	Enabled          bool   `yaml:"enabled"`
}

// RuleSeed describes a DistributionRule to upsert at startup. Targets
// names TargetSeed.Name entries from the same file.
type RuleSeed struct {
	Name            string           `yaml:"name"`
	Match           MatchConditions  `yaml:"match"`
	Targets         []string         `yaml:"targets"`
	RenderConfig    RenderConfig     `yaml:"render"`
	RateLimit       int              `yaml:"rate_limit"`
	TimeWindow      string           `yaml:"time_window"` // duration string, e.g. "1m"
	Priority        int              `yaml:"priority"`
	Enabled         bool             `yaml:"enabled"`
}

// MatchConditions mirrors model.MatchConditions with yaml tags; the two
// are kept separate so the seed file's shape doesn't drift with the
// persisted JSON encoding model.MatchConditions owns.
type MatchConditions struct {
	Tags          []string `yaml:"tags"`
	TagsMatchMode string   `yaml:"tags_match_mode"`
	Platform      string   `yaml:"platform"`
	NSFW          string   `yaml:"nsfw"`
}

// RenderConfig mirrors model.RenderConfig with yaml tags.
type RenderConfig struct {
	CaptionTemplate string `yaml:"caption_template"`
	IncludeSource   bool   `yaml:"include_source"`
	MaxMediaItems   int    `yaml:"max_media_items"`
}

// Seed is the top-level shape of a RuleSeedPath file.
type Seed struct {
	BotConfigs []BotConfigEntry `yaml:"bot_configs"`
	Targets    []TargetSeed     `yaml:"targets"`
	Rules      []RuleSeed       `yaml:"rules"`
}

// LoadRuleSeed reads and parses a RuleSeedPath file. A missing path or
// missing file is not an error — seeding is optional.
func LoadRuleSeed(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Seed{}, nil
		}
		return nil, fmt.Errorf("read rule seed %s: %w", path, err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse rule seed %s: %w", path, err)
	}
	return &s, nil
}

// Apply upserts every bot config, target, and rule in the seed against
// store, resolving TargetSeed.BotConfig and RuleSeed.Targets references
// by display name. Ids are deterministic (derived from name), so this is
// safe to call on every startup without creating duplicate rows.
func (s *Seed) Apply(ctx context.Context, store *persistence.Store) error {
	validator, err := ruleconfig.New()
	if err != nil {
		return fmt.Errorf("init rule config validator: %w", err)
	}

	botConfigIDs := make(map[string]string, len(s.BotConfigs))
	for _, b := range s.BotConfigs {
		id := seedID("botconfig", b.DisplayName)
		botConfigIDs[b.DisplayName] = id
		cfg := &model.BotConfig{ID: id, Platform: b.Platform, DisplayName: b.DisplayName, Token: b.Token, BaseURL: b.BaseURL}
		if err := store.UpsertBotConfig(ctx, cfg); err != nil {
			return fmt.Errorf("seed bot config %q: %w", b.DisplayName, err)
		}
	}

	targetIDs := make(map[string]string, len(s.Targets))
	for _, t := range s.Targets {
		id := seedID("target", t.Name)
		targetIDs[t.Name] = id
		target := &model.DistributionTarget{
			ID:               id,
			Name:             t.Name,
			Platform:         t.Platform,
			BotConfigID:      botConfigIDs[t.BotConfig],
			ChatID:           t.ChatID,
			NSFWRouting:      model.NSFWRouting(t.NSFWRouting),
			RequiresApproval: t.RequiresApproval,
			Enabled:          t.Enabled,
		}
		if err := store.UpsertTarget(ctx, target); err != nil {
			return fmt.Errorf("seed target %q: %w", t.Name, err)
		}
	}

	for _, r := range s.Rules {
		id := seedID("rule", r.Name)
		window, err := parseSeedWindow(r.TimeWindow)
		if err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
		resolvedTargets := make([]string, 0, len(r.Targets))
		for _, name := range r.Targets {
			tid, ok := targetIDs[name]
			if !ok {
				return fmt.Errorf("seed rule %q: unknown target %q", r.Name, name)
			}
			resolvedTargets = append(resolvedTargets, tid)
		}
		rule := &model.DistributionRule{
			ID:   id,
			Name: r.Name,
			MatchConditions: model.MatchConditions{
				Tags:          r.Match.Tags,
				TagsMatchMode: model.TagsMatchMode(r.Match.TagsMatchMode),
				Platform:      r.Match.Platform,
				NSFW:          model.NSFWFilter(r.Match.NSFW),
			},
			TargetIDs: resolvedTargets,
			RenderConfig: model.RenderConfig{
				CaptionTemplate: r.RenderConfig.CaptionTemplate,
				IncludeSource:   r.RenderConfig.IncludeSource,
				MaxMediaItems:   r.RenderConfig.MaxMediaItems,
			},
			RateLimit:  r.RateLimit,
			TimeWindow: window,
			Priority:   r.Priority,
			Enabled:    r.Enabled,
		}
		if err := validator.ValidateRule(rule); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
		if err := store.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}
	return nil
}

func parseSeedWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func seedID(kind, name string) string {
	if name == "" {
		return ""
	}
	return uuid.NewSHA1(seedNamespace, []byte(kind+":"+name)).String()
}

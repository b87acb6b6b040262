package model

import "time"

// NSFWRouting controls how a DistributionTarget handles NSFW content.
type NSFWRouting string

const (
	NSFWRoutingBlock           NSFWRouting = "block"
	NSFWRoutingSeparateChannel NSFWRouting = "separate_channel"
	NSFWRoutingAllow           NSFWRouting = "allow"
)

// TagsMatchMode controls whether a DistributionRule's tag predicate
// requires all listed tags or any of them.
type TagsMatchMode string

const (
	TagsMatchAny TagsMatchMode = "any"
	TagsMatchAll TagsMatchMode = "all"
)

// NSFWFilter is a three-state predicate: unset means "don't care".
type NSFWFilter string

const (
	NSFWFilterAny    NSFWFilter = ""
	NSFWFilterOnly   NSFWFilter = "only"
	NSFWFilterExclude NSFWFilter = "exclude"
)

// MatchConditions is the rule engine's match predicate, stored as
// validated JSON (internal/ruleconfig enforces the schema on write).
// An empty Tags slice means "don't care" — it is never treated as
// "match nothing".
type MatchConditions struct {
	Tags          []string      `json:"tags,omitempty"`
	TagsMatchMode TagsMatchMode `json:"tags_match_mode,omitempty"`
	Platform      string        `json:"platform,omitempty"`
	NSFW          NSFWFilter    `json:"nsfw,omitempty"`
}

// RenderConfig is per-rule/per-target rendering guidance (caption
// template, whether to include the source link, media layout) passed
// through to the push sink untouched.
type RenderConfig struct {
	CaptionTemplate string `json:"caption_template,omitempty"`
	IncludeSource   bool   `json:"include_source"`
	MaxMediaItems   int    `json:"max_media_items,omitempty"`
}

// RenderConfigOverride is a DistributionTarget's per-field override of a
// matched rule's RenderConfig. Nil fields mean "defer to the rule"; a
// non-nil field always wins over the rule's value, including a non-nil
// IncludeSource set to false.
type RenderConfigOverride struct {
	CaptionTemplate *string `json:"caption_template,omitempty"`
	IncludeSource   *bool   `json:"include_source,omitempty"`
	MaxMediaItems   *int    `json:"max_media_items,omitempty"`
}

// Merge returns base with every non-nil field of o applied on top.
func (o RenderConfigOverride) Merge(base RenderConfig) RenderConfig {
	if o.CaptionTemplate != nil {
		base.CaptionTemplate = *o.CaptionTemplate
	}
	if o.IncludeSource != nil {
		base.IncludeSource = *o.IncludeSource
	}
	if o.MaxMediaItems != nil {
		base.MaxMediaItems = *o.MaxMediaItems
	}
	return base
}

// DistributionRule matches Content against MatchConditions and, for
// each match, fans out to its TargetIDs subject to a rate limit.
type DistributionRule struct {
	ID              string
	Name            string
	MatchConditions MatchConditions
	TargetIDs       []string
	RenderConfig    RenderConfig
	RateLimit       int           // max pushes
	TimeWindow      time.Duration // per this window
	Priority        int
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DistributionTarget is one push destination: a chat/channel on a
// platform, owned by a BotConfig credential set.
type DistributionTarget struct {
	ID                   string
	Name                 string
	Platform             string // "telegram", "qq"
	BotConfigID          string
	ChatID               string
	NSFWRouting          NSFWRouting
	RequiresApproval     bool
	RenderConfigOverride RenderConfigOverride
	Enabled              bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PushedRecord is the dedup barrier: one row per (ContentID, TargetID)
// that has ever been successfully pushed, so a re-run of the rule
// engine or a requeue never double-posts.
type PushedRecord struct {
	ID        string
	ContentID string
	TargetID  string
	MessageID string
	PushedAt  time.Time
}

// QueueItemStatus tracks a ContentQueueItem's lifecycle.
type QueueItemStatus string

const (
	QueueItemPending   QueueItemStatus = "PENDING"
	QueueItemScheduled QueueItemStatus = "SCHEDULED"
	QueueItemClaimed   QueueItemStatus = "CLAIMED"
	QueueItemPushed    QueueItemStatus = "PUSHED"
	QueueItemFailed    QueueItemStatus = "FAILED"
	QueueItemCanceled  QueueItemStatus = "CANCELED"
)

// ContentQueueItem is one scheduled push: Content X to DistributionTarget
// Y, produced by the Enqueue Service and claimed/processed by the
// Distribution Scheduler Worker Pool.
type ContentQueueItem struct {
	ID           string
	ContentID    string
	TargetID     string
	RuleID       string
	Priority     int // DistributionRule.Priority + Content.QueuePriority at enqueue time
	Status       QueueItemStatus
	ScheduledAt  time.Time
	AttemptCount int
	LastError    string
	LockedBy     string
	LockedUntil  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BotConfig is one platform credential set (a Telegram bot token, a
// Napcat/OneBot access token + base URL).
type BotConfig struct {
	ID          string
	Platform    string
	DisplayName string
	Token       string
	BaseURL     string // OneBot HTTP endpoint; unused for Telegram
	CreatedAt   time.Time
}

// BotChat records a chat/channel known to a BotConfig, used to validate
// DistributionTarget.ChatID references and to drive the doctor status view.
type BotChat struct {
	ID          string
	BotConfigID string
	ChatID      string
	Title       string
	AddedAt     time.Time
}

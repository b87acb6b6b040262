// Package model defines the VaultStream data model: the entities
// persisted by internal/persistence and passed between the parse
// worker, rule engine, enqueue service, and distribution worker pool.
package model

import (
	"encoding/json"
	"time"
)

// ReviewStatus gates whether a piece of Content may be auto-distributed.
type ReviewStatus string

const (
	ReviewStatusAuto     ReviewStatus = "AUTO_APPROVED"
	ReviewStatusPending  ReviewStatus = "PENDING_REVIEW"
	ReviewStatusApproved ReviewStatus = "APPROVED"
	ReviewStatusRejected ReviewStatus = "REJECTED"
)

// ParseStatus tracks where a Content row is in the ingest/parse pipeline.
// A row moves PENDING -> PROCESSING -> {PARSED, FAILED}; once it has left
// PROCESSING for a terminal state, going back to PROCESSING is forbidden —
// a failed or parsed row is re-ingested as a new parse attempt instead of
// being resurrected in place.
type ParseStatus string

const (
	ParseStatusPending    ParseStatus = "PENDING"
	ParseStatusProcessing ParseStatus = "PROCESSING"
	ParseStatusParsed     ParseStatus = "PARSED"
	ParseStatusFailed     ParseStatus = "FAILED"
)

// MediaAsset is one archived, content-addressed media item belonging to
// a Content row (an image or a video), as produced by internal/media.
type MediaAsset struct {
	Kind          string `json:"kind"` // "image" or "video"
	StorageKey    string `json:"storage_key"`
	ThumbnailKey  string `json:"thumbnail_key,omitempty"`
	OriginalURL   string `json:"original_url"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	DominantColor string `json:"dominant_color,omitempty"`
	FrameCount    int    `json:"frame_count,omitempty"`
	Bytes         int64  `json:"bytes"`
}

// ContextBlock is a structured sub-item (poll, media grid, quoted parent
// post) attached to a Content's rich payload, supplementing the plain
// text body with renderer-friendly structure. Recovered from
// original_source's context_data/rich_payload columns — not in spec.md's
// distilled Content shape, but not excluded by its Non-goals either.
type ContextBlock struct {
	Kind    string            `json:"kind"` // "parent_post", "poll", "media_grid"
	Fields  map[string]string `json:"fields,omitempty"`
}

// ContentCounts holds platform-reported engagement numbers (likes,
// reposts, comments, views). Keyed loosely since platforms disagree on
// which counters exist; unrecognized keys are preserved rather than
// dropped so a future renderer can surface them.
type ContentCounts map[string]int64

// ArchiveMetadata is free-form, platform-specific archival detail (raw
// API response fragments, resolution ladder for video, etc.) that doesn't
// warrant its own column but is worth keeping alongside the Content row.
type ArchiveMetadata map[string]json.RawMessage

// Content is a single archived piece of content: the parsed, de-duplicated
// record produced from one or more ContentSource submissions.
type Content struct {
	ID              string
	CanonicalURL    string
	CleanURL        string // CanonicalURL with tracking params stripped, used for display
	Platform        string
	PlatformID      string // platform-native id (e.g. bilibili bvid, weibo mid)
	ContentType     string
	Title           string
	Author          string
	TextBody        string // markdown body; original media URLs are left untouched
	Tags            []string
	IsNSFW          bool
	Media           []MediaAsset
	ContextBlocks   []ContextBlock
	Counts          ContentCounts
	ArchiveMetadata ArchiveMetadata
	ParseStatus     ParseStatus
	ParseError      string
	FailureCount    int
	LastErrorAt     *time.Time
	QueuePriority   int // added to a DistributionRule's priority when enqueuing pushes for this content
	ReviewStatus    ReviewStatus
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ContentSource is one raw submission that resolved (by canonical URL)
// to a Content row. Multiple sources may point at the same Content —
// this is the dedup join table.
type ContentSource struct {
	ID            string
	ContentID     string
	RawURL        string
	CanonicalURL  string
	ClientContext map[string]string // submitting client's ambient context: UA, chat id, forwarded ref
	SubmittedAt   time.Time
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/basket/vaultstream/internal/model"
	"github.com/google/uuid"
)

// trackingParamPrefixes are query-string keys stripped when deriving a
// Content's CleanURL from its canonical URL — common ad-attribution params
// that never change what the URL points at.
var trackingParamPrefixes = []string{"utm_", "spm", "from_source", "vd_source", "share_source", "share_medium"}

// stripTrackingParams returns canonicalURL with known tracking query
// parameters removed, for display purposes only; ResolveContentSource still
// dedups on the untouched canonical_url.
func stripTrackingParams(canonicalURL string) string {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return canonicalURL
	}
	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		for _, prefix := range trackingParamPrefixes {
			if strings.HasPrefix(lower, prefix) {
				q.Del(key)
				break
			}
		}
	}
	if len(q) == 0 {
		u.RawQuery = ""
		return u.String()
	}
	u.RawQuery = q.Encode() // url.Values.Encode sorts by key
	return u.String()
}

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("persistence: not found")

// ResolveContentSource is the URL-ingestion entry point: given a
// canonicalized URL, it either finds the existing Content row that owns
// it or creates a new one, and always records a ContentSource join row
// for the raw submission. Returns the content id and whether it was newly
// created (callers use this to decide whether to enqueue a parse Task).
func (s *Store) ResolveContentSource(ctx context.Context, rawURL, canonicalURL, platform string, clientContext map[string]string) (contentID string, created bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin resolve tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var existingID string
		scanErr := tx.QueryRowContext(ctx, `SELECT id FROM content WHERE canonical_url = ?;`, canonicalURL).Scan(&existingID)
		switch {
		case scanErr == nil:
			contentID = existingID
			created = false
		case errors.Is(scanErr, sql.ErrNoRows):
			contentID = uuid.NewString()
			created = true
			if _, insErr := tx.ExecContext(ctx, `
				INSERT INTO content (id, canonical_url, clean_url, platform, parse_status, review_status)
				VALUES (?, ?, ?, ?, 'PENDING', 'PENDING_REVIEW');`,
				contentID, canonicalURL, stripTrackingParams(canonicalURL), platform); insErr != nil {
				return fmt.Errorf("insert content: %w", insErr)
			}
		default:
			return fmt.Errorf("lookup content by canonical url: %w", scanErr)
		}

		ctxJSON, jsonErr := json.Marshal(clientContext)
		if jsonErr != nil {
			return fmt.Errorf("marshal client context: %w", jsonErr)
		}
		if _, insErr := tx.ExecContext(ctx, `
			INSERT INTO content_sources (id, content_id, raw_url, canonical_url, client_context)
			VALUES (?, ?, ?, ?, ?);`,
			uuid.NewString(), contentID, rawURL, canonicalURL, string(ctxJSON)); insErr != nil {
			return fmt.Errorf("insert content source: %w", insErr)
		}
		return tx.Commit()
	})
	return contentID, created, err
}

// GetContent loads a Content row by id, including its soft-deleted state.
func (s *Store) GetContent(ctx context.Context, id string) (*model.Content, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_url, clean_url, platform, platform_id, content_type, title, author, text_body,
			tags, is_nsfw, media, context_blocks, counts, archive_metadata, parse_status, parse_error,
			failure_count, last_error_at, queue_priority,
			review_status, deleted_at, created_at, updated_at
		FROM content WHERE id = ?;`, id)
	return scanContent(row.Scan)
}

func scanContent(scan func(dest ...any) error) (*model.Content, error) {
	var c model.Content
	var tagsJSON, mediaJSON, blocksJSON, countsJSON, archiveJSON string
	var isNSFW int
	var deletedAt, lastErrorAt sql.NullTime
	if err := scan(&c.ID, &c.CanonicalURL, &c.CleanURL, &c.Platform, &c.PlatformID, &c.ContentType, &c.Title, &c.Author,
		&c.TextBody, &tagsJSON, &isNSFW, &mediaJSON, &blocksJSON, &countsJSON, &archiveJSON, &c.ParseStatus, &c.ParseError,
		&c.FailureCount, &lastErrorAt, &c.QueuePriority,
		&c.ReviewStatus, &deletedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan content: %w", err)
	}
	c.IsNSFW = isNSFW != 0
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	if lastErrorAt.Valid {
		t := lastErrorAt.Time
		c.LastErrorAt = &t
	}
	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(mediaJSON), &c.Media); err != nil {
		return nil, fmt.Errorf("unmarshal media: %w", err)
	}
	if err := json.Unmarshal([]byte(blocksJSON), &c.ContextBlocks); err != nil {
		return nil, fmt.Errorf("unmarshal context blocks: %w", err)
	}
	if err := json.Unmarshal([]byte(countsJSON), &c.Counts); err != nil {
		return nil, fmt.Errorf("unmarshal counts: %w", err)
	}
	if err := json.Unmarshal([]byte(archiveJSON), &c.ArchiveMetadata); err != nil {
		return nil, fmt.Errorf("unmarshal archive metadata: %w", err)
	}
	return &c, nil
}

// MarkContentProcessing transitions Content from PENDING to PROCESSING right
// before an adapter's Parse is invoked, so a crashed worker's row is visibly
// mid-flight rather than indistinguishable from never-attempted. Refuses to
// move a row already in PARSED or FAILED back to PROCESSING — re-parsing a
// terminal row is done by re-ingesting, not by resurrecting it in place.
func (s *Store) MarkContentProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content SET parse_status = 'PROCESSING', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND parse_status IN ('PENDING', 'PROCESSING');`, id)
	if err != nil {
		return fmt.Errorf("mark content processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark content processing rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark content processing: content %s not in a startable parse state", id)
	}
	return nil
}

// UpdateParsedContent stores the parse worker's output against an existing
// Content row and marks it PARSED.
func (s *Store) UpdateParsedContent(ctx context.Context, c *model.Content) error {
	tagsJSON, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	mediaJSON, err := json.Marshal(c.Media)
	if err != nil {
		return fmt.Errorf("marshal media: %w", err)
	}
	blocksJSON, err := json.Marshal(c.ContextBlocks)
	if err != nil {
		return fmt.Errorf("marshal context blocks: %w", err)
	}
	countsJSON, err := json.Marshal(c.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	archiveJSON, err := json.Marshal(c.ArchiveMetadata)
	if err != nil {
		return fmt.Errorf("marshal archive metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE content SET
			platform_id = ?, content_type = ?, title = ?, author = ?, text_body = ?,
			tags = ?, is_nsfw = ?, media = ?, context_blocks = ?, counts = ?, archive_metadata = ?,
			parse_status = 'PARSED', parse_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;`,
		c.PlatformID, c.ContentType, c.Title, c.Author, c.TextBody, string(tagsJSON),
		boolToInt(c.IsNSFW), string(mediaJSON), string(blocksJSON), string(countsJSON), string(archiveJSON), c.ID)
	if err != nil {
		return fmt.Errorf("update parsed content: %w", err)
	}
	return nil
}

// MarkContentParseFailed records a terminal parse failure reason on Content,
// incrementing its failure count and stamping when the failure occurred.
func (s *Store) MarkContentParseFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content SET parse_status = 'FAILED', parse_error = ?,
			failure_count = failure_count + 1, last_error_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;`, reason, id)
	return err
}

// SetReviewStatus applies a manual or automated review decision.
func (s *Store) SetReviewStatus(ctx context.Context, id string, status model.ReviewStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content SET review_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, status, id)
	return err
}

// ListParsedContentIDs returns every non-deleted PARSED content id, newest
// first. Used to re-run rule evaluation across existing content after a
// DistributionRule is edited, rather than waiting for new content to flow
// through the parse worker.
func (s *Store) ListParsedContentIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM content
		WHERE parse_status = 'PARSED' AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list parsed content: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan content id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SoftDeleteContent marks a Content row deleted without removing it; the
// rule engine and enqueue service must skip deleted content.
func (s *Store) SoftDeleteContent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL;`, id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

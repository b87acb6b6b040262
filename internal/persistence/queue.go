package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/vaultstream/internal/model"
	"github.com/google/uuid"
)

// EnqueueContentPush creates a ContentQueueItem for (contentID, targetID) at
// scheduledAt, unless one already exists (UNIQUE(content_id, target_id)) or
// the pair has already been pushed — both checks make re-running the rule
// engine against the same Content idempotent.
func (s *Store) EnqueueContentPush(ctx context.Context, contentID, targetID, ruleID string, priority int, scheduledAt time.Time) (string, error) {
	pushed, err := s.HasPushed(ctx, contentID, targetID)
	if err != nil {
		return "", fmt.Errorf("check pushed barrier: %w", err)
	}
	if pushed {
		return "", nil
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO content_queue_items
			(id, content_id, target_id, rule_id, priority, status, scheduled_at)
		VALUES (?, ?, ?, ?, ?, 'PENDING', ?);`,
		id, contentID, targetID, ruleID, priority, scheduledAt)
	if err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	return id, nil
}

// ClaimNextQueueItems leases up to limit PENDING/SCHEDULED items whose
// scheduled_at has arrived, in scheduled_at order, marking them CLAIMED
// with a fresh lease owner and expiry. Mirrors the lease-by-update
// pattern used for parse tasks: a claim only succeeds if the row is still
// in a claimable status at UPDATE time, so two workers racing on the same
// row never both win it.
func (s *Store) ClaimNextQueueItems(ctx context.Context, limit int) ([]*model.ContentQueueItem, error) {
	var claimed []*model.ContentQueueItem
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM content_queue_items
			WHERE status IN ('PENDING', 'SCHEDULED') AND scheduled_at <= CURRENT_TIMESTAMP
			ORDER BY priority DESC, scheduled_at ASC, id ASC
			LIMIT ?;`, limit)
		if err != nil {
			return fmt.Errorf("select claimable queue items: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan queue item id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		leaseOwner := uuid.NewString()
		leaseUntil := time.Now().UTC().Add(defaultLeaseDuration)
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE content_queue_items
				SET status = 'CLAIMED', locked_by = ?, locked_until = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status IN ('PENDING', 'SCHEDULED');`,
				leaseOwner, leaseUntil, id)
			if err != nil {
				return fmt.Errorf("claim queue item %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected for %s: %w", id, err)
			}
			if n == 0 {
				continue
			}
			row := tx.QueryRowContext(ctx, `
				SELECT id, content_id, target_id, rule_id, priority, status, scheduled_at,
					attempt_count, last_error, COALESCE(locked_by, ''), locked_until,
					created_at, updated_at
				FROM content_queue_items WHERE id = ?;`, id)
			item, err := scanQueueItem(row.Scan)
			if err != nil {
				return fmt.Errorf("reload claimed queue item %s: %w", id, err)
			}
			claimed = append(claimed, item)
		}
		return tx.Commit()
	})
	return claimed, err
}

// ClaimQueueItemByID claims a single item by id regardless of scheduled_at,
// for manual intervention (an operator forcing an immediate push). It still
// respects the status guard: an item already PUSHED or CANCELED cannot be
// claimed this way.
func (s *Store) ClaimQueueItemByID(ctx context.Context, itemID string) (*model.ContentQueueItem, error) {
	var item *model.ContentQueueItem
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim-by-id tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		leaseOwner := uuid.NewString()
		leaseUntil := time.Now().UTC().Add(defaultLeaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE content_queue_items
			SET status = 'CLAIMED', locked_by = ?, locked_until = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN ('PENDING', 'SCHEDULED', 'FAILED');`,
			leaseOwner, leaseUntil, itemID)
		if err != nil {
			return fmt.Errorf("claim queue item %s: %w", itemID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, content_id, target_id, rule_id, priority, status, scheduled_at,
				attempt_count, last_error, COALESCE(locked_by, ''), locked_until,
				created_at, updated_at
			FROM content_queue_items WHERE id = ?;`, itemID)
		loaded, err := scanQueueItem(row.Scan)
		if err != nil {
			return fmt.Errorf("reload claimed queue item %s: %w", itemID, err)
		}
		item = loaded
		return tx.Commit()
	})
	return item, err
}

func scanQueueItem(scan func(dest ...any) error) (*model.ContentQueueItem, error) {
	var item model.ContentQueueItem
	var lockedUntil sql.NullTime
	if err := scan(&item.ID, &item.ContentID, &item.TargetID, &item.RuleID, &item.Priority, &item.Status,
		&item.ScheduledAt, &item.AttemptCount, &item.LastError, &item.LockedBy, &lockedUntil,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		item.LockedUntil = &t
	}
	return &item, nil
}

// CompleteQueueItem marks a claimed item PUSHED and records the dedup
// barrier in the same transaction so a crash between the two never
// leaves a pushed item un-recorded or a recorded push without a
// terminal queue state.
func (s *Store) CompleteQueueItem(ctx context.Context, itemID, leaseOwner, contentID, targetID, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = 'PUSHED', locked_by = NULL, locked_until = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND locked_by = ? AND status = 'CLAIMED';`, itemID, leaseOwner)
	if err != nil {
		return fmt.Errorf("mark queue item pushed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO pushed_records (id, content_id, target_id, message_id)
		VALUES (?, ?, ?, ?);`, uuid.NewString(), contentID, targetID, messageID); err != nil {
		return fmt.Errorf("record pushed: %w", err)
	}
	return tx.Commit()
}

// FailQueueItem releases a claimed item back to PENDING for retry, or to a
// terminal FAILED state once attemptCount reaches maxAttempts.
func (s *Store) FailQueueItem(ctx context.Context, itemID, leaseOwner, errMsg string, attemptCount, maxAttempts int, retryAt time.Time) error {
	status := "PENDING"
	if attemptCount >= maxAttempts {
		status = "FAILED"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, scheduled_at = ?, attempt_count = ?, last_error = ?,
			locked_by = NULL, locked_until = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND locked_by = ? AND status = 'CLAIMED';`,
		status, retryAt, attemptCount, errMsg, itemID, leaseOwner)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReclaimExpiredQueueItems releases CLAIMED items whose lease has expired
// back to PENDING, for a periodic sweep to recover from a crashed worker.
func (s *Store) ReclaimExpiredQueueItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = 'PENDING', locked_by = NULL, locked_until = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE status = 'CLAIMED' AND locked_until IS NOT NULL AND locked_until <= CURRENT_TIMESTAMP;`)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired queue items: %w", err)
	}
	return res.RowsAffected()
}

// CancelQueueItem removes a scheduled/pending push before it fires, e.g.
// when a rule is disabled or content is soft-deleted after enqueue.
func (s *Store) CancelQueueItem(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items SET status = 'CANCELED', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('PENDING', 'SCHEDULED');`, itemID)
	return err
}

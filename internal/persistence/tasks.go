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

// EnqueueTask creates a parse-pipeline Task (action "parse" or
// "enqueue_distribution") in QUEUED state for contentID.
func (s *Store) EnqueueTask(ctx context.Context, contentID, action, payload string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, content_id, action, status, max_attempts, payload)
		VALUES (?, ?, ?, 'QUEUED', ?, ?);`,
		id, contentID, action, defaultMaxAttempts, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// ClaimNextTask leases the oldest available QUEUED task whose available_at
// has arrived. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNextTask(ctx context.Context) (*model.Task, error) {
	var result *model.Task
	err := retryOnBusy(ctx, 5, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, content_id, action, status, attempt, max_attempts, available_at,
				last_error_code, payload, COALESCE(result, ''), COALESCE(error, ''),
				COALESCE(lease_owner, ''), lease_expires_at, created_at, updated_at
			FROM tasks
			WHERE status = 'QUEUED' AND available_at <= CURRENT_TIMESTAMP
			ORDER BY created_at ASC, id ASC
			LIMIT 1;`)
		task, err := scanTask(row.Scan)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(defaultLeaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'CLAIMED', lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'QUEUED';`,
			leaseOwner, leaseExpiresAt, task.ID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		task.Status = model.TaskStatusClaimed
		task.LeaseOwner = leaseOwner
		task.LeaseExpiresAt = &leaseExpiresAt
		result = task
		return tx.Commit()
	})
	return result, err
}

func scanTask(scan func(dest ...any) error) (*model.Task, error) {
	var t model.Task
	var leaseExpiresAt sql.NullTime
	if err := scan(&t.ID, &t.ContentID, &t.Action, &t.Status, &t.Attempt, &t.MaxAttempts,
		&t.AvailableAt, &t.LastErrorCode, &t.Payload, &t.Result, &t.Error,
		&t.LeaseOwner, &leaseExpiresAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if leaseExpiresAt.Valid {
		lt := leaseExpiresAt.Time
		t.LeaseExpiresAt = &lt
	}
	return &t, nil
}

// CompleteTask transitions a claimed task to SUCCEEDED and stores its result.
func (s *Store) CompleteTask(ctx context.Context, taskID, leaseOwner, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'SUCCEEDED', result = ?, lease_owner = NULL, lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status IN ('CLAIMED', 'RUNNING');`,
		result, taskID, leaseOwner)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FailTask records a failed attempt, sending the task back to QUEUED with a
// backoff delay if attempts remain, or to FAILED once exhausted.
func (s *Store) FailTask(ctx context.Context, taskID, leaseOwner, errMsg, errorCode string, attempt, maxAttempts int, retryAt time.Time) error {
	status := "QUEUED"
	if attempt >= maxAttempts {
		status = "FAILED"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempt = ?, available_at = ?, last_error_code = ?, error = ?,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status IN ('CLAIMED', 'RUNNING');`,
		status, attempt, retryAt, errorCode, errMsg, taskID, leaseOwner)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReclaimExpiredTasks releases CLAIMED/RUNNING tasks whose lease has
// expired back to QUEUED, for crash recovery.
func (s *Store) ReclaimExpiredTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'QUEUED', lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE status IN ('CLAIMED', 'RUNNING') AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;`)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired tasks: %w", err)
	}
	return res.RowsAffected()
}

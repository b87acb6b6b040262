// Package persistence is the SQLite-backed storage layer for content,
// distribution rules, the push queue, and bot credentials.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/vaultstream/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "vs-v1-content-and-distribution"

	schemaVersionV2  = 2
	schemaChecksumV2 = "vs-v2-platform-id-priority-render-override"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	defaultLeaseDuration = 30 * time.Second
	defaultMaxAttempts   = 3
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".vaultstream", "vaultstream.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}
	if maxVersion != 0 {
		return fmt.Errorf("db schema version %d is not upgradable to %d", maxVersion, schemaVersionLatest)
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS content (
			id TEXT PRIMARY KEY,
			canonical_url TEXT NOT NULL UNIQUE,
			clean_url TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL,
			platform_id TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			text_body TEXT NOT NULL DEFAULT '',
			tags JSON NOT NULL DEFAULT '[]',
			is_nsfw INTEGER NOT NULL DEFAULT 0,
			media JSON NOT NULL DEFAULT '[]',
			context_blocks JSON NOT NULL DEFAULT '[]',
			counts JSON NOT NULL DEFAULT '{}',
			archive_metadata JSON NOT NULL DEFAULT '{}',
			parse_status TEXT NOT NULL DEFAULT 'PENDING' CHECK(parse_status IN ('PENDING','PROCESSING','PARSED','FAILED')),
			parse_error TEXT NOT NULL DEFAULT '',
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_error_at DATETIME,
			queue_priority INTEGER NOT NULL DEFAULT 0,
			review_status TEXT NOT NULL DEFAULT 'AUTO_APPROVED' CHECK(review_status IN ('AUTO_APPROVED','PENDING_REVIEW','APPROVED','REJECTED')),
			deleted_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS content_sources (
			id TEXT PRIMARY KEY,
			content_id TEXT NOT NULL REFERENCES content(id),
			raw_url TEXT NOT NULL,
			canonical_url TEXT NOT NULL,
			client_context JSON NOT NULL DEFAULT '{}',
			submitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			content_id TEXT NOT NULL REFERENCES content(id),
			action TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('QUEUED','CLAIMED','RUNNING','RETRY_WAIT','SUCCEEDED','FAILED','CANCELED')),
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_error_code TEXT NOT NULL DEFAULT '',
			payload JSON NOT NULL DEFAULT '{}',
			result JSON,
			error TEXT,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS distribution_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			match_conditions JSON NOT NULL DEFAULT '{}',
			target_ids JSON NOT NULL DEFAULT '[]',
			render_config JSON NOT NULL DEFAULT '{}',
			rate_limit INTEGER NOT NULL DEFAULT 0,
			time_window_seconds INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS distribution_targets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			platform TEXT NOT NULL,
			bot_config_id TEXT NOT NULL REFERENCES bot_configs(id),
			chat_id TEXT NOT NULL,
			nsfw_routing TEXT NOT NULL DEFAULT 'block',
			requires_approval INTEGER NOT NULL DEFAULT 0,
			render_config_override JSON NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS pushed_records (
			id TEXT PRIMARY KEY,
			content_id TEXT NOT NULL REFERENCES content(id),
			target_id TEXT NOT NULL REFERENCES distribution_targets(id),
			message_id TEXT NOT NULL DEFAULT '',
			pushed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(content_id, target_id)
		);`,
		`CREATE TABLE IF NOT EXISTS content_queue_items (
			id TEXT PRIMARY KEY,
			content_id TEXT NOT NULL REFERENCES content(id),
			target_id TEXT NOT NULL REFERENCES distribution_targets(id),
			rule_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('PENDING','SCHEDULED','CLAIMED','PUSHED','FAILED','CANCELED')),
			scheduled_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			locked_by TEXT,
			locked_until DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(content_id, target_id)
		);`,
		`CREATE TABLE IF NOT EXISTS bot_configs (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS bot_chats (
			id TEXT PRIMARY KEY,
			bot_config_id TEXT NOT NULL REFERENCES bot_configs(id),
			chat_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(bot_config_id, chat_id)
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_content_sources_content ON content_sources(content_id);`,
		`CREATE INDEX IF NOT EXISTS idx_content_sources_canonical ON content_sources(canonical_url);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, available_at);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claim ON content_queue_items(status, priority, scheduled_at);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_content ON content_queue_items(content_id);`,
		`CREATE INDEX IF NOT EXISTS idx_pushed_target ON pushed_records(target_id, pushed_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

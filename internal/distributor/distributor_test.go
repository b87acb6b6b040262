package distributor_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/vaultstream/internal/bus"
	"github.com/basket/vaultstream/internal/distributor"
	"github.com/basket/vaultstream/internal/model"
	"github.com/basket/vaultstream/internal/persistence"
)

type fakeSink struct {
	mu        sync.Mutex
	pushes    int
	messageID string
	err       error
}

func (f *fakeSink) Push(ctx context.Context, payload distributor.Payload, chatID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return f.messageID, f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "vaultstream.db")
	store, err := persistence.Open(dbPath, b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPushableItem(t *testing.T, store *persistence.Store) (contentID, targetID, itemID string) {
	t.Helper()
	ctx := context.Background()
	contentID, _, err := store.ResolveContentSource(ctx, "https://x/d1", "https://x/d1", "telegram", nil)
	if err != nil {
		t.Fatalf("resolve content: %v", err)
	}
	if err := store.UpdateParsedContent(ctx, &model.Content{ID: contentID, Title: "hello"}); err != nil {
		t.Fatalf("update parsed content: %v", err)
	}
	if err := store.SetReviewStatus(ctx, contentID, model.ReviewStatusApproved); err != nil {
		t.Fatalf("set review status: %v", err)
	}
	bot := &model.BotConfig{Platform: "telegram", DisplayName: "main", Token: "t"}
	if err := store.UpsertBotConfig(ctx, bot); err != nil {
		t.Fatalf("upsert bot config: %v", err)
	}
	target := &model.DistributionTarget{Name: "main", Platform: "telegram", BotConfigID: bot.ID, ChatID: "-1", Enabled: true}
	if err := store.UpsertTarget(ctx, target); err != nil {
		t.Fatalf("upsert target: %v", err)
	}
	itemID, err = store.EnqueueContentPush(ctx, contentID, target.ID, "rule-1", 0, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("enqueue push: %v", err)
	}
	return contentID, target.ID, itemID
}

func TestPool_ProcessItemNow_PushesAndRecordsBarrier(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	contentID, targetID, itemID := seedPushableItem(t, store)

	sink := &fakeSink{messageID: "tg-1"}
	pool := distributor.New(distributor.Config{
		Store: store, Bus: b, Sinks: map[string]distributor.Sink{"telegram": sink},
	})

	if err := pool.ProcessItemNow(context.Background(), itemID); err != nil {
		t.Fatalf("process item now: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("sink pushed %d times, want 1", sink.count())
	}
	pushed, err := store.HasPushed(context.Background(), contentID, targetID)
	if err != nil {
		t.Fatalf("has pushed: %v", err)
	}
	if !pushed {
		t.Fatalf("expected pushed barrier to be recorded")
	}
}

func TestPool_ProcessItemNow_SynthesizesTelegramMessageID(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	_, _, itemID := seedPushableItem(t, store)

	sink := &fakeSink{messageID: ""} // empty id, no error: telegram quirk
	pool := distributor.New(distributor.Config{
		Store: store, Bus: b, Sinks: map[string]distributor.Sink{"telegram": sink},
	})

	if err := pool.ProcessItemNow(context.Background(), itemID); err != nil {
		t.Fatalf("process item now: %v", err)
	}
	var status string
	if err := store.DB().QueryRow(`SELECT status FROM content_queue_items WHERE id = ?;`, itemID).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "PUSHED" {
		t.Fatalf("status = %q, want PUSHED", status)
	}
	var messageID string
	if err := store.DB().QueryRow(`SELECT message_id FROM pushed_records LIMIT 1;`).Scan(&messageID); err != nil {
		t.Fatalf("read pushed record: %v", err)
	}
	if messageID == "" {
		t.Fatalf("expected a synthesized telegram message id")
	}
}

func TestPool_ProcessItemNow_FailureSchedulesRetry(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	_, _, itemID := seedPushableItem(t, store)

	sink := &fakeSink{err: errors.New("sink unavailable")}
	pool := distributor.New(distributor.Config{
		Store: store, Bus: b, Sinks: map[string]distributor.Sink{"telegram": sink},
	})

	if err := pool.ProcessItemNow(context.Background(), itemID); err != nil {
		t.Fatalf("process item now: %v", err)
	}
	var status string
	var attempt int
	if err := store.DB().QueryRow(`SELECT status, attempt_count FROM content_queue_items WHERE id = ?;`, itemID).Scan(&status, &attempt); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "PENDING" || attempt != 1 {
		t.Fatalf("status=%q attempt=%d, want PENDING/1", status, attempt)
	}
}

func TestPool_StartStop_DrainsWorkers(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	seedPushableItem(t, store)

	sink := &fakeSink{messageID: "tg-1"}
	pool := distributor.New(distributor.Config{
		Store: store, Bus: b, Sinks: map[string]distributor.Sink{"telegram": sink},
		WorkerCount: 1, PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	pool.Stop()

	if sink.count() < 1 {
		t.Fatalf("expected the worker pool to have pushed the seeded item")
	}
}

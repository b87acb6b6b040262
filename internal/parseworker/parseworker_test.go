package parseworker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/vaultstream/internal/adapter"
	"github.com/basket/vaultstream/internal/bus"
	"github.com/basket/vaultstream/internal/enqueue"
	"github.com/basket/vaultstream/internal/model"
	"github.com/basket/vaultstream/internal/persistence"
	"github.com/basket/vaultstream/internal/ruleengine"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "vaultstream.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeAdapter struct {
	platform string
	result   *adapter.ParsedContent
	err      error
}

func (f *fakeAdapter) Platform() string                 { return f.platform }
func (f *fakeAdapter) CanHandle(url string) bool         { return true }
func (f *fakeAdapter) Parse(ctx context.Context, url string) (*adapter.ParsedContent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newPool(t *testing.T, store *persistence.Store, b *bus.Bus, ad adapter.Adapter) *Pool {
	t.Helper()
	engine := ruleengine.New(store, b)
	svc := enqueue.New(store, engine, b)
	return New(Config{
		Store:    store,
		Bus:      b,
		Registry: adapter.NewRegistry(ad),
		Enqueue:  svc,
	})
}

func TestProcessOne_SuccessfulParsePromotesNonNSFWContent(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()

	contentID, _, err := store.ResolveContentSource(ctx, "https://x/1", "https://x/1", "bilibili", nil)
	if err != nil {
		t.Fatalf("resolve content source: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, contentID, "parse", `{}`); err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	ad := &fakeAdapter{platform: "bilibili", result: &adapter.ParsedContent{
		ContentType: "video", Title: "a clip", Author: "uploader", Tags: []string{"clip"},
	}}
	pool := newPool(t, store, b, ad)

	task, err := store.ClaimNextTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim task: task=%v err=%v", task, err)
	}
	pool.process(ctx, task)

	content, err := store.GetContent(ctx, contentID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if content.ParseStatus != model.ParseStatusParsed {
		t.Fatalf("parse status = %q, want PARSED", content.ParseStatus)
	}
	if content.ReviewStatus != model.ReviewStatusAuto {
		t.Fatalf("review status = %q, want AUTO_APPROVED", content.ReviewStatus)
	}
	if content.Title != "a clip" {
		t.Fatalf("title = %q, want %q", content.Title, "a clip")
	}

	var taskStatus string
	if err := store.DB().QueryRow(`SELECT status FROM tasks WHERE id = ?;`, task.ID).Scan(&taskStatus); err != nil {
		t.Fatalf("read task status: %v", err)
	}
	if taskStatus != "SUCCEEDED" {
		t.Fatalf("task status = %q, want SUCCEEDED", taskStatus)
	}
}

func TestProcessOne_NSFWContentStaysPendingReview(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()

	contentID, _, err := store.ResolveContentSource(ctx, "https://x/2", "https://x/2", "bilibili", nil)
	if err != nil {
		t.Fatalf("resolve content source: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, contentID, "parse", `{}`); err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	ad := &fakeAdapter{platform: "bilibili", result: &adapter.ParsedContent{
		ContentType: "image", Title: "spicy", IsNSFW: true,
	}}
	pool := newPool(t, store, b, ad)

	task, err := store.ClaimNextTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim task: task=%v err=%v", task, err)
	}
	pool.process(ctx, task)

	content, err := store.GetContent(ctx, contentID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if content.ReviewStatus != model.ReviewStatusPending {
		t.Fatalf("review status = %q, want PENDING_REVIEW", content.ReviewStatus)
	}
}

func TestProcessOne_RetryableErrorRequeuesWithBackoff(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()

	contentID, _, err := store.ResolveContentSource(ctx, "https://x/3", "https://x/3", "bilibili", nil)
	if err != nil {
		t.Fatalf("resolve content source: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, contentID, "parse", `{}`); err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	ad := &fakeAdapter{platform: "bilibili", err: adapter.Retryable("rate limited")}
	pool := newPool(t, store, b, ad)

	task, err := store.ClaimNextTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim task: task=%v err=%v", task, err)
	}
	pool.process(ctx, task)

	var status string
	var availableAt time.Time
	if err := store.DB().QueryRow(`SELECT status, available_at FROM tasks WHERE id = ?;`, task.ID).Scan(&status, &availableAt); err != nil {
		t.Fatalf("read task row: %v", err)
	}
	if status != "QUEUED" {
		t.Fatalf("status = %q, want QUEUED (retry)", status)
	}
	if !availableAt.After(time.Now()) {
		t.Fatalf("available_at = %v, want a future retry time", availableAt)
	}

	content, err := store.GetContent(ctx, contentID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if content.ParseStatus != model.ParseStatusPending {
		t.Fatalf("parse status = %q, want unchanged PENDING", content.ParseStatus)
	}
}

func TestProcessOne_NonRetryableErrorFailsContentTerminally(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()

	contentID, _, err := store.ResolveContentSource(ctx, "https://x/4", "https://x/4", "bilibili", nil)
	if err != nil {
		t.Fatalf("resolve content source: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, contentID, "parse", `{}`); err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	ad := &fakeAdapter{platform: "bilibili", err: adapter.NonRetryable("video deleted")}
	pool := newPool(t, store, b, ad)

	task, err := store.ClaimNextTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim task: task=%v err=%v", task, err)
	}
	pool.process(ctx, task)

	content, err := store.GetContent(ctx, contentID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if content.ParseStatus != model.ParseStatusFailed {
		t.Fatalf("parse status = %q, want FAILED", content.ParseStatus)
	}
	if content.ParseError == "" {
		t.Fatal("expected parse_error to be recorded")
	}

	var taskStatus string
	if err := store.DB().QueryRow(`SELECT status FROM tasks WHERE id = ?;`, task.ID).Scan(&taskStatus); err != nil {
		t.Fatalf("read task status: %v", err)
	}
	if taskStatus != "FAILED" {
		t.Fatalf("task status = %q, want FAILED", taskStatus)
	}
}

func TestProcessOne_AlreadyParsedContentIsANoop(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()

	contentID, _, err := store.ResolveContentSource(ctx, "https://x/5", "https://x/5", "bilibili", nil)
	if err != nil {
		t.Fatalf("resolve content source: %v", err)
	}
	if err := store.UpdateParsedContent(ctx, &model.Content{ID: contentID, Title: "already done"}); err != nil {
		t.Fatalf("seed parsed content: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, contentID, "parse", `{}`); err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	ad := &fakeAdapter{platform: "bilibili", result: &adapter.ParsedContent{Title: "should not run"}}
	pool := newPool(t, store, b, ad)

	task, err := store.ClaimNextTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim task: task=%v err=%v", task, err)
	}
	pool.process(ctx, task)

	content, err := store.GetContent(ctx, contentID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if content.Title != "already done" {
		t.Fatalf("title = %q, should not have been re-parsed", content.Title)
	}
}

// Package distributor runs the distribution scheduler worker pool: N
// concurrent loops that claim batches of due ContentQueueItems, render and
// push them through a platform Sink, and update PushedRecord/retry state.
package distributor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/vaultstream/internal/bus"
	"github.com/basket/vaultstream/internal/model"
	vsotel "github.com/basket/vaultstream/internal/otel"
	"github.com/basket/vaultstream/internal/persistence"
	"github.com/basket/vaultstream/internal/shared"
)

const (
	defaultWorkerCount  = 3
	defaultBatchSize    = 10
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 3
	maxBackoff          = time.Hour
)

// Payload is what a Sink actually renders and sends: the content fields a
// push needs plus the rule's render guidance.
type Payload struct {
	ContentID     string
	CanonicalURL  string
	Title         string
	Author        string
	TextBody      string
	Tags          []string
	IsNSFW        bool
	Media         []model.MediaAsset
	ContextBlocks []model.ContextBlock
	Render        model.RenderConfig
}

// Sink pushes a rendered Payload to a platform-specific chat/channel,
// returning the platform message id. Sinks never retry internally — all
// retry is queue-level, driven by the Pool's failure path.
type Sink interface {
	Push(ctx context.Context, payload Payload, chatID string) (messageID string, err error)
}

// Config configures a distribution Pool.
type Config struct {
	Store        *persistence.Store
	Bus          *bus.Bus
	Sinks        map[string]Sink // keyed by DistributionTarget.Platform
	WorkerCount  int
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	Logger       *slog.Logger

	// Tracer and Metrics are optional; nil disables span/metric emission.
	Tracer  trace.Tracer
	Metrics *vsotel.Metrics
}

// Pool is the distribution scheduler worker pool.
type Pool struct {
	store        *persistence.Store
	bus          *bus.Bus
	sinks        map[string]Sink
	workerCount  int
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *vsotel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Pool from cfg, filling in the teacher's usual defaults for
// anything left zero.
func New(cfg Config) *Pool {
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:        cfg.Store,
		bus:          cfg.Bus,
		sinks:        cfg.Sinks,
		workerCount:  workerCount,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		logger:       logger,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
	}
}

// Start launches workerCount worker goroutines. Stopping the pool signals
// each worker via ctx; a worker finishes its current item then exits.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workerCount; i++ {
		name := fmt.Sprintf("dist-worker-%d", i)
		p.wg.Add(1)
		go p.workerLoop(ctx, name)
	}
	p.logger.Info("distribution worker pool started", "workers", p.workerCount, "batch_size", p.batchSize)
}

// Stop cancels all worker loops and waits for the current batch to drain.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("distribution worker pool stopped")
}

// ProcessItemNow immediately claims and processes itemID, bypassing the
// scheduled_at/poll-interval gate — the manual-intervention path an
// operator uses to force a push. Not permitted for items already in a
// terminal PUSHED or CANCELED state.
func (p *Pool) ProcessItemNow(ctx context.Context, itemID string) error {
	item, err := p.store.ClaimQueueItemByID(ctx, itemID)
	if err != nil {
		return fmt.Errorf("claim queue item %s for manual push: %w", itemID, err)
	}
	p.processItem(ctx, item)
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, name string) {
	defer p.wg.Done()
	p.logger.Info("distribution worker started", "worker", name)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := p.store.ClaimNextQueueItems(ctx, p.batchSize)
		if err != nil {
			p.logger.Error("claim queue items failed", "worker", name, "error", err)
			if !sleepOrDone(ctx, p.pollInterval) {
				return
			}
			continue
		}
		if len(items) == 0 {
			if !sleepOrDone(ctx, p.pollInterval) {
				return
			}
			continue
		}
		for _, item := range items {
			p.processItem(ctx, item)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// processItem validates, dedups, renders, and pushes a single claimed
// ContentQueueItem. Ineligible or already-pushed items are resolved as a
// terminal FAILED with a descriptive last_error rather than left claimed —
// this model has no separate SKIPPED status (see DESIGN.md).
func (p *Pool) processItem(ctx context.Context, item *model.ContentQueueItem) {
	start := time.Now()
	ctx = shared.WithContentID(ctx, item.ContentID)
	if p.tracer != nil {
		var span trace.Span
		ctx, span = vsotel.StartSpan(ctx, p.tracer, "distributor.process_item",
			vsotel.AttrQueueItemID.String(item.ID),
			vsotel.AttrContentID.String(item.ContentID),
			vsotel.AttrTargetID.String(item.TargetID),
		)
		defer span.End()
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.PushDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	leaseOwner := item.LockedBy

	target, err := p.store.GetTarget(ctx, item.TargetID)
	if err != nil || !target.Enabled {
		p.reschedule(ctx, item, leaseOwner, "target disabled or inaccessible")
		return
	}

	content, err := p.store.GetContent(ctx, item.ContentID)
	if err != nil {
		p.terminalFail(ctx, item, leaseOwner, "content not found")
		return
	}
	eligible := content.DeletedAt == nil && content.ParseStatus == model.ParseStatusParsed &&
		(content.ReviewStatus == model.ReviewStatusApproved || content.ReviewStatus == model.ReviewStatusAuto)
	if !eligible {
		p.terminalFail(ctx, item, leaseOwner, "content not eligible")
		return
	}

	pushed, err := p.store.HasPushed(ctx, item.ContentID, item.TargetID)
	if err != nil {
		p.terminalFail(ctx, item, leaseOwner, fmt.Sprintf("dedup check failed: %v", err))
		return
	}
	if pushed {
		p.terminalFail(ctx, item, leaseOwner, "already pushed (dedupe)")
		return
	}

	render := model.RenderConfig{IncludeSource: true}
	if item.RuleID != "" {
		if rule, err := p.store.GetRule(ctx, item.RuleID); err == nil {
			render = rule.RenderConfig
		}
	}
	render = target.RenderConfigOverride.Merge(render)
	payload := Payload{
		ContentID: content.ID, CanonicalURL: content.CanonicalURL, Title: content.Title,
		Author: content.Author, TextBody: content.TextBody, Tags: content.Tags,
		IsNSFW: content.IsNSFW, Media: content.Media, ContextBlocks: content.ContextBlocks,
		Render: render,
	}

	sink, ok := p.sinks[target.Platform]
	if !ok {
		p.terminalFail(ctx, item, leaseOwner, fmt.Sprintf("no sink registered for platform %q", target.Platform))
		return
	}

	messageID, err := sink.Push(ctx, payload, target.ChatID)
	if err != nil {
		p.handleFailure(ctx, item, leaseOwner, err)
		return
	}
	if messageID == "" {
		if target.Platform == "telegram" {
			// The Telegram client may report success without surfacing a
			// message id; synthesize one rather than retry and risk a
			// duplicate send.
			messageID = fmt.Sprintf("telegram-noid-%d-%s-%d", time.Now().UnixMilli(), item.ID, item.AttemptCount)
		} else {
			p.handleFailure(ctx, item, leaseOwner, fmt.Errorf("push returned no message id"))
			return
		}
	}

	if err := p.store.CompleteQueueItem(ctx, item.ID, leaseOwner, item.ContentID, item.TargetID, messageID); err != nil {
		p.logger.Error("complete queue item failed", "item_id", item.ID, "error", err)
		return
	}

	event := bus.QueueItemPushedEvent{
		QueueItemID: item.ID, ContentID: item.ContentID, TargetID: item.TargetID,
		ChatID: target.ChatID, Platform: target.Platform, MessageID: messageID,
		Attempt: item.AttemptCount,
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicContentPushed, event)
		p.bus.Publish(bus.TopicDistributionPushSuccess, event)
		p.bus.Publish(bus.TopicQueueUpdated, map[string]any{"action": "item_success", "queue_item_id": item.ID, "content_id": item.ContentID})
	}
	if p.metrics != nil {
		p.metrics.PushSuccessTotal.Add(ctx, 1)
		p.metrics.QueueDepth.Add(ctx, -1)
	}
	shared.Logger(ctx, p.logger).Info("push succeeded", "item_id", item.ID, "target_id", item.TargetID, "message_id", messageID)
}

// reschedule releases a claimed item back to PENDING without counting it
// against the attempt budget — used when the target itself is unavailable,
// which the operator should fix rather than have the content silently
// retried into FAILED.
func (p *Pool) reschedule(ctx context.Context, item *model.ContentQueueItem, leaseOwner, reason string) {
	if err := p.store.FailQueueItem(ctx, item.ID, leaseOwner, reason, item.AttemptCount, item.AttemptCount+1, time.Now().Add(p.pollInterval)); err != nil {
		p.logger.Error("reschedule queue item failed", "item_id", item.ID, "error", err)
	}
}

// terminalFail resolves an item that can never succeed (ineligible content,
// already pushed, no sink) straight to FAILED.
func (p *Pool) terminalFail(ctx context.Context, item *model.ContentQueueItem, leaseOwner, reason string) {
	if err := p.store.FailQueueItem(ctx, item.ID, leaseOwner, reason, p.maxAttempts, p.maxAttempts, time.Now()); err != nil {
		p.logger.Error("terminal-fail queue item failed", "item_id", item.ID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.QueueDepth.Add(ctx, -1)
	}
}

func (p *Pool) handleFailure(ctx context.Context, item *model.ContentQueueItem, leaseOwner string, pushErr error) {
	attempt := item.AttemptCount + 1
	retryAt := time.Now().Add(backoff(attempt))
	if err := p.store.FailQueueItem(ctx, item.ID, leaseOwner, pushErr.Error(), attempt, p.maxAttempts, retryAt); err != nil {
		p.logger.Error("fail queue item failed", "item_id", item.ID, "error", err)
		return
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicDistributionPushFailed, bus.QueueItemPushedEvent{
			QueueItemID: item.ID, ContentID: item.ContentID, TargetID: item.TargetID,
			Attempt: attempt, Error: pushErr.Error(),
		})
		p.bus.Publish(bus.TopicQueueUpdated, map[string]any{"action": "item_failed", "queue_item_id": item.ID, "content_id": item.ContentID})
	}
	if p.metrics != nil {
		p.metrics.PushErrorsTotal.Add(ctx, 1)
	}
	shared.Logger(ctx, p.logger).Warn("push failed", "item_id", item.ID, "attempt", attempt, "error", pushErr)
}

// backoff mirrors the original worker's schedule: 60·2^attempt seconds,
// capped at an hour.
func backoff(attempt int) time.Duration {
	d := time.Duration(60) * time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Package parseworker drains the parse Task queue: for each ContentSource
// awaiting a parse, it dispatches to the matching platform Adapter,
// archives any referenced media, persists the parsed fields, and triggers
// the Enqueue Service so matching DistributionRules fire.
package parseworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/vaultstream/internal/adapter"
	"github.com/basket/vaultstream/internal/bus"
	"github.com/basket/vaultstream/internal/enqueue"
	"github.com/basket/vaultstream/internal/media"
	"github.com/basket/vaultstream/internal/model"
	vsotel "github.com/basket/vaultstream/internal/otel"
	"github.com/basket/vaultstream/internal/persistence"
	"github.com/basket/vaultstream/internal/shared"
)

const (
	defaultWorkerCount = 2
	defaultPollWait    = 5 * time.Second
	defaultMaxAttempts = 5
	maxParseBackoff    = 5 * time.Minute
	actionParse        = "parse"
)

// Config configures a Pool.
type Config struct {
	Store       *persistence.Store
	Bus         *bus.Bus
	Registry    *adapter.Registry
	Media       *media.Processor
	Enqueue     *enqueue.Service
	WorkerCount int
	PollWait    time.Duration
	Logger      *slog.Logger

	// Tracer and Metrics are optional; nil disables span/metric emission
	// for this pool (used by tests that don't wire internal/otel).
	Tracer  trace.Tracer
	Metrics *vsotel.Metrics
}

// Pool runs the parse worker's dequeue-process loop across WorkerCount
// goroutines, grounded on the same claim/process/fail shape as
// internal/distributor's worker pool (one claim, one attempt, retry
// state lives in the persisted Task row rather than an in-process loop).
type Pool struct {
	store    *persistence.Store
	bus      *bus.Bus
	registry *adapter.Registry
	media    *media.Processor
	enqueue  *enqueue.Service
	workers  int
	pollWait time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *vsotel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Pool from cfg, filling in defaults for anything left zero.
func New(cfg Config) *Pool {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	pollWait := cfg.PollWait
	if pollWait <= 0 {
		pollWait = defaultPollWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store: cfg.Store, bus: cfg.Bus, registry: cfg.Registry, media: cfg.Media,
		enqueue: cfg.Enqueue, workers: workers, pollWait: pollWait, logger: logger,
		tracer: cfg.Tracer, metrics: cfg.Metrics,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		name := fmt.Sprintf("parse-worker-%d", i)
		p.wg.Add(1)
		go p.loop(ctx, name)
	}
	p.logger.Info("parse worker pool started", "workers", p.workers)
}

// Stop cancels the worker loops and waits for the in-flight task to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("parse worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, name string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.store.ClaimNextTask(ctx)
		if err != nil {
			p.logger.Error("claim task failed", "worker", name, "error", err)
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		if task == nil {
			if !sleepOrDone(ctx, p.pollWait) {
				return
			}
			continue
		}
		p.process(ctx, task)
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

func (p *Pool) process(ctx context.Context, task *model.Task) {
	start := time.Now()
	ctx = shared.WithContentID(ctx, task.ContentID)
	ctx = shared.WithTaskID(ctx, task.ID)
	if p.tracer != nil {
		var span trace.Span
		ctx, span = vsotel.StartSpan(ctx, p.tracer, "parseworker.process",
			vsotel.AttrContentID.String(task.ContentID),
			vsotel.AttrAttempt.Int(task.Attempt),
		)
		defer span.End()
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.ParseDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	content, err := p.store.GetContent(ctx, task.ContentID)
	if errors.Is(err, persistence.ErrNotFound) {
		// Content vanished (hard-deleted outside the soft-delete path, or a
		// stale task referencing a row that was never committed); nothing
		// more to do.
		_ = p.store.CompleteTask(ctx, task.ID, task.LeaseOwner, "content not found")
		return
	}
	if err != nil {
		p.logger.Error("load content failed", "content_id", task.ContentID, "error", err)
		p.failTransient(ctx, task, fmt.Sprintf("load content: %v", err))
		return
	}

	if task.Action != actionParse {
		p.finishEnqueueOnly(ctx, task, content)
		return
	}
	if content.ParseStatus == model.ParseStatusParsed {
		_ = p.store.CompleteTask(ctx, task.ID, task.LeaseOwner, "already parsed")
		return
	}

	ad, ok := p.registry.ByPlatform(content.Platform)
	if !ok {
		reason := fmt.Sprintf("no adapter registered for platform %q", content.Platform)
		if err := p.store.MarkContentParseFailed(ctx, content.ID, reason); err != nil {
			p.logger.Error("mark content parse failed", "content_id", content.ID, "error", err)
		}
		p.failTerminal(ctx, task, reason)
		return
	}

	if err := p.store.MarkContentProcessing(ctx, content.ID); err != nil {
		p.logger.Error("mark content processing failed", "content_id", content.ID, "error", err)
		p.failTransient(ctx, task, fmt.Sprintf("mark content processing: %v", err))
		return
	}

	parsed, err := ad.Parse(ctx, content.CanonicalURL)
	if err != nil {
		p.handleParseError(ctx, task, content, err)
		return
	}

	mediaAssets := p.archiveMedia(ctx, parsed.MediaURLs)

	updated := &model.Content{
		ID: content.ID, PlatformID: parsed.PlatformID, ContentType: parsed.ContentType, Title: parsed.Title,
		Author: parsed.Author, TextBody: parsed.TextBody, Tags: parsed.Tags,
		IsNSFW: parsed.IsNSFW, Media: mediaAssets, ContextBlocks: parsed.ContextBlocks,
	}
	if err := p.store.UpdateParsedContent(ctx, updated); err != nil {
		p.logger.Error("persist parsed content failed", "content_id", content.ID, "error", err)
		p.failTransient(ctx, task, fmt.Sprintf("persist parsed content: %v", err))
		return
	}
	p.autoApprove(ctx, content.ID, content.ReviewStatus, parsed.IsNSFW)

	if err := p.store.CompleteTask(ctx, task.ID, task.LeaseOwner, "parsed"); err != nil {
		p.logger.Error("complete parse task failed", "task_id", task.ID, "error", err)
		return
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicContentParsed, bus.ContentParsedEvent{
			ContentID: content.ID, Platform: content.Platform, IsNSFW: parsed.IsNSFW,
		})
	}
	shared.Logger(ctx, p.logger).Info("content parsed", "platform", content.Platform, "media_count", len(mediaAssets))

	p.triggerEnqueue(ctx, content.ID)
}

// finishEnqueueOnly handles the legacy-compatible "enqueue_distribution"
// action: re-run distribution enqueue for a Content whose rules changed,
// without touching its parsed fields.
func (p *Pool) finishEnqueueOnly(ctx context.Context, task *model.Task, content *model.Content) {
	p.triggerEnqueue(ctx, content.ID)
	if err := p.store.CompleteTask(ctx, task.ID, task.LeaseOwner, "enqueued"); err != nil {
		p.logger.Error("complete enqueue-only task failed", "task_id", task.ID, "error", err)
	}
}

// autoApprove promotes content sitting in PENDING_REVIEW to AUTO_APPROVED
// once it has parsed clean. NSFW content is left pending: an operator's
// manual review decision is the only thing that sets ReviewStatusApproved
// for it (there is no rule-level auto_approve_conditions predicate to
// evaluate here; see DESIGN.md).
func (p *Pool) autoApprove(ctx context.Context, contentID string, current model.ReviewStatus, isNSFW bool) {
	if current != model.ReviewStatusPending || isNSFW {
		return
	}
	if err := p.store.SetReviewStatus(ctx, contentID, model.ReviewStatusAuto); err != nil {
		p.logger.Error("auto-approve failed", "content_id", contentID, "error", err)
	}
}

func (p *Pool) triggerEnqueue(ctx context.Context, contentID string) {
	if p.enqueue == nil {
		return
	}
	if _, err := p.enqueue.EnqueueContent(ctx, contentID); err != nil {
		p.logger.Error("enqueue distribution failed", "content_id", contentID, "error", err)
	}
}

func (p *Pool) archiveMedia(ctx context.Context, refs []adapter.MediaRef) []model.MediaAsset {
	if p.media == nil || len(refs) == 0 {
		return nil
	}
	assets := make([]model.MediaAsset, 0, len(refs))
	firstImage := true
	for _, ref := range refs {
		var asset model.MediaAsset
		var err error
		switch ref.Kind {
		case "video":
			asset, err = p.media.ProcessVideo(ctx, ref.URL)
		default:
			asset, err = p.media.ProcessImage(ctx, ref.URL, firstImage)
			firstImage = false
		}
		if err != nil {
			p.logger.Warn("media archive failed, keeping original url", "url", ref.URL, "error", err)
			continue
		}
		assets = append(assets, asset)
	}
	return assets
}

func (p *Pool) handleParseError(ctx context.Context, task *model.Task, content *model.Content, err error) {
	if adapter.IsAuthRequired(err) {
		if refresher, ok := anyAdapter(p.registry, content.Platform).(adapter.CredentialRefresher); ok {
			if rerr := refresher.RefreshCredentials(ctx); rerr != nil {
				p.logger.Warn("credential refresh failed", "platform", content.Platform, "error", rerr)
			}
		}
		p.failTransient(ctx, task, err.Error())
		return
	}
	if adapter.IsRetryable(err) {
		p.failTransient(ctx, task, err.Error())
		return
	}
	if merr := p.store.MarkContentParseFailed(ctx, content.ID, err.Error()); merr != nil {
		p.logger.Error("mark content parse failed", "content_id", content.ID, "error", merr)
	}
	p.failTerminal(ctx, task, err.Error())
	if p.bus != nil {
		p.bus.Publish(bus.TopicContentFailed, bus.ContentFailedEvent{ContentID: content.ID, Reason: err.Error()})
	}
}

func anyAdapter(r *adapter.Registry, platform string) adapter.Adapter {
	a, _ := r.ByPlatform(platform)
	return a
}

func (p *Pool) failTransient(ctx context.Context, task *model.Task, errMsg string) {
	attempt := task.Attempt + 1
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryAt := time.Now().Add(parseBackoff(attempt))
	if err := p.store.FailTask(ctx, task.ID, task.LeaseOwner, errMsg, "transient", attempt, maxAttempts, retryAt); err != nil {
		p.logger.Error("fail task failed", "task_id", task.ID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.ParseErrorsTotal.Add(ctx, 1)
	}
}

func (p *Pool) failTerminal(ctx context.Context, task *model.Task, errMsg string) {
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if err := p.store.FailTask(ctx, task.ID, task.LeaseOwner, errMsg, "terminal", maxAttempts, maxAttempts, time.Now()); err != nil {
		p.logger.Error("terminal-fail task failed", "task_id", task.ID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.ParseErrorsTotal.Add(ctx, 1)
	}
}

// parseBackoff mirrors the parse pipeline's documented base·2^n schedule
// (base 1s), capped to avoid an unbounded wait on a long-failing source.
func parseBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxParseBackoff {
			return maxParseBackoff
		}
	}
	return d
}

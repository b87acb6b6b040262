// Package enqueue turns rule engine decisions into ContentQueueItem rows,
// computing a rate-limit-aware scheduled_at so the distribution worker pool
// never needs to sleep for a rate limit itself.
package enqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/vaultstream/internal/bus"
	"github.com/basket/vaultstream/internal/model"
	vsotel "github.com/basket/vaultstream/internal/otel"
	"github.com/basket/vaultstream/internal/persistence"
	"github.com/basket/vaultstream/internal/ruleengine"
)

// Service creates/refreshes ContentQueueItem rows on parse success or rule
// re-evaluation.
type Service struct {
	store   *persistence.Store
	engine  *ruleengine.Engine
	bus     *bus.Bus
	metrics *vsotel.Metrics
}

// New builds an enqueue Service.
func New(store *persistence.Store, engine *ruleengine.Engine, b *bus.Bus) *Service {
	return &Service{store: store, engine: engine, bus: b}
}

// WithMetrics attaches optional otel metrics, returning s for chaining.
func (s *Service) WithMetrics(m *vsotel.Metrics) *Service {
	s.metrics = m
	return s
}

// EnqueueContent evaluates content against the active rule set and creates
// a ContentQueueItem for every (rule, target) decision that reaches
// WILL_PUSH or PENDING_REVIEW. FILTERED decisions and pairs already pushed
// (persistence.EnqueueContentPush's dedup barrier) are skipped. Returns the
// number of queue items actually created.
func (s *Service) EnqueueContent(ctx context.Context, contentID string) (int, error) {
	content, err := s.store.GetContent(ctx, contentID)
	if err != nil {
		return 0, fmt.Errorf("load content %s: %w", contentID, err)
	}
	if content.DeletedAt != nil || content.ParseStatus != model.ParseStatusParsed {
		return 0, nil
	}
	switch content.ReviewStatus {
	case model.ReviewStatusApproved, model.ReviewStatusAuto, model.ReviewStatusPending:
	default:
		return 0, nil
	}

	decisions, err := s.engine.EvaluateContent(ctx, content)
	if err != nil {
		return 0, fmt.Errorf("evaluate rules for content %s: %w", contentID, err)
	}

	itemsCreated := 0
	for _, d := range decisions {
		// PENDING_REVIEW is not queued: queuing it now would let the
		// distribution worker pool claim and terminally fail it before an
		// operator ever approves the content (content_queue_items has no
		// status that means "claimable only after approval"). Approving the
		// content and re-running EnqueueContent (the parse worker's
		// "enqueue_distribution" task action) is what materializes the push.
		if d.Decision.Bucket != ruleengine.BucketWillPush {
			continue
		}
		scheduledAt, err := s.scheduleFor(ctx, d.Rule, d.Decision.TargetID)
		if err != nil {
			return itemsCreated, fmt.Errorf("schedule push content=%s target=%s: %w", contentID, d.Decision.TargetID, err)
		}
		priority := d.Rule.Priority + content.QueuePriority
		id, err := s.store.EnqueueContentPush(ctx, contentID, d.Decision.TargetID, d.Rule.ID, priority, scheduledAt)
		if err != nil {
			return itemsCreated, fmt.Errorf("enqueue push content=%s target=%s: %w", contentID, d.Decision.TargetID, err)
		}
		if id != "" {
			itemsCreated++
			if s.metrics != nil {
				s.metrics.QueueDepth.Add(ctx, 1)
			}
		}
	}

	if itemsCreated > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicQueueUpdated, map[string]any{
			"action":        "enqueue",
			"content_id":    contentID,
			"items_changed": itemsCreated,
		})
	}
	return itemsCreated, nil
}

// scheduleFor computes scheduled_at for a (rule, target) push. A rule with
// no rate limit schedules immediately; otherwise a push that would exceed
// the rule's rate_limit within time_window is deferred by one
// min_interval rather than dropped, so the worker pool can claim strictly
// by scheduled_at without ever sleeping on a rate limit itself.
func (s *Service) scheduleFor(ctx context.Context, rule *model.DistributionRule, targetID string) (time.Time, error) {
	now := time.Now().UTC()
	if rule.RateLimit <= 0 || rule.TimeWindow <= 0 {
		return now, nil
	}
	minInterval := rule.TimeWindow / time.Duration(rule.RateLimit)
	if minInterval < time.Second {
		minInterval = time.Second
	}
	count, err := s.store.CountPushesInWindow(ctx, []string{targetID}, rule.TimeWindow)
	if err != nil {
		return now, fmt.Errorf("count pushes in window: %w", err)
	}
	if count >= rule.RateLimit {
		if s.metrics != nil {
			s.metrics.RateLimitRejects.Add(ctx, 1)
		}
		return now.Add(minInterval), nil
	}
	return now, nil
}

// Package ruleengine matches a Content against the active DistributionRule
// set and, per target, decides whether it is filtered out, held for review,
// or ready to push.
package ruleengine

import (
	"context"
	"fmt"

	"github.com/basket/vaultstream/internal/bus"
	"github.com/basket/vaultstream/internal/model"
	"github.com/basket/vaultstream/internal/persistence"
)

// Bucket is the per-target outcome of evaluating a rule against a Content.
type Bucket string

const (
	BucketFiltered      Bucket = "FILTERED"
	BucketPendingReview Bucket = "PENDING_REVIEW"
	BucketWillPush      Bucket = "WILL_PUSH"
)

// Reason codes attached to a Decision, mirroring the rule engine's
// documented per-target decision codes.
const (
	ReasonNotReviewed  = "not_reviewed"
	ReasonNSFWBlocked  = "nsfw_blocked"
	ReasonNSFWNoTarget = "nsfw_no_target"
	ReasonOK           = "ok"
)

// Decision is the per-target outcome for one (Content, Rule, Target) triple.
type Decision struct {
	TargetID string
	Bucket   Bucket
	Reason   string
}

// RuleDecision pairs a Decision with the rule that produced it, since the
// enqueue service needs the rule's rate limit and render config downstream.
type RuleDecision struct {
	Rule     *model.DistributionRule
	Decision Decision
}

// Engine evaluates Content against the enabled DistributionRule set.
type Engine struct {
	store *persistence.Store
	bus   *bus.Bus
}

// New builds a rule Engine backed by store, publishing decisions on bus.
func New(store *persistence.Store, b *bus.Bus) *Engine {
	return &Engine{store: store, bus: b}
}

// EvaluateContent matches content against every enabled rule and, for each
// match, every target the rule names, returning one RuleDecision per
// (rule, target) pair. Each decision is also published on
// bus.TopicRuleDecision so SSE subscribers see filtered/pending counts
// without polling the queue table.
func (e *Engine) EvaluateContent(ctx context.Context, content *model.Content) ([]RuleDecision, error) {
	rules, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}

	var decisions []RuleDecision
	for _, rule := range rules {
		if !MatchesConditions(content, rule.MatchConditions) {
			continue
		}
		for _, targetID := range rule.TargetIDs {
			target, err := e.store.GetTarget(ctx, targetID)
			if err != nil {
				if err == persistence.ErrNotFound {
					continue
				}
				return nil, fmt.Errorf("load target %s: %w", targetID, err)
			}
			if !target.Enabled {
				continue
			}
			decision := EvaluateTarget(content, target)
			decisions = append(decisions, RuleDecision{Rule: rule, Decision: decision})
			if e.bus != nil {
				e.bus.Publish(bus.TopicRuleDecision, bus.RuleDecisionEvent{
					ContentID: content.ID,
					TargetID:  decision.TargetID,
					Bucket:    string(decision.Bucket),
				})
			}
		}
	}
	return decisions, nil
}

// EvaluateTarget applies NSFW routing and approval gating for a single
// (Content, DistributionTarget) pair. NSFW routing is modeled at the target
// level: a target with NSFWRoutingSeparateChannel is a dedicated NSFW-only
// destination (non-NSFW content is filtered out of it), rather than the
// rule redirecting to an alternate chat id — see DESIGN.md.
func EvaluateTarget(content *model.Content, target *model.DistributionTarget) Decision {
	pendingApproval := content.ReviewStatus == model.ReviewStatusPending
	if pendingApproval && !target.RequiresApproval {
		return Decision{TargetID: target.ID, Bucket: BucketFiltered, Reason: ReasonNotReviewed}
	}

	switch target.NSFWRouting {
	case model.NSFWRoutingBlock:
		if content.IsNSFW {
			return Decision{TargetID: target.ID, Bucket: BucketFiltered, Reason: ReasonNSFWBlocked}
		}
	case model.NSFWRoutingSeparateChannel:
		if !content.IsNSFW {
			return Decision{TargetID: target.ID, Bucket: BucketFiltered, Reason: ReasonNSFWNoTarget}
		}
	}

	if pendingApproval {
		return Decision{TargetID: target.ID, Bucket: BucketPendingReview, Reason: ReasonOK}
	}
	return Decision{TargetID: target.ID, Bucket: BucketWillPush, Reason: ReasonOK}
}

// MatchesConditions reports whether content satisfies a rule's match
// predicate. All configured fields combine with AND; an empty/unset field
// means "don't care".
func MatchesConditions(content *model.Content, mc model.MatchConditions) bool {
	if mc.Platform != "" && mc.Platform != content.Platform {
		return false
	}
	switch mc.NSFW {
	case model.NSFWFilterOnly:
		if !content.IsNSFW {
			return false
		}
	case model.NSFWFilterExclude:
		if content.IsNSFW {
			return false
		}
	}
	return tagsMatch(content.Tags, mc)
}

// tagsMatch applies the rule's tags_match_mode. An empty Tags predicate
// always matches — silence in the source on this case is resolved here as
// "don't care", never "match nothing" (see DESIGN.md Open Question 5).
func tagsMatch(contentTags []string, mc model.MatchConditions) bool {
	if len(mc.Tags) == 0 {
		return true
	}
	present := make(map[string]bool, len(contentTags))
	for _, t := range contentTags {
		present[t] = true
	}
	mode := mc.TagsMatchMode
	if mode == "" {
		mode = model.TagsMatchAny
	}
	if mode == model.TagsMatchAll {
		for _, t := range mc.Tags {
			if !present[t] {
				return false
			}
		}
		return true
	}
	for _, t := range mc.Tags {
		if present[t] {
			return true
		}
	}
	return false
}

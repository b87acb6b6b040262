package ruleconfig_test

import (
	"testing"

	"github.com/basket/vaultstream/internal/model"
	"github.com/basket/vaultstream/internal/ruleconfig"
)

func TestValidateMatchConditions_AcceptsValidShape(t *testing.T) {
	v, err := ruleconfig.New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	m := model.MatchConditions{Tags: []string{"clip"}, TagsMatchMode: model.TagsMatchAny, Platform: "bilibili", NSFW: model.NSFWFilterExclude}
	if err := v.ValidateMatchConditions(m); err != nil {
		t.Fatalf("expected valid match conditions, got %v", err)
	}
}

func TestValidateMatchConditions_RejectsUnknownNSFWValue(t *testing.T) {
	v, err := ruleconfig.New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	m := model.MatchConditions{NSFW: model.NSFWFilter("maybe")}
	if err := v.ValidateMatchConditions(m); err == nil {
		t.Fatal("expected validation error for unknown nsfw enum value")
	}
}

func TestValidateRenderConfig_RejectsNegativeMaxMediaItems(t *testing.T) {
	v, err := ruleconfig.New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	r := model.RenderConfig{MaxMediaItems: -1}
	if err := v.ValidateRenderConfig(r); err == nil {
		t.Fatal("expected validation error for negative max_media_items")
	}
}

func TestValidateRule_ReportsRuleName(t *testing.T) {
	v, err := ruleconfig.New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	rule := &model.DistributionRule{Name: "bad-rule", MatchConditions: model.MatchConditions{NSFW: "maybe"}}
	err = v.ValidateRule(rule)
	if err == nil {
		t.Fatal("expected error")
	}
	if !containsSubstring(err.Error(), "bad-rule") {
		t.Fatalf("expected error to name the rule, got %v", err)
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

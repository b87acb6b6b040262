// Package ruleconfig validates the JSON-shaped configuration blobs
// DistributionRule carries (MatchConditions, RenderConfig) against a
// fixed JSON Schema before they're ever written to persistence.Store,
// so a malformed rule fails at seed/config time rather than silently
// matching nothing (or everything) once the rule engine evaluates it.
package ruleconfig

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/vaultstream/internal/model"
)

var matchConditionsSchemaJSON = []byte(`{
	"type": "object",
	"properties": {
		"tags": {"type": "array", "items": {"type": "string"}},
		"tags_match_mode": {"type": "string", "enum": ["", "any", "all"]},
		"platform": {"type": "string"},
		"nsfw": {"type": "string", "enum": ["", "only", "exclude"]}
	},
	"additionalProperties": false
}`)

var renderConfigSchemaJSON = []byte(`{
	"type": "object",
	"properties": {
		"caption_template": {"type": "string"},
		"include_source": {"type": "boolean"},
		"max_media_items": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`)

// Validator compiles both schemas once and reuses them for every rule
// write; compiling a jsonschema.Schema per call would defeat the point
// of validating at write time rather than at evaluation time.
type Validator struct {
	matchSchema  *jsonschema.Schema
	renderSchema *jsonschema.Schema
}

// New compiles the built-in MatchConditions/RenderConfig schemas.
func New() (*Validator, error) {
	matchSchema, err := compile("match_conditions.json", matchConditionsSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile match_conditions schema: %w", err)
	}
	renderSchema, err := compile("render_config.json", renderConfigSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile render_config schema: %w", err)
	}
	return &Validator{matchSchema: matchSchema, renderSchema: renderSchema}, nil
}

func compile(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(name)
}

// ValidateMatchConditions checks m against the match_conditions schema.
func (v *Validator) ValidateMatchConditions(m model.MatchConditions) error {
	return validateAgainst(v.matchSchema, m)
}

// ValidateRenderConfig checks r against the render_config schema.
func (v *Validator) ValidateRenderConfig(r model.RenderConfig) error {
	return validateAgainst(v.renderSchema, r)
}

// ValidateRule validates both JSON blobs a DistributionRule carries.
func (v *Validator) ValidateRule(r *model.DistributionRule) error {
	if err := v.ValidateMatchConditions(r.MatchConditions); err != nil {
		return fmt.Errorf("rule %q: match_conditions: %w", r.Name, err)
	}
	if err := v.ValidateRenderConfig(r.RenderConfig); err != nil {
		return fmt.Errorf("rule %q: render_config: %w", r.Name, err)
	}
	return nil
}

func validateAgainst(schema *jsonschema.Schema, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("unmarshal for validation: %w", err)
	}
	return schema.Validate(doc)
}

package ai

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Wire schemas for the two model output envelopes. Unknown fields are
// accepted for forward compatibility; declared fields must type-check.
const researchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ideas"],
  "properties": {
    "ideas": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10,
      "items": {
        "type": "object",
        "required": ["title", "description", "rationale", "category", "confidence_score", "novelty_score", "tags"],
        "properties": {
          "title": {"type": "string", "minLength": 5, "maxLength": 500},
          "description": {"type": "string", "minLength": 50},
          "rationale": {"type": "string", "minLength": 20},
          "category": {"enum": ["technical", "business", "research", "design", "policy", "other"]},
          "confidence_score": {"type": "number", "minimum": 0, "maximum": 1},
          "novelty_score": {"type": "number", "minimum": 0, "maximum": 1},
          "tags": {
            "type": "array",
            "minItems": 1,
            "maxItems": 10,
            "items": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

const deepeningSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["deepening"],
  "properties": {
    "deepening": {
      "type": "object",
      "required": [
        "idea_title", "depth_level", "executive_summary", "key_insights",
        "detailed_analysis", "action_items", "risks", "success_metrics",
        "resources_needed", "estimated_timeline", "confidence_score"
      ],
      "properties": {
        "idea_title": {"type": "string", "minLength": 1},
        "depth_level": {"type": "integer", "minimum": 1, "maximum": 3},
        "executive_summary": {"type": "string", "minLength": 1},
        "key_insights": {"type": "array", "items": {"type": "string"}},
        "detailed_analysis": {"type": "string", "minLength": 100},
        "action_items": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["step", "description", "priority"],
            "properties": {
              "step": {"type": "integer"},
              "description": {"type": "string"},
              "priority": {"enum": ["high", "medium", "low"]},
              "estimated_effort": {"type": "string"}
            }
          }
        },
        "risks": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["risk", "severity"],
            "properties": {
              "risk": {"type": "string"},
              "severity": {"type": "string"},
              "mitigation": {"type": "string"}
            }
          }
        },
        "success_metrics": {"type": "array", "items": {"type": "string"}},
        "resources_needed": {"type": "array", "items": {"type": "string"}},
        "estimated_timeline": {"type": "string"},
        "confidence_score": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

var (
	researchSchema  = mustCompileSchema("research.json", researchSchemaJSON)
	deepeningSchema = mustCompileSchema("deepening.json", deepeningSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return sch
}

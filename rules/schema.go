package rules

// ruleSchema closes the rule document: unknown keys, nested logic, string
// values and unknown operators or actions are all refused at load.
const ruleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["id", "status", "conditions", "action"],
  "properties": {
    "id": {"type": "string", "pattern": "^[A-Za-z0-9_.-]{1,64}$"},
    "status": {"enum": ["proposed", "active", "validated", "inconclusive", "degrading", "graduated", "suspended", "retired"]},
    "strategy": {"type": "string"},
    "conditions": {
      "type": "array",
      "maxItems": 16,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["field", "operator", "value"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "operator": {"enum": ["eq", "neq", "gt", "gte", "lt", "lte"]},
          "value": {"type": "number"}
        }
      }
    },
    "action": {"enum": ["reject", "warn", "reduce_size"]},
    "reduce_to": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
    "message": {"type": "string"},
    "hypothesis": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "metric": {"type": "string"},
        "baseline": {"type": "number"},
        "sample": {"type": "integer", "minimum": 0},
        "review_after_n": {"type": "integer", "minimum": 0}
      }
    },
    "version": {"type": "integer", "minimum": 0},
    "created": {"type": "string"}
  }
}`

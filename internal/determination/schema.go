package determination

// determinationSchema is the JSON schema every model-produced determination
// must satisfy before business-rule checks run.
const determinationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["outcome", "confidence", "policy_basis"],
  "additionalProperties": false,
  "properties": {
    "outcome": {
      "type": "string",
      "enum": ["AUTO_APPROVE", "MD_REVIEW", "DENY", "MORE_INFO"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "policy_basis": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["policy_id", "type"],
        "properties": {
          "policy_id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["lcd", "ncd", "internal"]},
          "version": {"type": "string"},
          "citation": {"type": "string"}
        }
      }
    },
    "criteria": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["criterion_id", "status"],
        "properties": {
          "criterion_id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "status": {"type": "string", "enum": ["MET", "NOT_MET", "UNKNOWN"]},
          "method": {"type": "string", "enum": ["structured", "nlp", "llm"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "evidence": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "resource_ref": {"type": "string"},
                "field_path": {"type": "string"},
                "value": {"type": ["string", "number", "boolean"]},
                "effective_time": {"type": "string"},
                "assertion": {"type": "string", "enum": ["affirmed", "negated", "uncertain"]},
                "method": {"type": "string"},
                "confidence": {"type": "number", "minimum": 0, "maximum": 1},
                "source": {
                  "type": "object",
                  "required": ["document_ref"],
                  "properties": {
                    "document_ref": {"type": "string", "minLength": 1},
                    "start_offset": {"type": "integer", "minimum": 0},
                    "end_offset": {"type": "integer", "minimum": 0},
                    "content_hash": {"type": "string"},
                    "excerpt": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    },
    "escalation": {
      "type": "object",
      "required": ["summary"],
      "properties": {
        "summary": {"type": "string", "minLength": 1},
        "missing_info": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["question"],
            "properties": {
              "question_id": {"type": "string"},
              "question": {"type": "string", "minLength": 1},
              "data_element": {"type": "string"},
              "reason": {"type": "string"}
            }
          }
        }
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "rule_engine_version": {"type": "string"},
        "artifact_bundle": {"type": "string"},
        "model_id": {"type": "string"},
        "prompt_version": {"type": "string"},
        "input_hash": {"type": "string"},
        "output_hash": {"type": "string"}
      }
    }
  }
}`

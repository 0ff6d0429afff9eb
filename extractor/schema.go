package extractor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// extractionSchema is the contract the model's output must satisfy. Anything
// outside it is rejected before grounding checks even run.
const extractionSchema = `{
	"type": "object",
	"required": ["extractions"],
	"additionalProperties": false,
	"properties": {
		"extractions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["domain", "value", "value_type", "quote", "confidence"],
				"additionalProperties": false,
				"properties": {
					"domain":     {"type": "string", "minLength": 1},
					"topic":      {"type": "string"},
					"value":      {"type": "string", "minLength": 1},
					"value_type": {"enum": ["percent", "money", "date", "duration", "number", "text"]},
					"quote":      {"type": "string", "minLength": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("extraction.json", extractionSchema)

// Extraction is one candidate fact reported by the model.
type Extraction struct {
	Domain     string  `json:"domain"`
	Topic      string  `json:"topic,omitempty"`
	Value      string  `json:"value"`
	ValueType  string  `json:"value_type"`
	Quote      string  `json:"quote"`
	Confidence float64 `json:"confidence"`
}

type extractionEnvelope struct {
	Extractions []Extraction `json:"extractions"`
}

// parseOutput strictly parses and schema-validates the model's response.
// Code fences around the JSON are tolerated; everything else is not.
func parseOutput(raw string) ([]Extraction, error) {
	cleaned := stripFences(raw)

	var generic any
	if err := json.Unmarshal([]byte(cleaned), &generic); err != nil {
		return nil, fmt.Errorf("extractor: output is not JSON: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("extractor: output violates schema: %w", err)
	}

	var env extractionEnvelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return nil, fmt.Errorf("extractor: decode: %w", err)
	}
	return env.Extractions, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

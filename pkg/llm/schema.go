package llm

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// ResponseType names the JSON shape an LLM call is constrained to. Each
// variant carries its schema here instead of re-declaring schema literals at
// every call site.
type ResponseType string

const (
	ResponseText             ResponseType = "text"
	ResponseFunctionRouting  ResponseType = "function_routing"
	ResponseLookupAnswer     ResponseType = "lookup_answer"
	ResponseDeepSearchAnswer ResponseType = "deep_search_answer"
	ResponseChunkCitations   ResponseType = "chunk_citations"
	ResponseRelevanceMatches ResponseType = "relevance_matches"
)

var responseSchemas = map[ResponseType]map[string]interface{}{
	ResponseFunctionRouting: {
		"type":     "object",
		"required": []string{"function", "arguments"},
		"properties": map[string]interface{}{
			"function":  map[string]interface{}{"type": "string"},
			"arguments": map[string]interface{}{"type": "object"},
		},
	},
	ResponseLookupAnswer: {
		"type":     "object",
		"required": []string{"response"},
		"properties": map[string]interface{}{
			"response": map[string]interface{}{"type": "string"},
		},
	},
	ResponseDeepSearchAnswer: {
		"type":     "object",
		"required": []string{"response", "relevant_files"},
		"properties": map[string]interface{}{
			"response": map[string]interface{}{"type": "string"},
			"relevant_files": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":     "object",
					"required": []string{"filename"},
					"properties": map[string]interface{}{
						"filename": map[string]interface{}{"type": "string"},
						"file_id":  map[string]interface{}{"type": "string"},
					},
				},
			},
		},
	},
	ResponseChunkCitations: {
		"type":     "object",
		"required": []string{"citations"},
		"properties": map[string]interface{}{
			"citations": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
	},
	ResponseRelevanceMatches: {
		"type":     "object",
		"required": []string{"matches"},
		"properties": map[string]interface{}{
			"matches": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":     "object",
					"required": []string{"id", "filename"},
					"properties": map[string]interface{}{
						"id":       map[string]interface{}{"type": "string"},
						"filename": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
	},
}

// Schema returns the JSON schema for the response type, or nil for plain text.
func (rt ResponseType) Schema() map[string]interface{} {
	return responseSchemas[rt]
}

// Instruction renders the schema as a system-message constraint. Returns
// empty string for plain-text responses.
func (rt ResponseType) Instruction() string {
	schema := rt.Schema()
	if schema == nil {
		return ""
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return "Respond with a single JSON object matching this JSON schema, and nothing else:\n" + string(encoded)
}

// DecodeJSON unmarshals an LLM response into v, repairing minor malformation
// (truncated objects, single quotes, trailing commas) before giving up.
func DecodeJSON(raw string, v interface{}) error {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("repair response json: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decode repaired response json: %w", err)
	}
	return nil
}

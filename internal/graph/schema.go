package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema constrains graph definitions submitted over the API before
// they are decoded. Structural rules the schema cannot express (dependency
// ordering, index ranges) are checked by Graph.validate afterwards.
const definitionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["groups"],
	"additionalProperties": false,
	"properties": {
		"groups": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["agent_type", "nodes"],
				"additionalProperties": false,
				"properties": {
					"agent_type": {"type": "string", "minLength": 1},
					"nodes": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["name"],
							"additionalProperties": false,
							"properties": {
								"name": {"type": "string", "minLength": 1},
								"input_dependencies": {"$ref": "#/definitions/refList"},
								"order_dependencies": {"$ref": "#/definitions/refList"},
								"priority": {"type": "integer", "minimum": 1, "maximum": 5},
								"allow_retry": {"type": "boolean"}
							}
						}
					}
				}
			}
		},
		"aggregates": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "nodes"],
				"additionalProperties": false,
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"nodes": {"$ref": "#/definitions/refList"}
				}
			}
		},
		"labels": {
			"type": "array",
			"items": {
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"name": {"type": "string"},
					"category": {"type": "string"},
					"ugs_name": {"type": "string"},
					"ugs_project": {"type": "string"},
					"required_nodes": {"$ref": "#/definitions/refList"},
					"included_nodes": {"$ref": "#/definitions/refList"}
				}
			}
		}
	},
	"definitions": {
		"refList": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["group_idx", "node_idx"],
				"additionalProperties": false,
				"properties": {
					"group_idx": {"type": "integer", "minimum": 0},
					"node_idx": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// Definition is the wire form of a graph as submitted by clients.
type Definition struct {
	Groups     []NodeGroup `json:"groups"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
	Labels     []Label     `json:"labels,omitempty"`
}

// ParseDefinition validates raw JSON against the definition schema and builds
// the resulting content-hashed graph.
func ParseDefinition(data []byte) (*Graph, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validate graph definition: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("invalid graph definition: %s", strings.Join(msgs, "; "))
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode graph definition: %w", err)
	}
	return New(def.Groups, def.Aggregates, def.Labels)
}

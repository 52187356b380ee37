/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package ctd

// Schema returns the JSON schema describing the challenge definition format
// accepted by the deployment API.
func Schema() map[string]interface{} {
	return map[string]interface{}{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"title":   "Challenge Definition Format",
		"type":    "object",
		"required": []interface{}{
			"metadata",
		},
		"properties": map[string]interface{}{
			"metadata": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"id", "name", "challenge_type"},
				"properties": map[string]interface{}{
					"id":             map[string]interface{}{"type": "string"},
					"name":           map[string]interface{}{"type": "string"},
					"challenge_type": map[string]interface{}{"type": "string"},
					"difficulty":     map[string]interface{}{"type": "string"},
					"description":    map[string]interface{}{"type": "string"},
				},
			},
			"components": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"type"},
					"properties": map[string]interface{}{
						"type": map[string]interface{}{
							"type": "string",
							"enum": []interface{}{
								ComponentWebOSApp,
								ComponentQuestion,
								ComponentContainer,
								ComponentConfigMap,
								ComponentSecret,
							},
						},
						"id": map[string]interface{}{"type": "string"},
					},
				},
			},
			"typeConfig": map[string]interface{}{
				"type":        "object",
				"description": "Per-type overrides applied through the type's extension points.",
			},
			"variables": map[string]interface{}{
				"type":        "object",
				"description": "Scalar values substituted into {{NAME}} placeholders.",
				"additionalProperties": map[string]interface{}{
					"type": []interface{}{"string", "number", "boolean", "null"},
				},
			},
			"templates": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "object"},
			},
		},
	}
}

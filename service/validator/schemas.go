package validator

// rawSchemas holds the JSON schema source per configuration kind.  Schemas
// are compiled once in New.
var rawSchemas = map[Kind]string{
	KindWorkflowConfig: `{
		"type": "object",
		"properties": {
			"maxRetries": {"type": "integer", "minimum": 0, "maximum": 10},
			"stepTimeoutHours": {"type": "number", "minimum": 0},
			"allowParallel": {"type": "boolean"},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": true
	}`,

	KindConnectionPool: `{
		"type": "object",
		"properties": {
			"maxOpen": {"type": "integer", "minimum": 1},
			"maxIdle": {"type": "integer", "minimum": 0},
			"maxLifetimeSeconds": {"type": "integer", "minimum": 0}
		},
		"required": ["maxOpen"],
		"additionalProperties": false
	}`,

	KindSecurity: `{
		"type": "object",
		"properties": {
			"requireAuthentication": {"type": "boolean"},
			"allowedRoles": {"type": "array", "items": {"type": "string"}},
			"auditEnabled": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,

	KindApprovalChain: `{
		"type": "object",
		"properties": {
			"type": {"type": "string", "enum": ["sequential", "parallel", "unanimous", "majority", "first_response"]},
			"approvers": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"type": {"type": "string", "enum": ["user", "role", "dynamic"]},
						"value": {"type": "string", "minLength": 1},
						"required": {"type": "boolean"},
						"order": {"type": "integer", "minimum": 0},
						"delegateAllowed": {"type": "boolean"}
					},
					"required": ["type", "value"],
					"additionalProperties": false
				}
			},
			"approvalThreshold": {"type": "integer", "minimum": 1},
			"timeoutAction": {"type": "string", "enum": ["escalate", "reject", "approve"]},
			"dueDateHours": {"type": "number", "minimum": 0}
		},
		"required": ["type", "approvers"],
		"additionalProperties": false
	}`,

	KindNotification: `{
		"type": "object",
		"properties": {
			"enabled": {"type": "boolean"},
			"topics": {"type": "array", "items": {"type": "string"}},
			"reminderHours": {"type": "number", "minimum": 0}
		},
		"additionalProperties": false
	}`,

	KindEscalation: `{
		"type": "object",
		"properties": {
			"enabled": {"type": "boolean"},
			"triggers": {
				"type": "array",
				"items": {"type": "string", "enum": ["timeout", "no_response", "rejection", "manual"]}
			},
			"timeoutHours": {"type": "number", "minimum": 0},
			"maxEscalationLevels": {"type": "integer", "minimum": 1, "maximum": 10},
			"escalationTargets": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"level": {"type": "integer", "minimum": 1},
						"kind": {"type": "string", "enum": ["user", "role", "manager", "admin"]},
						"identifier": {"type": "string"}
					},
					"required": ["kind"],
					"additionalProperties": false
				}
			},
			"escalationDelayMinutes": {"type": "number", "minimum": 0}
		},
		"additionalProperties": false
	}`,
}

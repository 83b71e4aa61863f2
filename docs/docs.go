// Package docs holds the OpenAPI document served at /docs. Regenerate with
// `swag init -g cmd/notifier/main.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "Parkwatch"
        },
        "license": {
            "name": "MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "get": {
                "description": "Returns API name, version and status.",
                "produces": ["application/json"],
                "tags": ["meta"],
                "summary": "API root info",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/health": {
            "get": {
                "description": "Returns runner phase, last run summary and timestamp.",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/health/db": {
            "get": {
                "description": "Verifies Postgres connectivity.",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Database health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/health/config": {
            "get": {
                "description": "Lists presence booleans for required credentials and enabled transports.",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Configuration check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/run": {
            "post": {
                "description": "Detects changes, delivers pending events and retires them. Outside the delivery window events stay queued unless force is set.",
                "produces": ["application/json"],
                "tags": ["notifier"],
                "summary": "Run the notifier",
                "parameters": [
                    {"type": "boolean", "description": "Deliver even outside the delivery window", "name": "force", "in": "query"},
                    {"type": "integer", "description": "Maximum events to process", "name": "batch", "in": "query"},
                    {"enum": ["favorites", "all"], "type": "string", "description": "Default audience scope", "name": "scope", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/notifications.Report"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/notifications.Report"}}
                }
            }
        }
    },
    "definitions": {
        "notifications.WindowInfo": {
            "type": "object",
            "properties": {
                "start": {"type": "integer"},
                "end": {"type": "integer"},
                "timezone": {"type": "string"},
                "now": {"type": "string"},
                "open": {"type": "boolean"},
                "forced": {"type": "boolean"},
                "next_open": {"type": "string"}
            }
        },
        "notifications.Report": {
            "type": "object",
            "properties": {
                "ok": {"type": "boolean"},
                "run_id": {"type": "string"},
                "scope": {"type": "string"},
                "window": {"$ref": "#/definitions/notifications.WindowInfo"},
                "deferred": {"type": "boolean"},
                "counts": {"type": "object", "additionalProperties": {"type": "integer"}},
                "observed": {"type": "integer"},
                "baselined": {"type": "integer"},
                "enqueued": {"type": "integer"},
                "settled": {"type": "integer"},
                "loaded": {"type": "integer"},
                "delivered": {"type": "integer"},
                "duplicates": {"type": "integer"},
                "no_audience": {"type": "integer"},
                "inconsistent": {"type": "integer"},
                "skipped": {"type": "integer"},
                "retired": {"type": "integer"},
                "stopped_early": {"type": "boolean"},
                "webpush_sent": {"type": "integer"},
                "webpush_failed": {"type": "integer"},
                "gateway_sent": {"type": "integer"},
                "gateway_failed": {"type": "integer"},
                "pruned": {"type": "integer"},
                "purged_events": {"type": "integer"},
                "purged_ledger": {"type": "integer"},
                "errors": {"type": "array", "items": {"type": "string"}},
                "duration_ms": {"type": "integer"}
            }
        },
        "respond.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {
                    "type": "object",
                    "properties": {
                        "code": {"type": "string"},
                        "message": {"type": "string"},
                        "detail": {"type": "string"}
                    }
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:8000",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "Parkwatch Notifier API",
	Description:      "Change detection and notification dispatch for park attraction state.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

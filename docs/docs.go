// Package docs registers the OpenAPI document served under /swagger.
// Regenerate with: swag init -g cmd/api/main.go
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/jobs": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "List the caller's jobs",
                "parameters": [
                    {"type": "integer", "description": "page number, 20 per page", "name": "page", "in": "query"},
                    {"type": "string", "description": "PENDING, RUNNING, SUCCEEDED or FAILED", "name": "status", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/httptransport.jobResp"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Registers the document, creates a PENDING job and enqueues it.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Submit a document for analysis",
                "parameters": [
                    {"description": "document reference", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httptransport.createJobDTO"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httptransport.createJobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/api/jobs/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Returns the job and its latest result, if any.",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job by id",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/api/jobs/{id}/result": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job result",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.resultResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/api/admin/deliveries/failed": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Deliveries that exhausted their retries, newest first. Kept for 24h.",
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "List dead deliveries",
                "parameters": [
                    {"type": "integer", "description": "max entries (default 50)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/httptransport.deliveryResp"}}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/api/admin/deliveries/{handle}/replay": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Requeue a dead delivery",
                "parameters": [
                    {"type": "string", "description": "delivery handle", "name": "handle", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "httptransport.apiError": {
            "type": "object",
            "properties": {"message": {"type": "string"}}
        },
        "httptransport.createJobDTO": {
            "type": "object",
            "properties": {"storage_key": {"type": "string"}, "meta": {"type": "string"}}
        },
        "httptransport.createJobResp": {
            "type": "object",
            "properties": {"id": {"type": "string"}, "status": {"type": "string"}}
        },
        "httptransport.resultResp": {
            "type": "object",
            "properties": {
                "probability": {"type": "number"},
                "summary": {"type": "string"},
                "feature_summary": {"type": "object", "additionalProperties": {"type": "number"}},
                "latency_ms": {"type": "integer"},
                "created_at": {"type": "string"}
            }
        },
        "httptransport.jobResp": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "document_id": {"type": "string"},
                "status": {"type": "string"},
                "meta": {"type": "string"},
                "result": {"$ref": "#/definitions/httptransport.resultResp"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "httptransport.deliveryResp": {
            "type": "object",
            "properties": {
                "handle": {"type": "string"},
                "job_id": {"type": "string"},
                "attempts": {"type": "integer"},
                "last_error": {"type": "string"},
                "failed_at": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "textdetect API",
	Description:      "Submit documents for AI-text detection and read back results.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

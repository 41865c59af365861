package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/acpx/internal/logx"
)

var openapiJSON = mustOpenAPISchema()

func mustOpenAPISchema() []byte {
	rpcMessage := map[string]any{
		"type":        "object",
		"description": "A single JSON-RPC 2.0 message",
	}
	serverIDParam := []any{
		map[string]any{
			"name":     "serverId",
			"in":       "path",
			"required": true,
			"schema":   map[string]any{"type": "string"},
		},
	}
	schema := map[string]any{
		"openapi": "3.0.0",
		"info": map[string]any{
			"title":   "acpx bridge API",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/acp/{serverId}": map[string]any{
				"parameters": serverIDParam,
				"post": map[string]any{
					"summary": "Forward a JSON-RPC message to the agent",
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{"schema": rpcMessage},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Agent response"},
						"202": map[string]any{"description": "Notification or client response accepted"},
						"400": map[string]any{"description": "Unparseable message"},
						"500": map[string]any{"description": "Bridge failure or timeout"},
					},
				},
				"get": map[string]any{
					"summary": "Stream the protocol transcript as SSE",
					"parameters": []any{
						map[string]any{
							"name":   "Last-Event-ID",
							"in":     "header",
							"schema": map[string]any{"type": "integer"},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Event stream"},
						"404": map[string]any{"description": "Unknown server id"},
					},
				},
				"delete": map[string]any{
					"summary": "Stop the server's agent process",
					"responses": map[string]any{
						"204": map[string]any{"description": "Stopped or already absent"},
					},
				},
			},
			"/acp/{serverId}/ws": map[string]any{
				"parameters": serverIDParam,
				"get": map[string]any{
					"summary": "Stream the protocol transcript over a websocket",
					"responses": map[string]any{
						"101": map[string]any{"description": "Switching protocols"},
						"404": map[string]any{"description": "Unknown server id"},
					},
				},
			},
			"/acp/{serverId}/status": map[string]any{
				"parameters": serverIDParam,
				"get": map[string]any{
					"summary": "Bridge and subprocess status",
					"responses": map[string]any{
						"200": map[string]any{"description": "Status"},
						"404": map[string]any{"description": "Unknown server id"},
					},
				},
			},
			"/api/restart": map[string]any{
				"post": map[string]any{
					"summary": "Restart every agent process",
					"responses": map[string]any{
						"202": map[string]any{"description": "Count of restarted bridges"},
					},
				},
			},
			"/fs/list": map[string]any{
				"get": map[string]any{
					"summary": "List a workspace directory",
					"responses": map[string]any{
						"200": map[string]any{"description": "Directory entries"},
					},
				},
			},
			"/fs/read": map[string]any{
				"get": map[string]any{
					"summary": "Read a workspace file",
					"responses": map[string]any{
						"200": map[string]any{"description": "File contents"},
					},
				},
			},
			"/healthz": map[string]any{
				"get": map[string]any{
					"summary": "Liveness probe",
					"responses": map[string]any{
						"200": map[string]any{"description": "OK"},
					},
				},
			},
			"/metrics": map[string]any{
				"get": map[string]any{
					"summary": "Prometheus metrics",
					"responses": map[string]any{
						"200": map[string]any{"description": "Metrics exposition"},
					},
				},
			},
		},
	}
	data, err := json.Marshal(schema)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("marshal openapi schema")
	}
	return data
}

// ValidateOpenAPI checks the embedded schema; called once at startup.
func ValidateOpenAPI(ctx context.Context) error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiJSON)
	if err != nil {
		return err
	}
	return doc.Validate(ctx)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(openapiJSON)
}

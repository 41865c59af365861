package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
)

func TestOpenAPISchemaIsValid(t *testing.T) {
	if err := ValidateOpenAPI(context.Background()); err != nil {
		t.Fatalf("schema invalid: %v", err)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	srv, _, _ := newTestEnv(t)
	resp, err := http.Get(srv.URL + "/api/openapi.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.OpenAPI != "3.0.0" {
		t.Fatalf("openapi = %s", doc.OpenAPI)
	}
	for _, p := range []string{"/acp/{serverId}", "/acp/{serverId}/status", "/healthz"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("path %s missing", p)
		}
	}
	// templated paths must declare their serverId parameter
	for _, p := range []string{"/acp/{serverId}", "/acp/{serverId}/ws", "/acp/{serverId}/status"} {
		item := doc.Paths[p].(map[string]any)
		params, ok := item["parameters"].([]any)
		if !ok || len(params) == 0 {
			t.Fatalf("path %s declares no parameters", p)
		}
		first := params[0].(map[string]any)
		if first["name"] != "serverId" || first["in"] != "path" {
			t.Fatalf("path %s parameter = %v", p, first)
		}
	}
}

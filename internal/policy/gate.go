// Package policy enforces the tool allow-list at the three containment
// points of the bridge: session-config injection, outbound call denial,
// and inbound discovery filtering. The agent runtime is an opaque third
// party, so no single layer is trusted on its own.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultDeniedBuiltins names the agent runtime's own built-in tools.
// They are pushed into session options as disallowed so the runtime
// disables them itself; the call-time and discovery-time checks still
// apply if it does not.
var DefaultDeniedBuiltins = []string{
	"Bash", "Edit", "Write", "Read", "Glob", "Grep", "WebFetch", "WebSearch",
}

// Gate holds the fixed tool allow-list and the companion deny-list.
type Gate struct {
	allowed    map[string]struct{}
	allowOrder []string
	denied     []string
}

// New constructs a Gate. A nil or empty denied list falls back to
// DefaultDeniedBuiltins.
func New(allowed, denied []string) *Gate {
	g := &Gate{allowed: make(map[string]struct{}, len(allowed))}
	for _, name := range allowed {
		if name == "" {
			continue
		}
		if _, dup := g.allowed[name]; dup {
			continue
		}
		g.allowed[name] = struct{}{}
		g.allowOrder = append(g.allowOrder, name)
	}
	if len(denied) == 0 {
		denied = DefaultDeniedBuiltins
	}
	g.denied = append([]string(nil), denied...)
	return g
}

// Allows reports whether the named tool is on the allow-list.
func (g *Gate) Allows(tool string) bool {
	_, ok := g.allowed[tool]
	return ok
}

// AllowedTools returns the allow-list in its configured order.
func (g *Gate) AllowedTools() []string { return append([]string(nil), g.allowOrder...) }

// DeniedTools returns the deny-list of runtime built-ins.
func (g *Gate) DeniedTools() []string { return append([]string(nil), g.denied...) }

// InjectSessionOptions rewrites the params of a session-start request so
// that params._meta.claudeCode.options carries the allow/deny-lists,
// asking the runtime to disable its own built-ins.
func (g *Gate) InjectSessionOptions(params json.RawMessage) (json.RawMessage, error) {
	root := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &root); err != nil {
			return nil, fmt.Errorf("session params are not an object: %w", err)
		}
	}
	meta, _ := root["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	claude, _ := meta["claudeCode"].(map[string]any)
	if claude == nil {
		claude = map[string]any{}
	}
	options, _ := claude["options"].(map[string]any)
	if options == nil {
		options = map[string]any{}
	}
	options["allowedTools"] = g.AllowedTools()
	options["disallowedTools"] = g.DeniedTools()
	claude["options"] = options
	meta["claudeCode"] = claude
	root["_meta"] = meta
	return json.Marshal(root)
}

// ToolCallName extracts the tool name of a tools/call request.
func ToolCallName(params json.RawMessage) (string, error) {
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("invalid tools/call params: %w", err)
	}
	if p.Name == "" {
		return "", fmt.Errorf("tools/call params missing tool name")
	}
	return p.Name, nil
}

// FilterToolsList rewrites a tools/list result so that only allow-listed
// tools remain, preserving their relative order and their original raw
// JSON. Fields other than the tool array pass through untouched.
func (g *Gate) FilterToolsList(result json.RawMessage) (json.RawMessage, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(result, &root); err != nil {
		return nil, fmt.Errorf("invalid tools/list result: %w", err)
	}
	rawTools, ok := root["tools"]
	if !ok {
		return result, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(rawTools, &entries); err != nil {
		return nil, fmt.Errorf("invalid tools array: %w", err)
	}
	kept := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		var tool mcp.Tool
		if err := json.Unmarshal(entry, &tool); err != nil {
			continue
		}
		if g.Allows(tool.Name) {
			kept = append(kept, entry)
		}
	}
	filtered, err := json.Marshal(kept)
	if err != nil {
		return nil, err
	}
	root["tools"] = filtered
	return json.Marshal(root)
}

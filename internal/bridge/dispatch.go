package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gaspardpetit/acpx/internal/acp"
)

// dispatchServerRequest answers a request the agent initiated. Each
// request runs in its own goroutine and produces exactly one response,
// so a blocking terminal/wait_for_exit never stalls the read pump.
func (b *Bridge) dispatchServerRequest(msg acp.Message) {
	var resp acp.Message
	switch msg.Method {
	case "session/request_permission":
		resp = b.handlePermission(msg)
	case "fs/read_text_file":
		resp = b.handleFSRead(msg)
	case "fs/write_text_file":
		resp = b.handleFSWrite(msg)
	case "terminal/create":
		resp = b.handleTerminalCreate(msg)
	case "terminal/output":
		resp = b.handleTerminalOutput(msg)
	case "terminal/wait_for_exit":
		resp = b.handleTerminalWait(msg)
	case "terminal/kill":
		resp = b.handleTerminalKill(msg)
	case "terminal/release":
		resp = b.handleTerminalRelease(msg)
	default:
		b.log.Warn().Str("method", msg.Method).Msg("unknown agent request")
		resp = acp.NewError(msg.ID, acp.CodeMethodNotFound, "method not found: "+msg.Method)
	}
	b.writeResponse(resp)
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

// handlePermission auto-approves permission prompts. When the prompt
// offers discrete options the least surprising affirmative one wins:
// allow_always first, then allow_once.
func (b *Bridge) handlePermission(msg acp.Message) acp.Message {
	var p struct {
		Options []permissionOption `json:"options"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return acp.NewError(msg.ID, acp.CodeInvalidParams, "invalid permission params: "+err.Error())
		}
	}
	var picked string
	for _, kind := range []string{"allow_always", "allow_once"} {
		for _, opt := range p.Options {
			if opt.Kind == kind {
				picked = opt.OptionID
				break
			}
		}
		if picked != "" {
			break
		}
	}
	var result []byte
	if picked != "" {
		result, _ = json.Marshal(map[string]any{
			"outcome": map[string]any{"outcome": "selected", "optionId": picked},
		})
	} else {
		result, _ = json.Marshal(map[string]any{
			"outcome": map[string]any{"outcome": "approved"},
		})
	}
	b.log.Debug().Str("option", picked).Msg("permission auto-approved")
	return acp.NewResponse(msg.ID, result)
}

// resolvePath anchors relative paths at the workspace root and rejects
// escapes above it.
func (b *Bridge) resolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.root, path)
	}
	clean := filepath.Clean(path)
	if b.root != "" {
		rel, err := filepath.Rel(b.root, clean)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q is outside the workspace", path)
		}
	}
	return clean, nil
}

func (b *Bridge) handleFSRead(msg acp.Message) acp.Message {
	var p struct {
		Path  string `json:"path"`
		Line  *int   `json:"line"`
		Limit *int   `json:"limit"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Path == "" {
		return acp.NewError(msg.ID, acp.CodeInvalidParams, "fs/read_text_file requires a path")
	}
	path, err := b.resolvePath(p.Path)
	if err != nil {
		return acp.NewError(msg.ID, acp.CodeInvalidParams, err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return acp.NewError(msg.ID, acp.CodeInternalError, "read file: "+err.Error())
	}
	content := string(data)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 1 {
			start = *p.Line - 1
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if p.Limit != nil && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	result, _ := json.Marshal(map[string]string{"content": content})
	return acp.NewResponse(msg.ID, result)
}

func (b *Bridge) handleFSWrite(msg acp.Message) acp.Message {
	var p struct {
		Path    string  `json:"path"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Path == "" || p.Content == nil {
		return acp.NewError(msg.ID, acp.CodeInvalidParams, "fs/write_text_file requires path and content")
	}
	path, err := b.resolvePath(p.Path)
	if err != nil {
		return acp.NewError(msg.ID, acp.CodeInvalidParams, err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return acp.NewError(msg.ID, acp.CodeInternalError, "create directory: "+err.Error())
	}
	if err := os.WriteFile(path, []byte(*p.Content), 0o644); err != nil {
		return acp.NewError(msg.ID, acp.CodeInternalError, "write file: "+err.Error())
	}
	return acp.NewResponse(msg.ID, nil)
}

type terminalEnvEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (b *Bridge) handleTerminalCreate(msg acp.Message) acp.Message {
	var p struct {
		Command string             `json:"command"`
		Args    []string           `json:"args"`
		Cwd     string             `json:"cwd"`
		Env     []terminalEnvEntry `json:"env"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Command == "" {
		return acp.NewError(msg.ID, acp.CodeInvalidParams, "terminal/create requires a command")
	}
	cwd := p.Cwd
	if cwd == "" {
		cwd = b.root
	}
	env := make([]string, 0, len(p.Env))
	for _, e := range p.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	id, err := b.terms.Create(p.Command, p.Args, cwd, env)
	if err != nil {
		return acp.NewError(msg.ID, acp.CodeInternalError, "start command: "+err.Error())
	}
	result, _ := json.Marshal(map[string]string{"terminalId": id})
	return acp.NewResponse(msg.ID, result)
}

func terminalID(msg acp.Message) (string, *acp.Message) {
	var p struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.TerminalID == "" {
		e := acp.NewError(msg.ID, acp.CodeInvalidParams, "terminalId is required")
		return "", &e
	}
	return p.TerminalID, nil
}

func (b *Bridge) handleTerminalOutput(msg acp.Message) acp.Message {
	id, errResp := terminalID(msg)
	if errResp != nil {
		return *errResp
	}
	out, err := b.terms.Output(id)
	if err != nil {
		return acp.NewError(msg.ID, acp.CodeInvalidParams, err.Error())
	}
	result, _ := json.Marshal(map[string]any{"output": out, "truncated": false})
	return acp.NewResponse(msg.ID, result)
}

func (b *Bridge) handleTerminalWait(msg acp.Message) acp.Message {
	id, errResp := terminalID(msg)
	if errResp != nil {
		return *errResp
	}
	ch, err := b.terms.Wait(id)
	if err != nil {
		return acp.NewError(msg.ID, acp.CodeInvalidParams, err.Error())
	}
	code := <-ch
	result, _ := json.Marshal(map[string]any{"exitStatus": map[string]int{"exitCode": code}})
	return acp.NewResponse(msg.ID, result)
}

func (b *Bridge) handleTerminalKill(msg acp.Message) acp.Message {
	id, errResp := terminalID(msg)
	if errResp != nil {
		return *errResp
	}
	if err := b.terms.Kill(id); err != nil {
		if errors.Is(err, errTerminalNotFound) {
			return acp.NewError(msg.ID, acp.CodeInvalidParams, err.Error())
		}
		return acp.NewError(msg.ID, acp.CodeInternalError, err.Error())
	}
	return acp.NewResponse(msg.ID, nil)
}

func (b *Bridge) handleTerminalRelease(msg acp.Message) acp.Message {
	id, errResp := terminalID(msg)
	if errResp != nil {
		return *errResp
	}
	b.terms.Release(id)
	return acp.NewResponse(msg.ID, nil)
}

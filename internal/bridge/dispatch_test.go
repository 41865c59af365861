package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestPermissionPrefersAllowAlways(t *testing.T) {
	_, fp := newTestBridge(t, Options{})
	fp.emit(`{"jsonrpc":"2.0","id":10,"method":"session/request_permission","params":{"options":[{"optionId":"rej","kind":"reject_once"},{"optionId":"once","kind":"allow_once"},{"optionId":"always","kind":"allow_always"}]}}`)
	reply := fp.nextLine(t)
	outcome := reply["result"].(map[string]any)["outcome"].(map[string]any)
	if outcome["outcome"] != "selected" || outcome["optionId"] != "always" {
		t.Fatalf("outcome = %v", outcome)
	}
}

func TestPermissionFallsBackToAllowOnce(t *testing.T) {
	_, fp := newTestBridge(t, Options{})
	fp.emit(`{"jsonrpc":"2.0","id":11,"method":"session/request_permission","params":{"options":[{"optionId":"once","kind":"allow_once"}]}}`)
	reply := fp.nextLine(t)
	outcome := reply["result"].(map[string]any)["outcome"].(map[string]any)
	if outcome["optionId"] != "once" {
		t.Fatalf("outcome = %v", outcome)
	}
}

func TestPermissionWithoutOptionsApproves(t *testing.T) {
	_, fp := newTestBridge(t, Options{})
	fp.emit(`{"jsonrpc":"2.0","id":12,"method":"session/request_permission","params":{}}`)
	reply := fp.nextLine(t)
	outcome := reply["result"].(map[string]any)["outcome"].(map[string]any)
	if outcome["outcome"] != "approved" {
		t.Fatalf("outcome = %v", outcome)
	}
}

func TestFSWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	_, fp := newTestBridge(t, Options{WorkspaceRoot: dir})

	fp.emit(`{"jsonrpc":"2.0","id":20,"method":"fs/write_text_file","params":{"path":"sub/out.txt","content":"line1\nline2\nline3"}}`)
	reply := fp.nextLine(t)
	if reply["error"] != nil {
		t.Fatalf("write failed: %v", reply["error"])
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "out.txt"))
	if err != nil || string(data) != "line1\nline2\nline3" {
		t.Fatalf("file = %q, %v", data, err)
	}

	fp.emit(`{"jsonrpc":"2.0","id":21,"method":"fs/read_text_file","params":{"path":"sub/out.txt","line":2,"limit":1}}`)
	reply = fp.nextLine(t)
	content := reply["result"].(map[string]any)["content"].(string)
	if content != "line2" {
		t.Fatalf("content = %q", content)
	}
}

func TestFSWriteMissingContentRejected(t *testing.T) {
	_, fp := newTestBridge(t, Options{WorkspaceRoot: t.TempDir()})
	fp.emit(`{"jsonrpc":"2.0","id":22,"method":"fs/write_text_file","params":{"path":"x.txt"}}`)
	reply := fp.nextLine(t)
	code := reply["error"].(map[string]any)["code"].(float64)
	if code != -32602 {
		t.Fatalf("code = %v", code)
	}
}

func TestFSPathEscapeRejected(t *testing.T) {
	_, fp := newTestBridge(t, Options{WorkspaceRoot: t.TempDir()})
	fp.emit(`{"jsonrpc":"2.0","id":23,"method":"fs/read_text_file","params":{"path":"../../etc/passwd"}}`)
	reply := fp.nextLine(t)
	code := reply["error"].(map[string]any)["code"].(float64)
	if code != -32602 {
		t.Fatalf("code = %v", code)
	}
}

func TestUnknownServerMethod(t *testing.T) {
	_, fp := newTestBridge(t, Options{})
	fp.emit(`{"jsonrpc":"2.0","id":30,"method":"fs/delete_everything","params":{}}`)
	reply := fp.nextLine(t)
	code := reply["error"].(map[string]any)["code"].(float64)
	if code != -32601 {
		t.Fatalf("code = %v", code)
	}
}

func TestTerminalLifecycleViaDispatch(t *testing.T) {
	dir := t.TempDir()
	_, fp := newTestBridge(t, Options{WorkspaceRoot: dir})

	fp.emit(`{"jsonrpc":"2.0","id":40,"method":"terminal/create","params":{"command":"/bin/sh","args":["-c","printf marker; exit 3"]}}`)
	reply := fp.nextLine(t)
	termID := reply["result"].(map[string]any)["terminalId"].(string)
	if termID == "" {
		t.Fatal("no terminal id")
	}

	fp.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":41,"method":"terminal/wait_for_exit","params":{"terminalId":%q}}`, termID))
	reply = fp.nextLine(t)
	code := reply["result"].(map[string]any)["exitStatus"].(map[string]any)["exitCode"].(float64)
	if code != 3 {
		t.Fatalf("exit code = %v", code)
	}

	fp.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":42,"method":"terminal/output","params":{"terminalId":%q}}`, termID))
	reply = fp.nextLine(t)
	out := reply["result"].(map[string]any)["output"].(string)
	if out != "marker" {
		t.Fatalf("output = %q", out)
	}

	fp.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":43,"method":"terminal/release","params":{"terminalId":%q}}`, termID))
	reply = fp.nextLine(t)
	if reply["error"] != nil {
		t.Fatalf("release failed: %v", reply["error"])
	}

	fp.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":44,"method":"terminal/output","params":{"terminalId":%q}}`, termID))
	reply = fp.nextLine(t)
	if reply["error"] == nil {
		t.Fatal("released terminal still readable")
	}
}

func TestTerminalUnknownIDRejected(t *testing.T) {
	_, fp := newTestBridge(t, Options{})
	fp.emit(`{"jsonrpc":"2.0","id":50,"method":"terminal/kill","params":{"terminalId":"nope"}}`)
	reply := fp.nextLine(t)
	code := reply["error"].(map[string]any)["code"].(float64)
	if code != -32602 {
		t.Fatalf("code = %v", code)
	}
}

package acp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	m, err := Decode([]byte(`{"jsonrpc":"2.0","id":7,"method":"session/prompt","params":{"sessionId":"s1"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != KindRequest {
		t.Fatalf("kind = %s, want request", m.Kind)
	}
	if m.Method != "session/prompt" || string(m.ID) != "7" {
		t.Fatalf("unexpected fields: %+v", m)
	}
}

func TestDecodeNotification(t *testing.T) {
	m, err := Decode([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != KindNotification {
		t.Fatalf("kind = %s, want notification", m.Kind)
	}
}

func TestDecodeNullIDIsNotification(t *testing.T) {
	m, err := Decode([]byte(`{"jsonrpc":"2.0","id":null,"method":"session/update"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != KindNotification {
		t.Fatalf("kind = %s, want notification", m.Kind)
	}
}

func TestDecodeResponse(t *testing.T) {
	m, err := Decode([]byte(`{"jsonrpc":"2.0","id":"abc","result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != KindResponse || string(m.ID) != `"abc"` {
		t.Fatalf("unexpected: %+v", m)
	}
	if m.Err != nil {
		t.Fatalf("unexpected error object: %+v", m.Err)
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	m, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != KindResponse || m.Err == nil || m.Err.Code != CodeMethodNotFound {
		t.Fatalf("unexpected: %+v", m)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"jsonrpc":"2.0","id":1}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	orig := Message{Kind: KindRequest, ID: json.RawMessage(`42`), Method: "tools/call", Params: json.RawMessage(`{"name":"x"}`)}
	b, err := orig.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Kind != KindRequest || back.Method != orig.Method || string(back.ID) != "42" {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestEncodeEmptyResponseGetsResult(t *testing.T) {
	b, err := Message{Kind: KindResponse, ID: json.RawMessage(`1`)}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var w map[string]json.RawMessage
	if err := json.Unmarshal(b, &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(w["result"]) != `{}` {
		t.Fatalf("result = %s, want {}", w["result"])
	}
}

func TestNewError(t *testing.T) {
	m := NewError(json.RawMessage(`9`), CodeToolDenied, "tool denied: bash")
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Err == nil || back.Err.Code != CodeToolDenied {
		t.Fatalf("unexpected: %+v", back)
	}
}

func TestIsSessionStart(t *testing.T) {
	for _, method := range []string{"session/new", "session/load", "session/resume"} {
		if !IsSessionStart(method) {
			t.Fatalf("expected %s to be session start", method)
		}
	}
	if IsSessionStart("session/prompt") {
		t.Fatal("session/prompt is not a session start")
	}
}

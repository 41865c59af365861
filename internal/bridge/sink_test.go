package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/acpx/internal/logx"
)

func TestSinkDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []sinkEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env sinkEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	}))
	defer srv.Close()

	f := newSinkForwarder("srv-1", srv.URL, nil, "", logx.Log)
	defer f.Close()
	for i := 0; i < 10; i++ {
		f.Enqueue(Event{Seq: uint64(i), Payload: payload(i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of 10", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, env := range got {
		if env.EventID != uint64(i) || env.SessionID != "srv-1" {
			t.Fatalf("envelope %d = %+v", i, env)
		}
	}
}

func TestSinkFailureDoesNotBlock(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newSinkForwarder("srv-1", srv.URL, nil, "", logx.Log)
	defer f.Close()
	for i := 0; i < 5; i++ {
		f.Enqueue(Event{Seq: uint64(i), Payload: payload(i)})
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempted %d of 5", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSinkRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	f := newSinkForwarder("srv-1", "", rdb, "acpx:events", logx.Log)
	defer f.Close()
	for i := 0; i < 3; i++ {
		f.Enqueue(Event{Seq: uint64(i), Payload: payload(i)})
	}

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := rdb.XRange(ctx, "acpx:events", "-", "+").Result()
		if err == nil && len(entries) == 3 {
			if entries[0].Values["session"] != "srv-1" {
				t.Fatalf("entry = %+v", entries[0])
			}
			if entries[2].Values["event_id"] != "2" {
				t.Fatalf("event_id = %v", entries[2].Values["event_id"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirrored %d of 3 (%v)", len(entries), err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSinkDisabledWhenUnconfigured(t *testing.T) {
	if f := newSinkForwarder("srv-1", "", nil, "", logx.Log); f != nil {
		t.Fatal("expected nil forwarder")
	}
}

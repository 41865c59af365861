package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/acpx/internal/metrics"
)

// sinkEnvelope is the payload posted to the external event sink.
type sinkEnvelope struct {
	SessionID string          `json:"sessionId"`
	EventID   uint64          `json:"eventId"`
	Envelope  json.RawMessage `json:"envelope"`
}

// sinkForwarder delivers transcript events to an external HTTP sink and,
// optionally, mirrors them onto a Redis stream. A single consumer drains
// an ordered queue so the sink never observes out-of-order delivery.
// Delivery is best effort: failures are logged and dropped, and in-flight
// deliveries are not drained on Close.
type sinkForwarder struct {
	session string
	url     string
	client  *http.Client
	rdb     *redis.Client
	stream  string
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan Event
}

func newSinkForwarder(session, url string, rdb *redis.Client, stream string, log zerolog.Logger) *sinkForwarder {
	if url == "" && rdb == nil {
		return nil
	}
	f := &sinkForwarder{
		session: session,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		rdb:     rdb,
		stream:  stream,
		log:     log,
		ch:      make(chan Event, 4096),
	}
	go f.run()
	return f
}

// Enqueue queues an event for ordered delivery. A full queue drops the
// event rather than blocking the transcript path.
func (f *sinkForwarder) Enqueue(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- ev:
	default:
		metrics.RecordSinkFailure()
		f.log.Warn().Uint64("event_id", ev.Seq).Msg("sink queue full, event dropped")
	}
}

// Close stops the forwarder. Queued and in-flight deliveries may be lost.
func (f *sinkForwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
}

func (f *sinkForwarder) run() {
	for ev := range f.ch {
		f.deliver(ev)
	}
}

func (f *sinkForwarder) deliver(ev Event) {
	if f.url != "" {
		body, err := json.Marshal(sinkEnvelope{SessionID: f.session, EventID: ev.Seq, Envelope: ev.Payload})
		if err == nil {
			resp, postErr := f.client.Post(f.url, "application/json", bytes.NewReader(body))
			if postErr != nil {
				err = postErr
			} else {
				if resp.StatusCode >= 300 {
					err = fmt.Errorf("sink returned status %d", resp.StatusCode)
				}
				_ = resp.Body.Close()
			}
		}
		if err != nil {
			metrics.RecordSinkFailure()
			f.log.Warn().Err(err).Uint64("event_id", ev.Seq).Msg("sink delivery failed")
		}
	}
	if f.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := f.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: f.stream,
			Values: map[string]any{
				"session":  f.session,
				"event_id": ev.Seq,
				"envelope": string(ev.Payload),
			},
		}).Err()
		cancel()
		if err != nil {
			metrics.RecordSinkFailure()
			f.log.Warn().Err(err).Uint64("event_id", ev.Seq).Msg("redis mirror failed")
		}
	}
}
